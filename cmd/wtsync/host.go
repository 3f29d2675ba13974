package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"wtsync.dev/internal/config"
	"wtsync.dev/internal/protocol"
)

// fileHost stands in for the game client: the local snapshot comes from a
// JSON file and the group from the host section of the config file. Both are
// re-read when their modification time changes.
type fileHost struct {
	snapshotPath string
	configPath   string
	log          *log.Logger
	now          func() time.Time

	mu      sync.Mutex
	host    config.HostConfig
	snap    *protocol.Snapshot
	snapMod time.Time
	cfgMod  time.Time
	subs    map[int]func()
	next    int
}

func newFileHost(configPath, snapshotPath string, cfg config.Config, logger *log.Logger) *fileHost {
	h := &fileHost{
		snapshotPath: snapshotPath,
		configPath:   configPath,
		log:          logger,
		now:          time.Now,
		host:         cfg.Host,
		subs:         map[int]func(){},
	}
	if fi, err := os.Stat(configPath); err == nil {
		h.cfgMod = fi.ModTime()
	}
	if _, err := h.reloadSnapshot(); err != nil {
		logger.Printf("snapshot: %v", err)
	}
	return h
}

func (h *fileHost) LocalIdentity() (protocol.Identity, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	self := h.host.Self()
	if self.Name == "" && self.ContentID == 0 {
		return "", false
	}
	return self.Identity(), true
}

// ReadSnapshot returns nil once the snapshot has expired.
func (h *fileHost) ReadSnapshot() *protocol.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.snap.Expired(h.now()) {
		return nil
	}
	return h.snap.Clone()
}

func (h *fileHost) Members() []protocol.Member {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.host.Members()
}

func (h *fileHost) OnChange(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

// poll re-reads changed files. It reports whether the snapshot changed and
// notifies member subscribers when the group changed.
func (h *fileHost) poll() bool {
	changed, err := h.reloadSnapshot()
	if err != nil {
		h.log.Printf("snapshot: %v", err)
	}
	if h.reloadGroup() {
		h.mu.Lock()
		fns := make([]func(), 0, len(h.subs))
		for _, fn := range h.subs {
			fns = append(fns, fn)
		}
		h.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	}
	return changed
}

func (h *fileHost) reloadSnapshot() (bool, error) {
	if h.snapshotPath == "" {
		return false, nil
	}
	fi, err := os.Stat(h.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		h.mu.Lock()
		defer h.mu.Unlock()
		had := h.snap != nil
		h.snap = nil
		h.snapMod = time.Time{}
		return had, nil
	}
	if err != nil {
		return false, err
	}
	h.mu.Lock()
	same := fi.ModTime().Equal(h.snapMod)
	h.mu.Unlock()
	if same {
		return false, nil
	}

	snap, err := readSnapshot(h.snapshotPath)
	if err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapMod = fi.ModTime()
	if h.snap.Equal(snap) {
		return false, nil
	}
	h.snap = snap
	return true, nil
}

func (h *fileHost) reloadGroup() bool {
	if h.configPath == "" {
		return false
	}
	fi, err := os.Stat(h.configPath)
	if err != nil {
		return false
	}
	h.mu.Lock()
	same := fi.ModTime().Equal(h.cfgMod)
	h.mu.Unlock()
	if same {
		return false
	}
	cfg, err := config.Load(h.configPath)
	if err != nil {
		h.log.Printf("config: %v", err)
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfgMod = fi.ModTime()
	h.host = cfg.Host
	return true
}

func readSnapshot(path string) (*protocol.Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap protocol.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &snap, nil
}
