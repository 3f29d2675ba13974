package remote

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"wtsync.dev/internal/protocol"
)

const DefaultQuietPeriod = 5 * time.Second

type Submitter interface {
	Submit(ctx context.Context, req protocol.SubmitRequest) error
}

// Recorder receives a copy of every accepted submission.
type Recorder interface {
	Record(kind string, payload any) error
}

type SchedulerConfig struct {
	Client      Submitter
	QuietPeriod time.Duration
	Anonymous   bool
	Logger      *log.Logger
	Journal     Recorder
}

// Scheduler coalesces snapshot updates per identity and submits them after a
// quiet period. At most one submission round runs at a time.
type Scheduler struct {
	cfg SchedulerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu         sync.Mutex
	pending    map[protocol.Identity]*protocol.Snapshot
	retried    map[protocol.Identity]bool
	inFlight   bool
	loggingOut bool
	closed     bool
	anonymous  bool
	lastErr    string
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = DefaultQuietPeriod
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		pending:   map[protocol.Identity]*protocol.Snapshot{},
		retried:   map[protocol.Identity]bool{},
		anonymous: cfg.Anonymous,
	}
}

// PostUpdate queues the latest snapshot for id, replacing any queued value.
func (s *Scheduler) PostUpdate(id protocol.Identity, snap *protocol.Snapshot) {
	if !id.Valid() {
		return
	}
	s.mu.Lock()
	s.loggingOut = false
	s.pending[id] = snap.Clone()
	delete(s.retried, id)
	s.mu.Unlock()
	s.maybeSchedule()
}

// HandleLogout replaces everything queued with erasures for ids and submits
// them without waiting for the quiet period.
func (s *Scheduler) HandleLogout(ids []protocol.Identity) {
	s.mu.Lock()
	s.loggingOut = true
	s.pending = make(map[protocol.Identity]*protocol.Snapshot, len(ids))
	s.retried = map[protocol.Identity]bool{}
	for _, id := range ids {
		if id.Valid() {
			s.pending[id] = nil
		}
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.maybeSchedule()
}

func (s *Scheduler) SetAnonymous(v bool) {
	s.mu.Lock()
	s.anonymous = v
	s.mu.Unlock()
}

// HasPendingSubmission reports whether a round is waiting or running.
func (s *Scheduler) HasPendingSubmission() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *Scheduler) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Pending returns a copy of the queued, not yet submitted values.
func (s *Scheduler) Pending() map[protocol.Identity]*protocol.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[protocol.Identity]*protocol.Snapshot, len(s.pending))
	for id, v := range s.pending {
		out[id] = v.Clone()
	}
	return out
}

// WaitIdle blocks until nothing is queued or in flight.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		s.mu.Lock()
		idle := !s.inFlight && len(s.pending) == 0
		s.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Close abandons queued values and waits for a running round to stop.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) maybeSchedule() {
	s.mu.Lock()
	if s.closed || s.inFlight || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	s.wg.Add(1)
	s.mu.Unlock()
	go s.round()
}

func (s *Scheduler) round() {
	defer s.wg.Done()

	// Drop a wake left over from an earlier logout before reading the flag.
	select {
	case <-s.wake:
	default:
	}
	s.mu.Lock()
	immediate := s.loggingOut
	s.mu.Unlock()

	if !immediate {
		t := time.NewTimer(s.cfg.QuietPeriod)
		select {
		case <-t.C:
		case <-s.wake:
			t.Stop()
		case <-s.ctx.Done():
			t.Stop()
			s.mu.Lock()
			s.inFlight = false
			s.mu.Unlock()
			return
		}
	}

	s.mu.Lock()
	batch := s.pending
	retried := s.retried
	anonymous := s.anonymous
	s.pending = map[protocol.Identity]*protocol.Snapshot{}
	s.retried = map[protocol.Identity]bool{}
	s.mu.Unlock()

	ids := make([]protocol.Identity, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	failed := false
	for _, id := range ids {
		if s.ctx.Err() != nil {
			failed = true
			break
		}
		snap := batch[id]
		req := protocol.SubmitRequest{ID: id, Anonymous: anonymous, Status: snap}
		err := s.cfg.Client.Submit(s.ctx, req)
		if err == nil {
			if s.cfg.Journal != nil {
				if jerr := s.cfg.Journal.Record("submit", req); jerr != nil {
					s.printf("journal submit failed: %v", jerr)
				}
			}
			continue
		}
		failed = true
		s.handleFailure(id, snap, retried[id], err)
	}

	s.mu.Lock()
	if !failed {
		s.lastErr = ""
	}
	s.inFlight = false
	s.mu.Unlock()
	s.maybeSchedule()
}

func (s *Scheduler) handleFailure(id protocol.Identity, snap *protocol.Snapshot, wasRetry bool, err error) {
	var se *StatusError
	if !errors.As(err, &se) {
		s.printf("submit %s failed: %v", id, err)
		s.setLastError(err.Error())
		return
	}
	if se.Body != "" {
		s.setLastError(se.Body)
	} else {
		s.setLastError(se.Error())
	}
	if !se.Transient() {
		s.printf("submit %s rejected: %v", id, se)
		return
	}
	if wasRetry {
		s.printf("submit %s failed again, dropping: %v", id, se)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, newer := s.pending[id]; newer {
		s.printf("submit %s failed, newer value queued: %v", id, se)
		return
	}
	s.pending[id] = snap
	s.retried[id] = true
	s.printf("submit %s failed, retrying: %v", id, se)
}

func (s *Scheduler) setLastError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

func (s *Scheduler) printf(format string, args ...any) {
	if s != nil && s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}
