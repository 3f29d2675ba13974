// Package ws serves the per-group party feed: each subscriber names the
// identities it follows and receives their snapshots as they change.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wtsync.dev/internal/protocol"
)

const (
	MaxPeers = 32

	writeWait    = 5 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 20 * time.Second
	outQueue     = 64
)

// Source provides the stored snapshots sent on subscribe.
type Source interface {
	GetSnapshots(ctx context.Context, ids []protocol.Identity) (map[protocol.Identity]*protocol.Snapshot, error)
}

type subscriber struct {
	ids  []protocol.Identity
	key  string
	conn *websocket.Conn
	out  chan []byte

	// Until the initial message is queued, updates wait in backlog.
	mu      sync.Mutex
	ready   bool
	backlog [][]byte

	closeOnce sync.Once
	done      chan struct{}
}

func (s *subscriber) follows(id protocol.Identity) bool {
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
	return i < len(s.ids) && s.ids[i] == id
}

// send queues b without blocking. A subscriber that cannot keep up is
// disconnected.
func (s *subscriber) send(b []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		if len(s.backlog) >= outQueue {
			s.close()
			return false
		}
		s.backlog = append(s.backlog, b)
		return true
	}
	return s.enqueueLocked(b)
}

// start queues the initial message followed by every update that arrived
// while it was being loaded.
func (s *subscriber) start(initial []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enqueueLocked(initial) {
		return false
	}
	for _, b := range s.backlog {
		if !s.enqueueLocked(b) {
			return false
		}
	}
	s.backlog = nil
	s.ready = true
	return true
}

func (s *subscriber) enqueueLocked(b []byte) bool {
	select {
	case s.out <- b:
		return true
	default:
		s.close()
		return false
	}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

type Server struct {
	src Source
	log *log.Logger

	upgrader websocket.Upgrader

	// OnConnections is called with the total subscriber count after every
	// subscribe and unsubscribe.
	OnConnections func(total int)

	mu     sync.Mutex
	groups map[string]map[*subscriber]struct{}
	total  int
}

func NewServer(src Source, logger *log.Logger) *Server {
	return &Server{
		src: src,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		groups: map[string]map[*subscriber]struct{}{},
	}
}

// ParseIDs decodes the comma separated identity list of a feed path.
func ParseIDs(raw string) ([]protocol.Identity, error) {
	seen := map[protocol.Identity]struct{}{}
	var ids []protocol.Identity
	for _, part := range strings.Split(raw, ",") {
		id := protocol.Identity(strings.TrimSpace(part))
		if !id.Valid() {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no identities")
	}
	if len(ids) > MaxPeers {
		return nil, fmt.Errorf("too many identities: %d > %d", len(ids), MaxPeers)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func groupKey(ids []protocol.Identity) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

// Handler serves /party/{ids}.
func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		raw := r.PathValue("ids")
		if raw == "" {
			raw = strings.TrimPrefix(r.URL.Path, "/party/")
		}
		ids, err := ParseIDs(raw)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}

		sub := &subscriber{
			ids:  ids,
			key:  groupKey(ids),
			conn: conn,
			out:  make(chan []byte, outQueue),
			done: make(chan struct{}),
		}
		defer sub.close()

		// Subscribe before loading so no update published meanwhile is lost.
		s.subscribe(sub)
		defer s.unsubscribe(sub)

		// Writer goroutine.
		go func() {
			ping := time.NewTicker(pingInterval)
			defer ping.Stop()
			for {
				select {
				case <-sub.done:
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
						sub.close()
						return
					}
				case b := <-sub.out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						sub.close()
						return
					}
				}
			}
		}()

		initial, ok := s.loadInitial(r.Context(), sub)
		if !ok || !sub.start(initial) {
			return
		}

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			if base.Msg == protocol.MsgGetStatus {
				sub.send(mustJSON(protocol.StatusMsg{Msg: protocol.MsgStatus, Connections: s.GroupSize(sub.key)}))
			}
		}
	}
}

func (s *Server) loadInitial(ctx context.Context, sub *subscriber) ([]byte, bool) {
	results := []protocol.StatusAndID{}
	if s.src != nil {
		snaps, err := s.src.GetSnapshots(ctx, sub.ids)
		if err != nil {
			s.printf("party %s: load snapshots: %v", sub.key, err)
			_ = sub.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "load failed"), time.Now().Add(time.Second))
			return nil, false
		}
		for _, id := range sub.ids {
			if snap, ok := snaps[id]; ok {
				results = append(results, protocol.StatusAndID{ID: id, Status: snap})
			}
		}
	}
	return mustJSON(protocol.InitialMsg{Msg: protocol.MsgInitial, Results: results}), true
}

func (s *Server) subscribe(sub *subscriber) {
	s.mu.Lock()
	g := s.groups[sub.key]
	if g == nil {
		g = map[*subscriber]struct{}{}
		s.groups[sub.key] = g
	}
	g[sub] = struct{}{}
	s.total++
	total := s.total
	s.mu.Unlock()

	s.notify(total)
}

func (s *Server) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	if g := s.groups[sub.key]; g != nil {
		if _, ok := g[sub]; ok {
			delete(g, sub)
			s.total--
		}
		if len(g) == 0 {
			delete(s.groups, sub.key)
		}
	}
	total := s.total
	s.mu.Unlock()

	s.notify(total)
}

func (s *Server) notify(total int) {
	if s.OnConnections != nil {
		s.OnConnections(total)
	}
}

// GroupSize counts subscribers following exactly the same identities.
func (s *Server) GroupSize(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups[key])
}

// Connections counts every live subscriber.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Publish sends the new snapshot of id to every subscriber following it and
// returns how many were reached. A nil snapshot announces an erase.
func (s *Server) Publish(id protocol.Identity, snap *protocol.Snapshot) int {
	s.mu.Lock()
	var targets []*subscriber
	for _, g := range s.groups {
		for sub := range g {
			if sub.follows(id) {
				targets = append(targets, sub)
			}
		}
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return 0
	}
	b := mustJSON(protocol.UpdateMsg{Msg: protocol.MsgUpdate, Data: protocol.StatusAndID{ID: id, Status: snap}})
	n := 0
	for _, sub := range targets {
		if sub.send(b) {
			n++
		} else {
			s.printf("party %s: dropped slow subscriber", sub.key)
		}
	}
	return n
}

// Close disconnects every subscriber.
func (s *Server) Close() {
	s.mu.Lock()
	var subs []*subscriber
	for _, g := range s.groups {
		for sub := range g {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (s *Server) printf(format string, args ...any) {
	if s.log == nil {
		return
	}
	s.log.Printf(format, args...)
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
