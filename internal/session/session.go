// Package session owns the per-group sync state: it pushes local snapshots
// through the scheduler, subscribes to the group feed, and keeps the
// aggregated and filtered views current on every tick.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"wtsync.dev/internal/aggregate"
	"wtsync.dev/internal/catalogs"
	"wtsync.dev/internal/display"
	"wtsync.dev/internal/feed"
	"wtsync.dev/internal/identity"
	"wtsync.dev/internal/protocol"
	"wtsync.dev/internal/resolver"
)

const (
	DefaultDestroyDelay = 10 * time.Second
	DefaultPingInterval = 5 * time.Second
)

type ConnState int

const (
	Offline ConnState = iota
	Disconnected
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "offline"
	}
}

type Recorder interface {
	Record(kind string, payload any) error
}

type Config struct {
	Local    LocalSource
	Members  MemberSource
	Catalogs *catalogs.Catalogs
	Poster   Poster
	Sharer   Sharer
	NewFeed  FeedFactory

	Sorters *display.Sorters
	Filter  display.FilterState
	Sort    display.SortSpec

	NameFormat    identity.NameFormat
	AcceptedTerms bool
	DestroyDelay  time.Duration
	PingInterval  time.Duration

	Logger  *log.Logger
	Journal Recorder
}

// Bar is the compact completion summary of the local snapshot.
type Bar struct {
	Shown              bool
	Total              uint
	SecondChancePoints uint
}

func (b Bar) String() string {
	if !b.Shown {
		return ""
	}
	return fmt.Sprintf("WT: %d / %d  %d", b.Total, protocol.MaxStickers, b.SecondChancePoints)
}

type Status struct {
	Conn        ConnState
	Connections int
	Pending     bool
	LastError   string
	FeedError   string
	Bar         Bar
}

type Session struct {
	cfg Config

	mu          sync.Mutex
	agg         *aggregate.Engine
	view        *display.Engine
	unsubscribe func()
	disposed    bool

	accepted bool
	previous map[protocol.Identity]*protocol.Snapshot
	bar      *protocol.Snapshot

	open     bool
	hasState bool
	self     protocol.Identity
	group    []protocol.Member
	snaps    map[protocol.Identity]*protocol.Snapshot
	feed     Feed
	feedErr  string
	lastPing time.Time

	destroyTimer *time.Timer
	destroyGen   uint64
}

func New(cfg Config) (*Session, error) {
	if cfg.Local == nil || cfg.Members == nil {
		return nil, errors.New("session: local and member sources are required")
	}
	if cfg.Catalogs == nil {
		return nil, errors.New("session: catalogs are required")
	}
	if cfg.Poster == nil {
		return nil, errors.New("session: poster is required")
	}
	if cfg.DestroyDelay <= 0 {
		cfg.DestroyDelay = DefaultDestroyDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	view := display.New(cfg.Sorters)
	view.SetFilter(cfg.Filter)
	view.SetSort(cfg.Sort)

	s := &Session{
		cfg:      cfg,
		agg:      aggregate.New(resolver.New(cfg.Catalogs), cfg.Catalogs),
		view:     view,
		accepted: cfg.AcceptedTerms,
		previous: map[protocol.Identity]*protocol.Snapshot{},
	}
	s.unsubscribe = cfg.Members.OnChange(s.MembersChanged)
	return s, nil
}

// FeedDialer returns a factory opening websocket feeds against baseURL.
func FeedDialer(baseURL, userAgent string, logger *log.Logger, journal feed.Recorder) FeedFactory {
	return func(peers []protocol.Identity) (Feed, error) {
		return feed.New(feed.Config{
			BaseURL:   baseURL,
			Peers:     peers,
			UserAgent: userAgent,
			Logger:    logger,
			Journal:   journal,
		})
	}
}

// SendUpdate reads the local snapshot, refreshes the self slot and queues a
// submission when it differs from the last one sent this login. force
// submits even an unchanged snapshot.
func (s *Session) SendUpdate(force bool) {
	id, ok := s.cfg.Local.LocalIdentity()
	if !ok || !id.Valid() {
		return
	}
	snap := s.cfg.Local.ReadSnapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.bar = snap.Clone()
	if s.hasState && id == s.self {
		if snap == nil {
			delete(s.snaps, id)
		} else {
			s.snaps[id] = snap.Clone()
		}
		s.recomputeLocked()
	}
	if !s.accepted {
		return
	}
	prev, seen := s.previous[id]
	if !force && seen && prev.Equal(snap) {
		return
	}
	s.previous[id] = snap.Clone()
	s.cfg.Poster.PostUpdate(id, snap)
}

func (s *Session) Login() { s.SendUpdate(false) }

// Logout erases every identity submitted this login from the server and
// drops the group view.
func (s *Session) Logout() {
	s.mu.Lock()
	ids := make([]protocol.Identity, 0, len(s.previous))
	for id := range s.previous {
		ids = append(ids, id)
	}
	s.previous = map[protocol.Identity]*protocol.Snapshot{}
	s.bar = nil
	s.cancelDestroyLocked()
	s.destroyLocked()
	s.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > 0 {
		s.cfg.Poster.HandleLogout(ids)
	}
}

func (s *Session) SetAcceptedTerms(v bool) {
	s.mu.Lock()
	s.accepted = v
	s.mu.Unlock()
	if v {
		s.SendUpdate(false)
	}
}

// Open shows the group view, building it when there is none or the group
// changed. A pending destroy is cancelled.
func (s *Session) Open() {
	members := s.cfg.Members.Members()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.open = true
	s.cancelDestroyLocked()
	s.refreshLocked(members)
}

// Close hides the group view. Its state is destroyed after DestroyDelay
// unless the view is opened again first.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	if !s.hasState || s.destroyTimer != nil {
		return
	}
	gen := s.destroyGen
	s.destroyTimer = time.AfterFunc(s.cfg.DestroyDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.destroyGen != gen {
			return
		}
		s.destroyTimer = nil
		s.destroyLocked()
	})
}

func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// HasState reports whether a group view exists, open or awaiting destroy.
func (s *Session) HasState() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasState
}

// MembersChanged re-reads the group and rebuilds the view if it is open.
func (s *Session) MembersChanged() {
	members := s.cfg.Members.Members()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || !s.open {
		return
	}
	s.refreshLocked(members)
}

// Tick applies queued feed updates and keeps the connection count fresh.
// It reports whether the aggregated state changed.
func (s *Session) Tick(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasState || s.feed == nil {
		return false
	}
	if now.Sub(s.lastPing) >= s.cfg.PingInterval {
		s.lastPing = now
		// Fails while reconnecting; the feed asks again once connected.
		_ = s.feed.SendStatusRequest()
	}

	updates := s.feed.DrainUpdates()
	if len(updates) == 0 {
		return false
	}
	for _, u := range updates {
		if !u.ID.Valid() {
			continue
		}
		if u.Status == nil {
			delete(s.snaps, u.ID)
		} else {
			s.snaps[u.ID] = u.Status.Clone()
		}
	}
	s.recomputeLocked()
	s.record("session.apply", map[string]any{"updates": len(updates), "players": len(s.snaps)})
	return true
}

func (s *Session) Entries() []*aggregate.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.Entries()
}

// View runs fn with exclusive access to the display engine.
func (s *Session) View(fn func(v *display.Engine)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.view)
}

// State returns the current aggregation, or nil without a group view.
func (s *Session) State() *aggregate.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasState {
		return nil
	}
	return s.agg.State()
}

func (s *Session) ConnState() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connStateLocked()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Conn:      s.connStateLocked(),
		Pending:   s.cfg.Poster.HasPendingSubmission(),
		LastError: s.cfg.Poster.LastError(),
		FeedError: s.feedErr,
	}
	if s.feed != nil {
		st.Connections = s.feed.Connections()
		if e := s.feed.LastError(); e != "" {
			st.FeedError = e
		}
	}
	if s.bar != nil {
		st.Bar = Bar{
			Shown:              true,
			Total:              aggregate.EffectiveTotal(s.bar),
			SecondChancePoints: s.bar.SecondChancePoints,
		}
	}
	return st
}

// Share requests a link listing the current group under abbreviated names.
func (s *Session) Share(ctx context.Context) (string, error) {
	if s.cfg.Sharer == nil {
		return "", errors.New("share: no server configured")
	}
	format := s.cfg.NameFormat
	if format == identity.FullName {
		format = identity.ShortLast
	}
	var members []protocol.ShareMember
	for _, m := range s.cfg.Members.Members() {
		if !m.ID.Valid() {
			continue
		}
		members = append(members, protocol.ShareMember{
			AbbreviatedName: identity.Abbreviate(m.Name, format),
			ID:              m.ID,
		})
	}
	if len(members) == 0 {
		return "", errors.New("share: no members")
	}
	res, err := s.cfg.Sharer.RequestShare(ctx, members)
	if err != nil {
		return "", fmt.Errorf("share: %w", err)
	}
	if !res.OK || res.URL == "" {
		return "", errors.New("share: server declined")
	}
	return res.URL, nil
}

// Dispose tears down the view and the member subscription. The session is
// unusable afterwards.
func (s *Session) Dispose() {
	s.mu.Lock()
	s.disposed = true
	s.open = false
	s.cancelDestroyLocked()
	s.destroyLocked()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (s *Session) refreshLocked(members []protocol.Member) {
	if s.hasState && sameGroup(s.group, members) {
		return
	}
	s.destroyLocked()

	self, ok := s.cfg.Local.LocalIdentity()
	if !ok || !self.Valid() {
		return
	}
	s.self = self
	s.group = append([]protocol.Member(nil), members...)
	s.snaps = map[protocol.Identity]*protocol.Snapshot{}
	if snap := s.cfg.Local.ReadSnapshot(); snap != nil {
		s.snaps[self] = snap.Clone()
	}
	s.hasState = true

	var peers []protocol.Identity
	for _, m := range members {
		if m.ID.Valid() && m.ID != self {
			peers = append(peers, m.ID)
		}
	}
	if len(members) > 1 && len(peers) > 0 && s.cfg.NewFeed != nil {
		f, err := s.cfg.NewFeed(peers)
		if err != nil {
			s.feedErr = err.Error()
			s.printf("feed: %v", err)
		} else {
			f.Start()
			s.feed = f
			s.lastPing = time.Time{}
		}
	}

	filter := s.view.Filter()
	filter.Players = map[protocol.Identity]bool{}
	s.view.SetFilter(filter)
	s.agg.SetMembers(members)
	s.recomputeLocked()
	s.record("session.open", map[string]any{"members": len(members), "peers": peers})
}

func (s *Session) destroyLocked() {
	if !s.hasState {
		return
	}
	if s.feed != nil {
		s.feed.Close()
		s.feed = nil
	}
	s.hasState = false
	s.group = nil
	s.snaps = nil
	s.feedErr = ""
	s.view.SetState(nil)
	s.record("session.destroy", map[string]any{"self": s.self})
}

func (s *Session) cancelDestroyLocked() {
	s.destroyGen++
	if s.destroyTimer != nil {
		s.destroyTimer.Stop()
		s.destroyTimer = nil
	}
}

func (s *Session) recomputeLocked() {
	s.view.SetState(s.agg.Update(s.self, s.snaps))
}

func (s *Session) connStateLocked() ConnState {
	if !s.hasState || len(s.group) <= 1 {
		return Offline
	}
	if s.feed == nil {
		return Disconnected
	}
	switch s.feed.State() {
	case feed.Connected:
		return Connected
	case feed.Connecting:
		return Connecting
	default:
		return Disconnected
	}
}

func sameGroup(old, cur []protocol.Member) bool {
	if len(old) != len(cur) {
		return false
	}
	ids := make(map[protocol.Identity]struct{}, len(old))
	for _, m := range old {
		ids[m.ID] = struct{}{}
	}
	for _, m := range cur {
		if _, ok := ids[m.ID]; !ok {
			return false
		}
	}
	return true
}

func (s *Session) record(kind string, payload any) {
	if s.cfg.Journal == nil {
		return
	}
	if err := s.cfg.Journal.Record(kind, payload); err != nil {
		s.printf("journal: %v", err)
	}
}

func (s *Session) printf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}
