// Package relay is the reference aggregation server: it stores submitted
// snapshots, fans them out to party feed subscribers and issues share links.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"wtsync.dev/internal/protocol"
	"wtsync.dev/internal/transport/ws"
)

const (
	maxBody              = 16 * 1024
	DefaultPruneInterval = time.Hour
)

type Store interface {
	PutSnapshot(ctx context.Context, id protocol.Identity, anonymous bool, snap *protocol.Snapshot) error
	GetSnapshots(ctx context.Context, ids []protocol.Identity) (map[protocol.Identity]*protocol.Snapshot, error)
	PruneExpired(ctx context.Context, now time.Time) ([]protocol.Identity, error)
	PutShare(ctx context.Context, token string, members []protocol.ShareMember) error
	GetShare(ctx context.Context, token string) ([]protocol.ShareMember, bool, error)
	Counts(ctx context.Context) (snapshots, shares int, err error)
}

type Recorder interface {
	Record(kind string, payload any) error
}

type Config struct {
	Store         Store
	PublicURL     string
	PruneInterval time.Duration
	Logger        *log.Logger
	Journal       Recorder
	Metrics       *Metrics
}

type Server struct {
	cfg       Config
	validator *protocol.Validator
	feed      *ws.Server
	metrics   *Metrics
	now       func() time.Time
}

func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("relay: store is required")
	}
	cfg.PublicURL = strings.TrimRight(strings.TrimSpace(cfg.PublicURL), "/")
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	v, err := protocol.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("relay: schemas: %w", err)
	}
	s := &Server{
		cfg:       cfg,
		validator: v,
		feed:      ws.NewServer(cfg.Store, cfg.Logger),
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
	s.feed.OnConnections = func(n int) { s.metrics.FeedConnections.Set(float64(n)) }
	return s, nil
}

func (s *Server) Feed() *ws.Server { return s.feed }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/api/submit", s.handleSubmit)
	mux.HandleFunc("/api/share", s.handleShare)
	mux.HandleFunc("/api/share/{token}", s.handleShareLookup)
	mux.HandleFunc("/share/{token}", s.handleShareLookup)
	mux.HandleFunc("/party/{ids}", s.feed.Handler())
	return mux
}

// Run prunes expired snapshots until ctx is done, announcing each erase to
// the feed.
func (s *Server) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.PruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Prune(ctx)
		}
	}
}

func (s *Server) Prune(ctx context.Context) int {
	ids, err := s.cfg.Store.PruneExpired(ctx, s.now())
	if err != nil {
		s.printf("prune: %v", err)
		return 0
	}
	for _, id := range ids {
		s.publish(id, nil)
	}
	if len(ids) > 0 {
		s.metrics.Pruned.Add(float64(len(ids)))
		s.printf("pruned %d expired snapshots", len(ids))
	}
	return len(ids)
}

func (s *Server) Close() {
	s.feed.Close()
}

func (s *Server) handleSubmit(rw http.ResponseWriter, r *http.Request) {
	defer prometheus.NewTimer(s.metrics.RequestDuration.WithLabelValues("submit")).ObserveDuration()
	if r.Method != http.MethodPost {
		s.metrics.Submits.WithLabelValues("method").Inc()
		writeErr(rw, http.StatusMethodNotAllowed, protocol.ErrMethodNotAllowed, "POST only")
		return
	}
	b, ok := readBody(rw, r)
	if !ok {
		s.metrics.Submits.WithLabelValues("bad_body").Inc()
		return
	}
	if err := s.validator.Validate(protocol.SchemaSubmit, b); err != nil {
		s.metrics.Submits.WithLabelValues("schema").Inc()
		writeErr(rw, http.StatusBadRequest, protocol.ErrSchema, err.Error())
		return
	}
	var req protocol.SubmitRequest
	if err := json.Unmarshal(b, &req); err != nil {
		s.metrics.Submits.WithLabelValues("bad_request").Inc()
		writeErr(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	if err := s.cfg.Store.PutSnapshot(r.Context(), req.ID, req.Anonymous, req.Status); err != nil {
		s.metrics.Submits.WithLabelValues("error").Inc()
		s.printf("submit %s: %v", req.ID, err)
		writeErr(rw, http.StatusInternalServerError, protocol.ErrInternal, "store failed")
		return
	}
	s.metrics.Submits.WithLabelValues("ok").Inc()
	s.publish(req.ID, req.Status)
	s.record("relay.submit", map[string]any{"id": req.ID, "anonymous": req.Anonymous, "erase": req.Status == nil})
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleShare(rw http.ResponseWriter, r *http.Request) {
	defer prometheus.NewTimer(s.metrics.RequestDuration.WithLabelValues("share")).ObserveDuration()
	if r.Method != http.MethodPost {
		s.metrics.Shares.WithLabelValues("method").Inc()
		writeErr(rw, http.StatusMethodNotAllowed, protocol.ErrMethodNotAllowed, "POST only")
		return
	}
	b, ok := readBody(rw, r)
	if !ok {
		s.metrics.Shares.WithLabelValues("bad_body").Inc()
		return
	}
	if err := s.validator.Validate(protocol.SchemaShare, b); err != nil {
		s.metrics.Shares.WithLabelValues("schema").Inc()
		writeErr(rw, http.StatusBadRequest, protocol.ErrSchema, err.Error())
		return
	}
	var req protocol.ShareRequest
	if err := json.Unmarshal(b, &req); err != nil {
		s.metrics.Shares.WithLabelValues("bad_request").Inc()
		writeErr(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	token := uuid.NewString()
	if err := s.cfg.Store.PutShare(r.Context(), token, req.Members); err != nil {
		s.metrics.Shares.WithLabelValues("error").Inc()
		s.printf("share: %v", err)
		writeErr(rw, http.StatusInternalServerError, protocol.ErrInternal, "store failed")
		return
	}
	s.metrics.Shares.WithLabelValues("ok").Inc()
	s.record("relay.share", map[string]any{"token": token, "members": len(req.Members)})
	writeJSON(rw, http.StatusOK, protocol.ShareResponse{OK: true, URL: s.shareURL(r, token)})
}

func (s *Server) handleShareLookup(rw http.ResponseWriter, r *http.Request) {
	defer prometheus.NewTimer(s.metrics.RequestDuration.WithLabelValues("share_lookup")).ObserveDuration()
	if r.Method != http.MethodGet {
		writeErr(rw, http.StatusMethodNotAllowed, protocol.ErrMethodNotAllowed, "GET only")
		return
	}
	token := r.PathValue("token")
	if _, err := uuid.Parse(token); err != nil {
		writeErr(rw, http.StatusNotFound, protocol.ErrNotFound, "unknown share")
		return
	}
	members, ok, err := s.cfg.Store.GetShare(r.Context(), token)
	if err != nil {
		s.printf("share lookup %s: %v", token, err)
		writeErr(rw, http.StatusInternalServerError, protocol.ErrInternal, "store failed")
		return
	}
	if !ok {
		writeErr(rw, http.StatusNotFound, protocol.ErrNotFound, "unknown share")
		return
	}
	writeJSON(rw, http.StatusOK, protocol.ShareLookup{OK: true, Members: members})
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	snaps, shares, err := s.cfg.Store.Counts(r.Context())
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"ok":          true,
		"snapshots":   snaps,
		"shares":      shares,
		"connections": s.feed.Connections(),
	})
}

func (s *Server) publish(id protocol.Identity, snap *protocol.Snapshot) {
	if n := s.feed.Publish(id, snap); n > 0 {
		s.metrics.Published.Add(float64(n))
	}
}

func (s *Server) shareURL(r *http.Request, token string) string {
	base := s.cfg.PublicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/share/" + token
}

func readBody(rw http.ResponseWriter, r *http.Request) ([]byte, bool) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		writeErr(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return nil, false
	}
	if len(b) > maxBody {
		writeErr(rw, http.StatusRequestEntityTooLarge, protocol.ErrTooLarge, "body too large")
		return nil, false
	}
	return b, true
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeErr(rw http.ResponseWriter, status int, code, msg string) {
	writeJSON(rw, status, protocol.ErrorResponse{Code: code, Message: msg})
}

func (s *Server) record(kind string, payload any) {
	if s.cfg.Journal == nil {
		return
	}
	if err := s.cfg.Journal.Record(kind, payload); err != nil {
		s.printf("journal: %v", err)
	}
}

func (s *Server) printf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}
