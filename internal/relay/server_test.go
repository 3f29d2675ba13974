package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"wtsync.dev/internal/feed"
	"wtsync.dev/internal/protocol"
	"wtsync.dev/internal/remote"
	"wtsync.dev/internal/store"
)

type fixture struct {
	relay  *Server
	db     *store.SQLiteStore
	http   *httptest.Server
	client *remote.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "relay.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	rs, err := New(Config{Store: db, Metrics: NewMetrics(prometheus.NewRegistry())})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	hs := httptest.NewServer(rs.Handler())
	t.Cleanup(func() {
		rs.Close()
		hs.Close()
		_ = db.Close()
	})
	c, err := remote.NewClient(remote.ClientConfig{BaseURL: hs.URL})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return &fixture{relay: rs, db: db, http: hs, client: c}
}

func sample(stickers uint) *protocol.Snapshot {
	s := &protocol.Snapshot{Expires: time.Now().Add(24 * time.Hour).UTC(), Stickers: stickers}
	s.Duties[0] = protocol.TaskEntry{ID: 10, Status: protocol.StatusOpen}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestSubmit_StoresAndErases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.client.Submit(ctx, protocol.SubmitRequest{ID: "a", Status: sample(2)}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got, err := f.db.GetSnapshots(ctx, []protocol.Identity{"a"})
	if err != nil || got["a"] == nil || got["a"].Stickers != 2 {
		t.Fatalf("stored=%v err=%v", got, err)
	}

	if err := f.client.Submit(ctx, protocol.SubmitRequest{ID: "a", Status: nil}); err != nil {
		t.Fatalf("erase: %v", err)
	}
	got, _ = f.db.GetSnapshots(ctx, []protocol.Identity{"a"})
	if len(got) != 0 {
		t.Fatalf("snapshot survived erase: %v", got)
	}
}

func TestSubmit_RejectsInvalid(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.http.URL+"/api/submit", "application/json", strings.NewReader(`{"id":"a","anonymous":false,"status":{"duties":[]}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var e protocol.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&e)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || e.Code != protocol.ErrSchema {
		t.Fatalf("status=%d code=%q", resp.StatusCode, e.Code)
	}

	resp, err = http.Get(f.http.URL + "/api/submit")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET submit status=%d", resp.StatusCode)
	}

	big := bytes.Repeat([]byte("x"), maxBody+10)
	resp, err = http.Post(f.http.URL+"/api/submit", "application/json", bytes.NewReader(big))
	if err != nil {
		t.Fatalf("post big: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("big body status=%d", resp.StatusCode)
	}

	err = f.client.Submit(context.Background(), protocol.SubmitRequest{ID: "", Status: nil})
	var se *remote.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest || se.Transient() {
		t.Fatalf("empty id err=%v", err)
	}
}

func TestShare_CreateAndLookup(t *testing.T) {
	f := newFixture(t)
	members := []protocol.ShareMember{{AbbreviatedName: "Alpha B.", ID: "a"}, {AbbreviatedName: "Gamma D.", ID: "b"}}

	res, err := f.client.RequestShare(context.Background(), members)
	if err != nil {
		t.Fatalf("RequestShare: %v", err)
	}
	if !strings.HasPrefix(res.URL, f.http.URL+"/share/") {
		t.Fatalf("url=%q", res.URL)
	}
	token := strings.TrimPrefix(res.URL, f.http.URL+"/share/")

	resp, err := http.Get(f.http.URL + "/api/share/" + token)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var lookup protocol.ShareLookup
	_ = json.NewDecoder(resp.Body).Decode(&lookup)
	resp.Body.Close()
	if !lookup.OK || len(lookup.Members) != 2 || lookup.Members[1].AbbreviatedName != "Gamma D." {
		t.Fatalf("lookup=%+v", lookup)
	}

	resp, err = http.Get(f.http.URL + "/api/share/00000000-0000-0000-0000-000000000000")
	if err != nil {
		t.Fatalf("get unknown: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown share status=%d", resp.StatusCode)
	}

	if _, err := f.client.RequestShare(context.Background(), nil); err == nil {
		t.Fatalf("empty share accepted")
	}
}

func TestFeed_ReceivesInitialAndUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.client.Submit(ctx, protocol.SubmitRequest{ID: "a", Status: sample(1)}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	fc, err := feed.New(feed.Config{BaseURL: f.http.URL, Peers: []protocol.Identity{"b", "a"}})
	if err != nil {
		t.Fatalf("feed.New: %v", err)
	}
	fc.Start()
	defer fc.Close()

	waitFor(t, "initial", fc.HasUpdate)
	first, _ := fc.TryGetUpdate()
	if first.ID != "a" || first.Status == nil || first.Status.Stickers != 1 {
		t.Fatalf("initial=%+v", first)
	}
	waitFor(t, "connection count", func() bool { return fc.Connections() == 1 })

	if err := f.client.Submit(ctx, protocol.SubmitRequest{ID: "b", Status: sample(5)}); err != nil {
		t.Fatalf("Submit b: %v", err)
	}
	if err := f.client.Submit(ctx, protocol.SubmitRequest{ID: "c", Status: sample(7)}); err != nil {
		t.Fatalf("Submit c: %v", err)
	}
	waitFor(t, "update", fc.HasUpdate)
	up, _ := fc.TryGetUpdate()
	if up.ID != "b" || up.Status.Stickers != 5 {
		t.Fatalf("update=%+v", up)
	}
	time.Sleep(50 * time.Millisecond)
	if fc.HasUpdate() {
		t.Fatalf("received update for an identity not followed")
	}
}

func TestPrune_AnnouncesErase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := sample(1)
	old.Expires = time.Now().Add(-time.Hour).UTC()
	if err := f.client.Submit(ctx, protocol.SubmitRequest{ID: "a", Status: old}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	fc, err := feed.New(feed.Config{BaseURL: f.http.URL, Peers: []protocol.Identity{"a"}})
	if err != nil {
		t.Fatalf("feed.New: %v", err)
	}
	fc.Start()
	defer fc.Close()
	waitFor(t, "initial", fc.HasUpdate)
	fc.DrainUpdates()
	waitFor(t, "subscribed", func() bool { return f.relay.Feed().Connections() == 1 })

	if n := f.relay.Prune(ctx); n != 1 {
		t.Fatalf("pruned=%d", n)
	}
	waitFor(t, "erase", fc.HasUpdate)
	up, _ := fc.TryGetUpdate()
	if up.ID != "a" || up.Status != nil {
		t.Fatalf("erase update=%+v", up)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	_ = f.client.Submit(context.Background(), protocol.SubmitRequest{ID: "a", Status: sample(1)})

	resp, err := http.Get(f.http.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	var health map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["ok"] != true || health["snapshots"] != float64(1) {
		t.Fatalf("health=%v", health)
	}

	resp, err = http.Get(f.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(b), `wtsync_relay_submits_total{result="ok"} 1`) {
		t.Fatalf("metrics missing submit counter:\n%s", b)
	}
}
