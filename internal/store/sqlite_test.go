package store

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"wtsync.dev/internal/protocol"
)

func openTemp(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "relay.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSnapshots_PutGetDelete(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	snap := &protocol.Snapshot{
		Expires:            time.Date(2026, 10, 27, 8, 0, 0, 0, time.UTC),
		Stickers:           3,
		SecondChancePoints: 2,
	}
	snap.Duties[0] = protocol.TaskEntry{ID: 10, Status: protocol.StatusOpen}
	if err := s.PutSnapshot(ctx, "a", false, snap); err != nil {
		t.Fatalf("PutSnapshot: %v", err)
	}
	snap2 := snap.Clone()
	snap2.Stickers = 4
	if err := s.PutSnapshot(ctx, "a", true, snap2); err != nil {
		t.Fatalf("PutSnapshot upsert: %v", err)
	}

	got, ok, err := s.GetSnapshot(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("GetSnapshot: ok=%v err=%v", ok, err)
	}
	if !got.Equal(snap2) {
		t.Fatalf("got %+v want %+v", got, snap2)
	}

	all, err := s.GetSnapshots(ctx, []protocol.Identity{"a", "missing"})
	if err != nil {
		t.Fatalf("GetSnapshots: %v", err)
	}
	if len(all) != 1 || all["a"] == nil {
		t.Fatalf("GetSnapshots=%v", all)
	}

	if err := s.PutSnapshot(ctx, "a", false, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.GetSnapshot(ctx, "a"); ok {
		t.Fatalf("snapshot survived nil put")
	}
	if err := s.PutSnapshot(ctx, "", false, snap); err == nil {
		t.Fatalf("expected error for empty identity")
	}
}

func TestPruneExpired(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	old := &protocol.Snapshot{Expires: now.Add(-time.Hour)}
	fresh := &protocol.Snapshot{Expires: now.Add(500 * time.Millisecond)}
	never := &protocol.Snapshot{}
	for id, snap := range map[protocol.Identity]*protocol.Snapshot{"old": old, "fresh": fresh, "never": never} {
		if err := s.PutSnapshot(ctx, id, false, snap); err != nil {
			t.Fatalf("PutSnapshot %s: %v", id, err)
		}
	}
	ids, err := s.PruneExpired(ctx, now)
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if !reflect.DeepEqual(ids, []protocol.Identity{"old"}) {
		t.Fatalf("pruned=%v", ids)
	}
	n, _, err := s.Counts(ctx)
	if err != nil || n != 2 {
		t.Fatalf("count=%d err=%v", n, err)
	}
}

func TestShares(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	members := []protocol.ShareMember{{AbbreviatedName: "Alpha B.", ID: "a"}, {AbbreviatedName: "Gamma D.", ID: "b"}}
	if err := s.PutShare(ctx, "tok", members); err != nil {
		t.Fatalf("PutShare: %v", err)
	}
	got, ok, err := s.GetShare(ctx, "tok")
	if err != nil || !ok {
		t.Fatalf("GetShare: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, members) {
		t.Fatalf("got %+v", got)
	}
	if _, ok, _ := s.GetShare(ctx, "nope"); ok {
		t.Fatalf("unknown token found")
	}
	if err := s.PutShare(ctx, "tok", members); err == nil {
		t.Fatalf("duplicate token accepted")
	}
	_, shares, err := s.Counts(ctx)
	if err != nil || shares != 1 {
		t.Fatalf("shares=%d err=%v", shares, err)
	}
}
