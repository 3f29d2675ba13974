package aggregate

import (
	"reflect"
	"testing"
	"time"

	"wtsync.dev/internal/catalogs"
	"wtsync.dev/internal/protocol"
	"wtsync.dev/internal/resolver"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	acts := []catalogs.Activity{
		{ID: 1, Name: "the Vault", ContentType: catalogs.ContentDungeon, LevelRequired: 57, SortKey: 1},
		{ID: 2, Name: "Sohm Al", ContentType: catalogs.ContentDungeon, LevelRequired: 53, SortKey: 2},
		{ID: 3, Name: "the Navel", ContentType: catalogs.ContentTrial, LevelRequired: 34, SortKey: 3, Roulettes: []uint32{6}},
		{ID: 4, Name: "deep", ContentType: catalogs.ContentDeepDungeon, LevelRequired: 17, SortKey: 4, Roulettes: []uint32{6}},
	}
	descs := []catalogs.Descriptor{
		{ID: 10, Kind: uint32(resolver.KindDungeonBand), Param: 60, Text: "Dungeons (Lv. 51-59)"},
		{ID: 11, Kind: uint32(resolver.KindDungeonLevel), Param: 57},
		{ID: 12, Kind: uint32(resolver.KindRoulette), Param: 6},
		{ID: 13, Kind: 99},
	}
	cats := []catalogs.Category{{ID: catalogs.ContentDungeon, Name: "Dungeons"}, {ID: catalogs.ContentTrial, Name: "Trials"}}
	c, err := catalogs.New(acts, descs, cats)
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	return New(resolver.New(c), c)
}

func snapshot(stickers uint, duties ...protocol.TaskEntry) *protocol.Snapshot {
	s := &protocol.Snapshot{Stickers: stickers, Expires: time.Date(2026, 10, 20, 8, 0, 0, 0, time.UTC)}
	copy(s.Duties[:], duties)
	return s
}

func task(id uint32, st protocol.TaskStatus) protocol.TaskEntry {
	return protocol.TaskEntry{ID: id, Status: st}
}

func TestUpdate_GroupsAndClassifies(t *testing.T) {
	e := newEngine(t)
	e.SetMembers([]protocol.Member{{ID: "a", Name: "Alice"}, {ID: "b", Name: "Bob"}, {ID: "c", Name: "Cleo"}})
	st := e.Update("a", map[protocol.Identity]*protocol.Snapshot{
		"a": snapshot(2, task(10, protocol.StatusOpen), task(12, protocol.StatusClaimable)),
		"b": snapshot(0, task(10, protocol.StatusClaimed), task(11, protocol.StatusOpen)),
		"c": snapshot(1, task(10, protocol.StatusOpen)),
		"z": snapshot(0, task(10, protocol.StatusClaimable)),
	})

	if len(st.Entries) != 3 {
		t.Fatalf("entries=%d", len(st.Entries))
	}
	ent := st.Entries[0]
	if ent.DescriptorID != 10 || ent.DisplayName != "Dungeons (Lv. 51-59)" {
		t.Fatalf("first entry=%d %q", ent.DescriptorID, ent.DisplayName)
	}
	if !reflect.DeepEqual(ent.Open, []protocol.Identity{"a", "c"}) ||
		!reflect.DeepEqual(ent.Claimed, []protocol.Identity{"b"}) ||
		!reflect.DeepEqual(ent.Claimable, []protocol.Identity{"z"}) {
		t.Fatalf("open=%v claimed=%v claimable=%v", ent.Open, ent.Claimed, ent.Claimable)
	}
	// z has no display name so it is counted but not listed.
	want := []PlayerStatus{
		{ID: "b", Name: "Bob", Status: protocol.StatusClaimed},
		{ID: "a", Name: "Alice", Status: protocol.StatusOpen},
		{ID: "c", Name: "Cleo", Status: protocol.StatusOpen},
	}
	if !reflect.DeepEqual(ent.Players, want) {
		t.Fatalf("players=%+v", ent.Players)
	}
	if ent.MinLevel() != 53 || ent.MaxLevel() != 57 || ent.Total() != 4 {
		t.Fatalf("levels=[%d,%d] total=%d", ent.MinLevel(), ent.MaxLevel(), ent.Total())
	}

	if got := st.Entries[1].DisplayName; got != "The Vault" {
		t.Fatalf("fallback display name=%q", got)
	}
	roulette := st.Entries[2]
	if len(roulette.Categories) != 2 || roulette.Categories[0].ID != catalogs.ContentTrial || roulette.Categories[1].ID != catalogs.ContentDeepDungeon {
		t.Fatalf("categories=%+v", roulette.Categories)
	}
	if roulette.Categories[1].Name != "Category 21" {
		t.Fatalf("category fallback name=%q", roulette.Categories[1].Name)
	}

	var catIDs []uint32
	for _, c := range st.Categories {
		catIDs = append(catIDs, c.ID)
	}
	if !reflect.DeepEqual(catIDs, []uint32{catalogs.ContentDungeon, catalogs.ContentTrial, catalogs.ContentDeepDungeon}) {
		t.Fatalf("state categories=%v", catIDs)
	}
	if st.Totals["a"] != 3 {
		t.Fatalf("effective total a=%d", st.Totals["a"])
	}
}

func TestUpdate_CapReclassifiesOpenAsClaimed(t *testing.T) {
	e := newEngine(t)
	e.SetMembers([]protocol.Member{{ID: "a", Name: "Alice"}})
	raw := snapshot(7,
		task(10, protocol.StatusOpen),
		task(11, protocol.StatusClaimable),
		task(12, protocol.StatusClaimable),
	)
	st := e.Update("a", map[protocol.Identity]*protocol.Snapshot{"a": raw})

	if st.Totals["a"] != protocol.MaxStickers {
		t.Fatalf("total=%d", st.Totals["a"])
	}
	ent := st.Entries[0]
	if len(ent.Open) != 0 || !reflect.DeepEqual(ent.Claimed, []protocol.Identity{"a"}) {
		t.Fatalf("open=%v claimed=%v", ent.Open, ent.Claimed)
	}
	if raw.Duties[0].Status != protocol.StatusOpen {
		t.Fatalf("raw snapshot must not be modified")
	}
}

func TestEffectiveTotal_Caps(t *testing.T) {
	s := snapshot(9, task(1, protocol.StatusClaimable))
	if got := EffectiveTotal(s); got != protocol.MaxStickers {
		t.Fatalf("total=%d", got)
	}
	if EffectiveTotal(nil) != 0 {
		t.Fatalf("nil snapshot total should be 0")
	}
}

func TestUpdate_Idempotent(t *testing.T) {
	e := newEngine(t)
	e.SetMembers([]protocol.Member{{ID: "a", Name: "Alice"}, {ID: "b", Name: "Bob"}})
	in := map[protocol.Identity]*protocol.Snapshot{
		"a": snapshot(1, task(10, protocol.StatusOpen), task(13, protocol.StatusOpen)),
		"b": snapshot(4, task(10, protocol.StatusClaimable), task(12, protocol.StatusClaimed)),
	}
	first := e.Update("a", in)
	second := e.Update("a", in)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated update changed the result")
	}
	if e.State() != second {
		t.Fatalf("State should return the last result")
	}
}

func TestUpdate_UnknownDescriptorAndSummary(t *testing.T) {
	e := newEngine(t)
	e.SetMembers([]protocol.Member{{ID: "a", Name: "Alice"}, {ID: "b", Name: "Bob"}})
	a := snapshot(0, task(404, protocol.StatusOpen))
	a.SecondChancePoints = 0
	st := e.Update("a", map[protocol.Identity]*protocol.Snapshot{"a": a, "b": nil})

	if len(st.Entries) != 1 || st.Entries[0].DisplayName != "Unknown (404)" || !st.Entries[0].Resolved.Empty() {
		t.Fatalf("entries=%+v", st.Entries)
	}
	if len(st.Players) != 2 || !st.Players[0].Self || !st.Players[0].HasSnapshot || st.Players[1].HasSnapshot {
		t.Fatalf("players=%+v", st.Players)
	}
	if st.Players[0].SecondChancePoints != 0 {
		t.Fatalf("second counter=%d", st.Players[0].SecondChancePoints)
	}
	if !reflect.DeepEqual(st.PlayerIDs(), []protocol.Identity{"a", "b"}) {
		t.Fatalf("player ids=%v", st.PlayerIDs())
	}
}

func TestMatchingNames(t *testing.T) {
	e := newEngine(t)
	st := e.Update("a", map[protocol.Identity]*protocol.Snapshot{"a": snapshot(0, task(10, protocol.StatusOpen))})
	got := st.Entries[0].MatchingNames()
	want := []string{"Sohm Al (Lv. 53)", "The Vault (Lv. 57)"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("names=%v", got)
	}
}
