package display

import (
	"testing"

	"wtsync.dev/internal/aggregate"
	"wtsync.dev/internal/catalogs"
	"wtsync.dev/internal/protocol"
	"wtsync.dev/internal/resolver"
)

type entrySpec struct {
	id        uint32
	name      string
	open      []protocol.Identity
	claimable []protocol.Identity
	min, max  uint8
	cats      []uint32
}

func makeEntry(s entrySpec) *aggregate.Entry {
	e := &aggregate.Entry{DescriptorID: s.id, DisplayName: s.name, Open: s.open, Claimable: s.claimable}
	e.Resolved = resolver.Resolved{
		DescriptorID: s.id,
		Activities:   []catalogs.Activity{{ID: s.id, LevelRequired: s.min}},
		MinLevel:     s.min,
		MaxLevel:     s.max,
	}
	for _, c := range s.cats {
		e.Categories = append(e.Categories, catalogs.Category{ID: c})
	}
	for _, id := range s.open {
		e.Players = append(e.Players, aggregate.PlayerStatus{ID: id, Name: string(id), Status: protocol.StatusOpen})
	}
	for _, id := range s.claimable {
		e.Players = append(e.Players, aggregate.PlayerStatus{ID: id, Name: string(id), Status: protocol.StatusClaimable})
	}
	return e
}

func makeState(players []protocol.Identity, cats []uint32, entries ...*aggregate.Entry) *aggregate.State {
	st := &aggregate.State{Entries: entries}
	for _, p := range players {
		st.Players = append(st.Players, aggregate.PlayerSummary{ID: p, Name: string(p)})
	}
	for _, c := range cats {
		st.Categories = append(st.Categories, catalogs.Category{ID: c})
	}
	return st
}

func ids(entries []*aggregate.Entry) []uint32 {
	out := []uint32{}
	for _, e := range entries {
		out = append(out, e.DescriptorID)
	}
	return out
}

func equalIDs(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPlayerFilter_Union(t *testing.T) {
	e1 := makeEntry(entrySpec{id: 1, name: "E1", open: []protocol.Identity{"A", "B"}, min: 50, max: 50})
	e2 := makeEntry(entrySpec{id: 2, name: "E2", open: []protocol.Identity{"C"}, min: 50, max: 50})
	eng := New(nil)
	eng.SetState(makeState([]protocol.Identity{"A", "B", "C"}, nil, e1, e2))

	eng.SetPlayers([]protocol.Identity{"A"})
	if got := ids(eng.Entries()); !equalIDs(got, []uint32{1}) {
		t.Fatalf("filter {A}: %v", got)
	}
	eng.TogglePlayer("C")
	if got := ids(eng.Entries()); len(got) != 2 {
		t.Fatalf("filter {A,C}: %v", got)
	}
	// Everything selected means no filtering.
	eng.SetPlayers([]protocol.Identity{"A", "B", "C"})
	if got := ids(eng.Entries()); len(got) != 2 {
		t.Fatalf("filter all: %v", got)
	}
	eng.SetPlayers(nil)
	if got := ids(eng.Entries()); len(got) != 2 {
		t.Fatalf("filter none: %v", got)
	}
}

func TestDefaultSort_Example(t *testing.T) {
	a := makeEntry(entrySpec{id: 1, name: "a", open: []protocol.Identity{"x", "y"}, min: 50, max: 50})
	b := makeEntry(entrySpec{id: 2, name: "b", open: []protocol.Identity{"x", "y"}, min: 10, max: 10})
	c := makeEntry(entrySpec{id: 3, name: "c", open: []protocol.Identity{"x"}, min: 50, max: 50})
	eng := New(nil)
	eng.SetState(makeState([]protocol.Identity{"x", "y"}, nil, a, b, c))
	if got := ids(eng.Entries()); !equalIDs(got, []uint32{2, 1, 3}) {
		t.Fatalf("default order=%v", got)
	}
}

func TestDefaultSort_SkipsOpenLevelStepWhenNoneOpen(t *testing.T) {
	// Neither entry is open, so the total count decides before min level.
	low := makeEntry(entrySpec{id: 1, name: "low", claimable: []protocol.Identity{"x"}, min: 10, max: 10})
	busy := makeEntry(entrySpec{id: 2, name: "busy", claimable: []protocol.Identity{"x", "y"}, min: 90, max: 90})
	if DefaultComparator(busy, low) >= 0 {
		t.Fatalf("expected busier entry first")
	}
	// With open players the level step runs before the total count.
	lowOpen := makeEntry(entrySpec{id: 3, name: "lowOpen", open: []protocol.Identity{"x"}, min: 10, max: 10})
	busyOpen := makeEntry(entrySpec{id: 4, name: "busyOpen", open: []protocol.Identity{"x"}, claimable: []protocol.Identity{"y"}, min: 90, max: 90})
	if DefaultComparator(lowOpen, busyOpen) >= 0 {
		t.Fatalf("expected lower level entry first")
	}
	sameA := makeEntry(entrySpec{id: 5, name: "Alpha", min: 10, max: 10})
	sameB := makeEntry(entrySpec{id: 6, name: "Beta", min: 10, max: 10})
	if DefaultComparator(sameA, sameB) >= 0 {
		t.Fatalf("expected name tie-break")
	}
}

func TestDefaultSort_UnresolvedEntryAfterLeveledTie(t *testing.T) {
	dungeon := makeEntry(entrySpec{id: 1, name: "A Dungeon", open: []protocol.Identity{"x"}, min: 50, max: 50})
	conflict := &aggregate.Entry{
		DescriptorID: 2,
		DisplayName:  "Crystalline Conflict",
		Resolved:     resolver.Resolved{DescriptorID: 2},
		Open:         []protocol.Identity{"x"},
		Players:      []aggregate.PlayerStatus{{ID: "x", Name: "x", Status: protocol.StatusOpen}},
	}
	eng := New(nil)
	eng.SetState(makeState([]protocol.Identity{"x"}, nil, conflict, dungeon))
	if got := ids(eng.Entries()); !equalIDs(got, []uint32{1, 2}) {
		t.Fatalf("default order=%v", got)
	}

	// Same with nobody open: the unconditional level step decides.
	dungeon.Open, conflict.Open = nil, nil
	eng.SetState(makeState([]protocol.Identity{"x"}, nil, conflict, dungeon))
	if got := ids(eng.Entries()); !equalIDs(got, []uint32{1, 2}) {
		t.Fatalf("default order without open players=%v", got)
	}

	eng.SetSort(SortSpec{{Key: KeyMinLevel}})
	if got := ids(eng.Entries()); !equalIDs(got, []uint32{1, 2}) {
		t.Fatalf("min-level order=%v", got)
	}
}

func TestSorters_PlayerCountKeys(t *testing.T) {
	s := NewSorters()
	// players counts named players, not the raw status lists.
	named := makeEntry(entrySpec{id: 1, name: "named", open: []protocol.Identity{"x"}, min: 50, max: 50})
	anon := makeEntry(entrySpec{id: 2, name: "anon", min: 50, max: 50})
	anon.Open = []protocol.Identity{"y", "z"}
	if got := s.Build(SortSpec{{Key: KeyPlayers}})(anon, named); got >= 0 {
		t.Fatalf("players: anon vs named=%d", got)
	}

	// The *.players keys compare levels unless both entries have no players.
	withPlayer := makeEntry(entrySpec{id: 3, name: "with", open: []protocol.Identity{"x"}, min: 70, max: 79})
	without := makeEntry(entrySpec{id: 4, name: "without", min: 50, max: 59})
	if got := s.Build(SortSpec{{Key: KeyMinLevelIfOpen}})(without, withPlayer); got >= 0 {
		t.Fatalf("min-level.players with one empty side=%d", got)
	}
	if got := s.Build(SortSpec{{Key: KeyMaxLevelIfOpen}})(without, withPlayer); got >= 0 {
		t.Fatalf("max-level.players with one empty side=%d", got)
	}
	other := makeEntry(entrySpec{id: 5, name: "other", min: 90, max: 99})
	if got := s.Build(SortSpec{{Key: KeyMinLevelIfOpen}})(without, other); got != 0 {
		t.Fatalf("min-level.players with no players=%d", got)
	}
}

func TestCustomSort(t *testing.T) {
	a := makeEntry(entrySpec{id: 1, name: "Zeta", open: []protocol.Identity{"x"}, min: 50, max: 59})
	b := makeEntry(entrySpec{id: 2, name: "Alpha", open: []protocol.Identity{"x"}, min: 70, max: 79})
	c := makeEntry(entrySpec{id: 3, name: "Mid", min: 60, max: 69})
	eng := New(nil)
	eng.SetState(makeState([]protocol.Identity{"x"}, nil, a, b, c))

	eng.SetSort(SortSpec{{Key: KeyName}})
	if got := ids(eng.Entries()); !equalIDs(got, []uint32{2, 3, 1}) {
		t.Fatalf("name order=%v", got)
	}
	eng.SetSort(SortSpec{{Key: KeyMaxLevel, Descending: true}})
	if got := ids(eng.Entries()); !equalIDs(got, []uint32{2, 3, 1}) {
		t.Fatalf("max-level desc order=%v", got)
	}
	eng.SetSort(SortSpec{{Key: KeyPlayersOpen, Descending: true}, {Key: KeyMinLevel}})
	if got := ids(eng.Entries()); !equalIDs(got, []uint32{1, 2, 3}) {
		t.Fatalf("players-open desc, min-level order=%v", got)
	}
	eng.SetSort(SortSpec{{Key: "no-such-key"}})
	if got := ids(eng.Entries()); !equalIDs(got, []uint32{1, 2, 3}) {
		t.Fatalf("unknown key should fall back to default, got %v", got)
	}
}

func TestCategoryAndExcludeFilters(t *testing.T) {
	dungeon := makeEntry(entrySpec{id: 1, name: "d", open: []protocol.Identity{"x"}, min: 50, max: 50, cats: []uint32{2}})
	trial := makeEntry(entrySpec{id: 2, name: "t", min: 50, max: 50, cats: []uint32{4}})
	mixed := makeEntry(entrySpec{id: 3, name: "m", open: []protocol.Identity{"x"}, min: 50, max: 50, cats: []uint32{2, 4}})
	eng := New(nil)
	eng.SetState(makeState([]protocol.Identity{"x"}, []uint32{2, 4}, dungeon, trial, mixed))

	eng.SoloCategory(4)
	if got := ids(eng.Entries()); len(got) != 2 {
		t.Fatalf("category 4: %v", got)
	}
	eng.SetExcludeNoOpen(true)
	if got := ids(eng.Entries()); !equalIDs(got, []uint32{3}) {
		t.Fatalf("category 4 + exclude: %v", got)
	}
	eng.ToggleCategory(2)
	if got := ids(eng.Entries()); len(got) != 2 {
		t.Fatalf("all categories + exclude: %v", got)
	}
}

func TestLevelBands(t *testing.T) {
	low := makeEntry(entrySpec{id: 1, name: "low", min: 15, max: 49})
	edge := makeEntry(entrySpec{id: 2, name: "edge", min: 50, max: 50})
	wide := makeEntry(entrySpec{id: 3, name: "wide", min: 55, max: 75})
	top := makeEntry(entrySpec{id: 4, name: "top", min: 91, max: 99})
	empty := &aggregate.Entry{DescriptorID: 5, DisplayName: "empty"}
	eng := New(nil)
	eng.SetState(makeState(nil, nil, low, edge, wide, top, empty))

	eng.SetLevelBand(0, true)
	if got := ids(eng.Entries()); len(got) != 2 || !containsID(got, 1) || !containsID(got, 2) {
		t.Fatalf("band 0: %v", got)
	}
	eng.ClearLevelBands()
	eng.SetLevelBand(2, true)
	if got := ids(eng.Entries()); !equalIDs(got, []uint32{3}) {
		t.Fatalf("band 2: %v", got)
	}
	eng.SetLevelBandsFrom(4)
	if got := ids(eng.Entries()); !equalIDs(got, []uint32{4}) {
		t.Fatalf("bands 4..5: %v", got)
	}
	eng.SetLevelBandsUpTo(5)
	if got := ids(eng.Entries()); len(got) != 5 {
		t.Fatalf("all bands should not filter: %v", got)
	}
}

func containsID(list []uint32, id uint32) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func TestEntries_CachedUntilInvalidated(t *testing.T) {
	eng := New(nil)
	eng.SetState(makeState(nil, nil, makeEntry(entrySpec{id: 1, name: "a", min: 1, max: 1})))
	first := eng.Entries()
	if eng.Dirty() {
		t.Fatalf("expected clean cache after Entries")
	}
	second := eng.Entries()
	if &first[0] != &second[0] {
		t.Fatalf("expected cached slice to be reused")
	}
	eng.SetExcludeNoOpen(true)
	if !eng.Dirty() {
		t.Fatalf("setter should invalidate")
	}
	if got := eng.Entries(); len(got) != 0 {
		t.Fatalf("exclude-no-open: %v", ids(got))
	}
}

func TestSorters_Registry(t *testing.T) {
	s := NewSorters()
	for _, k := range []string{KeyPlayersOpen, KeyPlayers, KeyMinLevel, KeyMaxLevel, KeyName, KeyMinLevelIfOpen, KeyMaxLevelIfOpen} {
		if !s.Has(k) {
			t.Fatalf("missing sorter %q", k)
		}
	}
	if len(s.Keys()) != 7 {
		t.Fatalf("keys=%d", len(s.Keys()))
	}
	s.Register(KeyName, "Renamed", func(a, b *aggregate.Entry) int { return 0 })
	if len(s.Keys()) != 7 || s.Keys()[4][1] != "Renamed" {
		t.Fatalf("re-register should replace in place: %v", s.Keys())
	}
}
