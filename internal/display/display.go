// Package display filters and orders aggregated entries for presentation.
package display

import (
	"sort"

	"wtsync.dev/internal/aggregate"
	"wtsync.dev/internal/protocol"
)

// LevelBands are the upper bounds of the level filter bands. Band i covers
// levels (LevelBands[i-1], LevelBands[i]], band 0 starts at 0.
var LevelBands = [6]uint8{50, 60, 70, 80, 90, 100}

// FilterState holds the user's selection. A dimension only filters when it is
// partially selected: nothing selected and everything selected both show all.
type FilterState struct {
	ExcludeNoOpen bool                       `yaml:"exclude_no_open" json:"exclude_no_open"`
	Players       map[protocol.Identity]bool `yaml:"-" json:"-"`
	Categories    map[uint32]bool            `yaml:"categories,omitempty" json:"categories,omitempty"`
	LevelBands    [6]bool                    `yaml:"level_bands" json:"level_bands"`
}

func (f FilterState) clone() FilterState {
	c := f
	c.Players = make(map[protocol.Identity]bool, len(f.Players))
	for k, v := range f.Players {
		if v {
			c.Players[k] = true
		}
	}
	c.Categories = make(map[uint32]bool, len(f.Categories))
	for k, v := range f.Categories {
		if v {
			c.Categories[k] = true
		}
	}
	return c
}

// Engine caches the filtered, sorted entry list until an input changes.
type Engine struct {
	sorters *Sorters

	state  *aggregate.State
	filter FilterState
	spec   SortSpec

	cached []*aggregate.Entry
	dirty  bool
}

func New(sorters *Sorters) *Engine {
	if sorters == nil {
		sorters = NewSorters()
	}
	return &Engine{
		sorters: sorters,
		filter:  FilterState{Players: map[protocol.Identity]bool{}, Categories: map[uint32]bool{}},
		dirty:   true,
	}
}

func (e *Engine) Sorters() *Sorters { return e.sorters }

// Dirty reports whether the next Entries call recomputes.
func (e *Engine) Dirty() bool { return e.dirty }

func (e *Engine) invalidate() { e.dirty = true }

func (e *Engine) SetState(st *aggregate.State) {
	e.state = st
	e.invalidate()
}

func (e *Engine) State() *aggregate.State { return e.state }

// Filter returns a copy of the current filter.
func (e *Engine) Filter() FilterState { return e.filter.clone() }

func (e *Engine) SetFilter(f FilterState) {
	e.filter = f.clone()
	e.invalidate()
}

func (e *Engine) SetExcludeNoOpen(v bool) {
	e.filter.ExcludeNoOpen = v
	e.invalidate()
}

func (e *Engine) TogglePlayer(id protocol.Identity) {
	if e.filter.Players[id] {
		delete(e.filter.Players, id)
	} else {
		e.filter.Players[id] = true
	}
	e.invalidate()
}

func (e *Engine) SetPlayers(ids []protocol.Identity) {
	e.filter.Players = make(map[protocol.Identity]bool, len(ids))
	for _, id := range ids {
		e.filter.Players[id] = true
	}
	e.invalidate()
}

func (e *Engine) ToggleCategory(id uint32) {
	if e.filter.Categories[id] {
		delete(e.filter.Categories, id)
	} else {
		e.filter.Categories[id] = true
	}
	e.invalidate()
}

// SoloCategory selects only the given category.
func (e *Engine) SoloCategory(id uint32) {
	e.filter.Categories = map[uint32]bool{id: true}
	e.invalidate()
}

func (e *Engine) SetLevelBand(i int, on bool) {
	if i < 0 || i >= len(e.filter.LevelBands) {
		return
	}
	e.filter.LevelBands[i] = on
	e.invalidate()
}

// SetLevelBandsUpTo selects bands 0..i and clears the rest.
func (e *Engine) SetLevelBandsUpTo(i int) {
	for j := range e.filter.LevelBands {
		e.filter.LevelBands[j] = j <= i
	}
	e.invalidate()
}

// SetLevelBandsFrom selects bands i.. and clears the rest.
func (e *Engine) SetLevelBandsFrom(i int) {
	for j := range e.filter.LevelBands {
		e.filter.LevelBands[j] = j >= i
	}
	e.invalidate()
}

func (e *Engine) ClearLevelBands() {
	e.filter.LevelBands = [6]bool{}
	e.invalidate()
}

func (e *Engine) SetSort(spec SortSpec) {
	e.spec = append(SortSpec(nil), spec...)
	e.invalidate()
}

func (e *Engine) Sort() SortSpec { return append(SortSpec(nil), e.spec...) }

// Entries returns the filtered and sorted list. The slice is shared with the
// cache and must not be modified.
func (e *Engine) Entries() []*aggregate.Entry {
	if !e.dirty {
		return e.cached
	}
	e.cached = e.compute()
	e.dirty = false
	return e.cached
}

func (e *Engine) compute() []*aggregate.Entry {
	if e.state == nil {
		return nil
	}
	players := e.activePlayers()
	cats := e.activeCategories()
	bands := e.activeBands()

	out := make([]*aggregate.Entry, 0, len(e.state.Entries))
	for _, ent := range e.state.Entries {
		if e.filter.ExcludeNoOpen && len(ent.Open) == 0 {
			continue
		}
		if players != nil && !matchesPlayers(ent, players) {
			continue
		}
		if cats != nil && !matchesCategories(ent, cats) {
			continue
		}
		if bands != nil && !matchesBands(ent, bands) {
			continue
		}
		out = append(out, ent)
	}
	sortEntries(out, e.sorters.Build(e.spec))
	return out
}

// activePlayers returns the selected players present in the current state, or
// nil when the player dimension does not filter.
func (e *Engine) activePlayers() []protocol.Identity {
	ids := e.state.PlayerIDs()
	var sel []protocol.Identity
	for _, id := range ids {
		if e.filter.Players[id] {
			sel = append(sel, id)
		}
	}
	if len(sel) == 0 || len(sel) == len(ids) {
		return nil
	}
	return sel
}

func (e *Engine) activeCategories() []uint32 {
	var sel []uint32
	for _, c := range e.state.Categories {
		if e.filter.Categories[c.ID] {
			sel = append(sel, c.ID)
		}
	}
	if len(sel) == 0 || len(sel) == len(e.state.Categories) {
		return nil
	}
	sort.Slice(sel, func(i, j int) bool { return sel[i] < sel[j] })
	return sel
}

func (e *Engine) activeBands() []int {
	var sel []int
	for i, on := range e.filter.LevelBands {
		if on {
			sel = append(sel, i)
		}
	}
	if len(sel) == 0 || len(sel) == len(e.filter.LevelBands) {
		return nil
	}
	return sel
}

func matchesPlayers(ent *aggregate.Entry, sel []protocol.Identity) bool {
	for _, id := range sel {
		if ent.HasPlayer(id) {
			return true
		}
	}
	return false
}

func matchesCategories(ent *aggregate.Entry, sel []uint32) bool {
	for _, id := range sel {
		if ent.HasCategory(id) {
			return true
		}
	}
	return false
}

// BandOverlaps reports whether [lo, hi] intersects band i.
func BandOverlaps(i int, lo, hi uint8) bool {
	if i < 0 || i >= len(LevelBands) {
		return false
	}
	var prev uint8
	if i > 0 {
		prev = LevelBands[i-1]
	}
	return lo <= LevelBands[i] && hi > prev
}

func matchesBands(ent *aggregate.Entry, sel []int) bool {
	if ent.Resolved.Empty() {
		return false
	}
	for _, i := range sel {
		if BandOverlaps(i, ent.MinLevel(), ent.MaxLevel()) {
			return true
		}
	}
	return false
}
