// Package aggregate merges the snapshots of a group into per-descriptor
// entries.
package aggregate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"wtsync.dev/internal/catalogs"
	"wtsync.dev/internal/protocol"
	"wtsync.dev/internal/resolver"
)

type PlayerStatus struct {
	ID     protocol.Identity
	Name   string
	Status protocol.TaskStatus
}

// Entry is one checklist task as seen across the group. Entries are rebuilt
// on every Update and must not be modified.
type Entry struct {
	DescriptorID uint32
	Descriptor   catalogs.Descriptor
	Resolved     resolver.Resolved
	Categories   []catalogs.Category
	// Players lists identities with a known display name, ordered by
	// (status, name).
	Players   []PlayerStatus
	Open      []protocol.Identity
	Claimable []protocol.Identity
	Claimed   []protocol.Identity

	DisplayName string
}

func (e *Entry) MinLevel() uint8 { return e.Resolved.MinLevel }
func (e *Entry) MaxLevel() uint8 { return e.Resolved.MaxLevel }

// Total counts every identity carrying this task, whatever its status.
func (e *Entry) Total() int { return len(e.Open) + len(e.Claimable) + len(e.Claimed) }

func (e *Entry) HasCategory(id uint32) bool {
	for _, c := range e.Categories {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (e *Entry) HasPlayer(id protocol.Identity) bool {
	for _, p := range e.Players {
		if p.ID == id {
			return true
		}
	}
	return false
}

// MatchingNames lists the distinct activity names with their level.
func (e *Entry) MatchingNames() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(e.Resolved.Activities))
	for _, a := range e.Resolved.Activities {
		s := fmt.Sprintf("%s (Lv. %d)", capitalize(a.Name), a.EffectiveLevel())
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

type PlayerSummary struct {
	ID                 protocol.Identity
	Name               string
	Self               bool
	HasSnapshot        bool
	Total              uint
	Stickers           uint
	SecondChancePoints uint
	Expires            time.Time
}

// State is the result of one aggregation pass.
type State struct {
	Self       protocol.Identity
	Players    []PlayerSummary
	Totals     map[protocol.Identity]uint
	Entries    []*Entry
	Categories []catalogs.Category
}

func (s *State) PlayerIDs() []protocol.Identity {
	out := make([]protocol.Identity, 0, len(s.Players))
	for _, p := range s.Players {
		out = append(out, p.ID)
	}
	return out
}

type Engine struct {
	res  *resolver.Resolver
	cats *catalogs.Catalogs

	members []protocol.Member
	names   map[protocol.Identity]string
	last    *State
}

func New(res *resolver.Resolver, cats *catalogs.Catalogs) *Engine {
	return &Engine{res: res, cats: cats, names: map[protocol.Identity]string{}}
}

// SetMembers replaces the group membership used for display names and the
// player summary. It takes effect on the next Update.
func (e *Engine) SetMembers(members []protocol.Member) {
	e.members = append([]protocol.Member(nil), members...)
	e.names = make(map[protocol.Identity]string, len(members))
	for _, m := range members {
		if m.ID.Valid() && m.Name != "" {
			e.names[m.ID] = m.Name
		}
	}
}

// State returns the result of the last Update, or nil.
func (e *Engine) State() *State { return e.last }

// EffectiveTotal is the completion count a snapshot will reach once its
// claimable tasks are claimed, capped at MaxStickers.
func EffectiveTotal(s *protocol.Snapshot) uint {
	if s == nil {
		return 0
	}
	t := s.Stickers + uint(s.CountStatus(protocol.StatusClaimable))
	if t > protocol.MaxStickers {
		t = protocol.MaxStickers
	}
	return t
}

type pending struct {
	id     protocol.Identity
	status protocol.TaskStatus
}

// Update rebuilds the aggregated view from scratch. Nil snapshots are treated
// as absent. The input map is not retained.
func (e *Engine) Update(self protocol.Identity, snaps map[protocol.Identity]*protocol.Snapshot) *State {
	st := &State{Self: self, Totals: make(map[protocol.Identity]uint, len(snaps))}

	ids := make([]protocol.Identity, 0, len(snaps))
	for id, s := range snaps {
		if s == nil {
			continue
		}
		ids = append(ids, id)
		st.Totals[id] = EffectiveTotal(s)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, m := range e.members {
		p := PlayerSummary{ID: m.ID, Name: m.Name, Self: m.ID == self}
		if s := snaps[m.ID]; s != nil {
			p.HasSnapshot = true
			p.Total = st.Totals[m.ID]
			p.Stickers = s.Stickers
			p.SecondChancePoints = s.SecondChancePoints
			p.Expires = s.Expires
		}
		st.Players = append(st.Players, p)
	}

	groups := map[uint32][]pending{}
	for _, id := range ids {
		s := snaps[id]
		for _, d := range s.Duties {
			if d.ID == 0 {
				continue
			}
			dup := false
			for _, p := range groups[d.ID] {
				if p.id == id {
					dup = true
					break
				}
			}
			if dup {
				continue
			}
			status := d.Status
			if status == protocol.StatusOpen && st.Totals[id] >= protocol.MaxStickers {
				status = protocol.StatusClaimed
			}
			groups[d.ID] = append(groups[d.ID], pending{id: id, status: status})
		}
	}

	descIDs := make([]uint32, 0, len(groups))
	for id := range groups {
		descIDs = append(descIDs, id)
	}
	sort.Slice(descIDs, func(i, j int) bool { return descIDs[i] < descIDs[j] })

	catSeen := map[uint32]struct{}{}
	for _, did := range descIDs {
		ent := e.buildEntry(did, groups[did])
		for _, c := range ent.Categories {
			if _, ok := catSeen[c.ID]; !ok {
				catSeen[c.ID] = struct{}{}
				st.Categories = append(st.Categories, c)
			}
		}
		st.Entries = append(st.Entries, ent)
	}
	sort.Slice(st.Categories, func(i, j int) bool { return st.Categories[i].ID < st.Categories[j].ID })

	e.last = st
	return st
}

func (e *Engine) buildEntry(did uint32, members []pending) *Entry {
	ent := &Entry{DescriptorID: did}
	desc, known := e.cats.Descriptor(did)
	if known {
		ent.Descriptor = desc
		ent.Resolved = e.res.Resolve(desc)
	} else {
		ent.Descriptor = catalogs.Descriptor{ID: did}
		ent.Resolved = resolver.Resolved{DescriptorID: did}
	}

	seenCat := map[uint32]struct{}{}
	for _, a := range ent.Resolved.Activities {
		if _, ok := seenCat[a.ContentType]; ok {
			continue
		}
		seenCat[a.ContentType] = struct{}{}
		ent.Categories = append(ent.Categories, catalogs.Category{ID: a.ContentType, Name: e.cats.CategoryName(a.ContentType)})
	}
	sort.Slice(ent.Categories, func(i, j int) bool { return ent.Categories[i].ID < ent.Categories[j].ID })

	for _, p := range members {
		switch p.status {
		case protocol.StatusOpen:
			ent.Open = append(ent.Open, p.id)
		case protocol.StatusClaimable:
			ent.Claimable = append(ent.Claimable, p.id)
		case protocol.StatusClaimed:
			ent.Claimed = append(ent.Claimed, p.id)
		}
		if name, ok := e.names[p.id]; ok {
			ent.Players = append(ent.Players, PlayerStatus{ID: p.id, Name: name, Status: p.status})
		}
	}
	sort.SliceStable(ent.Players, func(i, j int) bool {
		a, b := ent.Players[i], ent.Players[j]
		if a.Status != b.Status {
			return a.Status < b.Status
		}
		return a.Name < b.Name
	})

	ent.DisplayName = displayName(ent)
	return ent
}

func displayName(e *Entry) string {
	if e.Descriptor.Text != "" {
		return e.Descriptor.Text
	}
	if len(e.Resolved.Activities) > 0 {
		return capitalize(e.Resolved.Activities[0].Name)
	}
	return fmt.Sprintf("Unknown (%d)", e.DescriptorID)
}

// capitalize only touches a leading lower-case article.
func capitalize(s string) string {
	if strings.HasPrefix(s, "the ") {
		return "T" + s[1:]
	}
	return s
}
