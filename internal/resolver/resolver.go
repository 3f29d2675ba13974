// Package resolver expands checklist descriptors into the concrete activities
// they match. Results are memoized for the lifetime of the Resolver.
package resolver

import (
	"fmt"
	"sort"
	"sync"

	"wtsync.dev/internal/catalogs"
)

type Kind uint32

const (
	KindInstance      Kind = 0
	KindDungeonLevel  Kind = 1
	KindDungeonBand   Kind = 2
	KindSpecial       Kind = 3
	KindRaidSet       Kind = 4
	KindTrialBand     Kind = 5
	KindRaidBand      Kind = 6
	KindRoulette      Kind = 7
	KindAllianceLevel Kind = 8
)

func (k Kind) String() string {
	switch k {
	case KindInstance:
		return "instance"
	case KindDungeonLevel:
		return "dungeon-level"
	case KindDungeonBand:
		return "dungeon-band"
	case KindSpecial:
		return "special"
	case KindRaidSet:
		return "raid-set"
	case KindTrialBand:
		return "trial-band"
	case KindRaidBand:
		return "raid-band"
	case KindRoulette:
		return "roulette"
	case KindAllianceLevel:
		return "alliance-level"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Parameters of KindSpecial.
const (
	SpecialCrystallineConflict uint32 = 5
	SpecialFrontline           uint32 = 6
	SpecialDeepDungeon         uint32 = 9
	SpecialTreasureDungeon     uint32 = 10
	SpecialRivalWings          uint32 = 12
)

// Resolved is the immutable expansion of one descriptor. Activities are
// ordered by (LevelRequired, SortKey, ID). An empty expansion has zero levels.
type Resolved struct {
	DescriptorID uint32
	Activities   []catalogs.Activity
	MinLevel     uint8
	MaxLevel     uint8
}

func (r Resolved) Empty() bool { return len(r.Activities) == 0 }

type Stats struct {
	Classifications uint64
	Misses          uint64
	Hits            uint64
}

type classes struct {
	dungeons   []catalogs.Activity
	trials     []catalogs.Activity
	raids      []catalogs.Activity
	alliances  []catalogs.Activity
	byInstance map[uint32]catalogs.Activity
	byRoulette map[uint32][]catalogs.Activity
}

type Resolver struct {
	cats *catalogs.Catalogs

	classifyOnce sync.Once
	cls          classes

	mu    sync.Mutex
	cache map[uint32]Resolved
	stats Stats
}

func New(cats *catalogs.Catalogs) *Resolver {
	return &Resolver{cats: cats, cache: map[uint32]Resolved{}}
}

func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// ResolveID resolves a descriptor by id. Ids missing from the descriptor table
// resolve to an empty expansion.
func (r *Resolver) ResolveID(id uint32) Resolved {
	d, ok := r.cats.Descriptor(id)
	if !ok {
		return Resolved{DescriptorID: id}
	}
	return r.Resolve(d)
}

// Resolve returns the cached expansion of d, computing it on first use.
func (r *Resolver) Resolve(d catalogs.Descriptor) Resolved {
	r.mu.Lock()
	if res, ok := r.cache[d.ID]; ok {
		r.stats.Hits++
		r.mu.Unlock()
		return res
	}
	r.mu.Unlock()

	res := r.compute(d)

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.cache[d.ID]; ok {
		r.stats.Hits++
		return prev
	}
	r.cache[d.ID] = res
	r.stats.Misses++
	return res
}

func (r *Resolver) classify() {
	r.classifyOnce.Do(func() {
		c := classes{
			byInstance: map[uint32]catalogs.Activity{},
			byRoulette: map[uint32][]catalogs.Activity{},
		}
		for _, a := range r.cats.Activities.List {
			switch {
			case a.ContentType == catalogs.ContentDungeon:
				c.dungeons = append(c.dungeons, a)
			case a.ContentType == catalogs.ContentTrial:
				c.trials = append(c.trials, a)
			}
			switch a.MemberType {
			case catalogs.MemberRaid:
				if a.ContentType == catalogs.ContentRaid {
					c.raids = append(c.raids, a)
				}
			case catalogs.MemberAlliance:
				c.alliances = append(c.alliances, a)
			}
			if a.LinkType == catalogs.LinkInstance {
				if _, ok := c.byInstance[a.ContentID]; !ok {
					c.byInstance[a.ContentID] = a
				}
			}
			for _, q := range a.Roulettes {
				c.byRoulette[q] = append(c.byRoulette[q], a)
			}
		}
		r.cls = c
		r.mu.Lock()
		r.stats.Classifications++
		r.mu.Unlock()
	})
}

func (r *Resolver) compute(d catalogs.Descriptor) Resolved {
	r.classify()
	var acts []catalogs.Activity
	switch Kind(d.Kind) {
	case KindInstance:
		if a, ok := r.cls.byInstance[d.Param]; ok {
			acts = append(acts, a)
		}
	case KindDungeonLevel:
		acts = withLevel(r.cls.dungeons, d.Param)
	case KindDungeonBand:
		acts = inBand(r.cls.dungeons, d.Param)
	case KindSpecial:
		acts = r.special(d.Param)
	case KindRaidSet:
		acts = r.raidSet(d.Param)
	case KindTrialBand:
		acts = inBand(r.cls.trials, d.Param)
	case KindRaidBand:
		acts = inBand(r.cls.raids, d.Param)
	case KindRoulette:
		acts = append(acts, r.cls.byRoulette[d.Param]...)
	case KindAllianceLevel:
		acts = withLevel(r.cls.alliances, d.Param)
	}
	return finish(d.ID, acts)
}

func (r *Resolver) special(param uint32) []catalogs.Activity {
	var match func(catalogs.Activity) bool
	switch param {
	case SpecialFrontline:
		match = func(a catalogs.Activity) bool {
			return a.ContentType == catalogs.ContentPvP && a.MemberType == catalogs.MemberFrontline
		}
	case SpecialDeepDungeon:
		match = func(a catalogs.Activity) bool { return a.ContentType == catalogs.ContentDeepDungeon }
	case SpecialTreasureDungeon:
		match = func(a catalogs.Activity) bool { return a.ContentType == catalogs.ContentTreasureHunt }
	case SpecialRivalWings:
		match = func(a catalogs.Activity) bool {
			return a.ContentType == catalogs.ContentPvP && a.MemberType == catalogs.MemberRivalWings
		}
	default:
		// Crystalline conflict has no activity rows; unknown params match nothing.
		return nil
	}
	var out []catalogs.Activity
	for _, a := range r.cats.Activities.List {
		if match(a) {
			out = append(out, a)
		}
	}
	return out
}

func (r *Resolver) raidSet(param uint32) []catalogs.Activity {
	if lvl, ok := allianceTiers[param]; ok {
		return withLevel(r.cls.alliances, uint32(lvl))
	}
	var out []catalogs.Activity
	for _, id := range raidSets[param] {
		if a, ok := r.cats.Activities.ByID[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

func withLevel(src []catalogs.Activity, level uint32) []catalogs.Activity {
	var out []catalogs.Activity
	for _, a := range src {
		if uint32(a.LevelRequired) == level {
			out = append(out, a)
		}
	}
	return out
}

// Band returns the level range [lo, hi] covered by a sliding-band parameter:
// the nine levels below param, widened down to 1 for the first band (hi 49).
func Band(param uint32) (lo, hi uint32, ok bool) {
	if param < 2 {
		return 0, 0, false
	}
	hi = param - 1
	if hi == 49 || param < 10 {
		return 1, hi, true
	}
	return param - 9, hi, true
}

func inBand(src []catalogs.Activity, param uint32) []catalogs.Activity {
	lo, hi, ok := Band(param)
	if !ok {
		return nil
	}
	var out []catalogs.Activity
	for _, a := range src {
		l := uint32(a.LevelRequired)
		if l >= lo && l <= hi {
			out = append(out, a)
		}
	}
	return out
}

func finish(id uint32, acts []catalogs.Activity) Resolved {
	res := Resolved{DescriptorID: id}
	if len(acts) == 0 {
		return res
	}
	seen := make(map[uint32]struct{}, len(acts))
	uniq := make([]catalogs.Activity, 0, len(acts))
	for _, a := range acts {
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		uniq = append(uniq, a)
	}
	sort.Slice(uniq, func(i, j int) bool {
		a, b := uniq[i], uniq[j]
		if a.LevelRequired != b.LevelRequired {
			return a.LevelRequired < b.LevelRequired
		}
		if a.SortKey != b.SortKey {
			return a.SortKey < b.SortKey
		}
		return a.ID < b.ID
	})
	res.Activities = uniq
	res.MinLevel = uniq[0].EffectiveLevel()
	res.MaxLevel = uniq[0].EffectiveLevel()
	for _, a := range uniq[1:] {
		l := a.EffectiveLevel()
		if l < res.MinLevel {
			res.MinLevel = l
		}
		if l > res.MaxLevel {
			res.MaxLevel = l
		}
	}
	return res
}
