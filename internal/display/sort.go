package display

import (
	"math"
	"sort"
	"strings"

	"wtsync.dev/internal/aggregate"
)

// Comparator orders two entries: negative when a sorts first.
type Comparator func(a, b *aggregate.Entry) int

// SortKey is one step of a custom ordering.
type SortKey struct {
	Key        string `yaml:"key" json:"key"`
	Descending bool   `yaml:"descending,omitempty" json:"descending,omitempty"`
}

// SortSpec is an ordered list of keys. An empty spec selects the default order.
type SortSpec []SortKey

// Sort key names.
const (
	KeyPlayersOpen    = "players-open"
	KeyPlayers        = "players"
	KeyMinLevel       = "min-level"
	KeyMaxLevel       = "max-level"
	KeyName           = "name"
	KeyMinLevelIfOpen = "min-level.players"
	KeyMaxLevelIfOpen = "max-level.players"
)

type namedComparator struct {
	key   string
	title string
	cmp   Comparator
}

// Sorters is a registry of named comparators.
type Sorters struct {
	list []namedComparator
	byID map[string]Comparator
}

func NewSorters() *Sorters {
	s := &Sorters{byID: map[string]Comparator{}}
	s.Register(KeyPlayersOpen, "Players with task open", func(a, b *aggregate.Entry) int {
		return cmpInt(len(a.Open), len(b.Open))
	})
	s.Register(KeyPlayers, "Players with task", func(a, b *aggregate.Entry) int {
		return cmpInt(len(a.Players), len(b.Players))
	})
	s.Register(KeyMinLevel, "Minimum level", func(a, b *aggregate.Entry) int {
		return cmpInt(minLevel(a), minLevel(b))
	})
	s.Register(KeyMaxLevel, "Maximum level", func(a, b *aggregate.Entry) int {
		return cmpInt(int(a.MaxLevel()), int(b.MaxLevel()))
	})
	s.Register(KeyName, "Name", func(a, b *aggregate.Entry) int {
		return strings.Compare(a.DisplayName, b.DisplayName)
	})
	s.Register(KeyMinLevelIfOpen, "Minimum level, if players have it open", func(a, b *aggregate.Entry) int {
		if len(a.Players) == 0 && len(b.Players) == 0 {
			return 0
		}
		return cmpInt(minLevel(a), minLevel(b))
	})
	s.Register(KeyMaxLevelIfOpen, "Maximum level, if players have it open", func(a, b *aggregate.Entry) int {
		if len(a.Players) == 0 && len(b.Players) == 0 {
			return 0
		}
		return cmpInt(int(a.MaxLevel()), int(b.MaxLevel()))
	})
	return s
}

// Register adds or replaces a named comparator. Ascending order is the
// comparator's natural order.
func (s *Sorters) Register(key, title string, cmp Comparator) {
	if _, ok := s.byID[key]; !ok {
		s.list = append(s.list, namedComparator{key: key, title: title, cmp: cmp})
	} else {
		for i := range s.list {
			if s.list[i].key == key {
				s.list[i] = namedComparator{key: key, title: title, cmp: cmp}
			}
		}
	}
	s.byID[key] = cmp
}

func (s *Sorters) Has(key string) bool {
	_, ok := s.byID[key]
	return ok
}

// Keys returns the registered keys with their titles in registration order.
func (s *Sorters) Keys() [][2]string {
	out := make([][2]string, 0, len(s.list))
	for _, n := range s.list {
		out = append(out, [2]string{n.key, n.title})
	}
	return out
}

// Build chains the spec's comparators; the first non-zero result wins.
// Unknown keys are skipped; a spec with no usable key yields DefaultComparator.
func (s *Sorters) Build(spec SortSpec) Comparator {
	chain := make([]Comparator, 0, len(spec))
	for _, k := range spec {
		cmp, ok := s.byID[k.Key]
		if !ok {
			continue
		}
		if k.Descending {
			asc := cmp
			cmp = func(a, b *aggregate.Entry) int { return -asc(a, b) }
		}
		chain = append(chain, cmp)
	}
	if len(chain) == 0 {
		return DefaultComparator
	}
	return func(a, b *aggregate.Entry) int {
		for _, c := range chain {
			if r := c(a, b); r != 0 {
				return r
			}
		}
		return 0
	}
}

// DefaultComparator puts the most useful tasks first: most open players, then
// the lowest level among tasks someone still has open, then the most players
// overall, then lowest level, then name.
func DefaultComparator(a, b *aggregate.Entry) int {
	aOpen, bOpen := len(a.Open), len(b.Open)
	if r := cmpInt(bOpen, aOpen); r != 0 {
		return r
	}
	if aOpen > 0 {
		if r := cmpInt(minLevel(a), minLevel(b)); r != 0 {
			return r
		}
	}
	if r := cmpInt(b.Total(), a.Total()); r != 0 {
		return r
	}
	if r := cmpInt(minLevel(a), minLevel(b)); r != 0 {
		return r
	}
	return strings.Compare(a.DisplayName, b.DisplayName)
}

// minLevel is the entry's minimum level for ordering. Entries matching no
// activity have no minimum and sort after every level.
func minLevel(e *aggregate.Entry) int {
	if e.Resolved.Empty() {
		return math.MaxInt32
	}
	return int(e.MinLevel())
}

func sortEntries(entries []*aggregate.Entry, cmp Comparator) {
	sort.SliceStable(entries, func(i, j int) bool { return cmp(entries[i], entries[j]) < 0 })
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
