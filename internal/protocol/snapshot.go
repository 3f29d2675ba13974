package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// TaskSlots is the fixed number of checklist entries in a snapshot.
	TaskSlots = 16
	// MaxStickers is the completion cap of the primary counter.
	MaxStickers = 9
)

// Identity is an opaque anonymized player key.
type Identity string

func (id Identity) Valid() bool { return id != "" }

// TaskStatus uses the host client's numeric encoding.
type TaskStatus uint8

const (
	StatusClaimable TaskStatus = 0
	StatusClaimed   TaskStatus = 1
	StatusOpen      TaskStatus = 2
)

func (s TaskStatus) String() string {
	switch s {
	case StatusClaimable:
		return "claimable"
	case StatusClaimed:
		return "claimed"
	case StatusOpen:
		return "open"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s TaskStatus) Valid() bool { return s <= StatusOpen }

type TaskEntry struct {
	ID     uint32     `json:"id"`
	Status TaskStatus `json:"status"`
}

// Snapshot is one player's weekly checklist state.
type Snapshot struct {
	Expires            time.Time            `json:"expires"`
	Stickers           uint                 `json:"stickers"`
	SecondChancePoints uint                 `json:"secondChancePoints"`
	Duties             [TaskSlots]TaskEntry `json:"duties"`
}

// UnmarshalJSON requires exactly TaskSlots duties and clamps Stickers.
func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var raw struct {
		Expires            time.Time   `json:"expires"`
		Stickers           uint        `json:"stickers"`
		SecondChancePoints uint        `json:"secondChancePoints"`
		Duties             []TaskEntry `json:"duties"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw.Duties) != TaskSlots {
		return fmt.Errorf("snapshot: duties has %d entries, want %d", len(raw.Duties), TaskSlots)
	}
	for i, d := range raw.Duties {
		if !d.Status.Valid() {
			return fmt.Errorf("snapshot: duty %d has unknown status %d", i, d.Status)
		}
	}
	s.Expires = raw.Expires
	s.Stickers = raw.Stickers
	if s.Stickers > MaxStickers {
		s.Stickers = MaxStickers
	}
	s.SecondChancePoints = raw.SecondChancePoints
	copy(s.Duties[:], raw.Duties)
	return nil
}

// Equal reports whether two snapshots carry the same state. Two nil
// snapshots are equal.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.Expires.Equal(o.Expires) &&
		s.Stickers == o.Stickers &&
		s.SecondChancePoints == o.SecondChancePoints &&
		s.Duties == o.Duties
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func (s *Snapshot) Expired(now time.Time) bool {
	return s != nil && !s.Expires.IsZero() && now.After(s.Expires)
}

// CountStatus returns how many duties are in the given status.
func (s *Snapshot) CountStatus(st TaskStatus) int {
	if s == nil {
		return 0
	}
	n := 0
	for _, d := range s.Duties {
		if d.ID != 0 && d.Status == st {
			n++
		}
	}
	return n
}
