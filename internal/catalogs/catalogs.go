package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Content type ids used by the resolver's classification.
const (
	ContentDungeon      uint32 = 2
	ContentTrial        uint32 = 4
	ContentRaid         uint32 = 5
	ContentPvP          uint32 = 6
	ContentTreasureHunt uint32 = 9
	ContentDeepDungeon  uint32 = 21
)

// Member type ids.
const (
	MemberRaid       uint32 = 3
	MemberAlliance   uint32 = 4
	MemberFrontline  uint32 = 7
	MemberRivalWings uint32 = 18
)

// LinkInstance marks activities that point at a concrete instance row.
const LinkInstance uint32 = 1

type Catalogs struct {
	Activities  ActivityCatalog
	Descriptors DescriptorCatalog
	Categories  CategoryCatalog
}

type ActivityCatalog struct {
	List   []Activity
	ByID   map[uint32]Activity
	Digest string
}

// Activity is one row of the reference activity table.
type Activity struct {
	ID            uint32   `json:"id"`
	Name          string   `json:"name"`
	ContentType   uint32   `json:"content_type"`
	MemberType    uint32   `json:"member_type"`
	LinkType      uint32   `json:"link_type"`
	ContentID     uint32   `json:"content_id"`
	LevelRequired uint8    `json:"level_required"`
	LevelSync     uint8    `json:"level_sync"`
	SortKey       uint16   `json:"sort_key"`
	Roulettes     []uint32 `json:"roulettes,omitempty"`
}

// EffectiveLevel is the level used for range checks: treasure dungeons report
// their sync level, everything else its entry requirement.
func (a Activity) EffectiveLevel() uint8 {
	if a.ContentType == ContentTreasureHunt {
		return a.LevelSync
	}
	return a.LevelRequired
}

type DescriptorCatalog struct {
	ByID   map[uint32]Descriptor
	Digest string
}

// Descriptor is an abstract checklist task: Kind selects the matching rule and
// Param parameterizes it.
type Descriptor struct {
	ID    uint32 `json:"id"`
	Kind  uint32 `json:"kind"`
	Param uint32 `json:"param"`
	Text  string `json:"text,omitempty"`
	Icon  uint32 `json:"icon,omitempty"`
}

// IDs lists every descriptor id in ascending order.
func (d DescriptorCatalog) IDs() []uint32 {
	ids := make([]uint32, 0, len(d.ByID))
	for id := range d.ByID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type CategoryCatalog struct {
	ByID   map[uint32]Category
	Digest string
}

type Category struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs

	if err := loadActivities(filepath.Join(configDir, "activities.json"), &c.Activities); err != nil {
		return nil, err
	}
	if err := loadDescriptors(filepath.Join(configDir, "descriptors.json"), &c.Descriptors); err != nil {
		return nil, err
	}
	if err := loadCategories(filepath.Join(configDir, "categories.json"), &c.Categories); err != nil {
		return nil, err
	}
	return &c, nil
}

// New builds catalogs from in-memory rows.
func New(activities []Activity, descriptors []Descriptor, categories []Category) (*Catalogs, error) {
	var c Catalogs
	if err := indexActivities(activities, &c.Activities); err != nil {
		return nil, err
	}
	if err := indexDescriptors(descriptors, &c.Descriptors); err != nil {
		return nil, err
	}
	if err := indexCategories(categories, &c.Categories); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalogs) Descriptor(id uint32) (Descriptor, bool) {
	d, ok := c.Descriptors.ByID[id]
	return d, ok
}

// CategoryName falls back to a numeric label for rows missing from the table.
func (c *Catalogs) CategoryName(id uint32) string {
	if cat, ok := c.Categories.ByID[id]; ok && cat.Name != "" {
		return cat.Name
	}
	return fmt.Sprintf("Category %d", id)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadActivities(path string, out *ActivityCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var defs []Activity
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("activities.json: %w", err)
	}
	if err := indexActivities(defs, out); err != nil {
		return fmt.Errorf("activities.json: %w", err)
	}
	out.Digest = sha256Hex(raw)
	return nil
}

func indexActivities(defs []Activity, out *ActivityCatalog) error {
	out.ByID = make(map[uint32]Activity, len(defs))
	for _, d := range defs {
		if d.ID == 0 {
			return fmt.Errorf("activity with zero id")
		}
		if _, dup := out.ByID[d.ID]; dup {
			return fmt.Errorf("duplicate activity id %d", d.ID)
		}
		out.ByID[d.ID] = d
	}
	out.List = make([]Activity, 0, len(defs))
	for _, d := range out.ByID {
		out.List = append(out.List, d)
	}
	sort.Slice(out.List, func(i, j int) bool { return out.List[i].ID < out.List[j].ID })
	if out.Digest == "" {
		b, _ := json.Marshal(out.List)
		out.Digest = sha256Hex(b)
	}
	return nil
}

func loadDescriptors(path string, out *DescriptorCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var defs []Descriptor
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("descriptors.json: %w", err)
	}
	if err := indexDescriptors(defs, out); err != nil {
		return fmt.Errorf("descriptors.json: %w", err)
	}
	out.Digest = sha256Hex(raw)
	return nil
}

func indexDescriptors(defs []Descriptor, out *DescriptorCatalog) error {
	out.ByID = make(map[uint32]Descriptor, len(defs))
	for _, d := range defs {
		if d.ID == 0 {
			return fmt.Errorf("descriptor with zero id")
		}
		if _, dup := out.ByID[d.ID]; dup {
			return fmt.Errorf("duplicate descriptor id %d", d.ID)
		}
		out.ByID[d.ID] = d
	}
	if out.Digest == "" {
		ids := make([]uint32, 0, len(out.ByID))
		for id := range out.ByID {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		sorted := make([]Descriptor, 0, len(ids))
		for _, id := range ids {
			sorted = append(sorted, out.ByID[id])
		}
		b, _ := json.Marshal(sorted)
		out.Digest = sha256Hex(b)
	}
	return nil
}

func loadCategories(path string, out *CategoryCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var defs []Category
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("categories.json: %w", err)
	}
	if err := indexCategories(defs, out); err != nil {
		return fmt.Errorf("categories.json: %w", err)
	}
	out.Digest = sha256Hex(raw)
	return nil
}

func indexCategories(defs []Category, out *CategoryCatalog) error {
	out.ByID = make(map[uint32]Category, len(defs))
	for _, d := range defs {
		if _, dup := out.ByID[d.ID]; dup {
			return fmt.Errorf("duplicate category id %d", d.ID)
		}
		out.ByID[d.ID] = d
	}
	return nil
}
