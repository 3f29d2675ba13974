// Package config loads and saves the client configuration.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"wtsync.dev/internal/display"
	"wtsync.dev/internal/identity"
	"wtsync.dev/internal/protocol"
)

const (
	DefaultServerURL    = "https://wtsync.dev"
	DefaultQuietPeriod  = 5 * time.Second
	DefaultDestroyDelay = 10 * time.Second
	DefaultPingInterval = 5 * time.Second
)

// Duration reads and writes Go duration strings such as "5s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	ServerURL     string   `yaml:"server_url"`
	Anonymous     bool     `yaml:"anonymous"`
	AcceptedTerms bool     `yaml:"accepted_terms"`
	QuietPeriod   Duration `yaml:"quiet_period"`
	DestroyDelay  Duration `yaml:"destroy_delay"`
	PingInterval  Duration `yaml:"ping_interval"`
	CatalogDir    string   `yaml:"catalog_dir"`
	JournalDir    string   `yaml:"journal_dir,omitempty"`

	NameFormat uint          `yaml:"name_format"`
	Display    DisplayConfig `yaml:"display"`
	Filters    FilterConfig  `yaml:"filters"`

	CustomSorts []CustomSort `yaml:"custom_sorts,omitempty"`
	ActiveSort  string       `yaml:"active_sort,omitempty"`

	Host HostConfig `yaml:"host"`
}

type DisplayConfig struct {
	ShowExpiration   bool `yaml:"show_expiration"`
	ShowSecondChance bool `yaml:"show_second_chance"`
}

type FilterConfig struct {
	ExcludeNoOpen bool     `yaml:"exclude_no_open"`
	LevelBands    []bool   `yaml:"level_bands,omitempty"`
	Categories    []uint32 `yaml:"categories,omitempty"`
}

type CustomSort struct {
	Name string           `yaml:"name"`
	Keys display.SortSpec `yaml:"keys"`
}

// HostConfig describes the local player and group for the file-backed host.
type HostConfig struct {
	Name      string       `yaml:"name"`
	World     string       `yaml:"world"`
	ContentID uint64       `yaml:"content_id,omitempty"`
	Party     []HostMember `yaml:"party,omitempty"`
}

type HostMember struct {
	Name      string `yaml:"name"`
	World     string `yaml:"world"`
	ContentID uint64 `yaml:"content_id,omitempty"`
}

// Identity prefers the numeric content id when one is configured.
func (m HostMember) Identity() protocol.Identity {
	if m.ContentID != 0 {
		return identity.FromContentID(m.ContentID)
	}
	return identity.FromName(m.Name, m.World)
}

func (h HostConfig) Self() HostMember {
	return HostMember{Name: h.Name, World: h.World, ContentID: h.ContentID}
}

// Members lists the local player first, then the configured party.
func (h HostConfig) Members() []protocol.Member {
	var out []protocol.Member
	if strings.TrimSpace(h.Name) != "" {
		out = append(out, protocol.Member{ID: h.Self().Identity(), Name: h.Name})
	}
	for _, m := range h.Party {
		id := m.Identity()
		if !id.Valid() {
			continue
		}
		out = append(out, protocol.Member{ID: id, Name: m.Name})
	}
	return out
}

func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.applyEnv()
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("wtsync.yaml: %w", err)
	}
	cfg.applyEnv()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("wtsync.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		ServerURL:    DefaultServerURL,
		QuietPeriod:  Duration(DefaultQuietPeriod),
		DestroyDelay: Duration(DefaultDestroyDelay),
		PingInterval: Duration(DefaultPingInterval),
		CatalogDir:   "configs",
		Display: DisplayConfig{
			ShowExpiration:   true,
			ShowSecondChance: true,
		},
		Filters: FilterConfig{LevelBands: make([]bool, len(display.LevelBands))},
	}
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("WTSYNC_SERVER_URL")); v != "" {
		c.ServerURL = v
	}
	c.Anonymous = envBool("WTSYNC_ANONYMOUS", c.Anonymous)
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.QuietPeriod <= 0 {
		c.QuietPeriod = Duration(DefaultQuietPeriod)
	}
	if c.DestroyDelay <= 0 {
		c.DestroyDelay = Duration(DefaultDestroyDelay)
	}
	if c.PingInterval <= 0 {
		c.PingInterval = Duration(DefaultPingInterval)
	}
	if len(c.Filters.LevelBands) < len(display.LevelBands) {
		bands := make([]bool, len(display.LevelBands))
		copy(bands, c.Filters.LevelBands)
		c.Filters.LevelBands = bands
	}
	for i := range c.CustomSorts {
		c.CustomSorts[i].Name = strings.TrimSpace(c.CustomSorts[i].Name)
	}
	c.ActiveSort = strings.TrimSpace(c.ActiveSort)
}

func (c Config) Validate() error {
	if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return fmt.Errorf("server_url must be http(s): %q", c.ServerURL)
	}
	if c.NameFormat > uint(identity.InitialsOnly) {
		return fmt.Errorf("name_format out of range: %d", c.NameFormat)
	}
	if len(c.Filters.LevelBands) != len(display.LevelBands) {
		return fmt.Errorf("filters.level_bands must have %d entries", len(display.LevelBands))
	}
	names := map[string]struct{}{}
	for i, s := range c.CustomSorts {
		if s.Name == "" {
			return fmt.Errorf("custom_sorts[%d]: empty name", i)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("custom_sorts[%d]: duplicate name %q", i, s.Name)
		}
		names[s.Name] = struct{}{}
		if len(s.Keys) == 0 {
			return fmt.Errorf("custom_sorts[%d]: no keys", i)
		}
	}
	if c.ActiveSort != "" {
		if _, ok := names[c.ActiveSort]; !ok {
			return fmt.Errorf("active_sort %q not found in custom_sorts", c.ActiveSort)
		}
	}
	for i, m := range c.Host.Party {
		if strings.TrimSpace(m.Name) == "" && m.ContentID == 0 {
			return fmt.Errorf("host.party[%d]: needs name or content_id", i)
		}
	}
	return nil
}

// SortSpec returns the active custom sort, or nil for the default order.
func (c Config) SortSpec() display.SortSpec {
	for _, s := range c.CustomSorts {
		if s.Name == c.ActiveSort {
			return append(display.SortSpec(nil), s.Keys...)
		}
	}
	return nil
}

// FilterState converts the persisted filters. Player selections are not
// persisted since identities change with the group.
func (c Config) FilterState() display.FilterState {
	f := display.FilterState{
		ExcludeNoOpen: c.Filters.ExcludeNoOpen,
		Players:       map[protocol.Identity]bool{},
		Categories:    map[uint32]bool{},
	}
	copy(f.LevelBands[:], c.Filters.LevelBands)
	for _, id := range c.Filters.Categories {
		f.Categories[id] = true
	}
	return f
}

// SetFilterState stores f for the next Save.
func (c *Config) SetFilterState(f display.FilterState) {
	c.Filters.ExcludeNoOpen = f.ExcludeNoOpen
	c.Filters.LevelBands = append([]bool(nil), f.LevelBands[:]...)
	c.Filters.Categories = c.Filters.Categories[:0]
	for id, on := range f.Categories {
		if on {
			c.Filters.Categories = append(c.Filters.Categories, id)
		}
	}
	cats := c.Filters.Categories
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
