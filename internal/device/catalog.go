package device

import (
	"math"
	"slices"
	"sync"
)

// CatalogEntry describes one endpoint from the gateway configuration file.
type CatalogEntry struct {
	UniqueID   string `json:"unique_id"`
	DeviceID   string `json:"device_id"`
	EndpointID string `json:"endpoint_id"`
	Name       string `json:"name"`
	Usage      string `json:"usage"`
	Kind       Kind   `json:"kind"`
}

// Constraint holds the declared constraints of one attribute, passed
// through from the gateway metadata verbatim.
type Constraint map[string]any

// Range returns the declared numeric min and max.
func (c Constraint) Range() (lo, hi float64, ok bool) {
	lo, okLo := toFloat(c["min"])
	hi, okHi := toFloat(c["max"])
	if !okLo || !okHi || hi <= lo {
		return 0, 0, false
	}
	return lo, hi, true
}

// EnumValues returns the declared legal string values.
func (c Constraint) EnumValues() []string {
	raw, ok := c["enum_values"].([]any)
	if !ok {
		if s, ok := c["enum_values"].([]string); ok {
			return slices.Clone(s)
		}
		return nil
	}
	values := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			values = append(values, s)
		}
	}
	return values
}

// Scenario is a gateway scenario that can be activated by id.
type Scenario struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Picto string `json:"picto,omitempty"`
}

// Group is a gateway group of device endpoints.
type Group struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

// Catalog holds what the gateway reports about its configuration: the
// endpoint list, per-attribute metadata, scenarios and groups.
//
// The endpoint list is replaced wholesale on every configuration refresh.
// All methods are thread-safe.
type Catalog struct {
	mu        sync.RWMutex
	entries   map[string]CatalogEntry
	metadata  map[string]map[string]Constraint
	scenarios []Scenario
	groups    []Group
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		entries:  make(map[string]CatalogEntry),
		metadata: make(map[string]map[string]Constraint),
	}
}

// Replace swaps in a new endpoint list. Metadata is kept.
func (c *Catalog) Replace(entries []CatalogEntry) {
	next := make(map[string]CatalogEntry, len(entries))
	for _, e := range entries {
		next[e.UniqueID] = e
	}
	c.mu.Lock()
	c.entries = next
	c.mu.Unlock()
}

// Lookup returns the entry for uniqueID.
func (c *Catalog) Lookup(uniqueID string) (CatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[uniqueID]
	return e, ok
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// SetMetadata replaces the constraints of one endpoint.
func (c *Catalog) SetMetadata(uniqueID string, constraints map[string]Constraint) {
	c.mu.Lock()
	c.metadata[uniqueID] = constraints
	c.mu.Unlock()
}

// Metadata returns the constraint of one attribute.
func (c *Catalog) Metadata(uniqueID, attribute string) (Constraint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.metadata[uniqueID][attribute]
	return m, ok
}

// HasEnumValue reports whether the attribute declares value as legal.
func (c *Catalog) HasEnumValue(uniqueID, attribute, value string) bool {
	m, ok := c.Metadata(uniqueID, attribute)
	if !ok {
		return false
	}
	return slices.Contains(m.EnumValues(), value)
}

// ScaleToPercent maps a raw value through the attribute's declared range to
// a percentage rounded to an integer. It fails when no range is declared.
func (c *Catalog) ScaleToPercent(uniqueID, attribute string, raw float64) (float64, bool) {
	m, ok := c.Metadata(uniqueID, attribute)
	if !ok {
		return 0, false
	}
	lo, hi, ok := m.Range()
	if !ok {
		return 0, false
	}
	pct := (raw - lo) / (hi - lo) * 100
	return math.Round(math.Max(0, math.Min(100, pct))), true
}

// ReplaceScenarios swaps in the scenario list.
func (c *Catalog) ReplaceScenarios(s []Scenario) {
	c.mu.Lock()
	c.scenarios = slices.Clone(s)
	c.mu.Unlock()
}

// Scenarios returns a copy of the scenario list.
func (c *Catalog) Scenarios() []Scenario {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.scenarios)
}

// Scenario returns the scenario with the given id.
func (c *Catalog) Scenario(id string) (Scenario, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return Scenario{}, false
}

// ReplaceGroups swaps in the group list.
func (c *Catalog) ReplaceGroups(g []Group) {
	c.mu.Lock()
	c.groups = slices.Clone(g)
	c.mu.Unlock()
}

// Groups returns a copy of the group list.
func (c *Catalog) Groups() []Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.groups)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
