// Package catalog holds the read-only price tables: resource upgrades,
// purchasable items and join-for-reward tasks.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"hosting-ledger/internal/model"
)

// UpgradeType is the closed set of resource upgrades.
type UpgradeType string

// Upgrade types.
const (
	UpgradeRAM        UpgradeType = "ram"
	UpgradeDisk       UpgradeType = "disk"
	UpgradeCPU        UpgradeType = "cpu"
	UpgradeServerSlot UpgradeType = "server_slot"
)

// upgradeEffects is the fixed per-unit effect of each upgrade type.
var upgradeEffects = map[UpgradeType]model.Delta{
	UpgradeRAM:        {RAM: 2},
	UpgradeDisk:       {Disk: 10},
	UpgradeCPU:        {CPU: 100},
	UpgradeServerSlot: {ServerSlots: 1},
}

// defaultPrices are used for any upgrade type the catalog file omits.
var defaultPrices = map[UpgradeType]int64{
	UpgradeRAM:        100,
	UpgradeDisk:       50,
	UpgradeCPU:        150,
	UpgradeServerSlot: 200,
}

// upgradeOrder is the display order.
var upgradeOrder = []UpgradeType{UpgradeRAM, UpgradeCPU, UpgradeDisk, UpgradeServerSlot}

// ParseUpgradeType returns the upgrade type named s.
func ParseUpgradeType(s string) (UpgradeType, bool) {
	t := UpgradeType(s)
	_, ok := upgradeEffects[t]
	return t, ok
}

// Effect returns the per-unit resource delta of t.
func (t UpgradeType) Effect() (model.Delta, bool) {
	d, ok := upgradeEffects[t]
	return d, ok
}

// Upgrade is one row of the price table.
type Upgrade struct {
	Type   UpgradeType `json:"type"`
	Price  int64       `json:"price"`
	Effect model.Delta `json:"effect"`
}

// ItemKind distinguishes how an item is paid for.
type ItemKind string

// Item kinds.
const (
	ItemCoins  ItemKind = "coins"  // coin package paid externally
	ItemBundle ItemKind = "bundle" // resources paid with coins
)

// Item is a purchasable catalog entry.
type Item struct {
	ID    string   `yaml:"id" json:"id"`
	Name  string   `yaml:"name" json:"name"`
	Kind  ItemKind `yaml:"kind" json:"kind"`
	Price int64    `yaml:"price" json:"price"` // coins for bundles, external price in cents for coin packages
	Coins int64    `yaml:"coins" json:"coins,omitempty"`
	// Effect is the resource delta granted by a bundle.
	Effect model.Delta `yaml:"effect" json:"effect"`
}

// Task is a one-off join-for-reward task.
type Task struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	URL    string `yaml:"url" json:"url,omitempty"`
	Reward int64  `yaml:"reward" json:"reward"`
}

// file is the on-disk YAML layout.
type file struct {
	Upgrades map[string]int64 `yaml:"upgrades"`
	Items    []Item           `yaml:"items"`
	Tasks    []Task           `yaml:"tasks"`
}

// Catalog is an immutable, validated set of prices, items and tasks.
type Catalog struct {
	prices map[UpgradeType]int64
	items  []Item
	byItem map[string]Item
	tasks  []Task
	byTask map[string]Task
}

// Default returns a catalog with the default upgrade prices and no items or tasks.
func Default() *Catalog {
	c, _ := build(file{})
	return c
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return build(f)
}

func build(f file) (*Catalog, error) {
	c := &Catalog{
		prices: make(map[UpgradeType]int64, len(defaultPrices)),
		byItem: make(map[string]Item, len(f.Items)),
		byTask: make(map[string]Task, len(f.Tasks)),
	}
	for t, p := range defaultPrices {
		c.prices[t] = p
	}

	for name, price := range f.Upgrades {
		t, ok := ParseUpgradeType(name)
		if !ok {
			return nil, fmt.Errorf("unknown upgrade type %q", name)
		}
		if price <= 0 {
			return nil, fmt.Errorf("upgrade %q: price must be positive", name)
		}
		c.prices[t] = price
	}

	for _, it := range f.Items {
		if err := validateItem(it); err != nil {
			return nil, err
		}
		if _, dup := c.byItem[it.ID]; dup {
			return nil, fmt.Errorf("duplicate item id %q", it.ID)
		}
		c.byItem[it.ID] = it
		c.items = append(c.items, it)
	}

	for _, t := range f.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task without id")
		}
		if t.Reward <= 0 {
			return nil, fmt.Errorf("task %q: reward must be positive", t.ID)
		}
		if _, dup := c.byTask[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		c.byTask[t.ID] = t
		c.tasks = append(c.tasks, t)
	}

	return c, nil
}

func validateItem(it Item) error {
	if it.ID == "" {
		return fmt.Errorf("item without id")
	}
	switch it.Kind {
	case ItemCoins:
		if it.Coins <= 0 {
			return fmt.Errorf("item %q: coin package must grant coins", it.ID)
		}
		if !it.Effect.IsZero() {
			return fmt.Errorf("item %q: coin package cannot grant resources", it.ID)
		}
	case ItemBundle:
		if it.Price <= 0 {
			return fmt.Errorf("item %q: bundle price must be positive", it.ID)
		}
		if it.Coins != 0 || it.Effect.Coins != 0 {
			return fmt.Errorf("item %q: bundle cannot grant coins", it.ID)
		}
		if it.Effect.IsZero() {
			return fmt.Errorf("item %q: bundle grants nothing", it.ID)
		}
		if it.Effect.RAM < 0 || it.Effect.CPU < 0 || it.Effect.Disk < 0 || it.Effect.ServerSlots < 0 {
			return fmt.Errorf("item %q: bundle effect must be non-negative", it.ID)
		}
	default:
		return fmt.Errorf("item %q: unknown kind %q", it.ID, it.Kind)
	}
	return nil
}

// Price returns the per-unit coin price of t.
func (c *Catalog) Price(t UpgradeType) (int64, bool) {
	p, ok := c.prices[t]
	return p, ok
}

// Upgrades returns the price table in display order.
func (c *Catalog) Upgrades() []Upgrade {
	out := make([]Upgrade, 0, len(upgradeOrder))
	for _, t := range upgradeOrder {
		out = append(out, Upgrade{Type: t, Price: c.prices[t], Effect: upgradeEffects[t]})
	}
	return out
}

// Item returns the item with the given id.
func (c *Catalog) Item(id string) (Item, bool) {
	it, ok := c.byItem[id]
	return it, ok
}

// Items returns all items in file order.
func (c *Catalog) Items() []Item {
	return append([]Item(nil), c.items...)
}

// Task returns the task with the given id.
func (c *Catalog) Task(id string) (Task, bool) {
	t, ok := c.byTask[id]
	return t, ok
}

// Tasks returns all tasks sorted by id.
func (c *Catalog) Tasks() []Task {
	out := append([]Task(nil), c.tasks...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
