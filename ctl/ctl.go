// Package ctl implements the pool's control surface (spec.md §6.3): a
// dot-path "get"/"set" namespace mirroring libpmemobj's CTL, used by
// cmd/pmemheapctl and available to embedders that want to inspect or
// tune a live Heap without a bespoke API per knob.
package ctl

import (
	"strconv"
	"strings"

	"github.com/pbalcer/nvml/bucket"
	"github.com/pbalcer/nvml/heap"
)

// Stats exposes the read-only counters backing stats.heap.*.
type Stats interface {
	AllocatedBytes() uint64
	FreedBytes() uint64
	ActiveZones() uint64
}

// Ctl resolves dot-path keys against a Heap's class table and stats.
type Ctl struct {
	h       *heap.Heap
	classes *bucket.ClassTable
	stats   Stats
	debug   map[string]uint64 // backs debug.test_ro/test_wo/test_rw
}

// New returns a Ctl over h, resolving stats.* and heap.alloc_class.* keys
// against h's own metrics and class table.
func New(h *heap.Heap) *Ctl {
	return &Ctl{h: h, classes: h.Classes(), stats: h, debug: map[string]uint64{
		"test_ro": 0, "test_wo": 0, "test_rw": 0,
	}}
}

// Get resolves a dot-path key to its current value.
func (c *Ctl) Get(key string) (uint64, error) {
	parts := strings.Split(key, ".")
	switch {
	case matches(parts, "stats", "heap", "allocated"):
		return c.stats.AllocatedBytes(), nil
	case matches(parts, "stats", "heap", "freed"):
		return c.stats.FreedBytes(), nil
	case matches(parts, "stats", "heap", "active_zones"):
		return c.stats.ActiveZones(), nil
	case len(parts) == 4 && parts[0] == "heap" && parts[1] == "alloc_class" && parts[3] == "desc":
		id, err := strconv.Atoi(parts[2])
		if err != nil {
			return 0, &heap.InvalidArgument{Reason: "malformed class id in key " + key}
		}
		for _, cl := range c.classes.Classes() {
			if cl.ID == uint32(id) {
				return cl.UnitSize, nil
			}
		}
		return 0, &heap.InvalidArgument{Reason: "unknown alloc class " + parts[2]}
	case matches(parts, "debug", "test_ro"):
		return c.debug["test_ro"], nil
	case matches(parts, "debug", "test_rw"):
		return c.debug["test_rw"], nil
	}
	return 0, &heap.InvalidArgument{Reason: "unknown or write-only ctl key: " + key}
}

// Set applies value to a writable dot-path key.
func (c *Ctl) Set(key string, value uint64) error {
	parts := strings.Split(key, ".")
	switch {
	case matches(parts, "heap", "alloc_class", "reset"):
		*c.classes = *bucket.DefaultClassTable()
		return nil
	case len(parts) == 4 && parts[0] == "heap" && parts[1] == "alloc_class" && parts[2] == "map" && parts[3] == "range":
		return &heap.InvalidArgument{Reason: "heap.alloc_class.map.range takes a max size and a class via SetAllocClassRange, not a bare Set"}
	case matches(parts, "debug", "test_wo"):
		c.debug["test_wo"] = value
		return nil
	case matches(parts, "debug", "test_rw"):
		c.debug["test_rw"] = value
		return nil
	}
	return &heap.InvalidArgument{Reason: "unknown or read-only ctl key: " + key}
}

// SetAllocClassRange installs or replaces the class serving sizes up to
// maxSize, backing heap.alloc_class.map.range (spec.md §6.3). It takes a
// structured argument rather than a single uint64 since the key names a
// whole class definition, not a scalar.
func (c *Ctl) SetAllocClassRange(maxSize uint64, class bucket.Class) {
	c.classes.SetRange(maxSize, class)
}

func matches(parts []string, want ...string) bool {
	if len(parts) != len(want) {
		return false
	}
	for i, p := range parts {
		if p != want[i] {
			return false
		}
	}
	return true
}
