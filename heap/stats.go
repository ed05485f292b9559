package heap

import (
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pbalcer/nvml/bucket"
)

// AllocatedBytes, FreedBytes and ActiveZones back the stats.heap.* control
// keys (spec.md §6.3) by reading the live value straight off the
// Prometheus collectors this Heap already updates on every alloc/free,
// rather than keeping a second, parallel set of counters.
func (h *Heap) AllocatedBytes() uint64 { return uint64(testutil.ToFloat64(h.metrics.Allocated)) }

func (h *Heap) FreedBytes() uint64 { return uint64(testutil.ToFloat64(h.metrics.Freed)) }

func (h *Heap) ActiveZones() uint64 { return uint64(testutil.ToFloat64(h.metrics.ActiveZones)) }

// Classes exposes the pool's size-class table so callers (ctl, cmd) can
// resolve and mutate heap.alloc_class.* control keys without reaching
// into Heap's unexported fields.
func (h *Heap) Classes() *bucket.ClassTable { return h.cfg.Classes }
