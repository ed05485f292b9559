package heap

import (
	"strconv"

	"github.com/pbalcer/nvml/container"
	"github.com/pbalcer/nvml/layout"
	"github.com/pbalcer/nvml/pmem"
	"github.com/pbalcer/nvml/runbitmap"
	"github.com/pbalcer/nvml/zone"
)

// recover replays every lane's redo log and clears its info slot
// (spec.md §4.J). The redo log's own Store-then-Process discipline
// already makes one alloc/free/realloc call atomic across every entry it
// touches, including the caller's destination pointer - so by the time a
// lane's log has been replayed (or found not durably committed and
// discarded), the pool state the info slot was guarding is already
// either fully applied or not applied at all. The info slot's corrective
// action therefore reduces to clearing the marker; it exists as a
// durable breadcrumb of which operation was in flight; see DESIGN.md.
func (h *Heap) recover() error {
	for i := 0; i < h.lanes.Count(); i++ {
		lane := h.lanes.Lane(i)
		if _, err := lane.Log.Recover(); err != nil {
			return &PoolCorrupt{Reason: "lane " + strconv.Itoa(i) + " redo log: " + err.Error()}
		}

		buf := make([]byte, layout.InfoSlotSize)
		pmem.ReadAt(h.b, buf, layout.InfoSlotOffset(lane.InfoIdx))
		var slot layout.InfoSlot
		slot.Decode(buf)
		if slot.Type == layout.SlotUnknown {
			continue
		}

		var cleared layout.InfoSlot
		cbuf := make([]byte, layout.InfoSlotSize)
		cleared.Encode(cbuf)
		if err := h.b.MemcpyPersist(layout.InfoSlotOffset(lane.InfoIdx), cbuf); err != nil {
			return err
		}
	}
	return nil
}

// rebuildContainers scans every zone's chunk headers and repopulates the
// huge and run buckets' containers from scratch (spec.md §4.J: "the heap
// then rebuilds its volatile state by scanning every zone's chunk
// headers and, for each run, its bitmap"). Called once at Open, after
// recover, so the scan sees only durably-committed header state.
func (h *Heap) rebuildContainers() {
	for _, z := range h.zones {
		var used uint64
		var c uint64
		for c < z.ChunkCount {
			hdr := z.EffectiveHeader(h.b, c)
			switch hdr.Type {
			case layout.ChunkTypeRun:
				h.rebuildRunChunk(z, c)
				used++
				c++
			default:
				if !hdr.Used() {
					h.huge.Lock()
					h.huge.Put(container.Block{ZoneID: z.ID, ChunkID: uint32(c), SizeIdx: uint32(hdr.SizeIdx)})
					h.huge.Unlock()
				} else {
					used += hdr.SizeIdx
				}
				step := hdr.SizeIdx
				if step == 0 {
					step = 1
				}
				c += step
			}
		}
		z.UsedChunks = used
	}
	h.refreshActiveZones()
}

func (h *Heap) rebuildRunChunk(z *zone.Zone, c uint64) {
	dataOff := z.DataOffset(c)
	rbuf := make([]byte, layout.RunHeaderSize)
	pmem.ReadAt(h.b, rbuf, layout.RunHeaderOffset(dataOff))
	var rh layout.RunHeader
	rh.Decode(rbuf)

	classID, ok := h.classIDForUnitSize(rh.UnitSize)
	if !ok {
		h.log.Warn("rebuild: run chunk with unknown unit size", "zone", z.ID, "chunk", c, "unit_size", rh.UnitSize)
		return
	}

	bmBuf := make([]byte, layout.RunBitmapBytes)
	pmem.ReadAt(h.b, bmBuf, layout.RunBitmapOffset(dataOff))
	words := wordsFromBuf(bmBuf)
	free := int(rh.NAllocs) - runbitmap.PopcountLive(words, int(rh.NAllocs))
	if free <= 0 {
		return
	}

	bk := h.runBuckets[classID]
	bk.Lock()
	bk.Put(container.Block{ZoneID: z.ID, ChunkID: uint32(c), SizeIdx: uint32(free)})
	bk.Unlock()
}
