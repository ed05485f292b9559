package heap

import (
	"github.com/pbalcer/nvml/bucket"
	"github.com/pbalcer/nvml/container"
	"github.com/pbalcer/nvml/layout"
	"github.com/pbalcer/nvml/pmem"
	"github.com/pbalcer/nvml/redo"
	"github.com/pbalcer/nvml/runbitmap"
	"github.com/pbalcer/nvml/zone"
)

const maxPromoteAttempts = 8

// errRunExhausted signals that the active run had no free unit left: it
// has been evicted from its bucket, and the caller retries with the next
// run the bucket can refill.
type errRunExhaustedT struct{}

func (errRunExhaustedT) Error() string { return "heap: active run exhausted" }

var errRunExhausted = errRunExhaustedT{}

func ceilDiv(n, d uint64) uint64 { return (n + d - 1) / d }

func wordsFromBuf(buf []byte) []uint64 {
	words := make([]uint64, len(buf)/8)
	for i := range words {
		words[i] = leWord(buf[i*8:])
	}
	return words
}

// Alloc reserves size bytes and durably records the allocation's pool
// offset at dst (a pool-relative offset the caller owns, e.g. a field of
// their own persistent root object), per spec.md §4.I.
func (h *Heap) Alloc(dst int64, size uint64) error {
	if size == 0 {
		return &InvalidArgument{Reason: "size must be > 0"}
	}
	class, isRun := h.cfg.Classes.Lookup(size)
	lane := h.lanes.Acquire()
	defer lane.Release(h.b)

	if !isRun {
		return h.allocHuge(lane, dst, size)
	}
	return h.allocRun(lane, dst, class)
}

func (h *Heap) allocHuge(lane *Lane, dst int64, size uint64) error {
	sizeIdx := ceilDiv(size+layout.AllocHeaderSize, h.cfg.ChunkSize)

	h.huge.Lock()
	blk, ok := h.huge.TakeBestFit(uint32(sizeIdx))
	if !ok {
		h.huge.Unlock()
		h.metrics.OOMTotal.Inc()
		return &OutOfMemory{Size: size}
	}
	z := h.zoneByID(blk.ZoneID)
	chunkID := uint64(blk.ChunkID)
	if uint64(blk.SizeIdx) > sizeIdx {
		tail, err := z.Split(h.b, chunkID, layout.ChunkHeader{Type: layout.ChunkTypeBase, SizeIdx: uint64(blk.SizeIdx)}, sizeIdx)
		if err != nil {
			h.huge.Unlock()
			return err
		}
		h.huge.Put(tail)
	}
	h.huge.Unlock()

	dataOff := z.DataOffset(chunkID)
	ptr := dataOff + layout.AllocHeaderSize

	if err := lane.WriteInfoSlot(h.b, layout.InfoSlot{Type: layout.SlotAlloc, DstOff: uint64(dst)}); err != nil {
		return err
	}

	ah := layout.AllocHeader{Size: size, ChunkID: blk.ChunkID, ZoneID: blk.ZoneID}
	buf := make([]byte, layout.AllocHeaderSize)
	ah.Encode(buf)
	lane.Ctx.AddEntry(dataOff, redo.OpSet, leWord(buf[0:8]))
	lane.Ctx.AddEntry(dataOff+8, redo.OpSet, leWord(buf[8:16]))
	lane.Ctx.AddEntry(z.HeaderOffset(chunkID), redo.OpOr, chunkUsedMask())
	lane.Ctx.AddEntry(dst, redo.OpSet, uint64(ptr))
	if err := lane.Ctx.Process(h.b); err != nil {
		return err
	}

	h.metrics.Allocated.Add(float64(size))
	h.huge.Lock()
	h.adjustZoneUsage(z, int64(sizeIdx))
	h.huge.Unlock()
	return nil
}

func (h *Heap) allocRun(lane *Lane, dst int64, class bucket.Class) error {
	bk := h.runBuckets[class.ID]

	for attempt := 0; attempt < maxPromoteAttempts; attempt++ {
		bk.Lock()
		active, ok := bk.Refill()
		if !ok {
			bk.Unlock()
			if err := h.promoteNewRunFor(bk, class.UnitSize); err != nil {
				h.metrics.OOMTotal.Inc()
				return err
			}
			continue
		}

		crLock := h.chunkLock(active.ZoneID, active.ChunkID)
		crLock.Lock()
		err := h.serveFromActiveRun(lane, dst, class, bk, active)
		crLock.Unlock()
		bk.Unlock()

		if err == errRunExhausted {
			continue
		}
		if err == nil {
			h.metrics.Allocated.Add(float64(class.UnitSize))
		}
		return err
	}

	h.metrics.OOMTotal.Inc()
	return &OutOfMemory{Size: class.UnitSize}
}

// serveFromActiveRun allocates one unit from bk's active run. Caller
// holds bk's lock and the run's chunk-run lock.
func (h *Heap) serveFromActiveRun(lane *Lane, dst int64, class bucket.Class, bk *bucket.Bucket, active *bucket.ActiveRun) error {
	z := h.zoneByID(active.ZoneID)
	dataOff := z.DataOffset(uint64(active.ChunkID))

	bitmapBuf := make([]byte, layout.RunBitmapBytes)
	pmem.ReadAt(h.b, bitmapBuf, layout.RunBitmapOffset(dataOff))
	words := wordsFromBuf(bitmapBuf)

	var rh layout.RunHeader
	rbuf := make([]byte, layout.RunHeaderSize)
	pmem.ReadAt(h.b, rbuf, layout.RunHeaderOffset(dataOff))
	rh.Decode(rbuf)
	nLive := int(rh.NAllocs)

	blockOff, ok := runbitmap.FindFree(words, nLive, 1)
	if !ok {
		bk.Evict()
		return errRunExhausted
	}

	active.NextFitPos = blockOff + 1
	if runbitmap.PopcountLive(words, nLive)+1 >= nLive {
		bk.Evict()
	}

	ptr := layout.RunAllocAreaOffset(dataOff) + int64(blockOff)*int64(class.UnitSize)

	if err := lane.WriteInfoSlot(h.b, layout.InfoSlot{Type: layout.SlotAlloc, DstOff: uint64(dst)}); err != nil {
		return err
	}

	for _, e := range runbitmap.AllocEntries(layout.RunBitmapOffset(dataOff), blockOff, 1) {
		lane.Ctx.AddEntry(e.Offset, e.Op, e.Value)
	}
	lane.Ctx.AddEntry(dst, redo.OpSet, uint64(ptr))
	return lane.Ctx.Process(h.b)
}

// promoteNewRunFor pulls one free chunk from the huge bucket, promotes
// it to a RUN chunk for unitSize, and inserts the result into bk. The
// huge bucket's lock is held only for the pull/split, never nested
// inside bk's lock, so no two bucket-level locks are ever held at once
// (spec.md §5 lock order).
func (h *Heap) promoteNewRunFor(bk *bucket.Bucket, unitSize uint64) error {
	h.huge.Lock()
	blk, ok := h.huge.TakeBestFit(1)
	if !ok {
		h.huge.Unlock()
		return &OutOfMemory{Size: unitSize}
	}
	z := h.zoneByID(blk.ZoneID)
	chunkID := uint64(blk.ChunkID)
	if blk.SizeIdx > 1 {
		tail, err := z.Split(h.b, chunkID, layout.ChunkHeader{Type: layout.ChunkTypeBase, SizeIdx: uint64(blk.SizeIdx)}, 1)
		if err != nil {
			h.huge.Unlock()
			return err
		}
		h.huge.Put(tail)
	}
	h.huge.Unlock()

	runBlock, err := z.PromoteRun(h.b, chunkID, unitSize)
	if err != nil {
		return err
	}
	h.huge.Lock()
	h.adjustZoneUsage(z, 1)
	h.huge.Unlock()

	bk.Lock()
	bk.Put(runBlock)
	bk.Unlock()
	return nil
}

// Free releases the allocation whose offset is recorded at dst, setting
// *dst to 0 on success. Freeing an already-zero slot is rejected as a
// double free (spec.md §7 scenario 6).
func (h *Heap) Free(dst int64) error {
	lane := h.lanes.Acquire()
	defer lane.Release(h.b)

	val := int64(h.readUint64(dst))
	if val == 0 {
		return &InvalidArgument{Reason: "double free or invalid pointer"}
	}
	return h.freeValue(lane, &dst, val)
}

// freeValue clears the allocation at val, reinserting the freed block
// (after any coalescing/demotion) into its owning container. If dst is
// non-nil, *dst is atomically zeroed as part of the same operation;
// Realloc's alloc+copy+free fallback frees the old allocation with
// dst == nil since the slot has already been repointed at the new
// allocation by that point.
func (h *Heap) freeValue(lane *Lane, dst *int64, val int64) error {
	zi, chunkID, ok := h.locate(val)
	if !ok {
		return &InvalidArgument{Reason: "pointer not in any zone"}
	}
	z := h.zones[zi]
	chdr := z.EffectiveHeader(h.b, chunkID)

	if dst != nil {
		if err := lane.WriteInfoSlot(h.b, layout.InfoSlot{Type: layout.SlotFree, FreeOff: uint64(*dst)}); err != nil {
			return err
		}
	}

	if chdr.Type == layout.ChunkTypeRun {
		return h.freeRun(lane, dst, val, z, chunkID, chdr)
	}
	return h.freeHuge(lane, dst, z, chunkID, chdr)
}

func (h *Heap) freeHuge(lane *Lane, dst *int64, z *zone.Zone, chunkID uint64, chdr layout.ChunkHeader) error {
	dataOff := z.DataOffset(chunkID)
	var ah layout.AllocHeader
	buf := make([]byte, layout.AllocHeaderSize)
	pmem.ReadAt(h.b, buf, dataOff)
	ah.Decode(buf)

	if dst != nil {
		lane.Ctx.AddEntry(*dst, redo.OpSet, 0)
	}

	h.huge.Lock()
	merged, _ := z.Coalesce(h.b, lane.Ctx, h.huge.Container(), chunkID, chdr.SizeIdx)
	if err := lane.Ctx.Process(h.b); err != nil {
		h.huge.Unlock()
		return err
	}
	h.huge.Put(merged)
	h.adjustZoneUsage(z, -int64(chdr.SizeIdx))
	h.huge.Unlock()

	h.metrics.Allocated.Add(-float64(ah.Size))
	h.metrics.Freed.Add(float64(ah.Size))
	return nil
}

func (h *Heap) freeRun(lane *Lane, dst *int64, val int64, z *zone.Zone, chunkID uint64, chdr layout.ChunkHeader) error {
	dataOff := z.DataOffset(chunkID)
	var rh layout.RunHeader
	rbuf := make([]byte, layout.RunHeaderSize)
	pmem.ReadAt(h.b, rbuf, layout.RunHeaderOffset(dataOff))
	rh.Decode(rbuf)

	blockOff := int((val - layout.RunAllocAreaOffset(dataOff)) / int64(rh.UnitSize))

	crLock := h.chunkLock(z.ID, uint32(chunkID))
	crLock.Lock()

	if dst != nil {
		lane.Ctx.AddEntry(*dst, redo.OpSet, 0)
	}
	for _, e := range runbitmap.FreeEntries(layout.RunBitmapOffset(dataOff), blockOff, 1) {
		lane.Ctx.AddEntry(e.Offset, e.Op, e.Value)
	}
	if err := lane.Ctx.Process(h.b); err != nil {
		crLock.Unlock()
		return err
	}

	h.metrics.Allocated.Add(-float64(rh.UnitSize))
	h.metrics.Freed.Add(float64(rh.UnitSize))

	classID, found := h.classIDForUnitSize(rh.UnitSize)
	if found {
		bk := h.runBuckets[classID]
		bk.Lock()
		h.maybeDemote(bk, z, chunkID, rh)
		bk.Unlock()
	}
	crLock.Unlock()
	return nil
}

// maybeDemote reinserts a freed-from run into bk's container so it is
// reachable by a future Refill, or returns it to the huge bucket once
// every live unit has been freed - unless it is some bucket's active
// run, whose free count is tracked by the active-run cursor instead of
// the container (callers hold bk's lock and chunkID's chunk-run lock).
//
// This mirrors PMDK's bucket_insert_block/run_insert
// (_examples/original_source/src/libpmemobj/bucket.c): a run is kept out
// of the container only while it is the bucket's active run; any other
// non-empty run belongs in the container so allocRun/Refill can find it.
func (h *Heap) maybeDemote(bk *bucket.Bucket, z *zone.Zone, chunkID uint64, rh layout.RunHeader) {
	dataOff := z.DataOffset(chunkID)
	buf := make([]byte, layout.RunBitmapBytes)
	pmem.ReadAt(h.b, buf, layout.RunBitmapOffset(dataOff))
	words := wordsFromBuf(buf)
	free := int(rh.NAllocs) - runbitmap.PopcountLive(words, int(rh.NAllocs))

	if active, ok := bk.Active(); ok && active.ZoneID == z.ID && active.ChunkID == uint32(chunkID) {
		return
	}

	if free == int(rh.NAllocs) {
		if free-1 > 0 && !bk.RemoveExact(container.Block{ZoneID: z.ID, ChunkID: uint32(chunkID), SizeIdx: uint32(free - 1)}) {
			return
		}
		blk, err := z.DemoteRun(h.b, chunkID)
		if err != nil {
			return
		}
		h.huge.Lock()
		h.huge.Put(blk)
		h.adjustZoneUsage(z, -1)
		h.huge.Unlock()
		return
	}

	if free <= 0 {
		return
	}
	// This free just raised the run's live-free count from free-1 to
	// free. If free-1 was > 0 the run was already resident in the
	// container under that count (every non-active, non-empty run is);
	// drop that stale entry before reinserting under the new count. If
	// free-1 was 0, the run was either just-evicted-while-exhausted (not
	// resident anywhere) or freshly demoted-and-repromoted - RemoveExact
	// simply finds nothing to remove in that case.
	if free-1 > 0 {
		bk.RemoveExact(container.Block{ZoneID: z.ID, ChunkID: uint32(chunkID), SizeIdx: uint32(free - 1)})
	}
	bk.Put(container.Block{ZoneID: z.ID, ChunkID: uint32(chunkID), SizeIdx: uint32(free)})
}

func (h *Heap) classIDForUnitSize(unitSize uint64) (uint32, bool) {
	for _, c := range h.cfg.Classes.Classes() {
		if c.UnitSize == unitSize {
			return c.ID, true
		}
	}
	return 0, false
}

// Realloc grows or shrinks the allocation recorded at dst. Shrinking
// within the same allocation is a no-op (the allocator never hands back
// the tail of a shrink). Growing falls back to alloc-new + copy + free-
// old: each half of that pair is individually crash-safe via its own
// operation context, though unlike a true in-place extend this is not a
// single atomic pointer swap - a crash between the two leaves both the
// old and new allocations live rather than exactly one (documented as an
// accepted simplification in DESIGN.md).
func (h *Heap) Realloc(dst int64, newSize uint64) error {
	if newSize == 0 {
		return &InvalidArgument{Reason: "size must be > 0"}
	}
	old := int64(h.readUint64(dst))
	if old == 0 {
		return &InvalidArgument{Reason: "realloc on unallocated slot"}
	}
	oldSize, err := h.UsableSize(old)
	if err != nil {
		return err
	}
	if newSize <= oldSize {
		return nil
	}

	if err := h.Alloc(dst, newSize); err != nil {
		return err
	}
	newPtr := int64(h.readUint64(dst))
	copy(h.Direct(newPtr)[:oldSize], h.Direct(old)[:oldSize])

	lane := h.lanes.Acquire()
	defer lane.Release(h.b)
	return h.freeValue(lane, nil, old)
}

// UsableSize returns the allocation's usable size at offset, which may
// exceed the size originally requested (a run's unit size for compact
// allocations; the exact requested size for legacy/huge allocations).
func (h *Heap) UsableSize(offset int64) (uint64, error) {
	zi, chunkID, ok := h.locate(offset)
	if !ok {
		return 0, &InvalidArgument{Reason: "offset not in any zone"}
	}
	z := h.zones[zi]
	chdr := z.EffectiveHeader(h.b, chunkID)
	if chdr.Type == layout.ChunkTypeRun {
		var rh layout.RunHeader
		buf := make([]byte, layout.RunHeaderSize)
		pmem.ReadAt(h.b, buf, layout.RunHeaderOffset(z.DataOffset(chunkID)))
		rh.Decode(buf)
		return rh.UnitSize, nil
	}
	var ah layout.AllocHeader
	buf := make([]byte, layout.AllocHeaderSize)
	pmem.ReadAt(h.b, buf, z.DataOffset(chunkID))
	ah.Decode(buf)
	return ah.Size, nil
}

// Direct returns a byte slice onto the pool starting at offset, for
// callers that need to read or write an allocation's payload directly.
func (h *Heap) Direct(offset int64) []byte {
	return h.b.Bytes()[offset:]
}

func (h *Heap) readUint64(offset int64) uint64 {
	return leWord(h.b.Bytes()[offset : offset+8])
}
