// Package zone implements component E: the chunk allocator operating
// within one zone's chunk-header array - split, coalesce, and run
// promotion/demotion. It is grounded on the ordered-write discipline of
// lldb's Allocator.Alloc/Free free-list bookkeeping (falloc.go),
// generalized from lldb's implicit "do the writes in the right order"
// style into explicit, individually-flushed steps plus an operation
// context for the parts that must be atomic together.
package zone

import (
	"github.com/pbalcer/nvml/container"
	"github.com/pbalcer/nvml/layout"
	"github.com/pbalcer/nvml/pmem"
	"github.com/pbalcer/nvml/redo"
	"github.com/pbalcer/nvml/runbitmap"
	"github.com/pbalcer/nvml/txctx"
)

// ErrNoSplit is returned by Split when the requested size is not
// actually smaller than the head's current span.
type ErrNoSplitT struct{}

func (ErrNoSplitT) Error() string { return "zone: requested size does not require a split" }

// ErrNoSplit is the sentinel error Split returns for a no-op split
// request (reqSizeIdx >= the head's current span).
var ErrNoSplit = ErrNoSplitT{}

// Zone is a handle onto one zone's chunk-header array.
type Zone struct {
	ID         uint32
	Offset     int64 // absolute pool offset of the zone's pool-header backup
	ChunkSize  uint64
	ChunksPerZone uint64 // pool-wide constant; fixes the header array's size
	ChunkCount    uint64 // this zone's actual usable chunk count, may be short for the last zone

	// UsedChunks is volatile, heap-maintained bookkeeping: the number of
	// this zone's chunks that are not part of a free huge block (either
	// in active use as a huge allocation or promoted to a run). It is
	// never persisted or read from media; Heap recomputes it at Open by
	// scanning chunk headers and adjusts it incrementally thereafter.
	UsedChunks uint64
}

// HeaderOffset returns the absolute offset of chunk header c.
func (z *Zone) HeaderOffset(c uint64) int64 {
	return layout.ChunkHeaderOffset(z.Offset, c)
}

// DataOffset returns the absolute offset of chunk c's data area.
func (z *Zone) DataOffset(c uint64) int64 {
	return layout.ChunkDataOffset(z.Offset, c, z.ChunkSize, z.ChunksPerZone)
}

// EffectiveHeader reads chunk header c, substituting the "never-written"
// convention (spec.md §3: an untouched header spans the rest of the
// zone as one free chunk) for a real decode when Magic doesn't match.
func (z *Zone) EffectiveHeader(b pmem.Backend, c uint64) layout.ChunkHeader {
	buf := make([]byte, layout.ChunkHeaderSize)
	pmem.ReadAt(b, buf, z.HeaderOffset(c))
	var h layout.ChunkHeader
	h.Decode(buf)
	if !h.Written() {
		return layout.ChunkHeader{Type: layout.ChunkTypeBase, SizeIdx: z.ChunkCount - c}
	}
	return h
}

// WriteHeader durably writes and flushes header h at chunk c. Used for
// direct, single-step writes (Split, Promote/Demote); Coalesce instead
// stages its header words from packFreeHeaderWords on its operation
// context.
func (z *Zone) WriteHeader(b pmem.Backend, c uint64, h layout.ChunkHeader) error {
	h.Magic = layout.ChunkMagic
	buf := make([]byte, layout.ChunkHeaderSize)
	h.Encode(buf)
	return b.MemcpyPersist(z.HeaderOffset(c), buf)
}

func freeEligible(h layout.ChunkHeader) bool {
	if !h.Written() {
		return true
	}
	return h.Type == layout.ChunkTypeBase && !h.Used()
}

// Split divides the free run starting at headChunk (currently spanning
// headHeader.SizeIdx chunks) into a head of reqSizeIdx chunks and a tail
// holding the remainder. The tail header is written and flushed first,
// then the head header is shrunk and flushed - "the order prevents
// recovery from seeing a larger-than-reality head" (spec.md §4.E). The
// caller is responsible for inserting the returned tail block into the
// owning bucket's container.
func (z *Zone) Split(b pmem.Backend, headChunk uint64, headHeader layout.ChunkHeader, reqSizeIdx uint64) (tail container.Block, err error) {
	if reqSizeIdx >= headHeader.SizeIdx {
		return container.Block{}, ErrNoSplit
	}
	tailChunk := headChunk + reqSizeIdx
	tailSizeIdx := headHeader.SizeIdx - reqSizeIdx

	if err := z.WriteHeader(b, tailChunk, layout.ChunkHeader{Type: layout.ChunkTypeBase, SizeIdx: tailSizeIdx}); err != nil {
		return container.Block{}, err
	}

	newHead := headHeader
	newHead.SizeIdx = reqSizeIdx
	if err := z.WriteHeader(b, headChunk, newHead); err != nil {
		return container.Block{}, err
	}

	return container.Block{ZoneID: z.ID, ChunkID: uint32(tailChunk), SizeIdx: uint32(tailSizeIdx)}, nil
}

// leftNeighbor scans backward from chunkID-1 until it finds the header
// that owns the span ending at chunkID (spec.md §4.E: "walk backward
// until a header with matching span is found").
func (z *Zone) leftNeighbor(b pmem.Backend, chunkID uint64) (idx uint64, h layout.ChunkHeader, ok bool) {
	for i := int64(chunkID) - 1; i >= 0; i-- {
		cand := z.EffectiveHeader(b, uint64(i))
		if uint64(i)+cand.SizeIdx == chunkID {
			return uint64(i), cand, true
		}
	}
	return 0, layout.ChunkHeader{}, false
}

func (z *Zone) rightNeighbor(b pmem.Backend, chunkID, sizeIdx uint64) (idx uint64, h layout.ChunkHeader, ok bool) {
	ri := chunkID + sizeIdx
	if ri >= z.ChunkCount {
		return 0, layout.ChunkHeader{}, false
	}
	return ri, z.EffectiveHeader(b, ri), true
}

// Coalesce merges chunkID's newly-freed span (of sizeIdx chunks) with
// any free left/right neighbor, removing merged neighbors from cont by
// exact match and staging the resulting header as a single two-word SET
// on ctx so it commits atomically with the rest of the free operation
// (spec.md §4.E: "crash-atomic with the flag flip to unused"). It
// returns the block to (re)insert into a container once ctx is
// processed, plus any neighbor blocks that were removed.
func (z *Zone) Coalesce(b pmem.Backend, ctx *txctx.Context, cont container.Container, chunkID, sizeIdx uint64) (merged container.Block, removed []container.Block) {
	startIdx, totalSize := chunkID, sizeIdx

	if li, lh, ok := z.leftNeighbor(b, chunkID); ok && freeEligible(lh) {
		nb := container.Block{ZoneID: z.ID, ChunkID: uint32(li), SizeIdx: uint32(lh.SizeIdx)}
		if cont.RemoveExact(nb) {
			startIdx = li
			totalSize += lh.SizeIdx
			removed = append(removed, nb)
		}
	}
	if ri, rh, ok := z.rightNeighbor(b, chunkID, sizeIdx); ok && freeEligible(rh) {
		nb := container.Block{ZoneID: z.ID, ChunkID: uint32(ri), SizeIdx: uint32(rh.SizeIdx)}
		if cont.RemoveExact(nb) {
			totalSize += rh.SizeIdx
			removed = append(removed, nb)
		}
	}

	headerWord0, headerWord1 := packFreeHeaderWords(totalSize)
	ctx.AddEntry(z.HeaderOffset(startIdx), redo.OpSet, headerWord0)
	ctx.AddEntry(z.HeaderOffset(startIdx)+8, redo.OpSet, headerWord1)

	return container.Block{ZoneID: z.ID, ChunkID: uint32(startIdx), SizeIdx: uint32(totalSize)}, removed
}

// packFreeHeaderWords returns the two little-endian 8-byte words of a
// BASE, unused chunk header with the given size_idx, matching
// ChunkHeader.Encode's layout.
func packFreeHeaderWords(sizeIdx uint64) (word0, word1 uint64) {
	buf := make([]byte, layout.ChunkHeaderSize)
	h := layout.ChunkHeader{Type: layout.ChunkTypeBase, SizeIdx: sizeIdx}
	h.Magic = layout.ChunkMagic
	h.Encode(buf)
	return leWord(buf[0:8]), leWord(buf[8:16])
}

func leWord(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// PromoteRun converts the free, single-chunk span at chunkID into a RUN
// chunk: it writes the bitmap (all live bits clear, tail bits forced
// set), the run header (unit size and live-unit count), and finally the
// chunk header with Type=RUN (spec.md §4.E "Run promotion"). These
// writes target memory no other thread can yet observe (the caller has
// taken the chunk out of every container and not yet handed it to any
// bucket), so they
// are made directly rather than through a redo-staged operation context.
// It returns one container block, with SizeIdx equal to the number of
// free units, so the owning run bucket can register the fresh run as a
// RemoveBestFit candidate (see bucket.Bucket: a run bucket's container
// tracks whole free runs by population, not individual units - unit
// allocation within the active run goes straight through runbitmap).
func (z *Zone) PromoteRun(b pmem.Backend, chunkID uint64, unitSize uint64) (container.Block, error) {
	dataOff := z.DataOffset(chunkID)
	nLive := layout.RunLiveUnits(z.ChunkSize, unitSize)

	words := runbitmap.InitWords(runbitmap.NWords(layout.RunBitmapBits), int(nLive))
	bitmapBuf := make([]byte, layout.RunBitmapBytes)
	for i, w := range words {
		putWord(bitmapBuf[i*8:], w)
	}
	if err := b.MemcpyPersist(layout.RunBitmapOffset(dataOff), bitmapBuf); err != nil {
		return container.Block{}, err
	}

	rh := layout.RunHeader{UnitSize: unitSize, NAllocs: nLive}
	rhBuf := make([]byte, layout.RunHeaderSize)
	rh.Encode(rhBuf)
	if err := b.MemcpyPersist(layout.RunHeaderOffset(dataOff), rhBuf); err != nil {
		return container.Block{}, err
	}

	if err := z.WriteHeader(b, chunkID, layout.ChunkHeader{Type: layout.ChunkTypeRun, Flags: layout.ChunkFlagUsed, SizeIdx: 1}); err != nil {
		return container.Block{}, err
	}

	return container.Block{ZoneID: z.ID, ChunkID: uint32(chunkID), SizeIdx: uint32(nLive)}, nil
}

// DemoteRun converts an emptied RUN chunk back into a free, single-chunk
// BASE span. Per spec.md open question 1, the caller must hold both the
// owning bucket's lock and the chunk-run lock across the whole
// operation; DemoteRun itself performs no locking.
func (z *Zone) DemoteRun(b pmem.Backend, chunkID uint64) (container.Block, error) {
	if err := z.WriteHeader(b, chunkID, layout.ChunkHeader{Type: layout.ChunkTypeBase, SizeIdx: 1}); err != nil {
		return container.Block{}, err
	}
	return container.Block{ZoneID: z.ID, ChunkID: uint32(chunkID), SizeIdx: 1}, nil
}

func putWord(buf []byte, w uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(w >> uint(8*i))
	}
}
