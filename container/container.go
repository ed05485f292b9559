// Package container implements component G: the in-memory best-fit
// structures that track free memory blocks for a bucket. Two
// interchangeable implementations satisfy the same Container interface
// (spec.md §4.G): a crit-bit trie (default, used by huge buckets whose
// keys vary over a wide range) and a list+hash (used by run buckets,
// where every block in the container shares the same size class).
package container

// Block is the volatile descriptor of a contiguous free region: either a
// whole-chunk span (huge; BlockOff == 0) or a unit-granular span inside a
// run (spec.md §3 "Memory block").
type Block struct {
	ZoneID   uint32
	ChunkID  uint32
	BlockOff uint32
	SizeIdx  uint32
}

// Bit widths of the packed key, chosen so the whole descriptor fits in
// 64 bits (spec.md §3: "Must fit in 64 bits so a container key packs
// it."), with SizeIdx most significant so natural key ordering yields
// best-fit-by-size then lowest-offset-by-address (spec.md §4.G).
const (
	bitsZoneID   = 12
	bitsChunkID  = 16
	bitsBlockOff = 16
	bitsSizeIdx  = 20

	shiftZoneID  = 0
	shiftChunkID = shiftZoneID + bitsZoneID
	shiftBlockOff = shiftChunkID + bitsChunkID
	shiftSizeIdx  = shiftBlockOff + bitsBlockOff

	maskZoneID   = 1<<bitsZoneID - 1
	maskChunkID  = 1<<bitsChunkID - 1
	maskBlockOff = 1<<bitsBlockOff - 1
	maskSizeIdx  = 1<<bitsSizeIdx - 1
)

// Pack encodes b as a 64-bit key ordered (size_idx, block_off, chunk_id,
// zone_id) with size_idx most significant (spec.md §4.G).
func (b Block) Pack() uint64 {
	return uint64(b.SizeIdx&maskSizeIdx)<<shiftSizeIdx |
		uint64(b.BlockOff&maskBlockOff)<<shiftBlockOff |
		uint64(b.ChunkID&maskChunkID)<<shiftChunkID |
		uint64(b.ZoneID&maskZoneID)<<shiftZoneID
}

// Unpack decodes a packed key back into a Block.
func Unpack(key uint64) Block {
	return Block{
		SizeIdx:  uint32(key>>shiftSizeIdx) & maskSizeIdx,
		BlockOff: uint32(key>>shiftBlockOff) & maskBlockOff,
		ChunkID:  uint32(key>>shiftChunkID) & maskChunkID,
		ZoneID:   uint32(key>>shiftZoneID) & maskZoneID,
	}
}

// PackQuery builds the lower-bound key used by RemoveBestFit: the
// smallest key any block of size >= sizeIdx could have.
func PackQuery(sizeIdx uint32) uint64 {
	return Block{SizeIdx: sizeIdx}.Pack()
}

// Container is the shared interface both block-container
// implementations satisfy (spec.md §4.G).
type Container interface {
	// Insert adds b to the container. Inserting a block whose packed
	// key already exists overwrites the previous entry.
	Insert(b Block)

	// RemoveExact removes the block matching b exactly, reporting
	// whether it was present.
	RemoveExact(b Block) bool

	// RemoveBestFit removes and returns the smallest block with
	// SizeIdx >= sizeIdx, breaking ties by lowest packed key
	// (spec.md §4.G).
	RemoveBestFit(sizeIdx uint32) (Block, bool)

	// Contains reports whether b is present.
	Contains(b Block) bool

	// Clear removes every block.
	Clear()

	// IsEmpty reports whether the container holds no blocks.
	IsEmpty() bool

	// Len returns the number of blocks held.
	Len() int
}
