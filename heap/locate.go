package heap

import "github.com/pbalcer/nvml/layout"

// locate resolves a pool offset previously returned by Alloc back to its
// owning zone and chunk, used by Free/Realloc/UsableSize since run
// allocations carry no per-block header (spec.md §4.H COMPACT variant).
func (h *Heap) locate(offset int64) (z int, chunkID uint64, ok bool) {
	for zi, zn := range h.zones {
		dataStart := zn.Offset + layout.ZoneHeaderSize(h.cfg.ChunksPerZone)
		dataEnd := dataStart + int64(zn.ChunkCount)*int64(h.cfg.ChunkSize)
		if offset >= dataStart && offset < dataEnd {
			cid := uint64(offset-dataStart) / h.cfg.ChunkSize
			return zi, cid, true
		}
	}
	return 0, 0, false
}
