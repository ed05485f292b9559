package bucket

import "sort"

// classRange is one entry of the byte_size → class_id range table
// (spec.md §4.H, control key heap.alloc_class.map.range).
type classRange struct {
	maxSize uint64
	class   Class
}

// ClassTable maps a requested byte size to a size class, falling
// through to the huge bucket for anything above the largest run class.
type ClassTable struct {
	ranges []classRange // sorted ascending by maxSize
}

// DefaultClassTable returns the built-in table covering common small
// sizes, grounded on jemalloc/tcmalloc-style size-class ladders: tight
// steps for small sizes where internal fragmentation matters most,
// widening geometrically beyond 1 KiB.
func DefaultClassTable() *ClassTable {
	sizes := []uint64{16, 32, 48, 64, 96, 128, 192, 256, 320, 384, 448, 512,
		768, 1024, 1536, 2048, 3072, 4096, 8192, 16384}
	t := &ClassTable{}
	for i, sz := range sizes {
		t.ranges = append(t.ranges, classRange{
			maxSize: sz,
			class:   Class{ID: uint32(i + 1), UnitSize: sz, Variant: VariantCompact},
		})
	}
	return t
}

// Lookup returns the class serving size and true, or false when size
// exceeds every run class and falls through to the huge bucket.
func (t *ClassTable) Lookup(size uint64) (Class, bool) {
	i := sort.Search(len(t.ranges), func(i int) bool { return t.ranges[i].maxSize >= size })
	if i == len(t.ranges) {
		return Class{}, false
	}
	return t.ranges[i].class, true
}

// Classes returns every configured class, ascending by unit size.
func (t *ClassTable) Classes() []Class {
	out := make([]Class, len(t.ranges))
	for i, r := range t.ranges {
		out[i] = r.class
	}
	return out
}

// SetRange installs or replaces the class serving sizes up to maxSize,
// backing the heap.alloc_class.map.range control key. Ranges are kept
// sorted by maxSize after insertion.
func (t *ClassTable) SetRange(maxSize uint64, class Class) {
	for i, r := range t.ranges {
		if r.maxSize == maxSize {
			t.ranges[i].class = class
			t.sort()
			return
		}
	}
	t.ranges = append(t.ranges, classRange{maxSize: maxSize, class: class})
	t.sort()
}

func (t *ClassTable) sort() {
	sort.Slice(t.ranges, func(i, j int) bool { return t.ranges[i].maxSize < t.ranges[j].maxSize })
}
