package container

import "container/list"

// ListHash is a doubly-linked list ordered by packed key, with a side
// hash from key to list element so RemoveExact is O(1). It is acceptable
// for run buckets, where every block in the container shares the same
// size class: RemoveBestFit degenerates to "return the head if it is
// large enough" (spec.md §4.G).
type ListHash struct {
	l     *list.List
	index map[uint64]*list.Element
}

// NewListHash returns an empty list+hash container.
func NewListHash() *ListHash {
	return &ListHash{l: list.New(), index: map[uint64]*list.Element{}}
}

// Insert adds b in address order (ascending packed key).
func (h *ListHash) Insert(b Block) {
	key := b.Pack()
	if _, ok := h.index[key]; ok {
		return
	}
	for e := h.l.Back(); e != nil; e = e.Prev() {
		if e.Value.(Block).Pack() < key {
			ne := h.l.InsertAfter(b, e)
			h.index[key] = ne
			return
		}
	}
	ne := h.l.PushFront(b)
	h.index[key] = ne
}

// RemoveExact removes the block matching b exactly, in O(1) via the side
// hash.
func (h *ListHash) RemoveExact(b Block) bool {
	key := b.Pack()
	e, ok := h.index[key]
	if !ok {
		return false
	}
	h.l.Remove(e)
	delete(h.index, key)
	return true
}

// RemoveBestFit returns the list head when its SizeIdx is at least
// sizeIdx (address-order tie-break is automatic since the list is
// address-ordered). Only the head is examined: a head that is too small
// yields false even when a later block would fit.
func (h *ListHash) RemoveBestFit(sizeIdx uint32) (Block, bool) {
	e := h.l.Front()
	if e == nil {
		return Block{}, false
	}
	b := e.Value.(Block)
	if b.SizeIdx < sizeIdx {
		return Block{}, false
	}
	h.l.Remove(e)
	delete(h.index, b.Pack())
	return b, true
}

// Contains reports whether a block with b's packed key is present.
func (h *ListHash) Contains(b Block) bool {
	_, ok := h.index[b.Pack()]
	return ok
}

// Clear empties the container.
func (h *ListHash) Clear() {
	h.l.Init()
	h.index = map[uint64]*list.Element{}
}

// IsEmpty reports whether the container holds no blocks.
func (h *ListHash) IsEmpty() bool { return h.l.Len() == 0 }

// Len returns the number of blocks held.
func (h *ListHash) Len() int { return h.l.Len() }
