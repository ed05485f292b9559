// Package txctx implements component C, the operation context: an
// in-memory staging area that collects redo entries for one
// alloc/free/realloc call, coalesces duplicates, and processes them
// atomically through a lane's redo log.
//
// It generalizes the ordering discipline lldb's Allocator hard-codes
// procedurally (write the tail header, flush, shrink the head header,
// flush, then touch the free list) into an explicit list of entries that
// is reviewable, coalesced and replayed by a single component instead of
// being re-derived by hand at every call site.
package txctx

import (
	"encoding/binary"

	"github.com/pbalcer/nvml/pmem"
	"github.com/pbalcer/nvml/redo"
)

// persistentKey coalesces entries by (offset, op): two ORs of the same
// word become one OR, two SETs keep only the latest value, matching
// spec.md §4.C - essential for the run-bitmap fast path where many
// adjacent units may be allocated in one call.
type persistentKey struct {
	offset int64
	op     redo.Op
}

// transientEntry applies directly to process memory once the persistent
// entries have been committed; ptr identifies process-memory state (e.g.
// a bucket's active-run bookkeeping) rather than a pool offset.
type transientEntry struct {
	ptr   *uint64
	op    redo.Op
	value uint64
}

// Context stages one operation's writes. It is not safe for concurrent
// use; callers already hold whatever bucket/run/lane locks the operation
// requires (spec.md §5).
type Context struct {
	log *redo.Log

	order      []persistentKey
	persistent map[persistentKey]uint64

	transOrder []*uint64
	transient  map[*uint64]*transientEntry
}

// New returns a Context that, when it needs more than the single-entry
// fast path, stages its persistent entries into log.
func New(log *redo.Log) *Context {
	return &Context{
		log:        log,
		persistent: map[persistentKey]uint64{},
		transient:  map[*uint64]*transientEntry{},
	}
}

// AddEntry stages a persistent (in-pool) write of value to offset using
// op. Repeated calls with the same (offset, op) coalesce: OpSet keeps the
// latest value, OpAnd/OpOr merge their masks with the previous one.
func (c *Context) AddEntry(offset int64, op redo.Op, value uint64) {
	k := persistentKey{offset, op}
	if prev, ok := c.persistent[k]; ok {
		switch op {
		case redo.OpSet:
			c.persistent[k] = value
		case redo.OpAnd:
			c.persistent[k] = prev & value
		case redo.OpOr:
			c.persistent[k] = prev | value
		}
		return
	}
	c.persistent[k] = value
	c.order = append(c.order, k)
}

// AddTransient stages a write that targets process memory rather than
// the pool. Transient writes are applied only after every persistent
// entry has been committed, so they may safely reflect state that
// concurrent readers would otherwise observe out of order (spec.md
// §4.C).
func (c *Context) AddTransient(ptr *uint64, op redo.Op, value uint64) {
	if e, ok := c.transient[ptr]; ok {
		switch op {
		case redo.OpSet:
			e.value = value
		case redo.OpAnd:
			e.value &= value
		case redo.OpOr:
			e.value |= value
		}
		e.op = op
		return
	}
	c.transient[ptr] = &transientEntry{ptr: ptr, op: op, value: value}
	c.transOrder = append(c.transOrder, ptr)
}

// Pending reports how many distinct persistent entries are staged.
func (c *Context) Pending() int { return len(c.order) }

// Process commits every staged entry. If exactly one persistent entry is
// staged, it is applied directly with a single 8-byte persisted store - a
// lone aligned write is already crash-atomic, so the redo log is not
// needed (spec.md §4.C fast path). Otherwise the persistent log is
// Stored then Processed before any transient entry is applied, so
// transient writes that reference just-promoted persistent state are
// correctly ordered.
func (c *Context) Process(b pmem.Backend) error {
	if len(c.order) == 1 {
		k := c.order[0]
		if err := applyDirect(b, k.offset, k.op, c.persistent[k]); err != nil {
			return err
		}
	} else if len(c.order) > 1 {
		entries := make([]redo.Entry, len(c.order))
		for i, k := range c.order {
			entries[i] = redo.Entry{Offset: k.offset, Op: k.op, Value: c.persistent[k]}
		}
		if err := c.log.Store(entries); err != nil {
			return err
		}
		if err := c.log.Process(); err != nil {
			return err
		}
	}

	for _, ptr := range c.transOrder {
		e := c.transient[ptr]
		switch e.op {
		case redo.OpSet:
			*e.ptr = e.value
		case redo.OpAnd:
			*e.ptr &= e.value
		case redo.OpOr:
			*e.ptr |= e.value
		}
	}

	c.order = c.order[:0]
	c.persistent = map[persistentKey]uint64{}
	c.transOrder = c.transOrder[:0]
	c.transient = map[*uint64]*transientEntry{}
	return nil
}

func applyDirect(b pmem.Backend, offset int64, op redo.Op, value uint64) error {
	var next uint64
	switch op {
	case redo.OpSet:
		next = value
	case redo.OpAnd, redo.OpOr:
		cur := binary.LittleEndian.Uint64(b.Bytes()[offset:])
		if op == redo.OpAnd {
			next = cur & value
		} else {
			next = cur | value
		}
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, next)
	return b.MemcpyPersist(offset, buf)
}
