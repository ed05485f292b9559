// Package pmem abstracts the durability backend a pool is mapped onto.
//
// It plays the role component A ("Persist ops") plays in the design: a small
// table of capabilities - persist, flush, drain, memcpy, memset and an
// is-pmem probe - stamped onto a pool at open time. Everything above this
// package (redo, txctx, zone, heap, ...) talks to a Backend and never to an
// *os.File or a byte slice directly, so the same allocator code runs
// verbatim over real persistent memory, an mmap'd regular file, or a plain
// in-memory buffer used by tests.
package pmem

import "errors"

// ErrClosed is returned by MemBackend's Flush, Drain, Persist,
// MemcpyPersist and MemsetPersist after Close; FileBackend does not check
// for it.
var ErrClosed = errors.New("pmem: backend closed")

// Backend is the capability object every pool is opened with. Addresses
// passed to its methods are absolute offsets from the start of the mapped
// region, as are lengths; Backend does not know about zones, chunks or
// handles - those are layered on top.
type Backend interface {
	// Bytes returns the full mapped region. Callers may read and write
	// through the returned slice directly; Persist/Flush/Drain make
	// those writes durable. The slice is valid until Close.
	Bytes() []byte

	// Size returns the length of the mapped region in bytes.
	Size() int64

	// IsPmem reports whether the backend is true persistent memory
	// (byte-addressable, flushed with CPU cache-line instructions) as
	// opposed to a regular file that needs an msync-style fallback.
	IsPmem() bool

	// Flush schedules the byte range [off, off+n) for write-back. It
	// does not wait for the write-back to complete; pair with Drain.
	Flush(off, n int64) error

	// Drain waits for all previously scheduled Flush calls to complete.
	Drain() error

	// Persist is Flush followed by Drain for the given range; it is the
	// primitive "make these bytes durable and wait for it" operation.
	Persist(off, n int64) error

	// MemcpyPersist copies src into the mapped region at off and
	// persists the written range in one call, mirroring libpmem's bulk
	// durable-copy helpers.
	MemcpyPersist(off int64, src []byte) error

	// MemsetPersist fills n bytes at off with v and persists the range.
	MemsetPersist(off int64, v byte, n int64) error

	// Close releases any resources (mapping, file handle) held by the
	// backend. A closed backend must not be used again.
	Close() error
}

// ReadAt is a convenience helper used throughout the allocator: it copies
// out of the backend's mapped region instead of requiring every caller to
// slice Bytes() by hand and re-derive bounds checks.
func ReadAt(b Backend, dst []byte, off int64) {
	copy(dst, b.Bytes()[off:off+int64(len(dst))])
}

// WriteAt copies src into the backend's mapped region without persisting
// it. Callers that need durability must still call Persist/Flush+Drain -
// WriteAt only updates process-visible memory, exactly like a raw pmem
// store that has not yet been flushed.
func WriteAt(b Backend, off int64, src []byte) {
	copy(b.Bytes()[off:off+int64(len(src))], src)
}
