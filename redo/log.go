// Package redo implements component B of the design: a bounded,
// checksummed sequence of (offset, value, op) entries that makes
// multi-location metadata updates crash-atomic. It is grounded on the
// free-block bookkeeping discipline of lldb's Allocator (write the new
// state, flush, only then forget the old one) generalized into an
// explicit, reusable log instead of lldb's implicit "do the writes in the
// right order and hope nothing crashes mid-sequence" style.
package redo

import (
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash/v2"

	"github.com/pbalcer/nvml/pmem"
)

// Op identifies how an entry's Value is applied to its target.
type Op uint8

const (
	// OpSet unconditionally overwrites the target with Value.
	OpSet Op = iota
	// OpAnd applies Value as a bitwise AND mask.
	OpAnd
	// OpOr applies Value as a bitwise OR mask.
	OpOr
)

// Entry is one staged redo record: apply Value to the 8 bytes at Offset
// (a pool-relative, not backend-relative, address) using Op. Finish marks
// the last entry of a committed log.
type Entry struct {
	Offset int64
	Op     Op
	Finish bool
	Value  uint64
}

const (
	// SegHeaderSize is the fixed size of one segment's header:
	// Capacity(4) + Flags(4) + Checksum(8) + Next(8).
	SegHeaderSize = 24
	// EntrySize is the on-media size of one Entry: a packed header
	// word (offset<<4 | op<<1 | finish) followed by the 8-byte value.
	EntrySize = 16

	offCapacity = 0
	offFlags    = 4
	offChecksum = 8
	offNext     = 16
	offEntries  = SegHeaderSize
)

// ErrOutOfLog is returned by Reserve when the requested entry count
// exceeds the log's capacity and no GrowFunc is configured (or GrowFunc
// itself fails), mirroring spec.md §7's OutOfMemory-adjacent failure for
// metadata staging.
var ErrOutOfLog = errors.New("redo: out of log capacity")

// ErrMalformed is returned by Process when a staged entry carries an
// unknown op, and by Check when an entry's offset lies outside the pool.
var ErrMalformed = errors.New("redo: malformed log segment")

// GrowFunc allocates a new chained segment able to hold at least
// minCapacity entries and returns its absolute pool offset and actual
// capacity. Logs that never need to grow beyond their initial segment
// (the common case - bitmap/header updates are at most a handful of
// entries) can pass a nil GrowFunc.
type GrowFunc func(minCapacity int) (segmentOff int64, capacity int, err error)

// SegmentSize returns the on-media byte size of one segment able to hold
// capacity entries.
func SegmentSize(capacity int) int64 {
	return SegHeaderSize + int64(capacity)*EntrySize
}

// Log is a handle onto a redo log whose first segment lives at off within
// b. Each lane owns exactly one Log for the lifetime of an operation
// (spec.md §3.2 Lane, §4.J).
type Log struct {
	b    pmem.Backend
	off  int64
	grow GrowFunc
}

// New returns a Log whose first segment already exists on media at off
// (the lane's scratch area); its capacity is read from that segment's
// header. If the segment has never been initialized (fresh pool), call
// Init first.
func New(b pmem.Backend, off int64, grow GrowFunc) *Log {
	return &Log{b: b, off: off, grow: grow}
}

// Init writes a fresh, empty segment header at off with the given
// capacity. Used when creating a pool or formatting a new lane.
func Init(b pmem.Backend, off int64, capacity int) error {
	buf := make([]byte, SegHeaderSize)
	binary.LittleEndian.PutUint32(buf[offCapacity:], uint32(capacity))
	binary.LittleEndian.PutUint64(buf[offChecksum:], 0)
	binary.LittleEndian.PutUint64(buf[offNext:], 0)
	return b.MemcpyPersist(off, buf)
}

func packHeader(offset int64, op Op, finish bool) uint64 {
	h := uint64(offset) << 4
	h |= uint64(op) << 1
	if finish {
		h |= 1
	}
	return h
}

func unpackHeader(h uint64) (offset int64, op Op, finish bool) {
	offset = int64(h >> 4)
	op = Op((h >> 1) & 0x3)
	finish = h&1 != 0
	return
}

func (l *Log) segCapacity(segOff int64) int {
	return int(binary.LittleEndian.Uint32(l.b.Bytes()[segOff+offCapacity:]))
}

func (l *Log) segNext(segOff int64) int64 {
	return int64(binary.LittleEndian.Uint64(l.b.Bytes()[segOff+offNext:]))
}

// Reserve walks the segment chain starting at the log's first segment
// and ensures there is room for nEntries total. If the existing chain is
// too small and a GrowFunc was configured, a new segment is allocated and
// linked in (durably, via a single SET-style persisted write of the
// linking segment's Next field). Returns ErrOutOfLog if capacity cannot
// be made available.
func (l *Log) Reserve(nEntries int) error {
	segOff := l.off
	remaining := nEntries
	var lastSeg int64 = -1
	for {
		cap := l.segCapacity(segOff)
		if remaining <= cap {
			return nil
		}
		remaining -= cap
		next := l.segNext(segOff)
		if next == 0 {
			lastSeg = segOff
			break
		}
		segOff = next
	}

	if l.grow == nil {
		return ErrOutOfLog
	}

	newOff, newCap, err := l.grow(remaining)
	if err != nil {
		return err
	}
	if newCap < remaining {
		return ErrOutOfLog
	}
	if err := Init(l.b, newOff, newCap); err != nil {
		return err
	}

	nextBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(nextBuf, uint64(newOff))
	return l.b.MemcpyPersist(lastSeg+offNext, nextBuf)
}

// Store non-destructively stages entries into the log (chaining across
// segments as needed), sets the Finish flag on the last entry, computes a
// checksum over the first segment and persists it. After Store returns,
// the log is the durable source of truth: a crash any time afterwards
// will cause Recover to re-apply these entries on next open (spec.md
// §4.B I-R3).
func (l *Log) Store(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := l.Reserve(len(entries)); err != nil {
		return err
	}

	segOff := l.off
	idx := 0
	for idx < len(entries) {
		cap := l.segCapacity(segOff)
		n := len(entries) - idx
		if n > cap {
			n = cap
		}
		buf := make([]byte, n*EntrySize)
		for i := 0; i < n; i++ {
			e := entries[idx+i]
			finish := idx+i == len(entries)-1
			binary.LittleEndian.PutUint64(buf[i*EntrySize:], packHeader(e.Offset, e.Op, finish))
			binary.LittleEndian.PutUint64(buf[i*EntrySize+8:], e.Value)
		}
		if err := l.b.MemcpyPersist(segOff+offEntries, buf); err != nil {
			return err
		}
		idx += n
		if idx < len(entries) {
			segOff = l.segNext(segOff)
		}
	}

	return l.persistChecksum()
}

// persistChecksum recomputes and writes the checksum over the first
// segment (header fields except Checksum itself, plus its entry array),
// per spec.md §4.B: the checksum only covers the first segment.
func (l *Log) persistChecksum() error {
	cap := l.segCapacity(l.off)
	size := SegmentSize(cap)
	raw := make([]byte, size)
	copy(raw, l.b.Bytes()[l.off:l.off+size])
	binary.LittleEndian.PutUint64(raw[offChecksum:], 0)
	sum := xxhash.Sum64(raw)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, sum)
	return l.b.MemcpyPersist(l.off+offChecksum, buf)
}

func (l *Log) checksumValid() bool {
	cap := l.segCapacity(l.off)
	size := SegmentSize(cap)
	raw := make([]byte, size)
	copy(raw, l.b.Bytes()[l.off:l.off+size])
	stored := binary.LittleEndian.Uint64(raw[offChecksum:])
	binary.LittleEndian.PutUint64(raw[offChecksum:], 0)
	return xxhash.Sum64(raw) == stored
}

// entryAt decodes the iEntry-th on-media entry within segment segOff.
func (l *Log) entryAt(segOff int64, i int) Entry {
	off := segOff + offEntries + int64(i)*EntrySize
	b := l.b.Bytes()
	header := binary.LittleEndian.Uint64(b[off:])
	value := binary.LittleEndian.Uint64(b[off+8:])
	offset, op, finish := unpackHeader(header)
	return Entry{Offset: offset, Op: op, Finish: finish, Value: value}
}

func (l *Log) clearFinishAt(segOff int64, i int) error {
	off := segOff + offEntries + int64(i)*EntrySize
	header := binary.LittleEndian.Uint64(l.b.Bytes()[off:])
	_, op, _ := unpackHeader(header)
	offset := int64(header >> 4)
	newHeader := packHeader(offset, op, false)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, newHeader)
	return l.b.MemcpyPersist(off, buf)
}

func applyEntry(b pmem.Backend, e Entry) error {
	cur := binary.LittleEndian.Uint64(b.Bytes()[e.Offset:])
	var next uint64
	switch e.Op {
	case OpSet:
		next = e.Value
	case OpAnd:
		next = cur & e.Value
	case OpOr:
		next = cur | e.Value
	default:
		return ErrMalformed
	}
	if next == cur {
		// Already applied (or a no-op mask); still flush so repeated
		// Process calls remain cheap but well defined.
		return b.Flush(e.Offset, 8)
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, next)
	pmem.WriteAt(b, e.Offset, buf)
	return b.Persist(e.Offset, 8)
}

// Process reads, applies and flushes every staged entry in order, then
// zeroes the Finish flag of the last entry and flushes it. Process is
// idempotent (I-R2): a log with no entry carrying the Finish flag (one
// already processed, or never stored) is left alone and Process returns
// nil without applying anything.
func (l *Log) Process() error {
	committed := false
	for seg, j := l.off, 0; ; j++ {
		if j == l.segCapacity(seg) {
			if seg = l.segNext(seg); seg == 0 {
				break
			}
			j = -1
			continue
		}
		if l.entryAt(seg, j).Finish {
			committed = true
			break
		}
	}
	if !committed {
		return nil
	}

	segOff := l.off
	for i := 0; ; i++ {
		if i == l.segCapacity(segOff) {
			next := l.segNext(segOff)
			if next == 0 {
				return ErrMalformed
			}
			segOff = next
			i = -1
			continue
		}

		e := l.entryAt(segOff, i)
		if err := applyEntry(l.b, e); err != nil {
			return err
		}
		if e.Finish {
			return l.clearFinishAt(segOff, i)
		}
	}
}

// Recover validates the checksum over the first segment; if it validates,
// the log was durably stored in full and is replayed via Process. If the
// checksum does not validate, the log is discarded (spec.md §4.B
// Recover). Applied reports whether Process was invoked.
func (l *Log) Recover() (applied bool, err error) {
	if !l.checksumValid() {
		return false, nil
	}
	return true, l.Process()
}

// Check verifies that every staged entry's offset lies within
// [0, poolSize), used by opt-in consistency checks (spec.md §4.B).
func (l *Log) Check(poolSize int64) error {
	segOff := l.off
	for i := 0; ; i++ {
		if i == l.segCapacity(segOff) {
			next := l.segNext(segOff)
			if next == 0 {
				return nil
			}
			segOff = next
			i = -1
			continue
		}
		e := l.entryAt(segOff, i)
		if e.Offset < 0 || e.Offset+8 > poolSize {
			return ErrMalformed
		}
		if e.Finish {
			return nil
		}
	}
}
