package heap

import "fmt"

// OutOfMemory is returned by Alloc when the request cannot be served
// (spec.md §4.I): for a huge allocation, when the huge bucket holds no
// block large enough; for a run allocation, when the class's bucket has
// no run with a free unit and the huge bucket has no free chunk to
// promote into a new run, or when maxPromoteAttempts refills all fail.
// There is no shared auxiliary bucket between the run classes and the
// huge bucket.
type OutOfMemory struct {
	Size uint64
}

func (e *OutOfMemory) Error() string {
	return fmt.Sprintf("heap: out of memory for size %d", e.Size)
}

// InvalidArgument is returned for caller errors: a zero/negative size, a
// double free, or a malformed control-path key.
type InvalidArgument struct {
	Reason string
}

func (e *InvalidArgument) Error() string { return "heap: invalid argument: " + e.Reason }

// InvalidState describes an operation attempted on a pool that is not
// open, or a lane/bucket asked to act outside its protocol (e.g.
// releasing a lane it does not hold). No code path in this module
// returns it; a double free is reported as InvalidArgument.
type InvalidState struct {
	Reason string
}

func (e *InvalidState) Error() string { return "heap: invalid state: " + e.Reason }

// PoolIncompatible is returned by Open when a pool's format version or
// build-time constants (chunk size, chunks per zone) do not match this
// build.
type PoolIncompatible struct {
	Reason string
}

func (e *PoolIncompatible) Error() string { return "heap: incompatible pool: " + e.Reason }

// PoolCorrupt is returned by Open when neither the primary pool header
// nor any zone's backup copy checksum-validates, or recovery finds the on-media state internally
// inconsistent beyond what redo replay can repair.
type PoolCorrupt struct {
	Reason string
}

func (e *PoolCorrupt) Error() string { return "heap: corrupt pool: " + e.Reason }

// GranularityMismatch describes a class-table mutation that would leave
// a gap or overlap in the byte_size → class_id mapping. No code path in
// this module returns it: ClassTable.SetRange accepts any range without
// checking for gaps or overlaps.
type GranularityMismatch struct {
	Reason string
}

func (e *GranularityMismatch) Error() string { return "heap: granularity mismatch: " + e.Reason }
