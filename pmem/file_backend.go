package pmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileBackend maps a regular file into the process address space with
// unix.Mmap and durably persists writes with unix.Msync(MS_SYNC), the same
// technique marmos91/dittofs uses for its WAL cache file. Real persistent
// memory additionally lets Flush schedule individual cache-line
// write-backs without a full msync; FileBackend cannot do that (a regular
// file has no notion of a CPU cache line from userspace), so it reports
// IsPmem() == false and folds Flush+Drain into a single Msync(MS_SYNC) on
// Drain, matching the "msync fallback" path is_pmem is documented to pick
// between in spec.md §6.2.
type FileBackend struct {
	file *os.File
	data []byte
	size int64
}

// OpenFileBackend maps the file at path. If the file does not exist it is
// created and truncated to size; size is ignored for an existing file - its
// on-disk length is authoritative, matching the pool-header size field
// being the source of truth rather than any freshly requested size.
func OpenFileBackend(path string, size int64) (*FileBackend, error) {
	create := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		create = true
	}

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pmem: open %s: %w", path, err)
	}

	if create {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("pmem: truncate %s: %w", path, err)
		}
	} else {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("pmem: stat %s: %w", path, err)
		}
		size = fi.Size()
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pmem: mmap %s: %w", path, err)
	}

	return &FileBackend{file: f, data: data, size: size}, nil
}

func (b *FileBackend) Bytes() []byte { return b.data }
func (b *FileBackend) Size() int64   { return b.size }
func (b *FileBackend) IsPmem() bool  { return false }

// Flush is a no-op for a regular-file mapping: there is no cache-line
// write-back instruction to issue from userspace, only the page-granular
// msync performed by Drain.
func (b *FileBackend) Flush(off, n int64) error { return nil }

func (b *FileBackend) Drain() error {
	return unix.Msync(b.data, unix.MS_SYNC)
}

func (b *FileBackend) Persist(off, n int64) error {
	if err := b.Flush(off, n); err != nil {
		return err
	}
	return b.Drain()
}

func (b *FileBackend) MemcpyPersist(off int64, src []byte) error {
	copy(b.data[off:], src)
	return b.Persist(off, int64(len(src)))
}

func (b *FileBackend) MemsetPersist(off int64, v byte, n int64) error {
	region := b.data[off : off+n]
	for i := range region {
		region[i] = v
	}
	return b.Persist(off, n)
}

func (b *FileBackend) Close() error {
	if err := unix.Munmap(b.data); err != nil {
		b.file.Close()
		return err
	}
	return b.file.Close()
}
