// Package heap implements components I and J: the allocator façade
// (Alloc/Free/Realloc/UsableSize/Direct) and the lane/info-slot recovery
// machinery that makes it crash-safe. It composes every lower
// component - pmem.Backend, layout, redo, txctx, runbitmap, container,
// zone, bucket - into the single entry point spec.md §4.I-§4.J describe.
package heap

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cznic/mathutil"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pbalcer/nvml/bucket"
	"github.com/pbalcer/nvml/container"
	"github.com/pbalcer/nvml/layout"
	"github.com/pbalcer/nvml/pmem"
	"github.com/pbalcer/nvml/redo"
	"github.com/pbalcer/nvml/zone"
)

// Config parameterizes a new pool. Zero-valued fields default to the
// layout package's defaults.
type Config struct {
	ChunkSize     uint64
	ChunksPerZone uint64
	InfoSlots     int
	NumLanes      int
	LaneLogCap    int
	Classes       *bucket.ClassTable
	Logger        hclog.Logger
	Registerer    prometheus.Registerer
	PoolName      string
}

func (c *Config) setDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = layout.DefaultChunkSize
	}
	if c.ChunksPerZone == 0 {
		c.ChunksPerZone = layout.DefaultChunksPerZone
	}
	if c.InfoSlots == 0 {
		c.InfoSlots = layout.DefaultInfoSlots
	}
	if c.NumLanes == 0 {
		c.NumLanes = 64
	}
	if c.LaneLogCap == 0 {
		c.LaneLogCap = 8
	}
	if c.Classes == nil {
		c.Classes = bucket.DefaultClassTable()
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	if c.PoolName == "" {
		c.PoolName = "default"
	}
}

// Heap is the open, in-memory handle onto a pool: the façade described
// by spec.md §4.I, plus every piece of volatile bookkeeping (containers,
// active runs, lanes) described by §4.H/§4.J.
type Heap struct {
	mu sync.Mutex // pool-level lock (spec.md §5): arena/lane-directory mutation only

	b      pmem.Backend
	header layout.PoolHeader
	cfg    Config

	zones []*zone.Zone

	huge       *bucket.Bucket
	runBuckets map[uint32]*bucket.Bucket

	lanes   *LaneManager
	metrics *Metrics
	log     hclog.Logger

	// chunkLocks is the global fixed-size array of per-chunk-run
	// mutexes (spec.md §5): one is acquired whenever a run's bitmap is
	// mutated, indexed by (zone_id*maxChunk + chunk_id) mod len.
	chunkLocks []sync.Mutex
}

const numChunkLocks = 1024

func (h *Heap) chunkLock(zoneID, chunkID uint32) *sync.Mutex {
	idx := (uint64(zoneID)*uint64(h.cfg.ChunksPerZone) + uint64(chunkID)) % uint64(len(h.chunkLocks))
	return &h.chunkLocks[idx]
}

func laneLogOffsets(infoSlotsEnd int64, numLanes, laneLogCap int) []int64 {
	offs := make([]int64, numLanes)
	for i := range offs {
		offs[i] = infoSlotsEnd + int64(i)*redo.SegmentSize(laneLogCap)
	}
	return offs
}

func laneAreaSize(numLanes, laneLogCap int) int64 {
	return int64(numLanes) * redo.SegmentSize(laneLogCap)
}

// zoneDataBaseFor, zoneCountFor and zoneOffsetFor take cfg explicitly
// rather than hanging off *Heap so that Open can locate zone-backup
// pool headers before a Heap (and its metrics registrations) exists.
func zoneDataBaseFor(cfg Config) int64 {
	return layout.InfoSlotsEnd(cfg.InfoSlots) + laneAreaSize(cfg.NumLanes, cfg.LaneLogCap)
}

func zoneCountFor(cfg Config, poolSize int64) int {
	base := zoneDataBaseFor(cfg)
	avail := poolSize - base
	if avail <= 0 {
		return 0
	}
	full := layout.ZoneSize(cfg.ChunkSize, cfg.ChunksPerZone)
	n := avail / full
	if avail%full >= layout.ZoneHeaderSize(cfg.ChunksPerZone)+int64(cfg.ChunkSize) {
		n++
	}
	return int(n)
}

func zoneOffsetFor(cfg Config, z int) int64 {
	return zoneDataBaseFor(cfg) + int64(z)*layout.ZoneSize(cfg.ChunkSize, cfg.ChunksPerZone)
}

func (h *Heap) zoneDataBase() int64 { return zoneDataBaseFor(h.cfg) }

func (h *Heap) zoneCount(poolSize int64) int { return zoneCountFor(h.cfg, poolSize) }

func (h *Heap) zoneOffset(z int) int64 { return zoneOffsetFor(h.cfg, z) }

func (h *Heap) zoneChunkCount(z, n int, poolSize int64) uint64 {
	if z < n-1 {
		return h.cfg.ChunksPerZone
	}
	start := h.zoneOffset(z)
	avail := poolSize - start - layout.ZoneHeaderSize(h.cfg.ChunksPerZone)
	if avail < 0 {
		return 0
	}
	return mathutil.MinUint64(uint64(avail)/h.cfg.ChunkSize, h.cfg.ChunksPerZone)
}

// Create formats a fresh pool of poolSize bytes on b and returns an open
// Heap over it.
func Create(b pmem.Backend, poolSize int64, cfg Config) (*Heap, error) {
	cfg.setDefaults()

	hdr := layout.PoolHeader{
		Signature:     layout.Signature,
		FormatMajor:   layout.FormatMajor,
		FormatMinor:   layout.FormatMinor,
		PoolSize:      uint64(poolSize),
		ChunkSize:     cfg.ChunkSize,
		ChunksPerZone: cfg.ChunksPerZone,
		InfoSlots:     uint64(cfg.InfoSlots),
		State:         layout.StateOpen,
		UUID:          uuid.New(),
	}

	for i := 0; i < cfg.InfoSlots; i++ {
		var s layout.InfoSlot
		sbuf := make([]byte, layout.InfoSlotSize)
		s.Encode(sbuf)
		if err := b.MemcpyPersist(layout.InfoSlotOffset(i), sbuf); err != nil {
			return nil, err
		}
	}

	offs := laneLogOffsets(layout.InfoSlotsEnd(cfg.InfoSlots), cfg.NumLanes, cfg.LaneLogCap)
	for _, off := range offs {
		if err := redo.Init(b, off, cfg.LaneLogCap); err != nil {
			return nil, err
		}
	}

	h := newHeap(b, hdr, cfg)
	n := h.zoneCount(poolSize)
	for zi := 0; zi < n; zi++ {
		z := h.makeZone(zi, n, poolSize)
		h.zones = append(h.zones, z)
		h.huge.Put(container.Block{ZoneID: z.ID, ChunkID: 0, SizeIdx: uint32(z.ChunkCount)})
	}

	// Primary header is written and flushed first, then every zone's
	// backup copy, now that zone offsets are known (spec.md §3.1/§6.1).
	if err := h.persistPoolHeader(); err != nil {
		return nil, err
	}
	h.log.Info("pool created", "size", poolSize, "zones", n)
	return h, nil
}

// Open validates and opens an existing pool, replaying every lane's redo
// log, dispatching info-slot recovery, and rebuilding volatile container
// state from the on-media chunk headers (spec.md §4.J).
func Open(b pmem.Backend, cfg Config) (*Heap, error) {
	cfg.setDefaults()

	buf := make([]byte, layout.PoolHeaderSize)
	pmem.ReadAt(b, buf, 0)

	var hdr layout.PoolHeader
	fromBackup := false
	if layout.Valid(buf) {
		hdr.Decode(buf)
	} else {
		backup, ok := scanZoneBackups(b, cfg)
		if !ok {
			return nil, &PoolCorrupt{Reason: "pool header checksum mismatch in primary and every zone backup"}
		}
		hdr = backup
		fromBackup = true
	}
	if hdr.Signature != layout.Signature {
		return nil, &PoolIncompatible{Reason: "signature mismatch"}
	}
	if hdr.FormatMajor != layout.FormatMajor {
		return nil, &PoolIncompatible{Reason: fmt.Sprintf("format major %d unsupported", hdr.FormatMajor)}
	}

	if hdr.ChunkSize != cfg.ChunkSize || hdr.ChunksPerZone != cfg.ChunksPerZone {
		return nil, &PoolIncompatible{Reason: fmt.Sprintf("pool chunk size %d x %d per zone, configured %d x %d",
			hdr.ChunkSize, hdr.ChunksPerZone, cfg.ChunkSize, cfg.ChunksPerZone)}
	}
	if hdr.InfoSlots != uint64(cfg.InfoSlots) {
		return nil, &PoolIncompatible{Reason: fmt.Sprintf("pool has %d info slots, configured %d", hdr.InfoSlots, cfg.InfoSlots)}
	}

	h := newHeap(b, hdr, cfg)
	if err := h.recover(); err != nil {
		return nil, err
	}

	n := h.zoneCount(int64(hdr.PoolSize))
	for zi := 0; zi < n; zi++ {
		z := h.makeZone(zi, n, int64(hdr.PoolSize))
		h.zones = append(h.zones, z)
	}
	h.rebuildContainers()

	if fromBackup {
		h.log.Warn("pool header recovered from zone backup", "size", hdr.PoolSize)
		if err := h.persistPoolHeader(); err != nil {
			return nil, err
		}
	}
	h.log.Info("pool opened", "size", hdr.PoolSize, "zones", n)
	return h, nil
}

// scanZoneBackups looks for a valid pool-header backup at the start of
// each zone, in zone order, and returns the first one that checksum-
// validates (spec.md §3.1: "at least one of {primary, any zone backup}
// must checksum-validate for the pool to be openable"). It has no
// PoolSize of its own to work from, so it walks zone offsets against
// the backend's actual size instead of a stored one.
func scanZoneBackups(b pmem.Backend, cfg Config) (layout.PoolHeader, bool) {
	poolSize := b.Size()
	n := zoneCountFor(cfg, poolSize)
	buf := make([]byte, layout.PoolHeaderSize)
	for zi := 0; zi < n; zi++ {
		off := zoneOffsetFor(cfg, zi)
		pmem.ReadAt(b, buf, off)
		if layout.Valid(buf) {
			var hdr layout.PoolHeader
			hdr.Decode(buf)
			return hdr, true
		}
	}
	return layout.PoolHeader{}, false
}

// persistPoolHeader writes h.header to the primary slot first, flushing
// it, then to every zone's backup slot (spec.md §3.1: "on every state
// transition, the primary is written and flushed first, then backups").
func (h *Heap) persistPoolHeader() error {
	buf := make([]byte, layout.PoolHeaderSize)
	h.header.Encode(buf)
	if err := h.b.MemcpyPersist(0, buf); err != nil {
		return err
	}
	for _, z := range h.zones {
		if err := h.b.MemcpyPersist(z.Offset, buf); err != nil {
			return err
		}
	}
	return nil
}

func newHeap(b pmem.Backend, hdr layout.PoolHeader, cfg Config) *Heap {
	offs := laneLogOffsets(layout.InfoSlotsEnd(cfg.InfoSlots), cfg.NumLanes, cfg.LaneLogCap)
	h := &Heap{
		b:          b,
		header:     hdr,
		cfg:        cfg,
		huge:       bucket.NewHuge(container.NewCritBit()),
		runBuckets: map[uint32]*bucket.Bucket{},
		lanes:      NewLaneManager(b, offs),
		metrics:    NewMetrics(cfg.Registerer, cfg.PoolName),
		log:        cfg.Logger,
		chunkLocks: make([]sync.Mutex, numChunkLocks),
	}
	for _, c := range cfg.Classes.Classes() {
		h.runBuckets[c.ID] = bucket.NewRun(c, container.NewListHash())
	}
	return h
}

func (h *Heap) makeZone(zi, n int, poolSize int64) *zone.Zone {
	return &zone.Zone{
		ID:            uint32(zi),
		Offset:        h.zoneOffset(zi),
		ChunkSize:     h.cfg.ChunkSize,
		ChunksPerZone: h.cfg.ChunksPerZone,
		ChunkCount:    h.zoneChunkCount(zi, n, poolSize),
	}
}

// adjustZoneUsage records that delta chunks of z transitioned between
// free and used (positive: newly used, negative: newly freed) and
// refreshes the active-zone gauge if that flipped z's own active/idle
// state. Every call site holds the huge bucket's lock, which doubles as
// the serialization point for this volatile counter.
func (h *Heap) adjustZoneUsage(z *zone.Zone, delta int64) {
	before := z.UsedChunks > 0
	if delta > 0 {
		z.UsedChunks += uint64(delta)
	} else {
		z.UsedChunks -= uint64(-delta)
	}
	if (z.UsedChunks > 0) == before {
		return
	}
	h.refreshActiveZones()
}

// refreshActiveZones recomputes stats.heap.active_zones from the
// per-zone UsedChunks counters (spec.md §6.3: "Number of zones with at
// least one allocated chunk").
func (h *Heap) refreshActiveZones() {
	var n int
	for _, z := range h.zones {
		if z.UsedChunks > 0 {
			n++
		}
	}
	h.metrics.ActiveZones.Set(float64(n))
}

func (h *Heap) zoneByID(id uint32) *zone.Zone {
	for _, z := range h.zones {
		if z.ID == id {
			return z
		}
	}
	return nil
}

// Close marks the pool CLOSED, resyncs the primary and every zone
// backup with that state (spec.md line 192), and releases the backend.
func (h *Heap) Close() error {
	h.header.State = layout.StateClosed
	if err := h.persistPoolHeader(); err != nil {
		return err
	}
	return h.b.Close()
}

func leWord(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func putWord(buf []byte, v uint64) {
	binary.LittleEndian.PutUint64(buf, v)
}

func chunkUsedMask() uint64 {
	var buf [8]byte
	buf[5] = layout.ChunkFlagUsed
	return leWord(buf[:])
}
