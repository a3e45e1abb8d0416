// Package region implements the reference-counted shared-memory region of
// spec.md §3/§4.D: a byte range identified by a stable key, carrying both a
// global (cross-process) and a local (in-process) reference count.
//
// Grounded on the original Tekkotsu Shared/ReferenceCounter.h and
// golang.org/x/sys/unix's SysV shm bindings (via internal/shmseg). Go has
// no destructors, so "removeReference causing the count to hit zero
// releases the backing storage" is realized as explicit RemoveReference /
// RemoveSharedReference calls — the same deferred-cleanup idiom the teacher uses for its event loop's
// file descriptors (eventloop.Loop.closeOnce).
package region

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"

	"github.com/kestrel-robotics/robocore/internal/logx"
	"github.com/kestrel-robotics/robocore/internal/shmseg"
)

// Key identifies a region across processes. The original allows either an
// integer or a short string; robocore uses an integer key (assigned by the
// Manager) since that is what SysV shm keys require, and names are
// resolved to keys by RegionRegistry (registry.go).
type Key int64

// headerSize is the fixed prefix every region's backing bytes carries: an
// atomically-manipulated global reference count, plus the payload size so
// a late attacher can recover it without an out-of-band directory lookup.
const headerSize = 16

// Region is one shared-memory block, jointly owned by every process that
// holds a local reference to it (spec.md §3 "Ownership").
type Region struct {
	key      Key
	seg      *shmseg.Segment
	localRef atomic.Int32
	mgr      *Manager
}

func (r *Region) globalRefPtr() *int64 {
	return (*int64)(unsafe.Pointer(&r.seg.Bytes[0]))
}

func (r *Region) sizePtr() *int64 {
	return (*int64)(unsafe.Pointer(&r.seg.Bytes[8]))
}

// ID returns the region's stable key.
func (r *Region) ID() Key { return r.key }

// Base returns the region's payload bytes (excluding the internal header).
// Structures placed here must reference each other by index, never by Go
// pointer (spec.md §9 — pointers are only valid within one process's
// address space, and this backing may be mapped at different addresses in
// different processes).
func (r *Region) Base() []byte {
	n := atomic.LoadInt64(r.sizePtr())
	return r.seg.Bytes[headerSize : headerSize+n]
}

// Size returns the payload size in bytes.
func (r *Region) Size() int {
	return int(atomic.LoadInt64(r.sizePtr()))
}

// GlobalRefs returns the current cross-process reference count.
func (r *Region) GlobalRefs() int64 { return atomic.LoadInt64(r.globalRefPtr()) }

// LocalRefs returns the current in-process reference count.
func (r *Region) LocalRefs() int32 { return r.localRef.Load() }

// AddReference increments the local (in-process) reference count.
func (r *Region) AddReference() { r.localRef.Add(1) }

// RemoveReference decrements the local reference count. When it reaches
// zero the process unmaps its view of the region and the Manager drops it
// from its table of open regions (see Manager.detach); the global count
// is not touched.
func (r *Region) RemoveReference() {
	if r.localRef.Add(-1) < 0 {
		r.mgr.log.Error().Int64("key", int64(r.key)).Str("stack", logx.Stack()).
			Msg("region: local reference count underflow")
		r.localRef.Store(0)
		return
	}
	if r.localRef.Load() == 0 {
		r.mgr.detach(r)
	}
}

// AddSharedReference increments the global (cross-process) reference
// count.
func (r *Region) AddSharedReference() { atomic.AddInt64(r.globalRefPtr(), 1) }

// RemoveSharedReference decrements the global reference count. When it
// reaches zero the backing storage is released (the named segment is
// marked IPC_RMID, or — for anonymous segments — simply becomes
// unreferenced Go memory).
func (r *Region) RemoveSharedReference() {
	v := atomic.AddInt64(r.globalRefPtr(), -1)
	if v < 0 {
		r.mgr.log.Error().Int64("key", int64(r.key)).Str("stack", logx.Stack()).
			Msg("region: global reference count underflow")
		atomic.StoreInt64(r.globalRefPtr(), 0)
		return
	}
	if v == 0 {
		r.mgr.destroy(r)
	}
}

// Manager creates and attaches regions. Whether regions are backed by real
// SysV shared memory (true cross-process sharing) or process-local
// anonymous memory is controlled by Multiprocess, which is latched on
// first use per spec.md §4.D ("process-wide 'multiprocess' flag set before
// any region exists; after that flag is read it is fixed").
type Manager struct {
	multiprocessOnce sync.Once
	multiprocess     bool
	nextKey          atomic.Int64
	mu               sync.Mutex
	open             map[Key]*Region
	log              zerolog.Logger
	baseShmKey       int
}

// NewManager constructs a region Manager. baseShmKey is the starting SysV
// key used to derive per-region keys in multiprocess mode; ignored in
// single-process mode.
func NewManager(multiprocess bool, baseShmKey int, log zerolog.Logger) *Manager {
	m := &Manager{
		open:       make(map[Key]*Region),
		log:        logx.Component(log, "region"),
		baseShmKey: baseShmKey,
	}
	m.multiprocessOnce.Do(func() { m.multiprocess = multiprocess })
	return m
}

// CreateBySize allocates a brand-new region of the given payload size,
// with both reference counts starting at 1 (the creator holds one local
// and one global reference).
func (m *Manager) CreateBySize(size int) (*Region, error) {
	key := Key(m.nextKey.Add(1))
	return m.createNamed(key, size)
}

// CreateNamed allocates or attaches a region under an explicit key (used
// by RegionRegistry for name-to-region resolution across processes).
func (m *Manager) CreateNamed(key Key, size int) (*Region, error) {
	return m.createNamed(key, size)
}

func (m *Manager) createNamed(key Key, size int) (*Region, error) {
	total := headerSize + size
	var seg *shmseg.Segment
	var err error
	if m.multiprocess {
		seg, err = shmseg.CreateNamed(m.baseShmKey+int(key), total)
	} else {
		seg, err = shmseg.CreateAnon(total)
	}
	if err != nil {
		return nil, fmt.Errorf("region: create key=%d size=%d: %w", key, size, err)
	}
	r := &Region{key: key, seg: seg, mgr: m}
	atomic.StoreInt64(r.globalRefPtr(), 1)
	atomic.StoreInt64(r.sizePtr(), int64(size))
	r.localRef.Store(1)

	m.mu.Lock()
	m.open[key] = r
	m.mu.Unlock()
	return r, nil
}

// Attach maps an existing region by key, incrementing its local reference
// count (spec.md §3: "Attaching a key increments local").
func (m *Manager) Attach(key Key) (*Region, error) {
	m.mu.Lock()
	if r, ok := m.open[key]; ok {
		m.mu.Unlock()
		r.AddReference()
		return r, nil
	}
	m.mu.Unlock()

	if !m.multiprocess {
		return nil, fmt.Errorf("region: attach key=%d: no such region in single-process mode", key)
	}
	// The size isn't known yet; attach with a minimal probe size large
	// enough to read the header. SysV shmget against an existing id ignores
	// the size argument once the segment exists, and the attach maps the
	// whole segment, so this one header-only probe is sufficient.
	seg, err := shmseg.AttachNamed(m.baseShmKey+int(key), headerSize)
	if err != nil {
		return nil, fmt.Errorf("region: attach key=%d: %w", key, err)
	}
	r := &Region{key: key, seg: seg, mgr: m}
	r.localRef.Store(1)
	m.mu.Lock()
	m.open[key] = r
	m.mu.Unlock()
	return r, nil
}

func (m *Manager) detach(r *Region) {
	m.mu.Lock()
	delete(m.open, r.key)
	m.mu.Unlock()
	if err := r.seg.Detach(); err != nil {
		m.log.Warn().Int64("key", int64(r.key)).Err(err).Msg("region: detach failed")
	}
}

func (m *Manager) destroy(r *Region) {
	if err := r.seg.Destroy(); err != nil {
		m.log.Warn().Int64("key", int64(r.key)).Err(err).Msg("region: destroy failed")
	}
}
