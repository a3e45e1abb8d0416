package region

import (
	"encoding/binary"
	"errors"

	"github.com/kestrel-robotics/robocore/internal/xmutex"
)

// registryNameLen bounds registered names (spec.md §4.E: "short, fixed-
// length names"). registryEntrySize is the fixed-width slot layout every
// process agrees on regardless of where the backing region happens to be
// mapped: a used flag, an 8-byte key, then the name bytes.
//
// Unlike internal/freelist (a Go-slice-backed container, inherently
// single-process), the registry's storage must have identical byte layout
// in every attached process, so it is a flat linear-scan array living
// directly in region bytes rather than a freelist.List. The lookup is
// still grounded on the original's RegionRegistry.h: a fixed-capacity
// name-to-key table guarded by one mutex.
const (
	registryNameLen   = 32
	registryEntrySize = 1 + 8 + registryNameLen
)

// ErrNameTooLong is returned by RegisterRegion when name exceeds the fixed
// slot width.
var ErrNameTooLong = errors.New("region: name exceeds registry name length")

// ErrRegistryFull is returned by RegisterRegion when no free slot remains.
var ErrRegistryFull = errors.New("region: registry full")

// ErrNameConflict is returned by RegisterRegion when name is already bound
// to a different key.
var ErrNameConflict = errors.New("region: name already registered to a different region")

// Registry resolves short names to region Keys, so unrelated processes
// that agree on a name can find the same region without an out-of-band
// rendezvous (spec.md §4.E).
type Registry struct {
	reg *Region
	mu  *xmutex.Mutex
	cap int
}

// NewRegistry wraps an already-created or already-attached region as a
// Registry table. mu guards every read and mutation; callers typically
// share one well-known xmutex.Mutex across all processes that use this
// registry (allocated once at startup on a well-known semset counter).
func NewRegistry(backing *Region, mu *xmutex.Mutex) *Registry {
	return &Registry{
		reg: backing,
		mu:  mu,
		cap: backing.Size() / registryEntrySize,
	}
}

// RegistrySize returns the number of region bytes needed to hold capacity
// entries, for sizing the call to Manager.CreateBySize.
func RegistrySize(capacity int) int {
	return capacity * registryEntrySize
}

func (r *Registry) slot(i int) []byte {
	base := r.reg.Base()
	off := i * registryEntrySize
	return base[off : off+registryEntrySize]
}

// RegisterRegion binds name to key. Idempotent if name is already bound to
// key; rejected with ErrNameConflict if name is already bound to a
// different key (spec.md §4.E). pid/gid identify the caller for the
// underlying mutex's ownership tracking, matching xmutex.Mutex's Lock
// signature.
func (r *Registry) RegisterRegion(pid int32, gid uint64, name string, key Key) error {
	if len(name) > registryNameLen {
		return ErrNameTooLong
	}
	r.mu.Lock(pid, gid)
	defer r.mu.Unlock(pid, gid)

	free := -1
	for i := 0; i < r.cap; i++ {
		s := r.slot(i)
		if s[0] == 0 {
			if free < 0 {
				free = i
			}
			continue
		}
		if nameEquals(s[9:], name) {
			if existing := Key(binary.LittleEndian.Uint64(s[1:9])); existing != key {
				return ErrNameConflict
			}
			return nil
		}
	}
	if free < 0 {
		return ErrRegistryFull
	}
	s := r.slot(free)
	s[0] = 1
	binary.LittleEndian.PutUint64(s[1:9], uint64(key))
	clearName(s[9:])
	copy(s[9:], name)
	return nil
}

// Find resolves name to its registered Key. ok is false if no such name is
// registered.
func (r *Registry) Find(pid int32, gid uint64, name string) (key Key, ok bool) {
	r.mu.Lock(pid, gid)
	defer r.mu.Unlock(pid, gid)
	for i := 0; i < r.cap; i++ {
		s := r.slot(i)
		if s[0] == 0 {
			continue
		}
		if nameEquals(s[9:], name) {
			return Key(binary.LittleEndian.Uint64(s[1:9])), true
		}
	}
	return 0, false
}

// Unregister removes name's binding, if present. A no-op if name isn't
// registered.
func (r *Registry) Unregister(pid int32, gid uint64, name string) {
	r.mu.Lock(pid, gid)
	defer r.mu.Unlock(pid, gid)
	for i := 0; i < r.cap; i++ {
		s := r.slot(i)
		if s[0] != 0 && nameEquals(s[9:], name) {
			s[0] = 0
			clearName(s[9:])
			return
		}
	}
}

func nameEquals(field []byte, name string) bool {
	if len(name) > len(field) {
		return false
	}
	for i := 0; i < len(name); i++ {
		if field[i] != name[i] {
			return false
		}
	}
	for i := len(name); i < len(field); i++ {
		if field[i] != 0 {
			return false
		}
	}
	return true
}

func clearName(field []byte) {
	for i := range field {
		field[i] = 0
	}
}
