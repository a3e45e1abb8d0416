// Package shmseg is the lowest layer of the shared-memory stack: it hands
// out a contiguous, page-backed byte slice that is either process-local
// (single-process/thread-group mode) or a real SysV shared-memory segment
// addressable by key (multiprocess mode, golang.org/x/sys/unix). Both
// internal/semset (its allocation bitmap) and internal/region (region
// backing bytes) are built on this, so it intentionally has no dependency
// on either — avoiding the cycle semset->region->semset that a naive
// layering would introduce (region's registry mutex is itself backed by a
// semset counter).
package shmseg

import "fmt"

// Segment is a byte-addressable block of memory, shared across processes
// when backed by a named (keyed) segment, or merely shared across
// goroutines within one process when anonymous.
type Segment struct {
	Bytes []byte
	Named bool
	Key   int
	id    int // OS-assigned shm id, named segments only
}

// CreateAnon allocates a zeroed, process-local segment of the given size.
// Valid only in single-process (thread-group) mode, where "sharing" simply
// means every logical process is a goroutine with access to the same Go
// heap — no OS-level primitive is needed.
func CreateAnon(size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shmseg: size must be positive, got %d", size)
	}
	return &Segment{Bytes: make([]byte, size)}, nil
}

// CreateNamed allocates (or, if it already exists, attaches to) a SysV
// shared-memory segment identified by key, sized for at least size bytes.
// Used in multiprocess mode, where logical processes are separate OS
// processes launched via os/exec rather than fork (see DESIGN.md —
// the Go runtime does not support fork() safely once multiple OS threads
// are running, so robocore spawns peers with `-process=<name> -shm-key=N`
// instead of raw fork+COW).
func CreateNamed(key, size int) (*Segment, error) {
	return createOrAttachNamed(key, size, true)
}

// AttachNamed attaches to a previously-created named segment. Fails if it
// does not already exist.
func AttachNamed(key, size int) (*Segment, error) {
	return createOrAttachNamed(key, size, false)
}

// Destroy marks a named segment for removal once all attachers detach
// (SysV IPC_RMID semantics). It is a no-op for anonymous segments.
func (s *Segment) Destroy() error {
	if !s.Named {
		return nil
	}
	return destroyNamed(s.id)
}

// Detach releases this process's mapping of a named segment. A no-op for
// anonymous segments (there is nothing to detach — the Go GC owns it).
func (s *Segment) Detach() error {
	if !s.Named {
		return nil
	}
	return detachNamed(s.Bytes)
}
