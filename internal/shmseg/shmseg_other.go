//go:build !linux

package shmseg

import "fmt"

// Non-Linux platforms (darwin, windows, ...) do not get SysV shm bindings
// from golang.org/x/sys/unix in this build; robocore's multiprocess mode is
// Linux-only per spec.md §6 ("Shared regions on POSIX systems..."), matching
// the original Tekkotsu build's own Aperios/Linux split.
func createOrAttachNamed(key, size int, create bool) (*Segment, error) {
	return nil, fmt.Errorf("shmseg: named (multiprocess) segments require linux, got GOOS build")
}

func destroyNamed(id int) error { return nil }

func detachNamed(b []byte) error { return nil }
