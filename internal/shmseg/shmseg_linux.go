//go:build linux

package shmseg

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func createOrAttachNamed(key, size int, create bool) (*Segment, error) {
	flags := 0o600
	if create {
		flags |= unix.IPC_CREAT
	}
	id, err := unix.SysvShmGet(key, size, flags)
	if err != nil {
		return nil, fmt.Errorf("shmseg: shmget key=%d size=%d: %w", key, size, err)
	}
	b, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("shmseg: shmat id=%d: %w", id, err)
	}
	return &Segment{Bytes: b, Named: true, Key: key, id: id}, nil
}

func destroyNamed(id int) error {
	_, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil)
	if err != nil {
		return fmt.Errorf("shmseg: shmctl IPC_RMID id=%d: %w", id, err)
	}
	return nil
}

func detachNamed(b []byte) error {
	if err := unix.SysvShmDetach(b); err != nil {
		return fmt.Errorf("shmseg: shmdt: %w", err)
	}
	return nil
}
