//go:build linux

package semset

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// sysvBacking drives a real SysV semaphore set via golang.org/x/sys/unix,
// giving the multi-op primitives (testZero_add, etc.) true kernel-level
// atomicity across processes: each is a single unix.Semop call with
// multiple Sembuf entries, which the kernel applies as one operation or
// not at all.
type sysvBacking struct {
	id int
}

func newBacking(multiprocess bool, key, n int) (backing, error) {
	if !multiprocess {
		return newLocalBacking(n)
	}
	flags := unix.IPC_CREAT | 0o600
	id, err := unix.Semget(key, n, flags)
	if err != nil {
		return nil, fmt.Errorf("semset: semget key=%d n=%d: %w", key, n, err)
	}
	return &sysvBacking{id: id}, nil
}

func (s *sysvBacking) raise(num, x int) error {
	ops := []unix.Sembuf{{SemNum: uint16(num), SemOp: int16(x), SemFlg: 0}}
	return unix.Semop(s.id, ops)
}

func (s *sysvBacking) lower(num, x int, blocking bool) (bool, error) {
	flg := int16(0)
	if !blocking {
		flg = unix.IPC_NOWAIT
	}
	ops := []unix.Sembuf{{SemNum: uint16(num), SemOp: -int16(x), SemFlg: flg}}
	err := unix.Semop(s.id, ops)
	if err != nil {
		if !blocking && errors.Is(err, unix.EAGAIN) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *sysvBacking) set(num, v int) error {
	_, err := unix.SemctlInt(s.id, num, unix.SETVAL, v)
	return err
}

func (s *sysvBacking) get(num int) (int, error) {
	return unix.SemctlInt(s.id, num, unix.GETVAL)
}

func (s *sysvBacking) testZero(num int, blocking bool) (bool, error) {
	flg := int16(0)
	if !blocking {
		flg = unix.IPC_NOWAIT
	}
	ops := []unix.Sembuf{{SemNum: uint16(num), SemOp: 0, SemFlg: flg}}
	err := unix.Semop(s.id, ops)
	if err != nil {
		if !blocking && errors.Is(err, unix.EAGAIN) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *sysvBacking) testZeroAdd(num, x int, blocking bool) (bool, error) {
	flg := int16(0)
	if !blocking {
		flg = unix.IPC_NOWAIT
	}
	ops := []unix.Sembuf{
		{SemNum: uint16(num), SemOp: 0, SemFlg: flg},
		{SemNum: uint16(num), SemOp: int16(x), SemFlg: 0},
	}
	return s.execBatch(ops, blocking)
}

func (s *sysvBacking) addTestZero(num, x int, blocking bool) (bool, error) {
	flg := int16(0)
	if !blocking {
		flg = unix.IPC_NOWAIT
	}
	ops := []unix.Sembuf{
		{SemNum: uint16(num), SemOp: int16(x), SemFlg: 0},
		{SemNum: uint16(num), SemOp: 0, SemFlg: flg},
	}
	return s.execBatch(ops, blocking)
}

func (s *sysvBacking) addTestZeroAdd(num, x1, x2 int, blocking bool) (bool, error) {
	flg := int16(0)
	if !blocking {
		flg = unix.IPC_NOWAIT
	}
	ops := []unix.Sembuf{
		{SemNum: uint16(num), SemOp: int16(x1), SemFlg: 0},
		{SemNum: uint16(num), SemOp: 0, SemFlg: flg},
		{SemNum: uint16(num), SemOp: int16(x2), SemFlg: 0},
	}
	return s.execBatch(ops, blocking)
}

func (s *sysvBacking) execBatch(ops []unix.Sembuf, blocking bool) (bool, error) {
	err := unix.Semop(s.id, ops)
	if err != nil {
		if !blocking && errors.Is(err, unix.EAGAIN) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *sysvBacking) destroy() error {
	_, err := unix.SemctlInt(s.id, 0, unix.IPC_RMID)
	return err
}

func isInterrupted(err error) bool {
	return errors.Is(err, unix.EINTR)
}
