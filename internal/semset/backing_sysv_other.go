//go:build !linux

package semset

import "fmt"

// On non-Linux platforms robocore supports only single-process
// (thread-group) mode; see shmseg's equivalent note.
func newBacking(multiprocess bool, key, n int) (backing, error) {
	if multiprocess {
		return nil, fmt.Errorf("semset: multiprocess semaphore sets require linux")
	}
	return newLocalBacking(n)
}

func isInterrupted(err error) bool { return false }
