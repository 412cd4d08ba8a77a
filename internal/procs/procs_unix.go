//go:build !windows

package procs

import (
	"errors"

	"golang.org/x/sys/unix"
)

func alive(pid int) bool {
	// Signal 0 tests existence without delivering anything.
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
