//go:build linux

package spool

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncData flushes file data (not metadata beyond size) to stable storage.
func syncData(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
