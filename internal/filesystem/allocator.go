// Package filesystem implements the Assembler's disk preflight: free-space
// checking and pre-allocation, per spec.md section 4.8.
package filesystem

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"tachyon-dl/internal/errkind"
)

// DiskSpaceBuffer is reserved headroom beyond the required size, so the
// preflight check fails before the filesystem itself would.
const DiskSpaceBuffer = 100 * 1024 * 1024

// Allocator pre-allocates the staging file and checks free disk space
// before a download begins writing chunks.
type Allocator struct{}

// NewAllocator creates an Allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// AllocateFile checks that enough free space exists for size bytes at
// path's volume, then truncates path to size so later chunk writes never
// fail on fragmentation or late disk-full errors.
func (a *Allocator) AllocateFile(path string, size int64) error {
	if err := a.CheckDiskSpace(path, size); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return errkind.New(errkind.Disk, fmt.Errorf("open file for allocation: %w", err))
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return errkind.New(errkind.Disk, fmt.Errorf("pre-allocate space: %w", err))
	}

	return nil
}

// CheckDiskSpace reports an error if the volume containing path does not
// have at least required+DiskSpaceBuffer bytes free.
func (a *Allocator) CheckDiskSpace(path string, required int64) error {
	dir := filepath.Dir(path)

	usage, err := disk.Usage(dir)
	if err != nil {
		return errkind.New(errkind.Disk, fmt.Errorf("check disk space: %w", err))
	}

	if int64(usage.Free) < required+DiskSpaceBuffer {
		return errkind.New(errkind.Disk, fmt.Errorf("disk full: required %d bytes, available %d bytes", required, usage.Free))
	}

	return nil
}
