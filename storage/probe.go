package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrProbeTimeout is returned when a capacity query does not answer in time,
// typically a hung network mount.
var ErrProbeTimeout = errors.New("disk probe timed out")

// Usage is the capacity of the filesystem holding a path, in bytes
type Usage struct {
	Total uint64
	Free  uint64
}

// Prober reports filesystem capacity for a path
type Prober interface {
	Usage(ctx context.Context, path string) (Usage, error)
}

// DiskProbe queries the OS for filesystem capacity with a bounded wait
type DiskProbe struct {
	timeout time.Duration
	usageFn func(ctx context.Context, path string) (*disk.UsageStat, error)
}

// NewDiskProbe creates a probe; a zero timeout defaults to 3s
func NewDiskProbe(timeout time.Duration) *DiskProbe {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &DiskProbe{timeout: timeout, usageFn: disk.UsageWithContext}
}

// Usage returns total and available bytes for the filesystem of path.
// statfs on a dead NFS/SMB mount can block forever, so the call runs in its
// own goroutine and is abandoned on timeout.
func (p *DiskProbe) Usage(ctx context.Context, path string) (Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		stat *disk.UsageStat
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		stat, err := p.usageFn(ctx, path)
		ch <- result{stat, err}
	}()

	select {
	case <-ctx.Done():
		return Usage{}, fmt.Errorf("%s: %w", path, ErrProbeTimeout)
	case r := <-ch:
		if r.err != nil {
			return Usage{}, fmt.Errorf("failed to get disk usage for %s: %w", path, r.err)
		}
		return Usage{Total: r.stat.Total, Free: r.stat.Free}, nil
	}
}

// SystemPartitionDetector decides whether a path lives on the partition that
// hosts the operating system.
type SystemPartitionDetector interface {
	IsSystemPartition(ctx context.Context, path string) bool
}

// MountDetector resolves the mount point of a path from the partition table
// and compares it with the mount point of the OS root.
type MountDetector struct {
	partitionsFn func(ctx context.Context, all bool) ([]disk.PartitionStat, error)
}

// NewMountDetector creates a detector backed by gopsutil partitions
func NewMountDetector() *MountDetector {
	return &MountDetector{partitionsFn: disk.PartitionsWithContext}
}

// IsSystemPartition reports whether path shares its mount point with the OS
// root. An unknown answer is treated as not-system.
func (d *MountDetector) IsSystemPartition(ctx context.Context, path string) bool {
	parts, err := d.partitionsFn(ctx, true)
	if err != nil {
		return false
	}

	mounts := make([]string, 0, len(parts))
	for _, p := range parts {
		mounts = append(mounts, p.Mountpoint)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	root := "/"
	if runtime.GOOS == "windows" {
		root = systemDrive() + `\`
	}

	rootMount := mountPointOf(root, mounts)
	if rootMount == "" {
		return false
	}
	return mountPointOf(abs, mounts) == rootMount
}

// mountPointOf returns the longest mount point that prefixes path
func mountPointOf(path string, mounts []string) string {
	best := ""
	for _, m := range mounts {
		if !isUnder(path, m) {
			continue
		}
		if len(m) > len(best) {
			best = m
		}
	}
	return best
}

// isUnder reports whether path equals dir or lies beneath it
func isUnder(path, dir string) bool {
	if dir == "" {
		return false
	}
	if path == dir {
		return true
	}
	if strings.HasSuffix(dir, "/") || strings.HasSuffix(dir, `\`) {
		return strings.HasPrefix(path, dir)
	}
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}

func systemDrive() string {
	if d := os.Getenv("SystemDrive"); d != "" {
		return d
	}
	return "C:"
}
