package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vms-recorder/database"

	"github.com/sirupsen/logrus"
)

// ErrNoCandidate means no configured location could take new footage
var ErrNoCandidate = errors.New("no writable storage location")

// Allocation is where a capture should write its segments
type Allocation struct {
	Dir        string // hour directory, already created
	Root       string // storage root that Dir lives under
	LocationID string // empty when the default path was used
}

// Allocator picks the storage location for a new capture
type Allocator struct {
	db          database.LocationStore
	probe       Prober
	system      SystemPartitionDetector
	defaultPath string
	log         logrus.FieldLogger
	now         func() time.Time
}

// NewAllocator creates an allocator falling back to defaultPath
func NewAllocator(db database.LocationStore, probe Prober, system SystemPartitionDetector, defaultPath string, log logrus.FieldLogger) *Allocator {
	return &Allocator{
		db:          db,
		probe:       probe,
		system:      system,
		defaultPath: defaultPath,
		log:         log.WithField("module", "storage_allocator"),
		now:         time.Now,
	}
}

// SelectLocation chooses the location with the most usable space on the
// server and creates the camera's current hour directory there.
//
// Candidates are enabled read_write locations that are online. Locations
// off the system partition win whenever one exists. Usable space is free
// minus reserved; a failed probe removes the candidate. With no candidate,
// or every probe failing, the default path is used.
func (a *Allocator) SelectLocation(ctx context.Context, cameraID, serverID string) (Allocation, error) {
	root, locationID, err := a.pickRoot(ctx, serverID)
	if err != nil {
		a.log.WithError(err).WithField("camera_id", cameraID).Warn("falling back to default storage path")
		root, locationID = a.defaultPath, ""
	}

	dir := HourDir(root, cameraID, a.now())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Allocation{}, fmt.Errorf("failed to create recording directory: %w", err)
	}

	return Allocation{Dir: dir, Root: root, LocationID: locationID}, nil
}

func (a *Allocator) pickRoot(ctx context.Context, serverID string) (string, string, error) {
	locs, err := a.db.LocationsByServer(ctx, serverID)
	if err != nil {
		return "", "", fmt.Errorf("failed to list locations: %w", err)
	}

	var candidates []database.StorageLocation
	for _, loc := range locs {
		if loc.Writable() {
			candidates = append(candidates, loc)
		}
	}
	if len(candidates) == 0 {
		return "", "", ErrNoCandidate
	}

	var external []database.StorageLocation
	for _, loc := range candidates {
		if !a.system.IsSystemPartition(ctx, loc.Path) {
			external = append(external, loc)
		}
	}
	if len(external) > 0 {
		candidates = external
	}

	var (
		best      *database.StorageLocation
		bestScore int64
	)
	for i := range candidates {
		loc := candidates[i]
		usage, err := a.probe.Usage(ctx, loc.Path)
		if err != nil {
			a.log.WithError(err).WithField("location_id", loc.ID).Warn("skipping location, probe failed")
			continue
		}
		score := int64(usage.Free) - int64(ReservedBytes(loc, usage.Total))
		if best == nil || score > bestScore {
			best = &candidates[i]
			bestScore = score
		}
	}
	if best == nil {
		return "", "", fmt.Errorf("all candidate probes failed: %w", ErrNoCandidate)
	}
	return best.Path, best.ID, nil
}

// HourDir returns {root}/{cameraID}/YYYY/MM/DD/HH for t in UTC
func HourDir(root, cameraID string, t time.Time) string {
	t = t.UTC()
	return filepath.Join(root, cameraID,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		fmt.Sprintf("%02d", t.Day()),
		fmt.Sprintf("%02d", t.Hour()),
	)
}
