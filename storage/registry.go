package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vms-recorder/database"
	"vms-recorder/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultFailureThreshold is the number of consecutive probe failures after
// which a degraded location is reported offline.
const DefaultFailureThreshold = 3

// ReservedBytes returns the floor that must stay free on a location:
// the absolute override when set, else a percentage of total capacity.
func ReservedBytes(loc database.StorageLocation, total uint64) uint64 {
	if loc.ReservedBytes != nil {
		if *loc.ReservedBytes < 0 {
			return 0
		}
		return uint64(*loc.ReservedBytes)
	}
	if loc.ReservedPercent <= 0 {
		return 0
	}
	return uint64(float64(total) * loc.ReservedPercent / 100)
}

// LocationState is the outcome of probing one location during a refresh
type LocationState struct {
	Location database.StorageLocation
	Usage    Usage
	Err      error
}

// LocationStats is the per-location summary exposed to the settings UI
type LocationStats struct {
	ID       string                  `json:"id"`
	ServerID string                  `json:"serverId"`
	Path     string                  `json:"path"`
	Enabled  bool                    `json:"enabled"`
	RWPolicy database.RWPolicy       `json:"rwPolicy"`
	Status   database.LocationStatus `json:"status"`
	Total    uint64                  `json:"totalBytes"`
	Free     uint64                  `json:"freeBytes"`
	Reserved uint64                  `json:"reservedBytes"`
	Error    string                  `json:"error,omitempty"`
}

// Registry tracks the storage locations of this server and their health
type Registry struct {
	db               database.LocationStore
	probe            Prober
	serverID         string
	defaultReserved  float64
	failureThreshold int
	log              logrus.FieldLogger
	now              func() time.Time

	mu       sync.Mutex
	failures map[string]int // consecutive probe failures per location id
}

// RegistryOptions tunes a Registry; zero values pick defaults
type RegistryOptions struct {
	ServerID               string
	DefaultReservedPercent float64
	FailureThreshold       int
}

// NewRegistry creates a registry for the locations of opts.ServerID. An empty
// ServerID makes Refresh and Stats cover every location in the catalog.
func NewRegistry(db database.LocationStore, probe Prober, opts RegistryOptions, log logrus.FieldLogger) *Registry {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.DefaultReservedPercent <= 0 {
		opts.DefaultReservedPercent = 10
	}
	return &Registry{
		db:               db,
		probe:            probe,
		serverID:         opts.ServerID,
		defaultReserved:  opts.DefaultReservedPercent,
		failureThreshold: opts.FailureThreshold,
		log:              log.WithField("module", "storage_registry"),
		now:              time.Now,
		failures:         make(map[string]int),
	}
}

// Register validates the location path, probes its capacity and persists it
func (r *Registry) Register(ctx context.Context, loc database.StorageLocation) (*database.StorageLocation, error) {
	if loc.Path == "" {
		return nil, errors.New("location path is required")
	}
	if !filepath.IsAbs(loc.Path) {
		return nil, fmt.Errorf("location path must be absolute: %s", loc.Path)
	}
	info, err := os.Stat(loc.Path)
	if err != nil {
		return nil, fmt.Errorf("path not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", loc.Path)
	}

	usage, err := r.probe.Usage(ctx, loc.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to probe capacity: %w", err)
	}

	if loc.ID == "" {
		loc.ID = uuid.New().String()
	}
	if loc.ServerID == "" {
		loc.ServerID = r.serverID
	}
	if loc.RWPolicy == "" {
		loc.RWPolicy = database.ReadWrite
	}
	if loc.ReservedBytes == nil && loc.ReservedPercent <= 0 {
		loc.ReservedPercent = r.defaultReserved
	}
	now := r.now()
	loc.TotalBytes = int64(usage.Total)
	loc.Status = database.LocationOnline
	loc.LastProbeAt = &now

	if err := r.db.CreateLocation(ctx, loc); err != nil {
		return nil, fmt.Errorf("failed to save location: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"location_id": loc.ID,
		"path":        loc.Path,
		"total":       usage.Total,
		"free":        usage.Free,
	}).Info("registered storage location")
	return &loc, nil
}

func (r *Registry) locations(ctx context.Context) ([]database.StorageLocation, error) {
	if r.serverID == "" {
		return r.db.ListLocations(ctx)
	}
	return r.db.LocationsByServer(ctx, r.serverID)
}

// Refresh re-probes every location and persists its health:
// unreadable path => error, probe failure => degraded (offline after the
// failure threshold), success => online with updated capacity.
func (r *Registry) Refresh(ctx context.Context) ([]LocationState, error) {
	locs, err := r.locations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}

	states := make([]LocationState, 0, len(locs))
	for _, loc := range locs {
		state := r.refreshOne(ctx, loc)
		states = append(states, state)
	}
	return states, nil
}

func (r *Registry) refreshOne(ctx context.Context, loc database.StorageLocation) LocationState {
	l := r.log.WithFields(logrus.Fields{"location_id": loc.ID, "path": loc.Path})
	now := r.now()

	var (
		status database.LocationStatus
		total  int64
		usage  Usage
		perr   error
	)

	if info, err := os.Stat(loc.Path); err != nil || !info.IsDir() {
		if err == nil {
			err = fmt.Errorf("not a directory")
		}
		perr = fmt.Errorf("path not readable: %w", err)
		status = database.LocationError
	} else if usage, err = r.probe.Usage(ctx, loc.Path); err != nil {
		perr = err
		status = database.LocationDegraded
		if r.recordFailure(loc.ID) >= r.failureThreshold {
			status = database.LocationOffline
		}
	} else {
		r.resetFailures(loc.ID)
		status = database.LocationOnline
		total = int64(usage.Total)
		reserved := ReservedBytes(loc, usage.Total)
		metrics.LocationFreeBytes.WithLabelValues(loc.ID).Set(float64(usage.Free))
		metrics.LocationReservedBytes.WithLabelValues(loc.ID).Set(float64(reserved))
	}

	if status != loc.Status {
		entry := l.WithFields(logrus.Fields{"from": loc.Status, "to": status})
		if perr != nil {
			entry.WithError(perr).Warn("storage location health changed")
		} else {
			entry.Info("storage location health changed")
		}
	} else if perr != nil {
		l.WithError(perr).Debug("storage location probe failed")
	}

	if err := r.db.UpdateLocationHealth(ctx, loc.ID, status, total, now); err != nil {
		l.WithError(err).Error("failed to persist location health")
	}

	loc.Status = status
	loc.LastProbeAt = &now
	if total > 0 {
		loc.TotalBytes = total
	}
	return LocationState{Location: loc, Usage: usage, Err: perr}
}

func (r *Registry) recordFailure(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[id]++
	return r.failures[id]
}

func (r *Registry) resetFailures(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, id)
}

// Stats returns live free/total/reserved figures per location
func (r *Registry) Stats(ctx context.Context) ([]LocationStats, error) {
	locs, err := r.locations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}

	stats := make([]LocationStats, 0, len(locs))
	for _, loc := range locs {
		s := LocationStats{
			ID:       loc.ID,
			ServerID: loc.ServerID,
			Path:     loc.Path,
			Enabled:  loc.Enabled,
			RWPolicy: loc.RWPolicy,
			Status:   loc.Status,
			Total:    uint64(loc.TotalBytes),
		}
		usage, err := r.probe.Usage(ctx, loc.Path)
		if err != nil {
			s.Error = err.Error()
		} else {
			s.Total = usage.Total
			s.Free = usage.Free
		}
		s.Reserved = ReservedBytes(loc, s.Total)
		stats = append(stats, s)
	}
	return stats, nil
}

// SetEnabled toggles a location in or out of allocation
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := r.db.SetLocationEnabled(ctx, id, enabled); err != nil {
		return fmt.Errorf("failed to update location: %w", err)
	}
	r.log.WithFields(logrus.Fields{"location_id": id, "enabled": enabled}).Info("storage location toggled")
	return nil
}
