package cron

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"vms-recorder/database"
	"vms-recorder/metrics"
	"vms-recorder/storage"

	"github.com/sirupsen/logrus"
)

// LocationRefresher re-probes the storage locations of this server
type LocationRefresher interface {
	Refresh(ctx context.Context) ([]storage.LocationState, error)
}

// RecycleStore finds recycling candidates
type RecycleStore interface {
	OldestSegmentsUnderPath(ctx context.Context, root string, limit int) ([]database.RecordingSegment, error)
}

// Watchdog refreshes storage health and recycles the oldest footage of any
// location whose free space has fallen to its reserve.
type Watchdog struct {
	registry LocationRefresher
	db       RecycleStore
	deleter  *SegmentDeleter
	batch    int
	log      logrus.FieldLogger
}

// NewWatchdog creates a watchdog recycling up to batch segments per location per pass
func NewWatchdog(registry LocationRefresher, db RecycleStore, deleter *SegmentDeleter, batch int, log logrus.FieldLogger) *Watchdog {
	if batch <= 0 {
		batch = 50
	}
	return &Watchdog{
		registry: registry,
		db:       db,
		deleter:  deleter,
		batch:    batch,
		log:      log.WithField("module", "storage_watchdog"),
	}
}

// Run performs one health check and recycling pass
func (w *Watchdog) Run(ctx context.Context) {
	jm := metrics.NewJobMetrics("watchdog")
	defer jm.Finish(w.log)

	states, err := w.registry.Refresh(ctx)
	if err != nil {
		w.log.WithError(err).Error("failed to refresh storage locations")
		return
	}

	for _, st := range states {
		if ctx.Err() != nil {
			return
		}
		if st.Err != nil || st.Location.Status != database.LocationOnline || !st.Location.Enabled {
			continue
		}

		reserved := storage.ReservedBytes(st.Location, st.Usage.Total)
		if st.Usage.Free > reserved {
			continue
		}
		deleted, failed := w.Recycle(ctx, st.Location, st.Usage, reserved)
		jm.AddProcessed(deleted)
		jm.AddFailed(failed)
	}
}

// Recycle deletes the oldest non-archived segments stored under loc, across
// all cameras, up to the batch size.
func (w *Watchdog) Recycle(ctx context.Context, loc database.StorageLocation, usage storage.Usage, reserved uint64) (deleted, failed int) {
	l := w.log.WithFields(logrus.Fields{
		"location_id": loc.ID,
		"path":        loc.Path,
		"free":        usage.Free,
		"reserved":    reserved,
	})
	metrics.RecycleTriggered.WithLabelValues(loc.ID).Inc()

	segs, err := w.db.OldestSegmentsUnderPath(ctx, pathPrefix(loc.Path), w.batch)
	if err != nil {
		l.WithError(err).Error("failed to query recycling candidates")
		return 0, 1
	}
	if len(segs) == 0 {
		metrics.RecycleImpossible.WithLabelValues(loc.ID).Inc()
		l.WithField("critical", true).Error("storage location is full and has no recyclable segments")
		return 0, 0
	}

	for _, seg := range segs {
		ok, err := w.deleter.Delete(ctx, seg.ID, ReasonRecycle)
		if err != nil {
			l.WithError(err).WithField("segment_id", seg.ID).Warn("failed to recycle segment")
			failed++
			continue
		}
		if ok {
			deleted++
		}
	}

	l.WithField("deleted", deleted).Warn("recycled oldest segments to free space")
	return deleted, failed
}

// pathPrefix returns root with exactly one trailing separator so a prefix
// match on /mnt/a never selects files under /mnt/ab.
func pathPrefix(root string) string {
	root = filepath.Clean(root)
	if strings.HasSuffix(root, string(os.PathSeparator)) {
		return root
	}
	return root + string(os.PathSeparator)
}
