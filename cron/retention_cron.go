package cron

import (
	"context"
	"time"

	"vms-recorder/database"
	"vms-recorder/metrics"

	"github.com/sirupsen/logrus"
)

// RetentionStore is what the retention reaper reads
type RetentionStore interface {
	ListCameras(ctx context.Context) ([]database.Camera, error)
	ExpiredSegments(ctx context.Context, cameraID string, cutoff time.Time, limit int) ([]database.RecordingSegment, error)
}

// RetentionReaper deletes segments older than their camera's retention
// window. Archived segments are never touched.
type RetentionReaper struct {
	db      RetentionStore
	deleter *SegmentDeleter
	batch   int
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewRetentionReaper creates a reaper that deletes in batches of batch rows
func NewRetentionReaper(db RetentionStore, deleter *SegmentDeleter, batch int, log logrus.FieldLogger) *RetentionReaper {
	if batch <= 0 {
		batch = 500
	}
	return &RetentionReaper{
		db:      db,
		deleter: deleter,
		batch:   batch,
		log:     log.WithField("module", "retention_reaper"),
		now:     time.Now,
	}
}

// Run performs one retention pass over every camera
func (r *RetentionReaper) Run(ctx context.Context) {
	jm := metrics.NewJobMetrics("retention")
	defer jm.Finish(r.log)

	cameras, err := r.db.ListCameras(ctx)
	if err != nil {
		r.log.WithError(err).Error("failed to list cameras")
		return
	}

	for _, cam := range cameras {
		if ctx.Err() != nil {
			return
		}
		if cam.RetentionDays <= 0 {
			continue
		}
		deleted, failed := r.reapCamera(ctx, cam)
		jm.AddProcessed(deleted)
		jm.AddFailed(failed)
	}
}

func (r *RetentionReaper) reapCamera(ctx context.Context, cam database.Camera) (deleted, failed int) {
	cutoff := r.now().AddDate(0, 0, -cam.RetentionDays)
	l := r.log.WithFields(logrus.Fields{"camera_id": cam.ID, "cutoff": cutoff.UTC().Format(time.RFC3339)})

	for ctx.Err() == nil {
		segs, err := r.db.ExpiredSegments(ctx, cam.ID, cutoff, r.batch)
		if err != nil {
			l.WithError(err).Error("failed to query expired segments")
			return deleted, failed + 1
		}

		progress := 0
		for _, seg := range segs {
			ok, err := r.deleter.Delete(ctx, seg.ID, ReasonRetention)
			if err != nil {
				l.WithError(err).WithField("segment_id", seg.ID).Warn("failed to delete expired segment")
				failed++
				continue
			}
			if ok {
				progress++
			}
		}
		deleted += progress

		if len(segs) < r.batch || progress == 0 {
			break
		}
	}

	if deleted > 0 {
		l.WithField("deleted", deleted).Info("expired segments removed")
	}
	return deleted, failed
}
