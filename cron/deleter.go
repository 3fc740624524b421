package cron

import (
	"context"
	"errors"
	"fmt"
	"os"

	"vms-recorder/database"
	"vms-recorder/metrics"
	"vms-recorder/recording"

	"github.com/sirupsen/logrus"
)

// Reasons recorded when a segment is removed
const (
	ReasonRetention = "retention"
	ReasonRecycle   = "recycle"
)

// SegmentRemover is the part of the catalog the deleter needs
type SegmentRemover interface {
	GetSegment(ctx context.Context, id string) (*database.RecordingSegment, error)
	DeleteSegment(ctx context.Context, id string) (bool, error)
}

// SegmentDeleter removes a segment's file, thumbnail and catalog row. The
// retention reaper and the recycler share one deleter so a segment is only
// ever deleted once.
type SegmentDeleter struct {
	db    SegmentRemover
	locks *recording.KeyedMutex
	log   logrus.FieldLogger
}

// NewSegmentDeleter creates a deleter
func NewSegmentDeleter(db SegmentRemover, log logrus.FieldLogger) *SegmentDeleter {
	return &SegmentDeleter{
		db:    db,
		locks: recording.NewKeyedMutex(),
		log:   log.WithField("module", "segment_deleter"),
	}
}

// Delete removes the segment with the given id. It reports false when the
// segment was already gone or was archived in the meantime.
func (d *SegmentDeleter) Delete(ctx context.Context, id, reason string) (bool, error) {
	unlock := d.locks.Lock(id)
	defer unlock()

	seg, err := d.db.GetSegment(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load segment: %w", err)
	}
	if seg.Archived {
		return false, nil
	}

	l := d.log.WithFields(logrus.Fields{
		"segment_id": seg.ID,
		"camera_id":  seg.CameraID,
		"reason":     reason,
	})

	if err := os.Remove(seg.FilePath); err != nil && !os.IsNotExist(err) {
		l.WithError(err).WithField("file", seg.FilePath).Warn("failed to remove segment file")
	}
	if seg.ThumbnailPath != "" {
		if err := os.Remove(seg.ThumbnailPath); err != nil && !os.IsNotExist(err) {
			l.WithError(err).Debug("failed to remove thumbnail")
		}
	}

	removed, err := d.db.DeleteSegment(ctx, seg.ID)
	if err != nil {
		return false, fmt.Errorf("failed to delete segment row: %w", err)
	}
	if removed {
		metrics.SegmentsDeleted.WithLabelValues(reason).Inc()
		l.WithField("file", seg.FilePath).Debug("segment deleted")
	}
	return removed, nil
}
