package cron

import (
	"context"
	"errors"
	"os"
	"time"

	"vms-recorder/database"
	"vms-recorder/metrics"
	"vms-recorder/storage"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// IntegrityStore is the part of the catalog the auditor works on
type IntegrityStore interface {
	SegmentsMissingChecksum(ctx context.Context, limit int) ([]database.RecordingSegment, error)
	SegmentsForVerification(ctx context.Context, limit int) ([]database.RecordingSegment, error)
	SetChecksum(ctx context.Context, id, checksum string) error
	MarkVerified(ctx context.Context, id string, at time.Time) error
	MarkAuditAttempt(ctx context.Context, id string, at time.Time) error
}

// IntegrityOptions sizes the auditor's passes
type IntegrityOptions struct {
	BackfillBatch int // default 100
	VerifyBatch   int // default 500
	Workers       int // concurrent hashes, default 2
}

// IntegrityAuditor fills in missing checksums and periodically re-hashes
// stored segments to detect silent corruption. It never repairs anything.
type IntegrityAuditor struct {
	db       IntegrityStore
	opts     IntegrityOptions
	log      logrus.FieldLogger
	now      func() time.Time
	checksum func(ctx context.Context, path string) (string, error)
}

// NewIntegrityAuditor creates an auditor
func NewIntegrityAuditor(db IntegrityStore, opts IntegrityOptions, log logrus.FieldLogger) *IntegrityAuditor {
	if opts.BackfillBatch <= 0 {
		opts.BackfillBatch = 100
	}
	if opts.VerifyBatch <= 0 {
		opts.VerifyBatch = 500
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	return &IntegrityAuditor{
		db:       db,
		opts:     opts,
		log:      log.WithField("module", "integrity_auditor"),
		now:      time.Now,
		checksum: storage.FileChecksum,
	}
}

// Backfill computes checksums for segments that have none
func (a *IntegrityAuditor) Backfill(ctx context.Context) {
	jm := metrics.NewJobMetrics("checksum_backfill")
	defer jm.Finish(a.log)

	segs, err := a.db.SegmentsMissingChecksum(ctx, a.opts.BackfillBatch)
	if err != nil {
		a.log.WithError(err).Error("failed to query segments without checksum")
		return
	}

	a.each(ctx, segs, func(ctx context.Context, seg database.RecordingSegment) {
		l := a.log.WithFields(logrus.Fields{"segment_id": seg.ID, "file": seg.FilePath})
		sum, err := a.checksum(ctx, seg.FilePath)
		if err != nil {
			if ctx.Err() == nil {
				l.WithError(err).Warn("failed to hash segment")
				jm.AddFailed(1)
				a.markAttempt(ctx, l, seg.ID)
			}
			return
		}
		if err := a.db.SetChecksum(ctx, seg.ID, sum); err != nil {
			if !errors.Is(err, database.ErrNotFound) {
				l.WithError(err).Error("failed to store checksum")
				jm.AddFailed(1)
			}
			return
		}
		metrics.ChecksumsComputed.Inc()
		jm.AddProcessed(1)
	})
}

// Verify re-hashes the least recently verified segments and compares
func (a *IntegrityAuditor) Verify(ctx context.Context) {
	jm := metrics.NewJobMetrics("checksum_verify")
	defer jm.Finish(a.log)

	segs, err := a.db.SegmentsForVerification(ctx, a.opts.VerifyBatch)
	if err != nil {
		a.log.WithError(err).Error("failed to query segments for verification")
		return
	}

	a.each(ctx, segs, func(ctx context.Context, seg database.RecordingSegment) {
		if seg.Checksum == nil {
			return
		}
		l := a.log.WithFields(logrus.Fields{
			"segment_id": seg.ID,
			"camera_id":  seg.CameraID,
			"file":       seg.FilePath,
		})

		sum, err := a.checksum(ctx, seg.FilePath)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if os.IsNotExist(err) {
				l.Warn("segment file missing during verification")
			} else {
				l.WithError(err).Warn("segment file unreadable during verification")
			}
			jm.AddFailed(1)
			a.markAttempt(ctx, l, seg.ID)
			return
		}

		if sum != *seg.Checksum {
			metrics.ChecksumMismatches.Inc()
			l.WithFields(logrus.Fields{
				"critical": true,
				"expected": *seg.Checksum,
				"actual":   sum,
			}).Error("segment checksum mismatch, file is corrupted")
			jm.AddFailed(1)
			a.markAttempt(ctx, l, seg.ID)
			return
		}

		if err := a.db.MarkVerified(ctx, seg.ID, a.now()); err != nil && !errors.Is(err, database.ErrNotFound) {
			l.WithError(err).Error("failed to record verification")
		}
		jm.AddProcessed(1)
	})
}

// markAttempt moves a segment that failed to hash or verify behind the
// segments not tried yet.
func (a *IntegrityAuditor) markAttempt(ctx context.Context, l logrus.FieldLogger, id string) {
	if err := a.db.MarkAuditAttempt(ctx, id, a.now()); err != nil && !errors.Is(err, database.ErrNotFound) {
		l.WithError(err).Error("failed to record audit attempt")
	}
}

// each runs fn over segs on a bounded worker pool
func (a *IntegrityAuditor) each(ctx context.Context, segs []database.RecordingSegment, fn func(context.Context, database.RecordingSegment)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Workers)
	for _, seg := range segs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(gctx, seg)
			return nil
		})
	}
	_ = g.Wait()
}
