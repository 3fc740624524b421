package cron

import (
	"context"
	"errors"
	"time"

	"vms-recorder/database"
	"vms-recorder/metrics"

	"github.com/sirupsen/logrus"
)

// ScheduleReader reads and updates the weekly recording grid
type ScheduleReader interface {
	HasSchedule(ctx context.Context, cameraID string) (bool, error)
	GetScheduleEntry(ctx context.Context, cameraID string, day time.Weekday, hour int) (*database.ScheduleEntry, error)
	UpdateCameraMode(ctx context.Context, id string, mode database.RecordingMode) error
}

// ScheduleEvaluator applies each camera's weekly recording grid. A camera
// with a grid gets the mode of the current cell, or always when the cell is
// empty. A camera without any grid keeps its manually set mode.
type ScheduleEvaluator struct {
	db         ScheduleReader
	reconciler *Reconciler
	log        logrus.FieldLogger
	now        func() time.Time
}

// NewScheduleEvaluator creates an evaluator that acts through reconciler
func NewScheduleEvaluator(db ScheduleReader, reconciler *Reconciler, log logrus.FieldLogger) *ScheduleEvaluator {
	return &ScheduleEvaluator{
		db:         db,
		reconciler: reconciler,
		log:        log.WithField("module", "schedule_evaluator"),
		now:        time.Now,
	}
}

// Run evaluates the grid of every camera for the current hour
func (e *ScheduleEvaluator) Run(ctx context.Context) {
	jm := metrics.NewJobMetrics("schedule")
	defer jm.Finish(e.log)

	cameras, err := e.reconciler.Cameras(ctx)
	if err != nil {
		e.log.WithError(err).Error("failed to list cameras")
		return
	}

	now := e.now()
	e.reconciler.forEach(ctx, cameras, func(ctx context.Context, cam database.Camera) {
		mode, scheduled, err := e.Resolve(ctx, cam.ID, now)
		if err != nil {
			e.log.WithError(err).WithField("camera_id", cam.ID).Error("failed to evaluate schedule")
			jm.AddFailed(1)
			return
		}
		if !scheduled {
			return
		}

		if mode != cam.RecordingMode {
			if err := e.db.UpdateCameraMode(ctx, cam.ID, mode); err != nil {
				e.log.WithError(err).WithField("camera_id", cam.ID).Error("failed to persist scheduled mode")
				jm.AddFailed(1)
				return
			}
			e.log.WithFields(logrus.Fields{
				"camera_id": cam.ID,
				"from":      cam.RecordingMode,
				"to":        mode,
			}).Info("recording mode changed by schedule")
			cam.RecordingMode = mode
		}

		changed, err := e.reconciler.Apply(ctx, cam, mode)
		if err != nil {
			jm.AddFailed(1)
			return
		}
		if changed {
			jm.AddProcessed(1)
		}
	})
}

// Resolve returns the mode the grid prescribes for the camera at t. scheduled
// is false when the camera has no grid at all.
func (e *ScheduleEvaluator) Resolve(ctx context.Context, cameraID string, t time.Time) (mode database.RecordingMode, scheduled bool, err error) {
	has, err := e.db.HasSchedule(ctx, cameraID)
	if err != nil || !has {
		return "", false, err
	}

	entry, err := e.db.GetScheduleEntry(ctx, cameraID, t.Weekday(), t.Hour())
	if errors.Is(err, database.ErrNotFound) {
		return database.ModeAlways, true, nil
	}
	if err != nil {
		return "", false, err
	}
	return entry.Mode, true, nil
}
