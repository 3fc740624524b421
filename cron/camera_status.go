package cron

import (
	"context"
	"errors"

	"vms-recorder/database"
	"vms-recorder/metrics"
	"vms-recorder/recording"

	"github.com/sirupsen/logrus"
)

// StatusWriter persists camera reachability
type StatusWriter interface {
	UpdateCameraStatus(ctx context.Context, id string, status database.CameraStatus) error
}

// CameraStatusMonitor probes every camera's source and keeps its status in
// line with reachability. It never starts or stops capture.
type CameraStatusMonitor struct {
	reconciler *Reconciler
	db         StatusWriter
	prober     recording.StreamProber
	active     interface{ IsActive(cameraID string) bool }
	log        logrus.FieldLogger
}

// NewCameraStatusMonitor creates a monitor. The reconciler is only used to
// list cameras and resolve their source URLs.
func NewCameraStatusMonitor(reconciler *Reconciler, db StatusWriter, prober recording.StreamProber, active interface{ IsActive(string) bool }, log logrus.FieldLogger) *CameraStatusMonitor {
	return &CameraStatusMonitor{
		reconciler: reconciler,
		db:         db,
		prober:     prober,
		active:     active,
		log:        log.WithField("module", "camera_status"),
	}
}

// Run checks every camera once
func (m *CameraStatusMonitor) Run(ctx context.Context) {
	jm := metrics.NewJobMetrics("camera_status")
	defer jm.Finish(m.log)

	cameras, err := m.reconciler.Cameras(ctx)
	if err != nil {
		m.log.WithError(err).Error("failed to list cameras")
		return
	}

	m.reconciler.forEach(ctx, cameras, func(ctx context.Context, cam database.Camera) {
		changed, err := m.Check(ctx, cam)
		if err != nil {
			jm.AddFailed(1)
			return
		}
		if changed {
			jm.AddProcessed(1)
		}
	})
}

// Check probes one camera and updates its status when reachability flipped.
// Cameras without a resolvable source URL are skipped.
func (m *CameraStatusMonitor) Check(ctx context.Context, cam database.Camera) (bool, error) {
	l := m.log.WithField("camera_id", cam.ID)

	src, err := m.reconciler.ResolveSource(ctx, cam)
	if errors.Is(err, recording.ErrNoSourceURL) {
		return false, nil
	}
	if err != nil {
		l.WithError(err).Warn("failed to resolve source url")
		return false, err
	}

	next := cam.Status
	perr := m.prober.Probe(ctx, src.URL)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if perr != nil {
		metrics.CameraProbeFailures.WithLabelValues(cam.ID).Inc()
		if cam.Status == database.CameraOnline || cam.Status == database.CameraRecording {
			next = database.CameraOffline
		}
	} else if cam.Status == database.CameraOffline || cam.Status == database.CameraError {
		next = database.CameraOnline
		if m.active.IsActive(cam.ID) {
			next = database.CameraRecording
		}
	}

	if next == cam.Status {
		if perr != nil {
			l.WithError(perr).Debug("camera still unreachable")
		}
		return false, nil
	}

	if err := m.db.UpdateCameraStatus(ctx, cam.ID, next); err != nil {
		l.WithError(err).Error("failed to update camera status")
		return false, err
	}

	entry := l.WithFields(logrus.Fields{"from": cam.Status, "to": next})
	if perr != nil {
		entry.WithError(perr).Warn("camera became unreachable")
	} else {
		entry.Info("camera is reachable again")
	}
	return true, nil
}
