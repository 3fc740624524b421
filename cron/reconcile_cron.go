package cron

import (
	"context"
	"errors"
	"fmt"

	"vms-recorder/database"
	"vms-recorder/metrics"
	"vms-recorder/recording"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Capturer is the capture control surface the loops drive
type Capturer interface {
	Start(ctx context.Context, cameraID, sourceURL, serverID string, tuning recording.Tuning) error
	Stop(ctx context.Context, cameraID string) error
	IsActive(cameraID string) bool
}

// CameraSource lists cameras and what is needed to resolve their source URL
type CameraSource interface {
	ListCameras(ctx context.Context) ([]database.Camera, error)
	CameraStreams(ctx context.Context, cameraID string) ([]database.CameraStream, error)
	GetServer(ctx context.Context, id string) (*database.Server, error)
}

// ReconcileOptions tunes the reconciler
type ReconcileOptions struct {
	ServerID string           // only cameras of this server are managed; empty manages all
	Parallel int              // cameras handled concurrently, default 4
	Tuning   recording.Tuning // capture options applied to every camera
}

// Reconciler makes the set of running captures match each camera's
// recording mode.
type Reconciler struct {
	db   CameraSource
	sup  Capturer
	opts ReconcileOptions
	log  logrus.FieldLogger
}

// NewReconciler creates a reconciler
func NewReconciler(db CameraSource, sup Capturer, opts ReconcileOptions, log logrus.FieldLogger) *Reconciler {
	if opts.Parallel <= 0 {
		opts.Parallel = 4
	}
	return &Reconciler{
		db:   db,
		sup:  sup,
		opts: opts,
		log:  log.WithField("module", "reconciler"),
	}
}

// Run reconciles every camera against its stored recording mode
func (r *Reconciler) Run(ctx context.Context) {
	jm := metrics.NewJobMetrics("reconcile")
	defer jm.Finish(r.log)

	cameras, err := r.Cameras(ctx)
	if err != nil {
		r.log.WithError(err).Error("failed to list cameras")
		return
	}

	r.forEach(ctx, cameras, func(ctx context.Context, cam database.Camera) {
		changed, err := r.Apply(ctx, cam, cam.RecordingMode)
		if err != nil {
			jm.AddFailed(1)
			return
		}
		if changed {
			jm.AddProcessed(1)
		}
	})
}

// Cameras returns the cameras this server manages
func (r *Reconciler) Cameras(ctx context.Context) ([]database.Camera, error) {
	all, err := r.db.ListCameras(ctx)
	if err != nil {
		return nil, err
	}
	if r.opts.ServerID == "" {
		return all, nil
	}
	out := all[:0]
	for _, cam := range all {
		if cam.ServerID == "" || cam.ServerID == r.opts.ServerID {
			out = append(out, cam)
		}
	}
	return out, nil
}

// Apply starts or stops the camera's capture so it agrees with mode.
// motion_low_res and other modes that neither require nor forbid recording
// leave the current state alone. It reports whether anything changed.
func (r *Reconciler) Apply(ctx context.Context, cam database.Camera, mode database.RecordingMode) (bool, error) {
	l := r.log.WithFields(logrus.Fields{"camera_id": cam.ID, "mode": mode})
	active := r.sup.IsActive(cam.ID)

	switch {
	case mode.ShouldRecord() && !active:
		src, err := r.ResolveSource(ctx, cam)
		if err != nil {
			l.WithError(err).Warn("cannot resolve source url, will retry")
			return false, err
		}
		if src.Repaired {
			l.WithField("source", recording.RedactURL(src.URL)).Info("rebuilt source url from camera settings")
		}
		tuning := r.opts.Tuning
		tuning.StreamID = src.StreamID
		if err := r.sup.Start(ctx, cam.ID, src.URL, cam.ServerID, tuning); err != nil {
			if errors.Is(err, recording.ErrBackoff) {
				l.WithError(err).Debug("capture start deferred")
			} else {
				l.WithError(err).Error("failed to start capture")
			}
			return false, err
		}
		return true, nil

	case mode == database.ModeDoNotRecord && active:
		if err := r.sup.Stop(ctx, cam.ID); err != nil {
			l.WithError(err).Error("failed to stop capture")
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// ResolveSource loads the camera's streams and server and picks the capture URL
func (r *Reconciler) ResolveSource(ctx context.Context, cam database.Camera) (recording.Source, error) {
	streams, err := r.db.CameraStreams(ctx, cam.ID)
	if err != nil {
		return recording.Source{}, fmt.Errorf("failed to load streams: %w", err)
	}
	var server *database.Server
	if cam.ServerID != "" {
		server, err = r.db.GetServer(ctx, cam.ServerID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return recording.Source{}, fmt.Errorf("failed to load server: %w", err)
		}
	}
	return recording.ResolveSource(cam, streams, server)
}

func (r *Reconciler) forEach(ctx context.Context, cameras []database.Camera, fn func(context.Context, database.Camera)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Parallel)
	for _, cam := range cameras {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(gctx, cam)
			return nil
		})
	}
	_ = g.Wait()
}
