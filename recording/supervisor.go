package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"vms-recorder/database"
	"vms-recorder/metrics"
	"vms-recorder/storage"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoSourceURL means no usable capture URL could be resolved for a camera
	ErrNoSourceURL = errors.New("no source url")
	// ErrBackoff means the camera crashed recently and may not be restarted yet
	ErrBackoff = errors.New("capture restart backing off")
	// ErrAlreadyActive is reported when a capture is already running
	ErrAlreadyActive = errors.New("capture already active")
)

// State is the lifecycle phase of a camera's capture
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
)

// Allocator chooses the directory a new capture writes to
type Allocator interface {
	SelectLocation(ctx context.Context, cameraID, serverID string) (storage.Allocation, error)
}

// Catalog is what the supervisor and its indexers persist
type Catalog interface {
	SegmentCreator
	UpdateCameraStatus(ctx context.Context, id string, status database.CameraStatus) error
	TransitionCameraStatus(ctx context.Context, id string, from, to database.CameraStatus) (bool, error)
}

// SupervisorConfig tunes capture lifecycle timing
type SupervisorConfig struct {
	StopGrace       time.Duration // wait between the quit request and a kill, default 10s
	IndexerDebounce time.Duration
	Segment         time.Duration
	RolloverLead    time.Duration // how early the next hour directory is watched, default 5s
	Backoff         BackoffPolicy
}

// ActiveCapture describes a running capture
type ActiveCapture struct {
	CameraID   string    `json:"cameraId"`
	ServerID   string    `json:"serverId"`
	StreamID   string    `json:"streamId"`
	LocationID string    `json:"locationId"`
	Root       string    `json:"root"`
	Dir        string    `json:"dir"`
	Pid        int       `json:"pid"`
	StartedAt  time.Time `json:"startedAt"`
	SourceURL  string    `json:"-"`
}

type capture struct {
	info      ActiveCapture
	proc      Process
	indexer   *Indexer
	cancel    context.CancelFunc
	watchCtx  context.Context
	watchDone chan struct{}
	stopping  bool // guarded by Supervisor.mu
}

// Supervisor owns the capture process of every recording camera. Start and
// Stop for the same camera are serialised; different cameras run in
// parallel.
type Supervisor struct {
	allocator Allocator
	launcher  Launcher
	catalog   Catalog
	cfg       SupervisorConfig
	log       logrus.FieldLogger
	locks     *KeyedMutex
	crashes   *crashTracker
	now       func() time.Time

	mu       sync.RWMutex
	captures map[string]*capture
	states   map[string]State
	wg       sync.WaitGroup
}

// NewSupervisor creates a supervisor with no active captures
func NewSupervisor(allocator Allocator, launcher Launcher, catalog Catalog, cfg SupervisorConfig, log logrus.FieldLogger) *Supervisor {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.Segment <= 0 {
		cfg.Segment = SegmentDuration
	}
	if cfg.RolloverLead <= 0 {
		cfg.RolloverLead = 5 * time.Second
	}
	return &Supervisor{
		allocator: allocator,
		launcher:  launcher,
		catalog:   catalog,
		cfg:       cfg,
		log:       log.WithField("module", "capture_supervisor"),
		locks:     NewKeyedMutex(),
		crashes:   newCrashTracker(cfg.Backoff),
		now:       time.Now,
		captures:  make(map[string]*capture),
		states:    make(map[string]State),
	}
}

// Start launches a capture for the camera. Starting an active camera is a
// no-op. A camera whose capture crashed recently gets ErrBackoff.
func (s *Supervisor) Start(ctx context.Context, cameraID, sourceURL, serverID string, tuning Tuning) error {
	if sourceURL == "" {
		return ErrNoSourceURL
	}
	unlock := s.locks.Lock(cameraID)
	defer unlock()

	if err := s.reserve(cameraID); err != nil {
		if errors.Is(err, ErrAlreadyActive) {
			return nil
		}
		return err
	}

	c, err := s.launch(ctx, cameraID, sourceURL, serverID, tuning)
	if err != nil {
		s.mu.Lock()
		delete(s.states, cameraID)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.captures[cameraID] = c
	s.states[cameraID] = StateRecording
	active := len(s.captures)
	s.mu.Unlock()

	metrics.CaptureStarts.WithLabelValues(cameraID).Inc()
	metrics.ActiveCaptures.Set(float64(active))
	s.updateStatus(cameraID, database.CameraRecording)

	s.log.WithFields(logrus.Fields{
		"camera_id":   cameraID,
		"location_id": c.info.LocationID,
		"dir":         c.info.Dir,
		"pid":         c.info.Pid,
	}).Info("capture started")

	s.wg.Add(1)
	go s.watch(c)
	return nil
}

// reserve marks the camera as starting unless it is active or backing off
func (s *Supervisor) reserve(cameraID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.captures[cameraID]; ok {
		return ErrAlreadyActive
	}
	if wait := s.crashes.blockedFor(cameraID, s.now()); wait > 0 {
		return fmt.Errorf("%w: retry in %s", ErrBackoff, wait.Round(time.Millisecond))
	}
	s.states[cameraID] = StateStarting
	return nil
}

func (s *Supervisor) launch(ctx context.Context, cameraID, sourceURL, serverID string, tuning Tuning) (*capture, error) {
	tuning = tuning.withDefaults()
	if tuning.StreamID == "" {
		tuning.StreamID = cameraID
	}

	alloc, err := s.allocator.SelectLocation(ctx, cameraID, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate storage: %w", err)
	}

	args := BuildCaptureArgs(sourceURL, OutputTemplate(alloc.Root, cameraID, tuning.Extension), int(s.cfg.Segment.Seconds()), tuning)
	startedAt := s.now()
	proc, err := s.launcher.Launch(LaunchSpec{Args: args, Env: []string{"TZ=UTC"}})
	if err != nil {
		s.crashes.recordCrash(cameraID, 0, startedAt)
		return nil, fmt.Errorf("failed to launch capture: %w", err)
	}

	indexer := NewIndexer(s.catalog, IndexerOptions{
		CameraID:   cameraID,
		StreamID:   tuning.StreamID,
		LocationID: alloc.LocationID,
		Debounce:   s.cfg.IndexerDebounce,
		Segment:    s.cfg.Segment,
	}, s.log)
	if err := indexer.Start(alloc.Dir); err != nil {
		_ = proc.Stop(s.cfg.StopGrace)
		return nil, fmt.Errorf("failed to start indexer: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	return &capture{
		info: ActiveCapture{
			CameraID:   cameraID,
			ServerID:   serverID,
			StreamID:   tuning.StreamID,
			LocationID: alloc.LocationID,
			Root:       alloc.Root,
			Dir:        alloc.Dir,
			Pid:        proc.Pid(),
			StartedAt:  startedAt,
			SourceURL:  sourceURL,
		},
		proc:      proc,
		indexer:   indexer,
		cancel:    cancel,
		watchCtx:  watchCtx,
		watchDone: make(chan struct{}),
	}, nil
}

// watch follows the capture into each new hour directory and reacts to the
// process exiting on its own.
func (s *Supervisor) watch(c *capture) {
	defer s.wg.Done()
	defer close(c.watchDone)

	followed := c.info.StartedAt.UTC().Truncate(time.Hour)
	for {
		target := followed.Add(time.Hour)
		timer := time.NewTimer(target.Add(-s.cfg.RolloverLead).Sub(s.now()))

		select {
		case <-c.proc.Done():
			timer.Stop()
			s.handleExit(c)
			return
		case <-c.watchCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
			dir := storage.HourDir(c.info.Root, c.info.CameraID, target)
			if err := os.MkdirAll(dir, 0755); err != nil {
				s.log.WithError(err).WithField("camera_id", c.info.CameraID).Warn("failed to create next hour directory")
			}
			if err := c.indexer.Follow(dir); err != nil {
				s.log.WithError(err).WithField("camera_id", c.info.CameraID).Warn("failed to follow next hour directory")
			}
			followed = target
		}
	}
}

// handleExit cleans up after a capture process that exited unrequested
func (s *Supervisor) handleExit(c *capture) {
	cameraID := c.info.CameraID
	now := s.now()

	s.mu.Lock()
	if c.stopping || s.captures[cameraID] != c {
		s.mu.Unlock()
		return
	}
	delete(s.captures, cameraID)
	delete(s.states, cameraID)
	delay := s.crashes.recordCrash(cameraID, now.Sub(c.info.StartedAt), now)
	active := len(s.captures)
	s.mu.Unlock()

	c.cancel()
	_ = c.indexer.Close()
	s.sweep(c)

	metrics.CaptureCrashes.WithLabelValues(cameraID).Inc()
	metrics.ActiveCaptures.Set(float64(active))

	s.log.WithFields(logrus.Fields{
		"camera_id": cameraID,
		"ran":       now.Sub(c.info.StartedAt).Round(time.Second).String(),
		"backoff":   delay.String(),
		"output":    c.proc.Output(),
	}).WithError(c.proc.Err()).Warn("capture process exited unexpectedly")

	s.updateStatus(cameraID, database.CameraError)
}

// Stop ends the camera's capture: the indexer is detached first, then the
// process is asked to quit and killed after the grace period.
func (s *Supervisor) Stop(ctx context.Context, cameraID string) error {
	unlock := s.locks.Lock(cameraID)
	defer unlock()

	s.mu.Lock()
	c, ok := s.captures[cameraID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	c.stopping = true
	s.states[cameraID] = StateStopping
	s.mu.Unlock()

	c.cancel()
	if err := c.indexer.Close(); err != nil {
		s.log.WithError(err).WithField("camera_id", cameraID).Warn("failed to close indexer")
	}
	stopErr := c.proc.Stop(s.cfg.StopGrace)
	<-c.watchDone
	s.sweep(c)

	s.mu.Lock()
	delete(s.captures, cameraID)
	delete(s.states, cameraID)
	active := len(s.captures)
	s.mu.Unlock()

	s.crashes.clear(cameraID)
	metrics.ActiveCaptures.Set(float64(active))
	// offline and error set by other components survive a stop
	s.transitionStatus(cameraID, database.CameraRecording, database.CameraOnline)

	s.log.WithField("camera_id", cameraID).Info("capture stopped")
	if stopErr != nil {
		return fmt.Errorf("failed to stop capture: %w", stopErr)
	}
	return nil
}

// sweep indexes segments the process finished after the indexer was closed
func (s *Supervisor) sweep(c *capture) {
	since := c.info.StartedAt.Add(-s.cfg.Segment)
	for _, dir := range c.indexer.Dirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.Type().IsRegular() || !IsSegmentFile(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil || info.Size() == 0 || info.ModTime().Before(since) {
				continue
			}
			c.indexer.index(filepath.Join(dir, e.Name()), info.Size())
		}
	}
}

// StopAll stops every active capture in parallel
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.captures))
	for id := range s.captures {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			return s.Stop(ctx, id)
		})
	}
	err := g.Wait()
	s.wg.Wait()
	return err
}

// IsActive reports whether the camera has a running capture
func (s *Supervisor) IsActive(cameraID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.captures[cameraID]
	return ok
}

// State returns the lifecycle phase of the camera's capture
func (s *Supervisor) State(cameraID string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[cameraID]; ok {
		return st
	}
	return StateIdle
}

// Capture returns the details of an active capture
func (s *Supervisor) Capture(cameraID string) (ActiveCapture, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.captures[cameraID]
	if !ok {
		return ActiveCapture{}, false
	}
	return c.info, true
}

// Active lists running captures ordered by camera id
func (s *Supervisor) Active() []ActiveCapture {
	s.mu.RLock()
	out := make([]ActiveCapture, 0, len(s.captures))
	for _, c := range s.captures {
		out = append(out, c.info)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// BackoffRemaining returns how long the camera must still wait before a
// restart is allowed.
func (s *Supervisor) BackoffRemaining(cameraID string) time.Duration {
	return s.crashes.blockedFor(cameraID, s.now())
}

func (s *Supervisor) updateStatus(cameraID string, status database.CameraStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.catalog.UpdateCameraStatus(ctx, cameraID, status); err != nil && !errors.Is(err, database.ErrNotFound) {
		s.log.WithError(err).WithField("camera_id", cameraID).Warn("failed to update camera status")
	}
}

func (s *Supervisor) transitionStatus(cameraID string, from, to database.CameraStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.catalog.TransitionCameraStatus(ctx, cameraID, from, to); err != nil {
		s.log.WithError(err).WithField("camera_id", cameraID).Warn("failed to update camera status")
	}
}
