package recording

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vms-recorder/database"
	"vms-recorder/storage"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid     int
	done    chan struct{}
	once    sync.Once
	err     error
	stopped bool
	mu      sync.Mutex
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Output() string        { return "connection refused" }

func (p *fakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProcess) Stop(time.Duration) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *fakeProcess) crash() {
	p.mu.Lock()
	p.err = errors.New("exit status 1")
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
}

func (p *fakeProcess) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

type fakeLauncher struct {
	mu    sync.Mutex
	specs []LaunchSpec
	procs []*fakeProcess
	err   error
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProcess(1000 + len(l.procs))
	l.specs = append(l.specs, spec)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) last() (*fakeProcess, LaunchSpec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1], l.specs[len(l.specs)-1]
}

type fakeAllocator struct {
	root string
	err  error
}

func (a *fakeAllocator) SelectLocation(_ context.Context, cameraID, _ string) (storage.Allocation, error) {
	if a.err != nil {
		return storage.Allocation{}, a.err
	}
	dir := storage.HourDir(a.root, cameraID, time.Now())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return storage.Allocation{}, err
	}
	return storage.Allocation{Dir: dir, Root: a.root, LocationID: "loc-1"}, nil
}

type fakeCatalog struct {
	mu       sync.Mutex
	segments map[string]database.RecordingSegment
	statuses map[string]database.CameraStatus
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		segments: make(map[string]database.RecordingSegment),
		statuses: make(map[string]database.CameraStatus),
	}
}

func (c *fakeCatalog) CreateSegment(_ context.Context, seg database.RecordingSegment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.segments[seg.FilePath]; ok {
		old.FileSize = seg.FileSize
		c.segments[seg.FilePath] = old
		return nil
	}
	c.segments[seg.FilePath] = seg
	return nil
}

func (c *fakeCatalog) UpdateCameraStatus(_ context.Context, id string, status database.CameraStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[id] = status
	return nil
}

func (c *fakeCatalog) TransitionCameraStatus(_ context.Context, id string, from, to database.CameraStatus) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statuses[id] != from {
		return false, nil
	}
	c.statuses[id] = to
	return true, nil
}

func (c *fakeCatalog) status(id string) database.CameraStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[id]
}

func (c *fakeCatalog) segment(path string) (database.RecordingSegment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.segments[path]
	return s, ok
}

func (c *fakeCatalog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.segments)
}

func newTestSupervisor(t *testing.T, cfg SupervisorConfig) (*Supervisor, *fakeLauncher, *fakeAllocator, *fakeCatalog) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	launcher := &fakeLauncher{}
	alloc := &fakeAllocator{root: t.TempDir()}
	catalog := newFakeCatalog()
	if cfg.IndexerDebounce == 0 {
		cfg.IndexerDebounce = time.Hour
	}
	s := NewSupervisor(alloc, launcher, catalog, cfg, logger)
	t.Cleanup(func() { _ = s.StopAll(context.Background()) })
	return s, launcher, alloc, catalog
}

func TestSupervisorStartStop(t *testing.T) {
	ctx := context.Background()
	s, launcher, alloc, catalog := newTestSupervisor(t, SupervisorConfig{})

	require.NoError(t, s.Start(ctx, "cam-1", "rtsp://10.0.0.1/main", "srv-1", Tuning{}))
	assert.True(t, s.IsActive("cam-1"))
	assert.Equal(t, StateRecording, s.State("cam-1"))
	assert.Equal(t, database.CameraRecording, catalog.status("cam-1"))

	proc, spec := launcher.last()
	assert.Contains(t, spec.Env, "TZ=UTC")
	assert.Equal(t, OutputTemplate(alloc.root, "cam-1", "mp4"), spec.Args[len(spec.Args)-1])

	info, ok := s.Capture("cam-1")
	require.True(t, ok)
	assert.Equal(t, "loc-1", info.LocationID)
	assert.Equal(t, "cam-1", info.StreamID)
	assert.Equal(t, proc.Pid(), info.Pid)
	assert.True(t, strings.HasPrefix(info.Dir, filepath.Join(alloc.root, "cam-1")))

	// starting again is a no-op
	require.NoError(t, s.Start(ctx, "cam-1", "rtsp://10.0.0.1/main", "srv-1", Tuning{}))
	assert.Equal(t, 1, launcher.count())
	assert.Len(t, s.Active(), 1)

	require.NoError(t, s.Stop(ctx, "cam-1"))
	assert.True(t, proc.wasStopped())
	assert.False(t, s.IsActive("cam-1"))
	assert.Equal(t, StateIdle, s.State("cam-1"))
	assert.Equal(t, database.CameraOnline, catalog.status("cam-1"))
	assert.Zero(t, s.BackoffRemaining("cam-1"))

	// stopping an idle camera is a no-op
	require.NoError(t, s.Stop(ctx, "cam-1"))
}

func TestSupervisorStopKeepsOfflineAndError(t *testing.T) {
	ctx := context.Background()

	for _, status := range []database.CameraStatus{database.CameraOffline, database.CameraError} {
		t.Run(string(status), func(t *testing.T) {
			s, _, _, catalog := newTestSupervisor(t, SupervisorConfig{})

			require.NoError(t, s.Start(ctx, "cam-1", "rtsp://10.0.0.1/main", "srv-1", Tuning{}))
			require.NoError(t, catalog.UpdateCameraStatus(ctx, "cam-1", status))

			require.NoError(t, s.Stop(ctx, "cam-1"))
			assert.Equal(t, status, catalog.status("cam-1"))
		})
	}
}

func TestSupervisorConcurrentStart(t *testing.T) {
	ctx := context.Background()
	s, launcher, _, _ := newTestSupervisor(t, SupervisorConfig{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Start(ctx, "cam-1", "rtsp://10.0.0.1/main", "srv-1", Tuning{})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, launcher.count())
	assert.True(t, s.IsActive("cam-1"))
	assert.Len(t, s.Active(), 1)
}

func TestSupervisorStopIndexesFinalSegment(t *testing.T) {
	ctx := context.Background()
	s, _, _, catalog := newTestSupervisor(t, SupervisorConfig{})

	require.NoError(t, s.Start(ctx, "cam-1", "rtsp://10.0.0.1/main", "srv-1", Tuning{}))
	info, _ := s.Capture("cam-1")

	path := filepath.Join(info.Dir, SegmentFileName(time.Now().Truncate(time.Minute), "mp4"))
	require.NoError(t, os.WriteFile(path, []byte("final segment"), 0644))
	// an unrelated file is never cataloged
	require.NoError(t, os.WriteFile(filepath.Join(info.Dir, "notes.txt"), []byte("x"), 0644))

	require.NoError(t, s.Stop(ctx, "cam-1"))

	seg, ok := catalog.segment(path)
	require.True(t, ok)
	assert.Equal(t, "cam-1", seg.CameraID)
	assert.Equal(t, "loc-1", seg.LocationID)
	assert.Equal(t, int64(len("final segment")), seg.FileSize)
	assert.Equal(t, SegmentDuration, seg.EndTime.Sub(seg.StartTime))
	assert.Equal(t, 1, catalog.count())
}

func TestSupervisorCrashBackoff(t *testing.T) {
	ctx := context.Background()
	s, launcher, _, catalog := newTestSupervisor(t, SupervisorConfig{
		Backoff: BackoffPolicy{Initial: time.Hour, Max: 2 * time.Hour},
	})

	require.NoError(t, s.Start(ctx, "cam-1", "rtsp://10.0.0.1/main", "srv-1", Tuning{}))
	proc, _ := launcher.last()
	proc.crash()

	require.Eventually(t, func() bool {
		return !s.IsActive("cam-1") && catalog.status("cam-1") == database.CameraError
	}, 2*time.Second, 10*time.Millisecond)

	err := s.Start(ctx, "cam-1", "rtsp://10.0.0.1/main", "srv-1", Tuning{})
	assert.ErrorIs(t, err, ErrBackoff)
	assert.Equal(t, 1, launcher.count())
	assert.Greater(t, s.BackoffRemaining("cam-1"), 30*time.Minute)

	// other cameras are unaffected
	require.NoError(t, s.Start(ctx, "cam-2", "rtsp://10.0.0.2/main", "srv-1", Tuning{}))
	assert.True(t, s.IsActive("cam-2"))
}

func TestSupervisorLaunchFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("empty source", func(t *testing.T) {
		s, _, _, _ := newTestSupervisor(t, SupervisorConfig{})
		assert.ErrorIs(t, s.Start(ctx, "cam-1", "", "srv-1", Tuning{}), ErrNoSourceURL)
	})

	t.Run("allocation failure leaves camera idle", func(t *testing.T) {
		s, launcher, alloc, _ := newTestSupervisor(t, SupervisorConfig{})
		alloc.err = storage.ErrNoCandidate
		err := s.Start(ctx, "cam-1", "rtsp://10.0.0.1/main", "srv-1", Tuning{})
		assert.ErrorIs(t, err, storage.ErrNoCandidate)
		assert.Equal(t, StateIdle, s.State("cam-1"))
		assert.Zero(t, launcher.count())
		assert.Zero(t, s.BackoffRemaining("cam-1"))
	})

	t.Run("launch failure backs off", func(t *testing.T) {
		s, launcher, _, _ := newTestSupervisor(t, SupervisorConfig{Backoff: BackoffPolicy{Initial: time.Hour}})
		launcher.err = errors.New("exec: ffmpeg not found")
		require.Error(t, s.Start(ctx, "cam-1", "rtsp://10.0.0.1/main", "srv-1", Tuning{}))
		assert.False(t, s.IsActive("cam-1"))

		launcher.err = nil
		assert.ErrorIs(t, s.Start(ctx, "cam-1", "rtsp://10.0.0.1/main", "srv-1", Tuning{}), ErrBackoff)
	})
}

func TestSupervisorStopAll(t *testing.T) {
	ctx := context.Background()
	s, launcher, _, _ := newTestSupervisor(t, SupervisorConfig{})

	for _, id := range []string{"cam-b", "cam-a", "cam-c"} {
		require.NoError(t, s.Start(ctx, id, "rtsp://10.0.0.1/"+id, "srv-1", Tuning{}))
	}
	active := s.Active()
	require.Len(t, active, 3)
	assert.Equal(t, "cam-a", active[0].CameraID)

	require.NoError(t, s.StopAll(ctx))
	assert.Empty(t, s.Active())
	for _, p := range launcher.procs {
		assert.True(t, p.wasStopped())
	}
}

func TestCrashTracker(t *testing.T) {
	tr := newCrashTracker(BackoffPolicy{Initial: time.Second, Max: 5 * time.Second, StableRun: time.Minute})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Second, tr.recordCrash("c", time.Second, now))
	assert.Equal(t, 2*time.Second, tr.recordCrash("c", time.Second, now))
	assert.Equal(t, 4*time.Second, tr.recordCrash("c", time.Second, now))
	assert.Equal(t, 5*time.Second, tr.recordCrash("c", time.Second, now))
	assert.Equal(t, 5*time.Second, tr.recordCrash("c", time.Second, now))

	st, ok := tr.state("c")
	require.True(t, ok)
	assert.Equal(t, 5, st.RestartCount)

	assert.Equal(t, 5*time.Second, tr.blockedFor("c", now))
	assert.Equal(t, 2*time.Second, tr.blockedFor("c", now.Add(3*time.Second)))
	assert.Zero(t, tr.blockedFor("c", now.Add(5*time.Second)))

	// a stable run resets the delay
	assert.Equal(t, time.Second, tr.recordCrash("c", 2*time.Minute, now))

	tr.clear("c")
	_, ok = tr.state("c")
	assert.False(t, ok)
	assert.Zero(t, tr.blockedFor("c", now))
}

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()

	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.Len())

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on the same key acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	unlockA()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}

	unlockB()
	require.Eventually(t, func() bool { return k.Len() == 0 }, time.Second, 5*time.Millisecond)
}
