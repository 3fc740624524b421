package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"vms-recorder/config"
	"vms-recorder/database"
	"vms-recorder/monitoring"
	"vms-recorder/recording"
	"vms-recorder/storage"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	mu       sync.Mutex
	cameras  map[string]database.Camera
	segments map[string]database.RecordingSegment
	lastFrom time.Time
	lastTo   time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cameras:  make(map[string]database.Camera),
		segments: make(map[string]database.RecordingSegment),
	}
}

func (f *fakeStore) GetCamera(_ context.Context, id string) (*database.Camera, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cam, ok := f.cameras[id]
	if !ok {
		return nil, fmt.Errorf("get camera: %w", database.ErrNotFound)
	}
	return &cam, nil
}

func (f *fakeStore) GetSegment(_ context.Context, id string) (*database.RecordingSegment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seg, ok := f.segments[id]
	if !ok {
		return nil, fmt.Errorf("get segment: %w", database.ErrNotFound)
	}
	return &seg, nil
}

func (f *fakeStore) SegmentsByCamera(_ context.Context, cameraID string, from, to time.Time) ([]database.RecordingSegment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFrom, f.lastTo = from, to
	var out []database.RecordingSegment
	for _, seg := range f.segments {
		if seg.CameraID == cameraID && seg.StartTime.Before(to) && seg.EndTime.After(from) {
			out = append(out, seg)
		}
	}
	return out, nil
}

func (f *fakeStore) SetArchived(_ context.Context, id string, archived bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	seg, ok := f.segments[id]
	if !ok {
		return fmt.Errorf("set archived: %w", database.ErrNotFound)
	}
	seg.Archived = archived
	f.segments[id] = seg
	return nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	startErr error
	active   map[string]recording.ActiveCapture
	tunings  []recording.Tuning
	backoff  time.Duration
	stopped  []string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{active: make(map[string]recording.ActiveCapture)}
}

func (f *fakeRecorder) Start(_ context.Context, cameraID, sourceURL, serverID string, tuning recording.Tuning) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.tunings = append(f.tunings, tuning)
	f.active[cameraID] = recording.ActiveCapture{
		CameraID:  cameraID,
		ServerID:  serverID,
		StreamID:  tuning.StreamID,
		SourceURL: sourceURL,
		Pid:       4242,
	}
	return nil
}

func (f *fakeRecorder) Stop(_ context.Context, cameraID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, cameraID)
	f.stopped = append(f.stopped, cameraID)
	return nil
}

func (f *fakeRecorder) IsActive(cameraID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[cameraID]
	return ok
}

func (f *fakeRecorder) State(cameraID string) recording.State {
	if f.IsActive(cameraID) {
		return recording.StateRecording
	}
	return recording.StateIdle
}

func (f *fakeRecorder) Capture(cameraID string) (recording.ActiveCapture, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.active[cameraID]
	return c, ok
}

func (f *fakeRecorder) Active() []recording.ActiveCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recording.ActiveCapture, 0, len(f.active))
	for _, c := range f.active {
		out = append(out, c)
	}
	return out
}

func (f *fakeRecorder) BackoffRemaining(string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backoff
}

type fakeResolver struct {
	src recording.Source
	err error
}

func (f fakeResolver) ResolveSource(context.Context, database.Camera) (recording.Source, error) {
	return f.src, f.err
}

type fakeLocations struct {
	mu         sync.Mutex
	registered []database.StorageLocation
	enabled    map[string]bool
}

func (f *fakeLocations) Register(_ context.Context, loc database.StorageLocation) (*database.StorageLocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.HasPrefix(loc.Path, "/") {
		return nil, fmt.Errorf("location path must be absolute: %s", loc.Path)
	}
	loc.ID = "loc-1"
	f.registered = append(f.registered, loc)
	return &loc, nil
}

func (f *fakeLocations) Stats(context.Context) ([]storage.LocationStats, error) {
	return []storage.LocationStats{{ID: "loc-1", Path: "/mnt/a", Free: 100, Total: 1000, Reserved: 50}}, nil
}

func (f *fakeLocations) SetEnabled(_ context.Context, id string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.enabled[id]; !ok {
		return fmt.Errorf("set enabled: %w", database.ErrNotFound)
	}
	f.enabled[id] = enabled
	return nil
}

type fakeResources struct{}

func (fakeResources) Usage(context.Context) (monitoring.ResourceUsage, error) {
	return monitoring.ResourceUsage{CPUPercent: 1.5, NumGoroutines: 12}, nil
}

type testEnv struct {
	store     *fakeStore
	recorder  *fakeRecorder
	locations *fakeLocations
	router    *gin.Engine
}

func newTestEnv(t *testing.T, resolver fakeResolver, resources ResourceReporter) *testEnv {
	t.Helper()
	log, _ := test.NewNullLogger()
	env := &testEnv{
		store:     newFakeStore(),
		recorder:  newFakeRecorder(),
		locations: &fakeLocations{enabled: map[string]bool{"loc-1": true}},
	}
	srv := NewServer(config.HTTPServer{Address: ":0"}, Deps{
		Store:     env.store,
		Recorder:  env.recorder,
		Resolver:  resolver,
		Locations: env.locations,
		Resources: resources,
		Tuning:    recording.Tuning{Extension: "mp4", RTSPTransport: "tcp"},
	}, log)
	env.router = srv.Router()
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)
	env.recorder.active["cam-1"] = recording.ActiveCapture{CameraID: "cam-1"}

	w := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["active_captures"])
}

func TestListSegments(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)
	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	env.store.segments["s1"] = database.RecordingSegment{
		ID: "s1", CameraID: "cam-1", StartTime: base, EndTime: base.Add(time.Minute),
	}
	env.store.segments["s2"] = database.RecordingSegment{
		ID: "s2", CameraID: "cam-1", StartTime: base.Add(2 * time.Hour), EndTime: base.Add(2*time.Hour + time.Minute),
	}
	env.store.segments["s3"] = database.RecordingSegment{
		ID: "s3", CameraID: "cam-2", StartTime: base, EndTime: base.Add(time.Minute),
	}

	t.Run("range", func(t *testing.T) {
		w := env.do(http.MethodGet, "/api/cameras/cam-1/segments?from=2026-03-04T09:30:00Z&to=2026-03-04T11:00:00Z", "")
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			CameraID string                      `json:"camera_id"`
			Segments []database.RecordingSegment `json:"segments"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "cam-1", body.CameraID)
		require.Len(t, body.Segments, 1)
		assert.Equal(t, "s1", body.Segments[0].ID)
	})

	t.Run("default window is the last hour", func(t *testing.T) {
		w := env.do(http.MethodGet, "/api/cameras/cam-9/segments", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, time.Hour, env.store.lastTo.Sub(env.store.lastFrom))
		assert.Contains(t, w.Body.String(), `"segments":[]`)
	})

	cases := map[string]string{
		"bad from":       "?from=yesterday",
		"bad to":         "?from=2026-03-04T09:00:00Z&to=soon",
		"inverted range": "?from=2026-03-04T11:00:00Z&to=2026-03-04T10:00:00Z",
		"empty range":    "?from=2026-03-04T11:00:00Z&to=2026-03-04T11:00:00Z",
		"too large":      "?from=2026-01-01T00:00:00Z&to=2026-03-01T00:00:00Z",
	}
	for name, query := range cases {
		t.Run(name, func(t *testing.T) {
			w := env.do(http.MethodGet, "/api/cameras/cam-1/segments"+query, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestSegmentArchive(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)
	env.store.segments["s1"] = database.RecordingSegment{ID: "s1", CameraID: "cam-1"}

	w := env.do(http.MethodGet, "/api/segments/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodPut, "/api/segments/s1/archive", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPut, "/api/segments/missing/archive", `{"archived":true}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodPut, "/api/segments/s1/archive", `{"archived":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.store.segments["s1"].Archived)

	w = env.do(http.MethodGet, "/api/segments/s1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["archived"])

	w = env.do(http.MethodPut, "/api/segments/s1/archive", `{"archived":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.store.segments["s1"].Archived)
}

func TestStartRecording(t *testing.T) {
	src := recording.Source{URL: "rtsp://10.0.0.5/main", StreamID: "stream-1"}

	t.Run("starts with resolved stream", func(t *testing.T) {
		env := newTestEnv(t, fakeResolver{src: src}, nil)
		env.store.cameras["cam-1"] = database.Camera{ID: "cam-1", ServerID: "srv-1"}

		w := env.do(http.MethodPost, "/api/cameras/cam-1/recording/start", "")
		require.Equal(t, http.StatusOK, w.Code)
		require.Len(t, env.recorder.tunings, 1)
		assert.Equal(t, "stream-1", env.recorder.tunings[0].StreamID)
		assert.Equal(t, "mp4", env.recorder.tunings[0].Extension)
		assert.NotContains(t, w.Body.String(), "rtsp://", "source url must not leak")

		w = env.do(http.MethodGet, "/api/cameras/cam-1/recording", "")
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, true, body["active"])
		assert.Equal(t, string(recording.StateRecording), body["state"])
	})

	t.Run("unknown camera", func(t *testing.T) {
		env := newTestEnv(t, fakeResolver{src: src}, nil)
		w := env.do(http.MethodPost, "/api/cameras/nope/recording/start", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("no source", func(t *testing.T) {
		env := newTestEnv(t, fakeResolver{err: recording.ErrNoSourceURL}, nil)
		env.store.cameras["cam-1"] = database.Camera{ID: "cam-1"}
		w := env.do(http.MethodPost, "/api/cameras/cam-1/recording/start", "")
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("backing off", func(t *testing.T) {
		env := newTestEnv(t, fakeResolver{src: src}, nil)
		env.store.cameras["cam-1"] = database.Camera{ID: "cam-1"}
		env.recorder.startErr = fmt.Errorf("start: %w", recording.ErrBackoff)
		env.recorder.backoff = 8 * time.Second

		w := env.do(http.MethodPost, "/api/cameras/cam-1/recording/start", "")
		require.Equal(t, http.StatusConflict, w.Code)
		assert.EqualValues(t, 8, decode(t, w)["retry_after_seconds"])
	})

	t.Run("no storage", func(t *testing.T) {
		env := newTestEnv(t, fakeResolver{src: src}, nil)
		env.store.cameras["cam-1"] = database.Camera{ID: "cam-1"}
		env.recorder.startErr = fmt.Errorf("allocate: %w", storage.ErrNoCandidate)

		w := env.do(http.MethodPost, "/api/cameras/cam-1/recording/start", "")
		assert.Equal(t, http.StatusInsufficientStorage, w.Code)
	})
}

func TestStopRecordingAndListActive(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)
	env.recorder.active["cam-1"] = recording.ActiveCapture{CameraID: "cam-1"}
	env.recorder.active["cam-2"] = recording.ActiveCapture{CameraID: "cam-2"}

	w := env.do(http.MethodGet, "/api/recordings/active", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Captures []recording.ActiveCapture `json:"captures"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Captures, 2)

	w = env.do(http.MethodPost, "/api/cameras/cam-1/recording/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"cam-1"}, env.recorder.stopped)
	assert.False(t, env.recorder.IsActive("cam-1"))
}

func TestStorageLocations(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)

	w := env.do(http.MethodGet, "/api/storage/locations", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"freeBytes":100`)

	w = env.do(http.MethodPost, "/api/storage/locations", `{"rw_policy":"read_write"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/storage/locations", `{"path":"/mnt/a","rw_policy":"append"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/storage/locations", `{"path":"/mnt/a","reserved_percent":120}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/storage/locations", `{"path":"relative/dir"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodPost, "/api/storage/locations", `{"path":"/mnt/a","reserved_bytes":1024}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, env.locations.registered, 1)
	loc := env.locations.registered[0]
	assert.True(t, loc.Enabled)
	require.NotNil(t, loc.ReservedBytes)
	assert.EqualValues(t, 1024, *loc.ReservedBytes)

	w = env.do(http.MethodPut, "/api/storage/locations/loc-1/enabled", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.locations.enabled["loc-1"])

	w = env.do(http.MethodPut, "/api/storage/locations/loc-9/enabled", `{"enabled":true}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResources(t *testing.T) {
	w := newTestEnv(t, fakeResolver{}, nil).do(http.MethodGet, "/api/system/resources", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	w = newTestEnv(t, fakeResolver{}, fakeResources{}).do(http.MethodGet, "/api/system/resources", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 12, decode(t, w)["goroutines"])
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, fakeResolver{}, nil)
	w := env.do(http.MethodOptions, "/api/recordings/active", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
