package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vms-recorder/database"
	"vms-recorder/metrics"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SegmentCreator is the part of the catalog the indexer writes to
type SegmentCreator interface {
	CreateSegment(ctx context.Context, seg database.RecordingSegment) error
}

// IndexerOptions identifies the capture an indexer belongs to
type IndexerOptions struct {
	CameraID   string
	StreamID   string
	LocationID string
	Debounce   time.Duration // quiet period before a file counts as finished, default 2s
	Segment    time.Duration // nominal segment length, default SegmentDuration
}

type pendingFile struct {
	timer *time.Timer
	size  int64
	gen   uint64
}

// Indexer turns finished segment files written by a capture process into
// catalog rows. A file is finished once no write has touched it for the
// debounce period and its size has stopped changing.
type Indexer struct {
	store SegmentCreator
	opts  IndexerOptions
	log   logrus.FieldLogger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*pendingFile
	dirs    []string // watched directories, oldest first
	closed  bool
}

// NewIndexer creates an indexer; call Start to begin watching
func NewIndexer(store SegmentCreator, opts IndexerOptions, log logrus.FieldLogger) *Indexer {
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.Segment <= 0 {
		opts.Segment = SegmentDuration
	}
	return &Indexer{
		store: store,
		opts:  opts,
		log: log.WithFields(logrus.Fields{
			"module":    "segment_indexer",
			"camera_id": opts.CameraID,
		}),
		done:    make(chan struct{}),
		pending: make(map[string]*pendingFile),
	}
}

// Start watches dir for new segments
func (ix *Indexer) Start(dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	ix.mu.Lock()
	ix.watcher = w
	ix.mu.Unlock()

	if err := ix.Follow(dir); err != nil {
		w.Close()
		return err
	}

	ix.wg.Add(1)
	go ix.loop()
	return nil
}

// Follow adds dir to the watch set and picks up any segment already in it.
// Only the two most recent directories stay watched so a capture rolling
// into a new hour keeps indexing the file it just finished in the old one.
func (ix *Indexer) Follow(dir string) error {
	ix.mu.Lock()
	if ix.closed || ix.watcher == nil {
		ix.mu.Unlock()
		return errors.New("indexer is not running")
	}
	for _, d := range ix.dirs {
		if d == dir {
			ix.mu.Unlock()
			return nil
		}
	}
	if err := ix.watcher.Add(dir); err != nil {
		ix.mu.Unlock()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	ix.dirs = append(ix.dirs, dir)
	for len(ix.dirs) > 2 {
		_ = ix.watcher.Remove(ix.dirs[0])
		ix.dirs = ix.dirs[1:]
	}
	ix.mu.Unlock()

	ix.log.WithField("dir", dir).Debug("watching directory")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	for _, e := range entries {
		if e.Type().IsRegular() && IsSegmentFile(e.Name()) {
			ix.arm(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

// Dirs returns the directories currently watched
func (ix *Indexer) Dirs() []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return append([]string(nil), ix.dirs...)
}

// Close stops watching and drops files still waiting for their quiet period
func (ix *Indexer) Close() error {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return nil
	}
	ix.closed = true
	for path, p := range ix.pending {
		p.timer.Stop()
		delete(ix.pending, path)
	}
	w := ix.watcher
	ix.mu.Unlock()

	close(ix.done)
	var err error
	if w != nil {
		err = w.Close()
	}
	ix.wg.Wait()
	return err
}

func (ix *Indexer) loop() {
	defer ix.wg.Done()
	for {
		select {
		case <-ix.done:
			return
		case ev, ok := <-ix.watcher.Events:
			if !ok {
				return
			}
			ix.handle(ev)
		case err, ok := <-ix.watcher.Errors:
			if !ok {
				return
			}
			ix.log.WithError(err).Warn("watcher error")
		}
	}
}

func (ix *Indexer) handle(ev fsnotify.Event) {
	if !IsSegmentFile(ev.Name) {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		ix.cancel(ev.Name)
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		ix.arm(ev.Name)
	}
}

// arm (re)starts the quiet-period timer of path, remembering its current size
func (ix *Indexer) arm(path string) {
	size := int64(-1)
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return
	}
	p, ok := ix.pending[path]
	if !ok {
		p = &pendingFile{}
		ix.pending[path] = p
	}
	p.size = size
	ix.rearmLocked(path, p)
}

func (ix *Indexer) rearmLocked(path string, p *pendingFile) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(ix.opts.Debounce, func() { ix.fire(path, gen) })
}

func (ix *Indexer) cancel(path string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if p, ok := ix.pending[path]; ok {
		p.timer.Stop()
		delete(ix.pending, path)
	}
}

func (ix *Indexer) fire(path string, gen uint64) {
	ix.mu.Lock()
	p, ok := ix.pending[path]
	if !ok || p.gen != gen || ix.closed {
		ix.mu.Unlock()
		return
	}
	last := p.size
	ix.mu.Unlock()

	info, err := os.Stat(path)

	ix.mu.Lock()
	if p2, ok := ix.pending[path]; !ok || p2 != p || p.gen != gen || ix.closed {
		ix.mu.Unlock()
		return
	}
	if err != nil {
		delete(ix.pending, path)
		ix.mu.Unlock()
		ix.log.WithError(err).WithField("file", path).Debug("segment vanished before indexing")
		return
	}
	if info.Size() != last {
		p.size = info.Size()
		ix.rearmLocked(path, p)
		ix.mu.Unlock()
		return
	}
	delete(ix.pending, path)
	ix.mu.Unlock()

	if info.Size() == 0 {
		ix.log.WithField("file", path).Debug("skipping empty segment")
		return
	}
	ix.index(path, info.Size())
}

func (ix *Indexer) index(path string, size int64) {
	l := ix.log.WithField("file", path)

	start, _, err := ParseSegmentName(filepath.Base(path))
	if err != nil {
		l.WithError(err).Warn("skipping file with unexpected name")
		return
	}

	seg := database.RecordingSegment{
		ID:         uuid.New().String(),
		StreamID:   ix.opts.StreamID,
		CameraID:   ix.opts.CameraID,
		LocationID: ix.opts.LocationID,
		StartTime:  start,
		EndTime:    start.Add(ix.opts.Segment),
		FilePath:   path,
		FileSize:   size,
		Duration:   ix.opts.Segment,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ix.store.CreateSegment(ctx, seg); err != nil {
		l.WithError(err).Error("failed to save segment")
		return
	}

	metrics.SegmentsIndexed.WithLabelValues(ix.opts.CameraID).Inc()
	l.WithFields(logrus.Fields{"size": size, "start": start.Format(time.RFC3339)}).Debug("segment indexed")
}
