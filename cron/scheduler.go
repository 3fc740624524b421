package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is one periodic pass of a background loop
type Job interface {
	Run(ctx context.Context)
}

// JobFunc adapts a function to Job
type JobFunc func(ctx context.Context)

// Run calls f(ctx)
func (f JobFunc) Run(ctx context.Context) { f(ctx) }

// cronLogger routes robfig/cron diagnostics through logrus
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}

// Scheduler runs every background loop of the recorder on a shared
// robfig/cron instance. Each job recovers from panics and never overlaps
// with its own previous run.
type Scheduler struct {
	cron         *cron.Cron
	logger       cron.Logger
	log          logrus.FieldLogger
	startupDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	initial  []func()
	timers   []*time.Timer
	inflight sync.WaitGroup
}

// NewScheduler creates a scheduler whose initial runs fire startupDelay after Start
func NewScheduler(startupDelay time.Duration, log logrus.FieldLogger) *Scheduler {
	log = log.WithField("module", "scheduler")
	logger := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(logger),
		),
		logger:       logger,
		log:          log,
		startupDelay: startupDelay,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Every registers job to run at a fixed interval. With runAtStartup the job
// also runs once shortly after Start.
func (s *Scheduler) Every(name string, interval time.Duration, runAtStartup bool, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s for job %s", interval, name)
	}

	l := s.log.WithField("job", name)
	wrapped := cron.NewChain(
		cron.Recover(s.logger),
		cron.SkipIfStillRunning(s.logger),
	).Then(cron.FuncJob(func() {
		s.mu.Lock()
		if s.ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.inflight.Add(1)
		s.mu.Unlock()
		defer s.inflight.Done()
		job.Run(s.ctx)
	}))

	s.cron.Schedule(cron.Every(interval), wrapped)
	l.WithField("interval", interval.String()).Info("job registered")

	if runAtStartup {
		s.mu.Lock()
		s.initial = append(s.initial, wrapped.Run)
		s.mu.Unlock()
	}
	return nil
}

// Start begins running registered jobs
func (s *Scheduler) Start() {
	s.cron.Start()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.initial {
		s.timers = append(s.timers, time.AfterFunc(s.startupDelay, run))
	}
	s.log.WithField("jobs", len(s.cron.Entries())).Info("scheduler started")
}

// Stop cancels running jobs and waits for them to return or ctx to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.cancel()
	s.mu.Unlock()

	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}
