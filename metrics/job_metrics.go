package metrics

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// JobMetrics tracks the timing of one pass of a periodic job
type JobMetrics struct {
	Job       string
	StartTime time.Time
	EndTime   *time.Time
	Duration  time.Duration
	Processed int
	Failed    int
	mu        sync.Mutex
}

// NewJobMetrics starts timing a pass of job
func NewJobMetrics(job string) *JobMetrics {
	return &JobMetrics{
		Job:       job,
		StartTime: time.Now(),
	}
}

// AddProcessed counts items handled successfully
func (m *JobMetrics) AddProcessed(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Processed += n
}

// AddFailed counts items that failed
func (m *JobMetrics) AddFailed(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Failed += n
}

// Finish stops the clock, observes the duration histogram and logs a
// summary line when the pass did any work.
func (m *JobMetrics) Finish(log logrus.FieldLogger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EndTime != nil {
		return
	}
	now := time.Now()
	m.EndTime = &now
	m.Duration = now.Sub(m.StartTime)
	JobDuration.WithLabelValues(m.Job).Observe(m.Duration.Seconds())

	if m.Processed == 0 && m.Failed == 0 {
		return
	}
	log.WithFields(logrus.Fields{
		"job":       m.Job,
		"processed": m.Processed,
		"failed":    m.Failed,
		"duration":  m.Duration.String(),
	}).Info("job pass completed")
}
