// Package job tracks asynchronous bulk operations in process memory.
// Jobs are progress records, not work queues: losing them on restart
// loses visibility, never data.
package job

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kailas-cloud/knowd/internal/domain"
	"github.com/kailas-cloud/knowd/internal/metrics"
)

// Update carries the fields of a job to change. Nil fields are left
// unchanged.
type Update struct {
	Status   domain.JobStatus
	Progress *float64
	Result   map[string]any
	Error    string
}

// Manager is an in-memory job registry with a background retention
// sweeper. Safe for concurrent use.
type Manager struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job

	retention     time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	newID         func() string
	logger        *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewManager creates a job manager. Start must be called to run the
// retention sweeper.
func NewManager(retention, sweepInterval time.Duration, logger *zap.Logger) *Manager {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}
	return &Manager{
		jobs:          make(map[string]*domain.Job),
		retention:     retention,
		sweepInterval: sweepInterval,
		now:           time.Now,
		newID:         uuid.NewString,
		logger:        logger,
	}
}

// WithClock overrides the time source, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithIDGenerator overrides the id source, for tests.
func (m *Manager) WithIDGenerator(newID func() string) *Manager {
	m.newID = newID
	return m
}

// Create registers a new pending job and returns a snapshot of it.
func (m *Manager) Create(jobType string) domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	j := &domain.Job{
		ID:        m.newID(),
		Type:      jobType,
		Status:    domain.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.jobs[j.ID] = j
	metrics.JobsActive.Inc()
	return *j
}

// Get returns a snapshot of the job, or false when unknown.
func (m *Manager) Get(id string) (domain.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return *j, true
}

// Apply mutates a job. Terminal jobs are immutable: updating a
// completed or failed job is a no-op returning false, as is updating an
// unknown id.
func (m *Manager) Apply(id string, upd Update) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status.Terminal() {
		return false
	}

	if upd.Status != "" {
		if upd.Status.Terminal() {
			metrics.JobsActive.Dec()
		}
		j.Status = upd.Status
	}
	if upd.Progress != nil {
		j.Progress = upd.Progress
	}
	if upd.Result != nil {
		j.Result = upd.Result
	}
	if upd.Error != "" {
		j.Error = upd.Error
	}
	j.UpdatedAt = m.now().UTC()
	return true
}

// Delete removes a job regardless of state. Returns false when unknown.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return false
	}
	if !j.Status.Terminal() {
		metrics.JobsActive.Dec()
	}
	delete(m.jobs, id)
	return true
}

// Sweep removes terminal jobs older than the retention window and
// returns how many went away. Non-terminal jobs are never swept.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().UTC().Add(-m.retention)
	swept := 0
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.CreatedAt.Before(cutoff) {
			delete(m.jobs, id)
			swept++
		}
	}
	if swept > 0 {
		metrics.JobsSweptTotal.Add(float64(swept))
	}
	return swept
}

// Len returns the number of tracked jobs.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Start launches the background retention sweeper.
func (m *Manager) Start() {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.logger.Info("swept expired jobs", zap.Int("count", n))
				}
			}
		}
	}()
}

// Stop shuts the sweeper down and waits for it to exit.
func (m *Manager) Stop() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
	m.stop = nil
}
