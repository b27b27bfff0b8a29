// Package scheduler provides the shared cron-style background job service.
// Modules declare cron workers in their pipeline contributions; the host
// registers them here for the module's lifetime.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shellhost/shellhost/infrastructure/logging"
	"github.com/shellhost/shellhost/infrastructure/registry"
)

// Contract resolves to a *Scheduler in the root scope.
const Contract = registry.ContractID("host.scheduler")

// Job is one scheduled unit of work. The context carries the owning
// module's tag and is canceled when the job's registration is removed.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner with per-job cancellation and logging.
type Scheduler struct {
	cron   *cron.Cron
	logger *logging.Logger

	mu      sync.Mutex
	cancels map[cron.EntryID]context.CancelFunc
}

// New creates a Scheduler using the standard 5-field cron syntax.
func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewFromEnv("scheduler")
	}
	return &Scheduler{
		cron:    cron.New(),
		logger:  logger,
		cancels: make(map[cron.EntryID]context.CancelFunc),
	}
}

// Register schedules a job. The owner tag appears in job logs.
func (s *Scheduler) Register(owner, name, spec string, job Job) (cron.EntryID, error) {
	ctx, cancel := context.WithCancel(logging.WithModule(context.Background(), owner))

	id, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := job(ctx); err != nil {
			s.logger.WithError(err).WithFields(map[string]interface{}{
				"owner":       owner,
				"job":         name,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Warn("scheduled job failed")
		}
	})
	if err != nil {
		cancel()
		return 0, err
	}

	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
	return id, nil
}

// Remove cancels and unschedules a job.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
	s.mu.Lock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()
}

// Start launches the cron runner.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling, cancels outstanding job contexts, and waits for
// running jobs to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	s.mu.Lock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()
	<-stopCtx.Done()
}

// JobCount returns the number of registered jobs.
func (s *Scheduler) JobCount() int {
	return len(s.cron.Entries())
}
