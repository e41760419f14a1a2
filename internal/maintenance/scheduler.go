package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quotagate/quotagate/internal/logging"
	"github.com/rs/zerolog"
)

// Job is one unit of scheduled work
type Job interface {
	Sweep(ctx context.Context) (*SweepResult, error)
}

// Scheduler runs a Job on a fixed interval
type Scheduler struct {
	job      Job
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger

	mu         sync.Mutex
	running    bool
	lastRun    time.Time
	lastResult *SweepResult
	lastError  string
}

// SchedulerStatus represents the current status of the scheduler
type SchedulerStatus struct {
	Running    bool         `json:"running"`
	Interval   string       `json:"interval"`
	LastRun    *time.Time   `json:"last_run,omitempty"`
	LastResult *SweepResult `json:"last_result,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
}

// NewScheduler creates a new maintenance scheduler
func NewScheduler(job Job, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{
		job:      job,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   logging.NewLogger("maintenance"),
	}
}

// Start runs the job immediately and then on every tick until Stop is
// called or ctx is done
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info().Dur("interval", s.interval).Msg("Maintenance scheduler started")
	return nil
}

// Stop stops the scheduler and waits for an in-flight run to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info().Msg("Maintenance scheduler stopped")
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns a snapshot of the scheduler state
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SchedulerStatus{
		Running:    s.running,
		Interval:   s.interval.String(),
		LastResult: s.lastResult,
		LastError:  s.lastError,
	}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastRun = &t
	}
	return st
}

// RunNow triggers an immediate run outside the schedule
func (s *Scheduler) RunNow(ctx context.Context) (*SweepResult, error) {
	return s.runOnce(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) (*SweepResult, error) {
	result, err := s.job.Sweep(ctx)

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastResult = result
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Msg("Maintenance sweep failed")
	}
	return result, err
}
