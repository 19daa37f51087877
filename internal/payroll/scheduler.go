package payroll

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one unit of periodic work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs each job on its own ticker until Stop or ctx cancellation.
// Jobs run once immediately on Start.
type Scheduler struct {
	jobs   []Job
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewScheduler(logger *zap.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{jobs: jobs, logger: logger.Named("scheduler"), done: make(chan struct{})}
}

// CycleJob adapts an Orchestrator to a Job.
func CycleJob(o *Orchestrator, interval time.Duration) Job {
	return Job{
		Name:     "payroll",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := o.RunCycle(ctx)
			return err
		},
	}
}

// RelayJob adapts a Relay to a Job.
func RelayJob(r *Relay, interval time.Duration) Job {
	return Job{
		Name:     "relay",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := r.RunOnce(ctx)
			return err
		},
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	for _, j := range s.jobs {
		if j.Interval <= 0 {
			return fmt.Errorf("job %q: interval must be positive", j.Name)
		}
	}
	s.running = true
	s.done = make(chan struct{})

	for _, j := range s.jobs {
		s.logger.Info("scheduling job", zap.String("job", j.Name), zap.Duration("interval", j.Interval))
		s.wg.Add(1)
		go s.loop(ctx, j, s.done)
	}
	return nil
}

// Stop signals every job loop and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.done)
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j Job, done <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	s.execute(ctx, j)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.execute(ctx, j)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, j Job) {
	if err := j.Run(ctx); err != nil {
		s.logger.Error("scheduled job failed", zap.String("job", j.Name), zap.Error(err))
	}
}
