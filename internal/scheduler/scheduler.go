package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SCHEDULER - fixed-interval jobs with overlap protection
// ═══════════════════════════════════════════════════════════════════════════════
//
// One goroutine per job. A tick is skipped when the previous run of the same
// job is still going, so a slow API pass never stacks. Panics are contained
// per run.
//
// ═══════════════════════════════════════════════════════════════════════════════

// JobFunc is one scheduled unit of work
type JobFunc func(ctx context.Context) error

type job struct {
	name       string
	interval   time.Duration
	runAtStart bool
	fn         JobFunc
	inFlight   atomic.Bool
}

// Scheduler runs registered jobs on their intervals
type Scheduler struct {
	mu      sync.Mutex
	jobs    []*job
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates an empty scheduler
func New() *Scheduler {
	return &Scheduler{stopCh: make(chan struct{})}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(name string, interval time.Duration, runAtStart bool, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{name: name, interval: interval, runAtStart: runAtStart, fn: fn})
}

// Start launches one loop per registered job
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	jobs := s.jobs
	s.mu.Unlock()

	for _, j := range jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	log.Info().Int("jobs", len(jobs)).Msg("⏰ Scheduler started")
}

// Stop halts all job loops and waits for in-flight runs to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	if j.runAtStart {
		s.run(ctx, j)
	}

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx, j)
		}
	}
}

// run executes one job tick, skipping if the previous tick is still running
func (s *Scheduler) run(ctx context.Context, j *job) {
	if !j.inFlight.CompareAndSwap(false, true) {
		log.Warn().Str("job", j.name).Msg("⏭️ Previous run still in flight, skipping tick")
		return
	}
	defer j.inFlight.Store(false)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job", j.name).Interface("panic", r).Msg("Job panicked")
		}
	}()

	start := time.Now()
	if err := j.fn(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("job", j.name).Msg("Job failed")
		return
	}
	log.Debug().Str("job", j.name).Dur("took", time.Since(start)).Msg("Job complete")
}
