// Package worker runs the periodic maintenance sweeps: expiring stale
// allocations, activating matured commissions, queueing parked withdrawals
// and retrying failed phase advances.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/shareflow/shareflow-api/internal/pkg/lock"
	"github.com/shareflow/shareflow-api/internal/pkg/metrics"
)

const defaultLockTTL = 5 * time.Minute

// Job is one sweep. Run reports how many rows it touched.
type Job struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Sweeper runs every job on one cron schedule. Each run holds a distributed
// lock named after the job, so parallel workers never sweep concurrently.
type Sweeper struct {
	cron    *cron.Cron
	lock    lock.DistributedLock
	jobs    []Job
	lockTTL time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(schedule string, l lock.DistributedLock, jobs ...Job) (*Sweeper, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{}),
			cron.SkipIfStillRunning(cronLogger{}),
		)),
		lock:    l,
		jobs:    jobs,
		lockTTL: defaultLockTTL,
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(s.ctx, job) }); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s: %w", job.Name, err)
		}
	}
	return s, nil
}

// Start begins scheduling in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	log.Info().Int("jobs", len(s.jobs)).Msg("sweeper started")
}

// Stop cancels running jobs and waits for them to return.
func (s *Sweeper) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	log.Info().Msg("sweeper stopped")
}

// RunAll runs every job once, in order.
func (s *Sweeper) RunAll(ctx context.Context) {
	for _, job := range s.jobs {
		s.RunOnce(ctx, job)
	}
}

// RunOnce runs job if its lock is free. It returns whether the job ran.
func (s *Sweeper) RunOnce(ctx context.Context, job Job) bool {
	s.wg.Add(1)
	defer s.wg.Done()

	key := "sweep:" + job.Name
	acquired, err := s.lock.Acquire(ctx, key, s.lockTTL)
	if err != nil {
		log.Error().Err(err).Str("job", job.Name).Msg("failed to acquire sweep lock")
		return false
	}
	if !acquired {
		log.Debug().Str("job", job.Name).Msg("sweep held by another worker")
		return false
	}
	defer func() {
		if err := s.lock.Release(context.Background(), key); err != nil {
			log.Warn().Err(err).Str("job", job.Name).Msg("failed to release sweep lock")
		}
	}()

	start := time.Now()
	n, err := job.Run(ctx)
	elapsed := time.Since(start)
	metrics.RecordSweep(job.Name, elapsed, err)

	if err != nil {
		log.Error().Err(err).Str("job", job.Name).Dur("elapsed", elapsed).Msg("sweep failed")
		return true
	}
	if n > 0 {
		log.Info().Str("job", job.Name).Int("count", n).Dur("elapsed", elapsed).Msg("sweep done")
	}
	return true
}

// cronLogger routes robfig/cron messages to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
