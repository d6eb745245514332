package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/stridefed/courier/internal/config"
	"github.com/stridefed/courier/internal/models"
	"github.com/stridefed/courier/internal/reputation"
	"github.com/stridefed/courier/internal/store"
)

// Scheduler drives the two delivery loops: a pending loop that drains the
// FIFO queue and a retry loop that releases jobs whose due time has passed.
// Both run concurrently over a bounded worker pool; the store's atomic claim
// semantics make it safe to run several scheduler instances side by side.
type Scheduler struct {
	store   store.Store
	worker  *Worker
	tracker *reputation.Tracker
	cfg     config.SchedulerConfig
	log     zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewScheduler(s store.Store, worker *Worker, tracker *reputation.Tracker, cfg config.SchedulerConfig, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		worker:   worker,
		tracker:  tracker,
		cfg:      cfg,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
		stop:     make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info().
		Int("workers", s.cfg.Workers).
		Dur("pending_interval", s.cfg.PendingInterval).
		Dur("retry_interval", s.cfg.RetryInterval).
		Msg("starting delivery scheduler")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.pendingLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.retryLoop(ctx)
	}()
}

func (s *Scheduler) Stop() {
	s.log.Info().Msg("stopping delivery scheduler")
	close(s.stop)
	s.wg.Wait()
	s.log.Info().Msg("delivery scheduler stopped")
}

func (s *Scheduler) pendingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PendingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainPending(ctx)
		}
	}
}

func (s *Scheduler) drainPending(ctx context.Context) {
	for {
		jobs, err := s.store.DequeuePending(ctx, s.cfg.PendingBatch)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to dequeue pending deliveries")
			return
		}
		if len(jobs) == 0 {
			return
		}

		s.run(ctx, jobs)

		if len(jobs) < s.cfg.PendingBatch {
			return
		}
	}
}

func (s *Scheduler) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.releaseDueRetries(ctx)
		}
	}
}

func (s *Scheduler) releaseDueRetries(ctx context.Context) {
	servers, err := s.store.RetryServers(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list servers with scheduled retries")
		return
	}

	now := time.Now().UTC()
	for _, server := range servers {
		jobs, err := s.store.DueRetries(ctx, server, now)
		if err != nil {
			s.log.Error().Err(err).Str("server", server).Msg("failed to claim due retries")
			continue
		}
		if len(jobs) == 0 {
			continue
		}
		s.run(ctx, jobs)
	}
}

func (s *Scheduler) run(ctx context.Context, jobs []models.DeliveryJob) {
	p := pool.New().WithMaxGoroutines(s.cfg.Workers)
	for _, job := range jobs {
		job := job
		p.Go(func() {
			s.dispatch(ctx, job)
		})
	}
	p.Wait()
}

// dispatch throttles jobs aimed at degraded servers, then hands off to the
// worker. Suspended servers are rejected inside the worker itself.
func (s *Scheduler) dispatch(ctx context.Context, job models.DeliveryJob) {
	status, err := s.tracker.Status(ctx, job.Server)
	if err != nil {
		s.log.Error().Err(err).Str("server", job.Server).Msg("failed to read server status")
		return
	}
	if status == models.ServerDegraded && s.cfg.DegradedSpacing > 0 {
		if err := s.limiter(job.Server).Wait(ctx); err != nil {
			return
		}
	}
	s.worker.Process(ctx, job)
}

func (s *Scheduler) limiter(server string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[server]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.cfg.DegradedSpacing), 1)
		s.limiters[server] = l
	}
	return l
}
