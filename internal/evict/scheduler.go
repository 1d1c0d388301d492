package evict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/j3t/pipeline-cache/internal/lock"
)

const (
	DefaultInterval     = time.Hour
	DefaultInitialDelay = time.Hour
	DefaultLockKey      = "pipeline-cache:eviction"
	DefaultLockTTL      = 10 * time.Minute
)

// ErrLocked is returned by RunOnce when another process holds the eviction
// lease.
var ErrLocked = errors.New("evict: eviction already running")

// Scheduler runs a Policy periodically. When Locker is set, a run only
// happens while holding the LockKey lease.
type Scheduler struct {
	Policy       *Policy
	Interval     time.Duration
	InitialDelay time.Duration
	Locker       lock.Locker
	LockKey      string
	LockTTL      time.Duration
	Logger       zerolog.Logger
}

// RunOnce runs the policy a single time under the lease.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	if s.Locker == nil {
		return s.Policy.Run(ctx)
	}

	key := s.LockKey
	if key == "" {
		key = DefaultLockKey
	}
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	lease, ok, err := s.Locker.TryLock(ctx, key, ttl)
	if err != nil {
		return Result{}, fmt.Errorf("acquire eviction lease: %w", err)
	}
	if !ok {
		return Result{}, ErrLocked
	}
	defer func() {
		if err := lease.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.Logger.Warn().Err(err).Str("key", key).Msg("failed to release eviction lease")
		}
	}()
	return s.Policy.Run(ctx)
}

// Start runs the policy after InitialDelay and then every Interval until ctx
// is done. Failed runs are logged and retried on the next tick.
func (s *Scheduler) Start(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	delay := s.InitialDelay
	if delay < 0 {
		delay = 0
	}
	s.Logger.Info().Dur("initial_delay", delay).Dur("interval", interval).Msg("eviction scheduler started")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}
	s.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrLocked):
		s.Logger.Debug().Msg("eviction skipped, lease held elsewhere")
	case ctx.Err() != nil:
	default:
		s.Logger.Error().Err(err).Msg("eviction failed")
	}
}
