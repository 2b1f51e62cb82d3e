package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go-log-indexer/internal/cache"
	"go-log-indexer/internal/indexset"

	"github.com/robfig/cron/v3"
)

// rotationTimeout caps one scheduled cycle: index creation plus the health
// wait.
const rotationTimeout = 5 * time.Minute

// defaultLockTTL outlives a scheduled cycle even without a refresh.
const defaultLockTTL = 6 * time.Minute

// Locker hands out the cross-process lock that keeps two workers from
// cycling the same set at once; *cache.Client satisfies it.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*cache.Lock, error)
}

// Rotator cycles index sets on their rotation_schedule.
//
// The returned Rotator must be stopped on shutdown:
//
//	r := NewRotator(locker, cfg.RotationLockTTL, logger)
//	r.Sync(reloader.Current())
//	r.Start()
//	defer r.Stop()  // waits for any running cycle to finish before returning
type Rotator struct {
	cron    *cron.Cron
	locker  Locker
	lockTTL time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	entries []cron.EntryID
}

func NewRotator(locker Locker, lockTTL time.Duration, logger *slog.Logger) *Rotator {
	if logger == nil {
		logger = slog.Default()
	}
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Rotator{
		cron:    cron.New(),
		locker:  locker,
		lockTTL: lockTTL,
		logger:  logger.With("component", "cron"),
	}
}

// Sync replaces the scheduled cycles with one entry per writable set of reg
// that has a rotation schedule. Pass it to Reloader.OnReload to follow
// configuration changes.
func (r *Rotator) Sync(reg *indexset.Registry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.entries {
		r.cron.Remove(id)
	}
	r.entries = r.entries[:0]

	var errs []error
	for _, s := range reg.Writable() {
		schedule := s.Config().RotationSchedule
		if schedule == "" {
			continue
		}
		id, err := r.cron.AddFunc(schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), rotationTimeout)
			defer cancel()
			if _, err := r.Rotate(ctx, s); err != nil && !errors.Is(err, cache.ErrLockHeld) {
				r.logger.Error("scheduled rotation failed", "prefix", s.Prefix(), "error", err)
			}
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("worker: schedule %s: %w", s.Prefix(), err))
			continue
		}
		r.entries = append(r.entries, id)
		r.logger.Info("rotation scheduled", "prefix", s.Prefix(), "schedule", schedule)
	}
	return errors.Join(errs...)
}

// Scheduled returns the number of sets with an active rotation entry.
func (r *Rotator) Scheduled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Rotator) Start() {
	r.cron.Start()
	r.logger.Info("cron scheduler started")
}

// Stop halts the scheduler and waits for a running cycle to return.
func (r *Rotator) Stop() {
	<-r.cron.Stop().Done()
}

// Rotate cycles s while holding the set's rotation lock and returns the new
// write index. It fails with cache.ErrLockHeld when another process is
// already cycling the set, and with cache.ErrLockLost when the lock lapsed
// before the cycle finished.
//
// The lock is refreshed every third of its TTL while the cycle runs. A
// refresh that finds the lock gone cancels the cycle before it moves the
// alias.
func (r *Rotator) Rotate(ctx context.Context, s *indexset.IndexSet) (string, error) {
	lock, err := r.locker.Acquire(ctx, "rotate:"+s.Prefix(), r.lockTTL)
	if errors.Is(err, cache.ErrLockHeld) {
		r.logger.Info("rotation already running elsewhere, skipping", "prefix", s.Prefix())
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("worker: lock %s: %w", s.Prefix(), err)
	}

	r.logger.Info("rotation started", "prefix", s.Prefix())
	newIndex, err := r.underLock(ctx, lock, s.Prefix(), s.Cycle)
	if errors.Is(err, cache.ErrLockLost) {
		r.logger.Error("rotation lock lost during cycle", "prefix", s.Prefix(), "index", newIndex, "error", err)
		return "", err
	}
	if errors.Is(err, indexset.ErrRetireNotScheduled) {
		// The alias already moved; only the old index stays writable.
		r.logger.Warn("rotation done, old index not retired", "prefix", s.Prefix(), "index", newIndex, "error", err)
		return newIndex, nil
	}
	if err != nil {
		return "", err
	}
	r.logger.Info("rotation done", "prefix", s.Prefix(), "index", newIndex)
	return newIndex, nil
}

// RepairAlias takes the set's rotation lock and detaches the write alias from
// every index but the newest. It returns the single remaining target.
func (r *Rotator) RepairAlias(ctx context.Context, s *indexset.IndexSet) (string, error) {
	lock, err := r.locker.Acquire(ctx, "rotate:"+s.Prefix(), r.lockTTL)
	if errors.Is(err, cache.ErrLockHeld) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("worker: lock %s: %w", s.Prefix(), err)
	}

	return r.underLock(ctx, lock, s.Prefix(), func(ctx context.Context) (string, error) {
		targets, err := s.AliasTargets(ctx)
		if err != nil {
			return "", err
		}
		if err := s.CleanupAliases(ctx, targets); err != nil {
			return "", err
		}
		return s.CurrentTarget(ctx)
	})
}

// underLock runs fn while keeping lock alive, then releases it. A lock that
// lapsed at any point turns the result into an error wrapping
// cache.ErrLockLost.
func (r *Rotator) underLock(ctx context.Context, lock *cache.Lock, prefix string, fn func(context.Context) (string, error)) (string, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	refreshed := make(chan struct{})
	go func() {
		defer close(refreshed)
		r.keepAlive(runCtx, cancel, lock, prefix)
	}()

	result, err := fn(runCtx)
	cancel(nil)
	<-refreshed
	lost := errors.Is(context.Cause(runCtx), cache.ErrLockLost)

	// runCtx is done by now and ctx may be; release on a fresh one.
	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer releaseCancel()
	switch rerr := lock.Release(releaseCtx); {
	case errors.Is(rerr, cache.ErrLockLost):
		lost = true
	case rerr != nil:
		r.logger.Warn("release rotation lock", "prefix", prefix, "error", rerr)
	}

	if !lost {
		return result, err
	}
	if err != nil {
		return result, fmt.Errorf("worker: %s: %w: %w", prefix, cache.ErrLockLost, err)
	}
	return result, fmt.Errorf("worker: %s: %w", prefix, cache.ErrLockLost)
}

// keepAlive refreshes lock every third of the TTL until ctx is done. It
// cancels ctx with cache.ErrLockLost when the lock is gone, or when Redis
// errors have kept it from being refreshed for a whole TTL.
func (r *Rotator) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, lock *cache.Lock, prefix string) {
	ticker := time.NewTicker(r.lockTTL / 3)
	defer ticker.Stop()

	refreshed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := lock.Refresh(ctx, r.lockTTL)
		switch {
		case err == nil:
			refreshed = time.Now()
		case errors.Is(err, cache.ErrLockLost):
			cancel(fmt.Errorf("worker: refresh %s: %w", lock.Key(), cache.ErrLockLost))
			return
		case ctx.Err() != nil:
			return
		default:
			r.logger.Warn("refresh rotation lock", "prefix", prefix, "error", err)
			if time.Since(refreshed) >= r.lockTTL {
				cancel(fmt.Errorf("worker: refresh %s: %w: %w", lock.Key(), cache.ErrLockLost, err))
				return
			}
		}
	}
}
