// Package indexset manages groups of physical indices that share a prefix and
// are written through a single alias (the "deflector").
//
// An index set owns names of the form "{prefix}_{N}". Writers only ever see
// "{prefix}_deflector", which points at the newest index. Cycle creates
// "{prefix}_{N+1}", moves the alias to it in one atomic request, and hands the
// previous index to a delayed retire job (flush, read-only, time range).
//
// Cycle is not mutually exclusive. Callers serialise it per set; the worker
// does so with a Redis lock around each scheduled rotation.
package indexset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go-log-indexer/internal/metrics"
	"go-log-indexer/internal/models"
	"go-log-indexer/internal/search"
)

var (
	// ErrNoTargetIndex means the set has no index yet (or the alias points
	// nowhere). Expected on first start: it signals "set up the first index".
	ErrNoTargetIndex = errors.New("indexset: no target index")

	// ErrInvalidWriteTarget means the write alias resolves to several indices.
	// This needs operator attention and is never retried automatically.
	ErrInvalidWriteTarget = errors.New("indexset: write alias has more than one target")

	// ErrRetireNotScheduled is returned by Cycle when the alias moved but the
	// delayed retire job for the old index could not be submitted.
	ErrRetireNotScheduled = errors.New("indexset: retire job not scheduled")
)

// Indices is the slice of the search gateway an index set needs.
type Indices interface {
	CreateIndex(ctx context.Context, name string, settings search.IndexSettings) (bool, error)
	WaitForHealth(ctx context.Context, index, status string, timeout time.Duration) error
	AliasExists(ctx context.Context, alias string) (bool, error)
	AliasTargets(ctx context.Context, alias string) ([]string, error)
	SwapAlias(ctx context.Context, alias, add string, remove []string) error
	RemoveAlias(ctx context.Context, alias string, indices []string) error
	IndexNames(ctx context.Context, wildcard string) ([]string, error)
	Flush(ctx context.Context, index string) error
	SetReadOnly(ctx context.Context, index string) error
	IndexTimeRange(ctx context.Context, index string) (search.TimeRange, error)
}

// Scheduler runs fire-and-forget jobs after a delay.
type Scheduler interface {
	SubmitWithDelay(name string, delay time.Duration, fn func(ctx context.Context) error) (string, error)
}

// RangeStore persists index time ranges.
type RangeStore interface {
	SaveRange(ctx context.Context, r models.IndexRange) error
}

// Deps are the collaborators shared by every set in a registry.
type Deps struct {
	Indices       Indices
	Jobs          Scheduler
	Ranges        RangeStore // optional
	HealthTimeout time.Duration
	Logger        *slog.Logger
}

type IndexSet struct {
	cfg    Config
	naming Naming
	deps   Deps
	logger *slog.Logger
}

func New(cfg Config, deps Deps) *IndexSet {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.HealthTimeout <= 0 {
		deps.HealthTimeout = 30 * time.Second
	}
	return &IndexSet{
		cfg:    cfg,
		naming: NewNaming(cfg.Prefix),
		deps:   deps,
		logger: logger.With("component", "indexset", "prefix", cfg.Prefix),
	}
}

func (s *IndexSet) Config() Config   { return s.cfg }
func (s *IndexSet) Naming() Naming   { return s.naming }
func (s *IndexSet) Prefix() string   { return s.cfg.Prefix }
func (s *IndexSet) IsWritable() bool { return s.cfg.IsWritable() }

func (s *IndexSet) WriteAlias() string { return s.naming.WriteAlias() }

func (s *IndexSet) WriteWildcard() string { return s.naming.WriteWildcard() }

func (s *IndexSet) IsManagedIndex(name string) bool { return s.naming.IsManaged(name) }

// IsUp reports whether the write alias resolves to an index. Backend errors
// are returned, never read as "down".
func (s *IndexSet) IsUp(ctx context.Context) (bool, error) {
	up, err := s.deps.Indices.AliasExists(ctx, s.WriteAlias())
	if err != nil {
		return false, fmt.Errorf("indexset: %s: is up: %w", s.Prefix(), err)
	}
	return up, nil
}

// AliasTargets lists every index the write alias points at. More than one
// means a repair through CleanupAliases is due.
func (s *IndexSet) AliasTargets(ctx context.Context) ([]string, error) {
	targets, err := s.deps.Indices.AliasTargets(ctx, s.WriteAlias())
	if err != nil {
		return nil, fmt.Errorf("indexset: %s: alias targets: %w", s.Prefix(), err)
	}
	return targets, nil
}

// CurrentTarget returns the single index behind the write alias.
func (s *IndexSet) CurrentTarget(ctx context.Context) (string, error) {
	targets, err := s.AliasTargets(ctx)
	if err != nil {
		return "", err
	}
	switch len(targets) {
	case 0:
		return "", fmt.Errorf("indexset: %s: %w", s.Prefix(), ErrNoTargetIndex)
	case 1:
		return targets[0], nil
	}
	return "", fmt.Errorf("indexset: %s: alias %s points at %v: %w",
		s.Prefix(), s.WriteAlias(), targets, ErrInvalidWriteTarget)
}

// ManagedIndices lists every existing member index, restored archives included.
func (s *IndexSet) ManagedIndices(ctx context.Context) ([]string, error) {
	names, err := s.deps.Indices.IndexNames(ctx, s.WriteWildcard())
	if err != nil {
		return nil, fmt.Errorf("indexset: %s: list indices: %w", s.Prefix(), err)
	}
	managed := make([]string, 0, len(names))
	for _, name := range names {
		if s.naming.IsManaged(name) {
			managed = append(managed, name)
		}
	}
	return managed, nil
}

// NewestOrdinal returns the highest ordinal among existing member indices.
// Restored archives and names that do not parse are skipped.
func (s *IndexSet) NewestOrdinal(ctx context.Context) (int, error) {
	managed, err := s.ManagedIndices(ctx)
	if err != nil {
		return 0, err
	}
	newest, found := -1, false
	for _, name := range managed {
		n, ok := s.naming.ParseOrdinal(name)
		if !ok {
			continue
		}
		if n > newest {
			newest, found = n, true
		}
	}
	if !found {
		return 0, fmt.Errorf("indexset: %s: %w", s.Prefix(), ErrNoTargetIndex)
	}
	return newest, nil
}

func (s *IndexSet) NewestIndex(ctx context.Context) (string, error) {
	n, err := s.NewestOrdinal(ctx)
	if err != nil {
		return "", err
	}
	return s.naming.IndexName(n), nil
}

// SetUp makes sure the write alias exists. It is a no-op when the set is
// already up. After a crash between index creation and aliasing, the alias
// is pointed at the newest existing index instead of creating another.
func (s *IndexSet) SetUp(ctx context.Context) error {
	if !s.IsWritable() {
		s.logger.Debug("not setting up non-writable index set")
		return nil
	}

	up, err := s.IsUp(ctx)
	if err != nil {
		return err
	}
	if up {
		s.logger.Debug("index set already up", "alias", s.WriteAlias())
		return nil
	}

	names, err := s.deps.Indices.IndexNames(ctx, s.WriteWildcard())
	if err != nil {
		return fmt.Errorf("indexset: %s: set up: %w", s.Prefix(), err)
	}
	if slices.Contains(names, s.WriteAlias()) {
		s.logger.Error("an index is named like the write alias, remove or rename it",
			"index", s.WriteAlias())
		return fmt.Errorf("indexset: %s: set up: %w", s.Prefix(), search.ErrAliasCollision)
	}

	newest, err := s.NewestIndex(ctx)
	if errors.Is(err, ErrNoTargetIndex) {
		s.logger.Info("no index found, creating the first one")
		_, err := s.Cycle(ctx)
		return err
	}
	if err != nil {
		return err
	}

	s.logger.Info("pointing write alias at existing index", "alias", s.WriteAlias(), "index", newest)
	return s.PointTo(ctx, newest, "")
}

// Cycle rotates the set: it creates the next index, waits for it to become
// healthy, moves the write alias and schedules the retirement of the old
// target. It returns the name of the new index.
//
// The next ordinal is always derived from the indices that exist on the
// backend, so an index created by a failed cycle is never reused.
func (s *IndexSet) Cycle(ctx context.Context) (string, error) {
	if !s.IsWritable() {
		s.logger.Debug("not cycling non-writable index set")
		return "", nil
	}

	oldTarget, err := s.CurrentTarget(ctx)
	switch {
	case errors.Is(err, ErrNoTargetIndex):
		oldTarget = ""
	case err != nil:
		return "", err
	}

	ordinal := 0
	newest, err := s.NewestOrdinal(ctx)
	switch {
	case err == nil:
		ordinal = newest + 1
	case !errors.Is(err, ErrNoTargetIndex):
		return "", err
	}

	newIndex := s.naming.IndexName(ordinal)
	s.logger.Info("cycling index set", "old", oldTarget, "new", newIndex)

	created, err := s.deps.Indices.CreateIndex(ctx, newIndex, search.IndexSettings{
		Shards:   s.cfg.Shards,
		Replicas: s.cfg.Replicas,
	})
	if err != nil {
		return "", fmt.Errorf("indexset: %s: create %s: %w", s.Prefix(), newIndex, err)
	}
	if !created {
		return "", fmt.Errorf("indexset: %s: create %s: %w", s.Prefix(), newIndex, search.ErrIndexExists)
	}

	if err := s.deps.Indices.WaitForHealth(ctx, newIndex, s.cfg.WaitStatus(), s.deps.HealthTimeout); err != nil {
		s.logger.Warn("new index did not become healthy, alias not moved", "index", newIndex, "error", err)
		return "", fmt.Errorf("indexset: %s: wait for %s: %w", s.Prefix(), newIndex, err)
	}

	if s.deps.Ranges != nil {
		unknown := models.IndexRange{Index: newIndex, Unknown: true, CalculatedAt: time.Now().UTC()}
		if err := s.deps.Ranges.SaveRange(ctx, unknown); err != nil {
			return "", fmt.Errorf("indexset: %s: save range of %s: %w", s.Prefix(), newIndex, err)
		}
	}

	// The caller's lock may have lapsed while the index warmed up.
	if err := context.Cause(ctx); err != nil {
		return "", fmt.Errorf("indexset: %s: point alias at %s: %w", s.Prefix(), newIndex, err)
	}
	if err := s.PointTo(ctx, newIndex, oldTarget); err != nil {
		return "", err
	}
	metrics.IndexRotations.WithLabelValues(s.Prefix()).Inc()

	if oldTarget == "" {
		s.logger.Info("write alias created", "alias", s.WriteAlias(), "index", newIndex)
		return newIndex, nil
	}

	jobID, err := s.deps.Jobs.SubmitWithDelay("retire "+oldTarget, s.cfg.ReadOnlyDelay, func(ctx context.Context) error {
		return s.retire(ctx, oldTarget)
	})
	if err != nil {
		s.logger.Error("could not schedule retire job", "index", oldTarget, "error", err)
		return newIndex, fmt.Errorf("indexset: %s: %s: %w: %w", s.Prefix(), oldTarget, ErrRetireNotScheduled, err)
	}

	s.logger.Info("write alias moved",
		"alias", s.WriteAlias(),
		"index", newIndex,
		"previous", oldTarget,
		"retire_job", jobID,
		"retire_delay", s.cfg.ReadOnlyDelay,
	)
	return newIndex, nil
}

// retire runs after the read-only delay: writes routed to the old index
// before the alias moved have landed by then.
func (s *IndexSet) retire(ctx context.Context, index string) error {
	if err := s.deps.Indices.Flush(ctx, index); err != nil {
		return fmt.Errorf("indexset: retire %s: %w", index, err)
	}
	if err := s.deps.Indices.SetReadOnly(ctx, index); err != nil {
		return fmt.Errorf("indexset: retire %s: %w", index, err)
	}

	start := time.Now()
	tr, err := s.deps.Indices.IndexTimeRange(ctx, index)
	if err != nil {
		return fmt.Errorf("indexset: retire %s: %w", index, err)
	}
	if s.deps.Ranges == nil {
		s.logger.Info("index retired", "index", index)
		return nil
	}

	r := models.IndexRange{
		Index:        index,
		CalculatedAt: time.Now().UTC(),
		TookMs:       time.Since(start).Milliseconds(),
	}
	if tr.Empty {
		r.Begin, r.End = time.Unix(0, 0).UTC(), time.Unix(0, 0).UTC()
	} else {
		r.Begin, r.End = tr.Begin, tr.End
	}
	if err := s.deps.Ranges.SaveRange(ctx, r); err != nil {
		return fmt.Errorf("indexset: retire %s: %w", index, err)
	}
	s.logger.Info("index retired", "index", index, "begin", r.Begin, "end", r.End)
	return nil
}

// CleanupAliases removes the write alias from every index in indices except
// the one with the highest ordinal. It repairs a multi-target alias.
func (s *IndexSet) CleanupAliases(ctx context.Context, indices []string) error {
	newest, keep := -1, ""
	var members []string
	for _, name := range indices {
		if !s.naming.IsManaged(name) {
			continue
		}
		members = append(members, name)
		if n, ok := s.naming.ParseOrdinal(name); ok && n > newest {
			newest, keep = n, name
		}
	}

	remove := slices.DeleteFunc(members, func(name string) bool { return name == keep })
	if len(remove) == 0 {
		return nil
	}
	s.logger.Warn("removing write alias from stale indices", "alias", s.WriteAlias(), "indices", remove, "kept", keep)
	if err := s.deps.Indices.RemoveAlias(ctx, s.WriteAlias(), remove); err != nil {
		return fmt.Errorf("indexset: %s: cleanup aliases: %w", s.Prefix(), err)
	}
	return nil
}

// PointTo moves the write alias to newIndex, detaching it from oldIndex when
// given, in one backend request.
func (s *IndexSet) PointTo(ctx context.Context, newIndex, oldIndex string) error {
	var remove []string
	if oldIndex != "" {
		remove = []string{oldIndex}
	}
	if err := s.deps.Indices.SwapAlias(ctx, s.WriteAlias(), newIndex, remove); err != nil {
		if errors.Is(err, search.ErrAliasCollision) {
			s.logger.Error("write alias collides with an existing index", "alias", s.WriteAlias(), "error", err)
		}
		return fmt.Errorf("indexset: %s: point alias at %s: %w", s.Prefix(), newIndex, err)
	}
	return nil
}
