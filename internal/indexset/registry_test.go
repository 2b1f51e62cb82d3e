package indexset

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go-log-indexer/internal/search"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func testDeps(indices *fakeIndices) Deps {
	return Deps{Indices: indices, Jobs: &fakeScheduler{}, HealthTimeout: time.Second}
}

func TestRegistryLookups(t *testing.T) {
	reg, err := NewRegistry([]Config{
		{ID: "default", Prefix: "graylog", Default: true},
		{ID: "audit", Prefix: "audit"},
	}, testDeps(newFakeIndices()))
	require.NoError(t, err)

	s, ok := reg.ForIndex("audit_3")
	require.True(t, ok)
	assert.Equal(t, "audit", s.Prefix())

	_, ok = reg.ForIndex("audit_deflector")
	assert.False(t, ok)
	_, ok = reg.ForIndex("unrelated_1")
	assert.False(t, ok)

	def, err := reg.Default()
	require.NoError(t, err)
	assert.Equal(t, "graylog", def.Prefix())

	assert.Equal(t, []string{"graylog_*", "audit_*"}, reg.AllWriteWildcards())
	assert.Equal(t, []string{"graylog_deflector", "audit_deflector"}, reg.WriteAliases())
	assert.True(t, reg.IsManagedIndex("graylog_0_restored_archive"))
	assert.False(t, reg.IsManagedIndex("graylog_deflector"))

	_, ok = reg.ByPrefix("audit")
	assert.True(t, ok)
}

func TestRegistryResolve(t *testing.T) {
	readOnly := false
	reg, err := NewRegistry([]Config{
		{ID: "default", Prefix: "graylog", Default: true},
		{ID: "audit", Prefix: "audit"},
		{ID: "archive", Prefix: "archive", Writable: &readOnly},
	}, testDeps(newFakeIndices()))
	require.NoError(t, err)

	s, err := reg.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "graylog", s.Prefix())

	s, err = reg.Resolve("audit")
	require.NoError(t, err)
	assert.Equal(t, "audit", s.Prefix())

	_, err = reg.Resolve("missing")
	assert.ErrorIs(t, err, ErrUnknownSet)

	_, err = reg.Resolve("archive")
	assert.ErrorIs(t, err, ErrNotWritable)
}

func TestRegistryWithoutDefault(t *testing.T) {
	reg, err := NewRegistry([]Config{{ID: "a", Prefix: "a"}}, testDeps(newFakeIndices()))
	require.NoError(t, err)

	_, err = reg.Default()
	assert.ErrorIs(t, err, ErrNoDefaultSet)
}

func TestRegistryRejectsOverlap(t *testing.T) {
	_, err := NewRegistry([]Config{{ID: "a", Prefix: "logs"}, {ID: "b", Prefix: "logs_x"}}, testDeps(newFakeIndices()))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSetUpAll(t *testing.T) {
	indices := newFakeIndices()
	readOnly := false
	reg, err := NewRegistry([]Config{
		{ID: "a", Prefix: "a"},
		{ID: "b", Prefix: "b"},
		{ID: "c", Prefix: "c", Writable: &readOnly},
	}, testDeps(indices))
	require.NoError(t, err)

	require.NoError(t, reg.SetUpAll(context.Background()))

	assert.ElementsMatch(t, []string{"a_0", "b_0"}, indices.created)
	assert.Len(t, reg.Writable(), 2)
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestReloaderKeepsPreviousOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indexsets.yaml")
	writeConfig(t, path, "index_sets:\n  - prefix: graylog\n    default: true\n")

	rl, err := NewReloader(path, time.Second, testDeps(newFakeIndices()))
	require.NoError(t, err)
	first := rl.Current()

	var seen []*Registry
	rl.OnReload(func(r *Registry) { seen = append(seen, r) })

	// Given an overlapping prefix, the reload is rejected
	writeConfig(t, path, "index_sets:\n  - prefix: graylog\n  - prefix: graylog2\n")
	require.ErrorIs(t, rl.Reload(context.Background()), ErrInvalidConfig)
	assert.Same(t, first, rl.Current())
	assert.Empty(t, seen)

	// Given a valid change, the whole registry is replaced
	writeConfig(t, path, "index_sets:\n  - prefix: graylog\n  - prefix: audit\n")
	require.NoError(t, rl.Reload(context.Background()))
	assert.NotSame(t, first, rl.Current())
	assert.Len(t, rl.Current().All(), 2)
	require.Len(t, seen, 1)
	assert.Same(t, rl.Current(), seen[0])
}

func TestReloaderSetsUpBeforeSwap(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "indexsets.yaml")
	writeConfig(t, path, "index_sets:\n  - prefix: graylog\n    default: true\n")

	indices := newFakeIndices()
	rl, err := NewReloader(path, time.Second, testDeps(indices))
	require.NoError(t, err)

	rl.BeforeSwap(func(ctx context.Context, reg *Registry) error {
		// Nothing routes to the new sets until they are up.
		assert.NotSame(t, reg, rl.Current())
		return reg.SetUpAll(ctx)
	})

	// Given a new set, its alias exists once the registry is visible
	writeConfig(t, path, "index_sets:\n  - prefix: graylog\n    default: true\n  - prefix: audit\n")
	require.NoError(t, rl.Reload(ctx))
	_, err = rl.Current().Resolve("audit")
	require.NoError(t, err)
	up, err := indices.AliasExists(ctx, "audit_deflector")
	require.NoError(t, err)
	assert.True(t, up)

	// Given the backend fails during set-up, the previous registry stays
	applied := rl.Current()
	indices.listErr = search.ErrUnavailable
	writeConfig(t, path, "index_sets:\n  - prefix: graylog\n    default: true\n  - prefix: audit\n  - prefix: billing\n")
	err = rl.Reload(ctx)
	assert.ErrorIs(t, err, ErrReloadNotApplied)
	assert.ErrorIs(t, err, search.ErrUnavailable)
	assert.Same(t, applied, rl.Current())
	_, err = rl.Current().Resolve("billing")
	assert.ErrorIs(t, err, ErrUnknownSet)
}

func TestReloaderWatchRetriesFailedSetUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "indexsets.yaml")
	writeConfig(t, path, "index_sets:\n  - prefix: graylog\n")

	rl, err := NewReloader(path, time.Second, testDeps(newFakeIndices()))
	require.NoError(t, err)
	rl.retry = 50 * time.Millisecond

	attempts := atomic.NewInt32(0)
	rl.BeforeSwap(func(context.Context, *Registry) error {
		if attempts.Inc() == 1 {
			return search.ErrUnavailable
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rl.Watch(ctx) }()

	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, "index_sets:\n  - prefix: graylog\n  - prefix: audit\n")

	assert.Eventually(t, func() bool {
		return len(rl.Current().All()) == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))

	cancel()
	assert.NoError(t, <-done)
}

func TestReloaderWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "indexsets.yaml")
	writeConfig(t, path, "index_sets:\n  - prefix: graylog\n")

	rl, err := NewReloader(path, time.Second, testDeps(newFakeIndices()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rl.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, "index_sets:\n  - prefix: graylog\n  - prefix: audit\n")

	assert.Eventually(t, func() bool {
		return len(rl.Current().All()) == 2
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
