package indexset

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go-log-indexer/internal/models"
	"go-log-indexer/internal/search"
)

// fakeIndices is an in-memory backend with alias semantics close enough to
// the real one for rotation tests.
type fakeIndices struct {
	mu       sync.Mutex
	indices  map[string]bool
	aliases  map[string][]string
	readOnly map[string]bool
	flushed  map[string]bool
	created  []string
	swaps    int
	waited   map[string]string

	createErr error
	healthErr error
	listErr   error
}

func newFakeIndices(existing ...string) *fakeIndices {
	f := &fakeIndices{
		indices:  map[string]bool{},
		aliases:  map[string][]string{},
		readOnly: map[string]bool{},
		flushed:  map[string]bool{},
		waited:   map[string]string{},
	}
	for _, name := range existing {
		f.indices[name] = true
	}
	return f
}

func (f *fakeIndices) CreateIndex(_ context.Context, name string, _ search.IndexSettings) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return false, f.createErr
	}
	if f.indices[name] {
		return false, nil
	}
	f.indices[name] = true
	f.created = append(f.created, name)
	return true, nil
}

func (f *fakeIndices) WaitForHealth(_ context.Context, index, status string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waited[index] = status
	return f.healthErr
}

func (f *fakeIndices) AliasExists(_ context.Context, alias string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.aliases[alias]) > 0, nil
}

func (f *fakeIndices) AliasTargets(_ context.Context, alias string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	targets := slices.Clone(f.aliases[alias])
	slices.Sort(targets)
	return targets, nil
}

func (f *fakeIndices) SwapAlias(_ context.Context, alias, add string, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swaps++
	if f.indices[alias] {
		return fmt.Errorf("swap: %w", search.ErrAliasCollision)
	}
	if !f.indices[add] {
		return errors.New("index_not_found_exception")
	}
	targets := slices.DeleteFunc(slices.Clone(f.aliases[alias]), func(i string) bool {
		return slices.Contains(remove, i)
	})
	f.aliases[alias] = append(targets, add)
	return nil
}

func (f *fakeIndices) RemoveAlias(_ context.Context, alias string, indices []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aliases[alias] = slices.DeleteFunc(f.aliases[alias], func(i string) bool {
		return slices.Contains(indices, i)
	})
	return nil
}

func (f *fakeIndices) IndexNames(_ context.Context, wildcard string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	prefix := strings.TrimSuffix(wildcard, "*")
	var out []string
	for name := range f.indices {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (f *fakeIndices) Flush(_ context.Context, index string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed[index] = true
	return nil
}

func (f *fakeIndices) SetReadOnly(_ context.Context, index string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readOnly[index] = true
	return nil
}

func (f *fakeIndices) IndexTimeRange(context.Context, string) (search.TimeRange, error) {
	return search.TimeRange{
		Begin: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}, nil
}

type scheduledJob struct {
	name  string
	delay time.Duration
	fn    func(ctx context.Context) error
}

// fakeScheduler records jobs instead of running them.
type fakeScheduler struct {
	mu   sync.Mutex
	jobs []scheduledJob
	err  error
}

func (s *fakeScheduler) SubmitWithDelay(name string, delay time.Duration, fn func(ctx context.Context) error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.jobs = append(s.jobs, scheduledJob{name: name, delay: delay, fn: fn})
	return fmt.Sprintf("job-%d", len(s.jobs)), nil
}

type fakeRanges struct {
	mu     sync.Mutex
	ranges map[string]models.IndexRange
}

func newFakeRanges() *fakeRanges {
	return &fakeRanges{ranges: map[string]models.IndexRange{}}
}

func (r *fakeRanges) SaveRange(_ context.Context, ir models.IndexRange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ranges[ir.Index] = ir
	return nil
}
