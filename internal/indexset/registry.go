package indexset

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoDefaultSet is returned by Default when no set is marked default.
	ErrNoDefaultSet = errors.New("indexset: no default index set")

	ErrUnknownSet  = errors.New("indexset: unknown index set")
	ErrNotWritable = errors.New("indexset: index set is not writable")
)

// Registry holds every configured index set. It is immutable: a
// configuration change builds a new Registry (see Reloader).
type Registry struct {
	sets     []*IndexSet
	byPrefix map[string]*IndexSet
	def      *IndexSet
}

// NewRegistry validates configs and builds one IndexSet per entry.
func NewRegistry(configs []Config, deps Deps) (*Registry, error) {
	if err := Validate(configs); err != nil {
		return nil, err
	}
	r := &Registry{byPrefix: make(map[string]*IndexSet, len(configs))}
	for _, cfg := range configs {
		s := New(cfg, deps)
		r.sets = append(r.sets, s)
		r.byPrefix[cfg.Prefix] = s
		if cfg.Default {
			r.def = s
		}
	}
	return r, nil
}

// ForIndex returns the set managing the named index. Prefixes never
// overlap, so at most one set matches.
func (r *Registry) ForIndex(name string) (*IndexSet, bool) {
	for _, s := range r.sets {
		if s.IsManagedIndex(name) {
			return s, true
		}
	}
	return nil, false
}

func (r *Registry) Default() (*IndexSet, error) {
	if r.def == nil {
		return nil, ErrNoDefaultSet
	}
	return r.def, nil
}

func (r *Registry) ByPrefix(prefix string) (*IndexSet, bool) {
	s, ok := r.byPrefix[prefix]
	return s, ok
}

// Resolve picks the set a message is written to: the set with the given
// prefix, or the default set when prefix is empty.
func (r *Registry) Resolve(prefix string) (*IndexSet, error) {
	var s *IndexSet
	if prefix == "" {
		def, err := r.Default()
		if err != nil {
			return nil, err
		}
		s = def
	} else {
		var ok bool
		if s, ok = r.ByPrefix(prefix); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSet, prefix)
		}
	}
	if !s.IsWritable() {
		return nil, fmt.Errorf("%w: %q", ErrNotWritable, s.Prefix())
	}
	return s, nil
}

func (r *Registry) All() []*IndexSet { return r.sets }

func (r *Registry) Writable() []*IndexSet {
	var out []*IndexSet
	for _, s := range r.sets {
		if s.IsWritable() {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) AllWriteWildcards() []string {
	out := make([]string, 0, len(r.sets))
	for _, s := range r.sets {
		out = append(out, s.WriteWildcard())
	}
	return out
}

func (r *Registry) WriteAliases() []string {
	out := make([]string, 0, len(r.sets))
	for _, s := range r.sets {
		out = append(out, s.WriteAlias())
	}
	return out
}

// IsManagedIndex reports whether any set manages name.
func (r *Registry) IsManagedIndex(name string) bool {
	_, ok := r.ForIndex(name)
	return ok
}

// SetUpAll runs SetUp on every writable set concurrently and returns the
// first failure.
func (r *Registry) SetUpAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, s := range r.Writable() {
		g.Go(func() error {
			if err := s.SetUp(ctx); err != nil {
				return fmt.Errorf("set up %s: %w", s.Prefix(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
