package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sandwichfarm/feedgraph/internal/model"
	"github.com/sandwichfarm/feedgraph/internal/ops"
)

// Policy decides whether a cache miss may go to the network
type Policy int

const (
	// LocalOnly never performs I/O
	LocalOnly Policy = iota
	// FetchIfMissing issues at most one fetch per missing id
	FetchIfMissing
)

func (p Policy) String() string {
	if p == FetchIfMissing {
		return "fetch-if-missing"
	}
	return "local-only"
}

// resolveConcurrency bounds ResolveMany fan-out
const resolveConcurrency = 8

// FetchFunc retrieves a missing object by id and returns its canonical
// instance, already registered in the store.
type FetchFunc[T any] func(ctx context.Context, id int64) (T, error)

// Store is an identity map from remote id to canonical instance.
//
// Lookups are lock-free; creation goes through LoadOrCompute so two racing
// writers of the same id always end up holding the same instance. Misses
// resolved with FetchIfMissing are collapsed by a singleflight group keyed
// by id, and the pending entry is dropped as soon as the fetch completes.
type Store[T comparable] struct {
	kind    string
	table   *xsync.MapOf[int64, T]
	pending singleflight.Group
	fetch   atomic.Pointer[FetchFunc[T]]
	fetches atomic.Int64
	logger  *ops.Logger
}

func newStore[T comparable](kind string, logger *ops.Logger) *Store[T] {
	return &Store[T]{
		kind:   kind,
		table:  xsync.NewMapOf[int64, T](),
		logger: ops.OrDefault(logger).WithComponent(kind + "-store"),
	}
}

// SetFetcher installs the function used to resolve misses under FetchIfMissing
func (s *Store[T]) SetFetcher(fn FetchFunc[T]) {
	s.fetch.Store(&fn)
}

// Get returns the cached instance for id without I/O
func (s *Store[T]) Get(id int64) (T, bool) {
	return s.table.Load(id)
}

// Resolve returns the canonical instance for id. Under LocalOnly a miss
// fails with model.ErrNotFound; under FetchIfMissing concurrent callers for
// the same id share one fetch. A caller whose ctx ends stops waiting, but
// the shared fetch keeps running for the others.
func (s *Store[T]) Resolve(ctx context.Context, id int64, policy Policy) (T, error) {
	var zero T
	if id == 0 {
		return zero, fmt.Errorf("%s 0: %w", s.kind, model.ErrNotFound)
	}
	if v, ok := s.table.Load(id); ok {
		return v, nil
	}

	fetch := s.fetch.Load()
	if policy == LocalOnly || fetch == nil {
		if s.logger.IsDebugEnabled() {
			s.logger.LogCacheOperation("resolve", s.kind+":"+strconv.FormatInt(id, 10), false)
		}
		return zero, fmt.Errorf("%s %d: %w", s.kind, id, model.ErrNotFound)
	}

	ch := s.pending.DoChan(strconv.FormatInt(id, 10), func() (any, error) {
		if v, ok := s.table.Load(id); ok {
			return v, nil
		}
		s.fetches.Add(1)
		return (*fetch)(context.WithoutCancel(ctx), id)
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, fmt.Errorf("fetch %s %d: %w", s.kind, id, res.Err)
		}
		return res.Val.(T), nil
	}
}

// ResolveMany resolves ids in parallel and returns instances in the same
// order. Entries that could not be resolved are left as the zero value and
// their errors are joined into the returned error.
func (s *Store[T]) ResolveMany(ctx context.Context, ids []int64, policy Policy) ([]T, error) {
	out := make([]T, len(ids))
	errs := make([]error, len(ids))

	var g errgroup.Group
	g.SetLimit(resolveConcurrency)
	for i, id := range ids {
		if v, ok := s.table.Load(id); ok {
			out[i] = v
			continue
		}
		if policy == LocalOnly {
			errs[i] = fmt.Errorf("%s %d: %w", s.kind, id, model.ErrNotFound)
			continue
		}
		g.Go(func() error {
			out[i], errs[i] = s.Resolve(ctx, id, policy)
			return nil
		})
	}
	_ = g.Wait()

	return out, errors.Join(errs...)
}

// loadOrCreate returns the instance for id, constructing it with create if
// absent. created reports whether create ran.
func (s *Store[T]) loadOrCreate(id int64, create func() T) (v T, created bool) {
	v, loaded := s.table.LoadOrCompute(id, func() T {
		created = true
		return create()
	})
	return v, !loaded && created
}

// Len returns the number of cached instances
func (s *Store[T]) Len() int {
	return s.table.Size()
}

// Fetches returns how many network fetches the store has issued
func (s *Store[T]) Fetches() int64 {
	return s.fetches.Load()
}

// Range calls fn for each cached instance until fn returns false
func (s *Store[T]) Range(fn func(id int64, v T) bool) {
	s.table.Range(fn)
}
