package identity

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"github.com/sandwichfarm/feedgraph/internal/model"
	"github.com/sandwichfarm/feedgraph/internal/ops"
)

// AccountFetcher retrieves account records from the remote API
type AccountFetcher interface {
	FetchAccount(ctx context.Context, id int64) (model.AccountRecord, error)
	FetchAccountByHandle(ctx context.Context, handle string) (model.AccountRecord, error)
}

// AccountStore holds canonical accounts keyed by id, with a secondary
// handle index. The index is only a hint: every hit is checked against the
// account's current handle, so a rename never returns the wrong account.
type AccountStore struct {
	*Store[*model.Account]

	handles       *xsync.MapOf[string, int64]
	handleLookups singleflight.Group
	fetcher       atomic.Pointer[AccountFetcher]
}

// NewAccountStore creates an empty account store
func NewAccountStore(logger *ops.Logger) *AccountStore {
	return &AccountStore{
		Store:   newStore[*model.Account]("account", logger),
		handles: xsync.NewMapOf[string, int64](),
	}
}

// SetFetcher wires remote lookups for FetchIfMissing resolution
func (s *AccountStore) SetFetcher(f AccountFetcher) {
	if f == nil {
		return
	}
	s.fetcher.Store(&f)
	s.Store.SetFetcher(func(ctx context.Context, id int64) (*model.Account, error) {
		rec, err := f.FetchAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		return s.Put(rec)
	})
}

// Put stores an account record, updating the existing instance in place
func (s *AccountStore) Put(rec model.AccountRecord) (*model.Account, error) {
	if rec.ID == 0 {
		return nil, fmt.Errorf("account without id: %w", model.ErrMalformedRecord)
	}

	a, created := s.loadOrCreate(rec.ID, func() *model.Account {
		return model.NewAccount(rec)
	})
	if !created {
		if prev := a.Update(rec); !strings.EqualFold(prev, a.Handle()) {
			s.handles.Compute(normalizeHandle(prev), func(id int64, loaded bool) (int64, bool) {
				// delete only if the old handle still points at us
				return id, !loaded || id == rec.ID
			})
		}
	}
	if h := normalizeHandle(a.Handle()); h != "" {
		s.handles.Store(h, a.ID())
	}
	return a, nil
}

// ByHandle returns the cached account currently using handle
func (s *AccountStore) ByHandle(handle string) (*model.Account, bool) {
	key := normalizeHandle(handle)
	id, ok := s.handles.Load(key)
	if !ok {
		return nil, false
	}
	a, ok := s.Get(id)
	if !ok || normalizeHandle(a.Handle()) != key {
		return nil, false
	}
	return a, true
}

// ResolveHandle is Resolve keyed by handle instead of id
func (s *AccountStore) ResolveHandle(ctx context.Context, handle string, policy Policy) (*model.Account, error) {
	key := normalizeHandle(handle)
	if key == "" {
		return nil, fmt.Errorf("empty handle: %w", model.ErrNotFound)
	}
	if a, ok := s.ByHandle(key); ok {
		return a, nil
	}

	f := s.fetcher.Load()
	if policy == LocalOnly || f == nil {
		return nil, fmt.Errorf("account @%s: %w", key, model.ErrNotFound)
	}

	ch := s.handleLookups.DoChan(key, func() (any, error) {
		if a, ok := s.ByHandle(key); ok {
			return a, nil
		}
		s.fetches.Add(1)
		rec, err := (*f).FetchAccountByHandle(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}
		return s.Put(rec)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("fetch account @%s: %w", key, res.Err)
		}
		return res.Val.(*model.Account), nil
	}
}

func normalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}
