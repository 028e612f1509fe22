package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/sandwichfarm/feedgraph/internal/model"
	"github.com/sandwichfarm/feedgraph/internal/ops"
)

// PostFetcher retrieves a single post record from the remote API
type PostFetcher interface {
	FetchPost(ctx context.Context, id int64) (model.PostRecord, error)
}

// MaterializeHook runs after a post is created, and again if a pending
// reshare reference on an existing post becomes resolved
type MaterializeHook func(p *model.Post)

// PostStore holds canonical posts. Embedded author, reshare and quoted
// records are stored first so that a post never points at a
// non-canonical instance.
type PostStore struct {
	*Store[*model.Post]

	accounts *AccountStore
	logger   *ops.Logger

	hooksMu sync.RWMutex
	hooks   []MaterializeHook
}

// NewPostStore creates an empty post store resolving authors through accounts
func NewPostStore(accounts *AccountStore, logger *ops.Logger) *PostStore {
	logger = ops.OrDefault(logger)
	return &PostStore{
		Store:    newStore[*model.Post]("post", logger),
		accounts: accounts,
		logger:   logger.WithComponent("post-store"),
	}
}

// Accounts returns the account store posts resolve their authors through
func (s *PostStore) Accounts() *AccountStore {
	return s.accounts
}

// SetFetcher wires remote lookups for FetchIfMissing resolution
func (s *PostStore) SetFetcher(f PostFetcher) {
	if f == nil {
		return
	}
	s.Store.SetFetcher(func(ctx context.Context, id int64) (*model.Post, error) {
		rec, err := f.FetchPost(ctx, id)
		if err != nil {
			return nil, err
		}
		return s.Put(ctx, rec)
	})
}

// OnMaterialize registers a hook. Hooks run synchronously on the goroutine
// that stored the post.
func (s *PostStore) OnMaterialize(hook MaterializeHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Put stores a post record and returns its canonical instance. If the id is
// already cached the existing instance is updated in place.
func (s *PostStore) Put(ctx context.Context, rec model.PostRecord) (*model.Post, error) {
	return s.put(ctx, rec, 0)
}

// maxEmbedDepth caps recursion through embedded reshare/quote records
const maxEmbedDepth = 4

func (s *PostStore) put(ctx context.Context, rec model.PostRecord, depth int) (*model.Post, error) {
	if rec.ID == 0 {
		return nil, fmt.Errorf("post without id: %w", model.ErrMalformedRecord)
	}

	author, err := s.author(rec)
	if err != nil {
		if _, ok := s.Get(rec.ID); !ok {
			return nil, err
		}
		author = nil
	}

	var reshare *model.Post
	switch target := rec.ReshareTargetID(); {
	case target == 0 || target == rec.ID:
	case rec.ReshareOf != nil && depth < maxEmbedDepth:
		reshare, err = s.put(ctx, *rec.ReshareOf, depth+1)
		if err != nil {
			s.logger.Warn("embedded reshare dropped", "post_id", rec.ID, "target_id", target, "error", err)
			reshare, _ = s.Get(target)
		}
	default:
		reshare, _ = s.Get(target)
	}

	if rec.Quoted != nil && rec.Quoted.ID != rec.ID && depth < maxEmbedDepth {
		if _, err := s.put(ctx, *rec.Quoted, depth+1); err != nil {
			s.logger.Warn("embedded quote dropped", "post_id", rec.ID, "quoted_id", rec.Quoted.ID, "error", err)
		}
	}

	p, created := s.loadOrCreate(rec.ID, func() *model.Post {
		return model.NewPost(rec, author, reshare)
	})
	resolved := false
	if !created {
		resolved = p.Update(rec, author, reshare)
	}
	if created || resolved {
		s.runHooks(p)
	}
	return p, nil
}

func (s *PostStore) author(rec model.PostRecord) (*model.Account, error) {
	if rec.Author != nil {
		return s.accounts.Put(*rec.Author)
	}
	if rec.AuthorID == 0 {
		return nil, fmt.Errorf("post %d without author: %w", rec.ID, model.ErrMalformedRecord)
	}
	if a, ok := s.accounts.Get(rec.AuthorID); ok {
		return a, nil
	}
	// stub account; filled in place once a full record arrives
	return s.accounts.Put(model.AccountRecord{ID: rec.AuthorID})
}

func (s *PostStore) runHooks(p *model.Post) {
	s.hooksMu.RLock()
	hooks := s.hooks
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(p)
	}
}

// PutMany stores records in order. Malformed records are logged and
// skipped without aborting the batch.
func (s *PostStore) PutMany(ctx context.Context, endpoint string, recs []model.PostRecord) []*model.Post {
	posts := make([]*model.Post, 0, len(recs))
	for _, rec := range recs {
		p, err := s.Put(ctx, rec)
		if err != nil {
			s.logger.LogMalformedRecord(endpoint, err)
			continue
		}
		posts = append(posts, p)
	}
	return posts
}

// ResolveRef turns a reference into a canonical post
func (s *PostStore) ResolveRef(ctx context.Context, ref model.Ref, policy Policy) (*model.Post, error) {
	if p, ok := ref.Post(); ok {
		return p, nil
	}
	if ref.Kind() != model.RefRawID {
		return nil, fmt.Errorf("%s: %w", ref, model.ErrNotFound)
	}
	return s.Resolve(ctx, ref.ID(), policy)
}
