package sync

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sandwichfarm/feedgraph/internal/api"
	"github.com/sandwichfarm/feedgraph/internal/model"
)

// Session is one signed-in account. Its sources are polled until it is
// removed or its credentials are rejected.
type Session struct {
	engine  *Engine
	handle  string
	account *model.Account
	client  api.Client

	mu    sync.RWMutex
	lists []model.List

	suspended atomic.Bool
}

func (s *Session) Account() *model.Account { return s.account }
func (s *Session) Client() api.Client      { return s.client }

// Suspended reports whether polling stopped after an auth failure
func (s *Session) Suspended() bool {
	return s.suspended.Load()
}

// Lists returns the lists this account owns as of the last refresh
func (s *Session) Lists() []model.List {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.lists)
}

func (s *Session) setLists(lists []model.List) {
	s.mu.Lock()
	s.lists = slices.Clone(lists)
	s.mu.Unlock()
}

func (s *Session) hasList(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.ContainsFunc(s.lists, func(l model.List) bool { return l.ID == id })
}

// Favorite favorites p as this account. Favorites on a reshare go to the
// post it reshares.
func (s *Session) Favorite(ctx context.Context, p *model.Post) (*model.Post, error) {
	e := s.engine
	target := e.graph.ReshareAncestor(ctx, p, false)
	rec, err := s.client.CreateFavorite(ctx, target.ID())
	if err != nil {
		return nil, fmt.Errorf("favorite %d: %w", target.ID(), err)
	}
	if _, err := e.posts.Put(ctx, rec); err != nil {
		e.logger.LogMalformedRecord("favorites/create", err)
	}
	e.graph.RegisterFavorite(target, s.account, e.now())
	return target, nil
}

// Unfavorite reverses Favorite
func (s *Session) Unfavorite(ctx context.Context, p *model.Post) (*model.Post, error) {
	e := s.engine
	target := e.graph.ReshareAncestor(ctx, p, false)
	rec, err := s.client.DestroyFavorite(ctx, target.ID())
	if err != nil {
		return nil, fmt.Errorf("unfavorite %d: %w", target.ID(), err)
	}
	if _, err := e.posts.Put(ctx, rec); err != nil {
		e.logger.LogMalformedRecord("favorites/destroy", err)
	}
	e.graph.UnregisterFavorite(target, s.account, e.now())
	return target, nil
}

// Reshare reshares p as this account and returns the new reshare post.
// The reshare is linked to its target when it is stored.
func (s *Session) Reshare(ctx context.Context, p *model.Post) (*model.Post, error) {
	e := s.engine
	target := e.graph.ReshareAncestor(ctx, p, false)
	rec, err := s.client.Reshare(ctx, target.ID())
	if err != nil {
		return nil, fmt.Errorf("reshare %d: %w", target.ID(), err)
	}
	return e.posts.Put(ctx, rec)
}

// DestroyReshare deletes this account's reshare of p. Returns
// model.ErrNotFound if the account has no known reshare of it.
func (s *Session) DestroyReshare(ctx context.Context, p *model.Post) error {
	target := s.engine.graph.ReshareAncestor(ctx, p, false)
	for _, r := range target.Reshares() {
		if a := r.Author(); a != nil && a.ID() == s.account.ID() {
			return s.Destroy(ctx, r)
		}
	}
	return fmt.Errorf("reshare of %d by %s: %w", target.ID(), s.account.Handle(), model.ErrNotFound)
}

// Post publishes body, optionally as a reply
func (s *Session) Post(ctx context.Context, body string, replyTo *model.Post) (*model.Post, error) {
	e := s.engine
	var replyID int64
	if replyTo != nil {
		replyID = replyTo.ID()
	}
	rec, err := s.client.CreatePost(ctx, body, replyID)
	if err != nil {
		return nil, fmt.Errorf("post: %w", err)
	}
	p, err := e.posts.Put(ctx, rec)
	if err != nil {
		return nil, err
	}
	e.graph.Link(ctx, p)
	return p, nil
}

// Destroy deletes p, which must be authored by this account
func (s *Session) Destroy(ctx context.Context, p *model.Post) error {
	if a := p.Author(); a == nil || a.ID() != s.account.ID() {
		return fmt.Errorf("destroy %d as %s: %w", p.ID(), s.account.Handle(), model.ErrNotPermitted)
	}
	if _, err := s.client.DestroyPost(ctx, p.ID()); err != nil && !api.IsNotFound(err) {
		return fmt.Errorf("destroy %d: %w", p.ID(), err)
	}
	s.engine.graph.HandleDestroyed(p)
	return nil
}
