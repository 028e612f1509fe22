package graph

import (
	"context"
	"iter"
	"slices"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sandwichfarm/feedgraph/internal/config"
	"github.com/sandwichfarm/feedgraph/internal/events"
	"github.com/sandwichfarm/feedgraph/internal/identity"
	"github.com/sandwichfarm/feedgraph/internal/model"
	"github.com/sandwichfarm/feedgraph/internal/ops"
)

// Graph resolves and maintains the relations between cached posts: reply
// chains, reshare chains, quotes and the reverse edges stored on each post.
type Graph struct {
	posts      *identity.PostStore
	bus        events.Publisher
	visibility config.Visibility
	active     func() int64
	logger     *ops.Logger

	// linked posts whose reply, reshare or quote target was not cached,
	// keyed by the missing id
	orphans *xsync.MapOf[int64, []*model.Post]
}

// New creates a graph over posts. active returns the id of the account
// whose own engagement is subject to the "myself" visibility flags; it
// may return 0 when no account is active.
func New(posts *identity.PostStore, bus events.Publisher, visibility *config.Visibility, active func() int64, logger *ops.Logger) *Graph {
	if bus == nil {
		bus = events.Discard{}
	}
	if active == nil {
		active = func() int64 { return 0 }
	}
	g := &Graph{
		posts:  posts,
		bus:    bus,
		active:  active,
		logger:  ops.OrDefault(logger).WithComponent("graph"),
		orphans: xsync.NewMapOf[int64, []*model.Post](),
	}
	if visibility != nil {
		g.visibility = *visibility
	}

	// a reshare registers itself with its target as soon as both exist,
	// and posts linked before p was cached are linked now
	posts.OnMaterialize(func(p *model.Post) {
		if target := p.ReshareTarget(); target != nil {
			g.RegisterChild(target, p)
		}
		g.adopt(p.ID())
	})
	return g
}

func policyFor(force bool) identity.Policy {
	if force {
		return identity.FetchIfMissing
	}
	return identity.LocalOnly
}

// ReplyParent returns the post p replies to, or nil if p is not a reply.
// A resolved parent gets p registered as its child.
func (g *Graph) ReplyParent(ctx context.Context, p *model.Post, force bool) (*model.Post, error) {
	id := p.ReplyToID()
	if id == 0 {
		return nil, nil
	}
	parent, err := g.posts.Resolve(ctx, id, policyFor(force))
	if err != nil {
		return nil, err
	}
	g.RegisterChild(parent, p)
	return parent, nil
}

// ReshareParent returns the post p directly reshares, or nil if p is not a
// reshare. A pending raw id is resolved and memoized on p.
func (g *Graph) ReshareParent(ctx context.Context, p *model.Post, force bool) (*model.Post, error) {
	ref := p.ReshareOf()
	if ref.IsZero() {
		return nil, nil
	}
	target, err := g.posts.ResolveRef(ctx, ref, policyFor(force))
	if err != nil {
		return nil, err
	}
	p.ResolveReshare(target)
	g.RegisterChild(target, p)
	return target, nil
}

// receiveParent is the next step up the ancestor chain: the reply target,
// or for a reshare its reshare ancestor
func (g *Graph) receiveParent(ctx context.Context, p *model.Post, force bool) *model.Post {
	if p.IsReply() {
		parent, err := g.ReplyParent(ctx, p, force)
		if err != nil {
			g.logger.Debug("reply chain ends", "post_id", p.ID(), "reply_to", p.ReplyToID(), "error", err)
		}
		return parent
	}
	if p.IsReshare() {
		if ancestor := g.ReshareAncestor(ctx, p, force); ancestor != p {
			return ancestor
		}
	}
	return nil
}

// walk yields start and then successive results of next, stopping at nil,
// at a post already yielded, or when ctx is done
func walk(ctx context.Context, start *model.Post, next func(*model.Post) *model.Post) iter.Seq[*model.Post] {
	return func(yield func(*model.Post) bool) {
		if start == nil {
			return
		}
		seen := make(map[int64]struct{})
		for cur := start; cur != nil; cur = next(cur) {
			if _, ok := seen[cur.ID()]; ok {
				return
			}
			seen[cur.ID()] = struct{}{}
			if !yield(cur) || ctx.Err() != nil {
				return
			}
		}
	}
}

// AncestorSeq lazily walks the reply chain upward from p. The first element
// is p itself. An unresolvable step ends the sequence; a chain that loops
// back on itself ends at the first repeat.
func (g *Graph) AncestorSeq(ctx context.Context, p *model.Post, force bool) iter.Seq[*model.Post] {
	return walk(ctx, p, func(cur *model.Post) *model.Post {
		return g.receiveParent(ctx, cur, force)
	})
}

// Ancestors returns the reply chain from p to its most distant known ancestor
func (g *Graph) Ancestors(ctx context.Context, p *model.Post, force bool) []*model.Post {
	return slices.Collect(g.AncestorSeq(ctx, p, force))
}

// Ancestor returns the most distant known ancestor of p
func (g *Graph) Ancestor(ctx context.Context, p *model.Post, force bool) *model.Post {
	return last(g.AncestorSeq(ctx, p, force), p)
}

// ReshareAncestorSeq lazily walks reshare_of edges from p
func (g *Graph) ReshareAncestorSeq(ctx context.Context, p *model.Post, force bool) iter.Seq[*model.Post] {
	return walk(ctx, p, func(cur *model.Post) *model.Post {
		parent, err := g.ReshareParent(ctx, cur, force)
		if err != nil {
			g.logger.Debug("reshare chain ends", "post_id", cur.ID(), "reshare_of", cur.ReshareOfID(), "error", err)
		}
		return parent
	})
}

// ReshareAncestors returns p followed by each successive reshare target
func (g *Graph) ReshareAncestors(ctx context.Context, p *model.Post, force bool) []*model.Post {
	return slices.Collect(g.ReshareAncestorSeq(ctx, p, force))
}

// ReshareAncestor returns the canonical non-reshare post p republishes, or
// p itself if p is not a reshare. If the chain cannot be resolved the
// furthest known post is returned.
func (g *Graph) ReshareAncestor(ctx context.Context, p *model.Post, force bool) *model.Post {
	return last(g.ReshareAncestorSeq(ctx, p, force), p)
}

func last(seq iter.Seq[*model.Post], fallback *model.Post) *model.Post {
	result := fallback
	for p := range seq {
		result = p
	}
	return result
}

// QuotedPost returns the post p quotes, registering p in its quoted-by set
func (g *Graph) QuotedPost(ctx context.Context, p *model.Post, force bool) (*model.Post, error) {
	id := p.QuotedID()
	if id == 0 {
		return nil, nil
	}
	quoted, err := g.posts.Resolve(ctx, id, policyFor(force))
	if err != nil {
		return nil, err
	}
	g.RegisterQuote(quoted, p)
	return quoted, nil
}

// DescendantsAll returns root and every post reachable from it through
// reply children and reshares, breadth first. Only locally known edges are
// followed.
func (g *Graph) DescendantsAll(root *model.Post) []*model.Post {
	if root == nil {
		return nil
	}
	seen := map[int64]struct{}{root.ID(): {}}
	result := []*model.Post{root}
	for i := 0; i < len(result); i++ {
		cur := result[i]
		for _, next := range slices.Concat(cur.Children(), cur.Reshares()) {
			if _, ok := seen[next.ID()]; ok {
				continue
			}
			seen[next.ID()] = struct{}{}
			result = append(result, next)
		}
	}
	return result
}

// Around returns everything related to p: the descendants of its topmost
// ancestor
func (g *Graph) Around(ctx context.Context, p *model.Post, force bool) []*model.Post {
	return g.DescendantsAll(g.Ancestor(ctx, p, force))
}

// RegisterChild records child against parent. A reshare goes into the
// parent's reshare set and may bump parent's modified time; a reply goes
// into its children. Any other pairing is ignored. Returns true if a new
// edge was added.
func (g *Graph) RegisterChild(parent, child *model.Post) bool {
	if parent == nil || child == nil || parent == child {
		return false
	}

	switch {
	case child.ReshareOfID() == parent.ID():
		added := parent.AddReshare(child)
		v := g.visibility
		if g.counts(v.ResharedByAnyoneBumps, v.ResharedByMyselfBumps, child.Author()) {
			g.bump(parent, child.Created())
		}
		if added {
			g.bus.Publish(events.Event{Kind: events.ReshareAdded, Post: parent, Reshare: child, At: child.Created()})
		}
		return added

	case child.ReplyToID() == parent.ID():
		return parent.AddChild(child)
	}
	return false
}

// RegisterQuote records that quoting quotes quoted
func (g *Graph) RegisterQuote(quoted, quoting *model.Post) bool {
	if quoted == nil || quoting == nil || quoting.QuotedID() != quoted.ID() {
		return false
	}
	return quoted.AddQuotedBy(quoting)
}

// Link registers p with whichever of its reply parent, quoted post and
// reshare target are already cached. A target that is not cached yet gets
// p linked once it is stored. It never performs I/O.
func (g *Graph) Link(ctx context.Context, p *model.Post) {
	if id := p.ReplyToID(); id != 0 {
		if parent, ok := g.posts.Get(id); ok {
			g.RegisterChild(parent, p)
		} else {
			g.await(id, p)
		}
	}
	if id := p.QuotedID(); id != 0 {
		if quoted, ok := g.posts.Get(id); ok {
			g.RegisterQuote(quoted, p)
		} else {
			g.await(id, p)
		}
	}
	if p.IsReshare() {
		if _, err := g.ReshareParent(ctx, p, false); err != nil {
			g.await(p.ReshareOfID(), p)
		}
	}
}

// await parks p until the post with the given id is cached
func (g *Graph) await(id int64, p *model.Post) {
	g.orphans.Compute(id, func(waiting []*model.Post, _ bool) ([]*model.Post, bool) {
		if slices.Contains(waiting, p) {
			return waiting, false
		}
		return append(waiting, p), false
	})
	// the target may have been stored since the lookup missed
	if _, ok := g.posts.Get(id); ok {
		g.adopt(id)
	}
}

// adopt links every post that was waiting for id
func (g *Graph) adopt(id int64) {
	waiting, ok := g.orphans.LoadAndDelete(id)
	if !ok {
		return
	}
	for _, p := range waiting {
		g.Link(context.Background(), p)
	}
}

// Pending returns how many posts are waiting for an uncached target
func (g *Graph) Pending() int {
	n := 0
	g.orphans.Range(func(_ int64, waiting []*model.Post) bool {
		n += len(waiting)
		return true
	})
	return n
}

// favoriteTarget is where favorites on p are recorded: its reshare
// ancestor, or p itself while that ancestor is unknown
func (g *Graph) favoriteTarget(p *model.Post) *model.Post {
	return g.ReshareAncestor(context.Background(), p, false)
}

// RegisterFavorite records account as a favoriter of p. A favorite on a
// reshare is recorded against its reshare ancestor. Publishes
// FavoriteAdded once, when the favoriter is new.
func (g *Graph) RegisterFavorite(p *model.Post, account *model.Account, at time.Time) bool {
	if p == nil || account == nil {
		return false
	}
	target := g.favoriteTarget(p)
	added := target.AddFavoriter(account)

	v := g.visibility
	if g.counts(v.FavoritedByAnyoneBumps, v.FavoritedByMyselfBumps, account) {
		g.bump(target, at)
	}
	if added {
		g.bus.Publish(events.Event{Kind: events.FavoriteAdded, Post: target, Account: account, At: at})
	}
	return added
}

// UnregisterFavorite removes account from the favoriters of p's reshare
// ancestor. Publishes FavoriteRemoved once, when it was present.
func (g *Graph) UnregisterFavorite(p *model.Post, account *model.Account, at time.Time) bool {
	if p == nil || account == nil {
		return false
	}
	target := g.favoriteTarget(p)
	if !target.RemoveFavoriter(account.ID()) {
		return false
	}
	g.bus.Publish(events.Event{Kind: events.FavoriteRemoved, Post: target, Account: account, At: at})
	return true
}

// HandleDestroyed publishes PostDestroyed for p and, when p is a reshare,
// removes it from its target's reshare set.
func (g *Graph) HandleDestroyed(p *model.Post) {
	if p == nil {
		return
	}
	g.bus.Publish(events.Event{Kind: events.PostDestroyed, Post: p})

	if !p.IsReshare() {
		return
	}
	target := p.ReshareTarget()
	if target == nil {
		target, _ = g.posts.Get(p.ReshareOfID())
	}
	if target == nil {
		return
	}
	if _, removed := target.RemoveReshare(p.ID()); removed {
		g.bus.Publish(events.Event{Kind: events.ReshareDestroyed, Post: target, Reshare: p})
	}
}

// ReshareUsers returns the distinct authors of p's registered reshares in
// registration order
func (g *Graph) ReshareUsers(p *model.Post) []*model.Account {
	seen := make(map[int64]struct{})
	var users []*model.Account
	for _, r := range p.Reshares() {
		a := r.Author()
		if a == nil {
			continue
		}
		if _, ok := seen[a.ID()]; ok {
			continue
		}
		seen[a.ID()] = struct{}{}
		users = append(users, a)
	}
	return users
}

// Introducer returns the latest reshare of p by someone other than me, or
// p itself
func (g *Graph) Introducer(p *model.Post, me int64) *model.Post {
	reshares := p.Reshares()
	for i := len(reshares) - 1; i >= 0; i-- {
		if a := reshares[i].Author(); a != nil && a.ID() != me {
			return reshares[i]
		}
	}
	return p
}

// Protected reports whether p is only visible to approved followers. A
// reshare is protected if its reshare ancestor's author is.
func (g *Graph) Protected(p *model.Post) bool {
	a := g.favoriteTarget(p).Author()
	return a != nil && a.Protected()
}

// counts applies the visibility policy to engagement by actor
func (g *Graph) counts(anyone, myself bool, actor *model.Account) bool {
	if !anyone {
		return false
	}
	if myself || actor == nil {
		return true
	}
	active := g.active()
	return active == 0 || actor.ID() != active
}

func (g *Graph) bump(p *model.Post, at time.Time) {
	if p.BumpModified(at) {
		g.bus.Publish(events.Event{Kind: events.GraphModified, Post: p, At: at})
	}
}
