package model

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"time"
)

var mentionPattern = regexp.MustCompile(`[@＠]([a-zA-Z0-9_]+)`)

// Post is the canonical in-memory representation of a remote post.
//
// Field data is replaced in place by the identity store when a newer
// record arrives. Graph back-edges (children, reshares, favoriters,
// quoted-by) are only appended to through the mutators below, each of
// which holds the post's own lock, so concurrent deliveries of related
// posts never block unrelated ones.
type Post struct {
	mu sync.RWMutex

	id               int64
	author           *Account
	body             string
	replyToID        int64
	replyToAccountID int64
	reshareOf        Ref
	quotedID         int64
	source           string
	created          time.Time
	modified         time.Time
	counts           Counts
	exact            bool

	children   map[int64]*Post
	reshares   []*Post
	favoriters []*Account
	quotedBy   map[int64]*Post
}

// NewPost builds a post from a record. reshare is the canonical reshared
// post when it is already materialized, nil otherwise.
func NewPost(rec PostRecord, author *Account, reshare *Post) *Post {
	p := &Post{
		id:       rec.ID,
		author:   author,
		children: make(map[int64]*Post),
		quotedBy: make(map[int64]*Post),
	}
	p.apply(rec)
	p.created = rec.CreatedAt
	p.modified = rec.CreatedAt

	target := rec.ReshareTargetID()
	switch {
	case target == 0 || target == rec.ID:
		// self-reshare is treated as not a reshare
	case reshare != nil && reshare.ID() == target:
		p.reshareOf = PostRef(reshare)
	default:
		p.reshareOf = RawID(target)
	}
	return p
}

// Update replaces field data with a newer record. A stub record never
// overwrites data taken from an exact one, but may still resolve a
// pending reshare reference. Reports whether the reshare target became
// resolved by this call.
func (p *Post) Update(rec PostRecord, author *Account, reshare *Post) (resolvedReshare bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec.Exact || !p.exact {
		p.apply(rec)
		if !rec.CreatedAt.IsZero() {
			p.created = rec.CreatedAt
		}
		if author != nil {
			p.author = author
		}
	}
	if p.modified.Before(p.created) {
		p.modified = p.created
	}

	if p.reshareOf.IsZero() {
		if target := rec.ReshareTargetID(); target != 0 && target != p.id {
			p.reshareOf = RawID(target)
		}
	}
	if reshare != nil && p.reshareOf.Kind() == RefRawID && p.reshareOf.ID() == reshare.ID() {
		p.reshareOf = PostRef(reshare)
		resolvedReshare = true
	}
	return resolvedReshare
}

func (p *Post) apply(rec PostRecord) {
	p.body = rec.Body
	p.replyToID = rec.InReplyToID
	p.replyToAccountID = rec.InReplyToAccountID
	p.quotedID = rec.QuotedTargetID()
	p.source = rec.Source
	p.counts = rec.Counts
	p.exact = p.exact || rec.Exact
}

func (p *Post) ID() int64 { return p.id }

func (p *Post) Author() *Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.author
}

func (p *Post) Body() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.body
}

func (p *Post) ReplyToID() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.replyToID
}

func (p *Post) ReplyToAccountID() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.replyToAccountID
}

// IsReply reports whether the post answers another post
func (p *Post) IsReply() bool {
	return p.ReplyToID() != 0
}

// ReshareOf returns the reshare reference: RefNone, a raw id still pending
// resolution, or the canonical reshared post
func (p *Post) ReshareOf() Ref {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reshareOf
}

func (p *Post) ReshareOfID() int64 {
	return p.ReshareOf().ID()
}

func (p *Post) IsReshare() bool {
	return !p.ReshareOf().IsZero()
}

// ReshareTarget returns the reshared post if it is already resolved
func (p *Post) ReshareTarget() *Post {
	target, _ := p.ReshareOf().Post()
	return target
}

// ResolveReshare replaces a pending raw reshare id with its post.
// Returns false if target does not match the pending id.
func (p *Post) ResolveReshare(target *Post) bool {
	if target == nil || target == p {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reshareOf.Kind() != RefRawID || p.reshareOf.ID() != target.ID() {
		return false
	}
	p.reshareOf = PostRef(target)
	return true
}

func (p *Post) QuotedID() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.quotedID
}

func (p *Post) IsQuoting() bool {
	return p.QuotedID() != 0
}

func (p *Post) Source() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.source
}

func (p *Post) Created() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.created
}

// Modified returns the last activity time; never earlier than Created
func (p *Post) Modified() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.modified.Before(p.created) {
		return p.created
	}
	return p.modified
}

// BumpModified moves the modified time forward to t. Returns true if it moved.
func (p *Post) BumpModified(t time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	current := p.modified
	if current.Before(p.created) {
		current = p.created
	}
	if !current.Before(t) {
		return false
	}
	p.modified = t
	return true
}

func (p *Post) Counts() Counts {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counts
}

// Exact reports whether full data, not a stub, has been retrieved
func (p *Post) Exact() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exact
}

// AddChild registers a reply. Returns false if it was already known.
func (p *Post) AddChild(child *Post) bool {
	if child == nil || child == p {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.children[child.ID()]; ok {
		return false
	}
	p.children[child.ID()] = child
	return true
}

// Children returns known replies ordered by id
func (p *Post) Children() []*Post {
	p.mu.RLock()
	children := make([]*Post, 0, len(p.children))
	for _, c := range p.children {
		children = append(children, c)
	}
	p.mu.RUnlock()
	sortByID(children)
	return children
}

// AddReshare registers a reshare of this post. Returns false if a post with
// the same id was already registered.
func (p *Post) AddReshare(reshare *Post) bool {
	if reshare == nil || reshare == p {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.reshares {
		if r.ID() == reshare.ID() {
			return false
		}
	}
	p.reshares = append(p.reshares, reshare)
	return true
}

// RemoveReshare drops a reshare by id
func (p *Post) RemoveReshare(id int64) (*Post, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.reshares {
		if r.ID() == id {
			p.reshares = slices.Delete(p.reshares, i, i+1)
			return r, true
		}
	}
	return nil, false
}

// Reshares returns registered reshares in registration order
func (p *Post) Reshares() []*Post {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.reshares)
}

// AddFavoriter records that account favorited this post
func (p *Post) AddFavoriter(account *Account) bool {
	if account == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.favoriters {
		if a.ID() == account.ID() {
			return false
		}
	}
	p.favoriters = append(p.favoriters, account)
	return true
}

// RemoveFavoriter drops a favoriter by account id
func (p *Post) RemoveFavoriter(accountID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, a := range p.favoriters {
		if a.ID() == accountID {
			p.favoriters = slices.Delete(p.favoriters, i, i+1)
			return true
		}
	}
	return false
}

// Favoriters returns accounts known to have favorited this post
func (p *Post) Favoriters() []*Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.favoriters)
}

// FavoritedBy reports whether accountID is a known favoriter
func (p *Post) FavoritedBy(accountID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, a := range p.favoriters {
		if a.ID() == accountID {
			return true
		}
	}
	return false
}

// AddQuotedBy records a post quoting this one
func (p *Post) AddQuotedBy(quoting *Post) bool {
	if quoting == nil || quoting == p {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.quotedBy[quoting.ID()]; ok {
		return false
	}
	p.quotedBy[quoting.ID()] = quoting
	return true
}

// QuotedBy returns posts quoting this one ordered by id
func (p *Post) QuotedBy() []*Post {
	p.mu.RLock()
	quoting := make([]*Post, 0, len(p.quotedBy))
	for _, q := range p.quotedBy {
		quoting = append(quoting, q)
	}
	p.mu.RUnlock()
	sortByID(quoting)
	return quoting
}

// ReceiverHandles returns the handles mentioned in the body, in order
func (p *Post) ReceiverHandles() []string {
	matches := mentionPattern.FindAllStringSubmatch(p.Body(), -1)
	handles := make([]string, 0, len(matches))
	for _, m := range matches {
		handles = append(handles, m[1])
	}
	return handles
}

// Permalink returns the public URL of the post
func (p *Post) Permalink() string {
	handle := ""
	if a := p.Author(); a != nil {
		handle = a.Handle()
	}
	return fmt.Sprintf("https://twitter.com/%s/status/%d", handle, p.id)
}

func (p *Post) String() string {
	return fmt.Sprintf("post#%d", p.id)
}

func sortByID(posts []*Post) {
	slices.SortFunc(posts, func(a, b *Post) int {
		return cmp.Compare(a.ID(), b.ID())
	})
}
