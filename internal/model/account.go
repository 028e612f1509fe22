package model

import (
	"fmt"
	"sync"
)

// Account is the canonical in-memory representation of a remote account.
// Instances are created only by the identity store; everyone holding a
// pointer sees field updates in place.
type Account struct {
	mu sync.RWMutex

	id        int64
	handle    string
	name      string
	avatarURL string
	protected bool
	verified  bool
	followers int
	following int
	posts     int
}

// NewAccount builds an account from a record
func NewAccount(rec AccountRecord) *Account {
	a := &Account{id: rec.ID}
	a.apply(rec)
	return a
}

// Update overwrites mutable fields and returns the previous handle
func (a *Account) Update(rec AccountRecord) (previousHandle string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	previousHandle = a.handle
	a.apply(rec)
	return previousHandle
}

func (a *Account) apply(rec AccountRecord) {
	if rec.Handle != "" {
		a.handle = rec.Handle
	}
	if rec.Name != "" {
		a.name = rec.Name
	}
	if rec.AvatarURL != "" {
		a.avatarURL = rec.AvatarURL
	}
	a.protected = rec.Protected
	a.verified = rec.Verified
	a.followers = rec.FollowersCount
	a.following = rec.FollowingCount
	a.posts = rec.PostsCount
}

func (a *Account) ID() int64 { return a.id }

func (a *Account) Handle() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.handle
}

func (a *Account) Name() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.name
}

func (a *Account) AvatarURL() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.avatarURL
}

func (a *Account) Protected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.protected
}

func (a *Account) Verified() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.verified
}

// Stats returns follower, following and post counts
func (a *Account) Stats() (followers, following, posts int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.followers, a.following, a.posts
}

// Title returns "handle(name)"
func (a *Account) Title() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return fmt.Sprintf("%s(%s)", a.handle, a.name)
}

// Permalink returns the public profile URL
func (a *Account) Permalink() string {
	return "https://twitter.com/" + a.Handle()
}

func (a *Account) String() string {
	return "@" + a.Handle()
}
