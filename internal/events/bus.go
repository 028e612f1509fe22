package events

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sandwichfarm/feedgraph/internal/config"
	"github.com/sandwichfarm/feedgraph/internal/model"
	"github.com/sandwichfarm/feedgraph/internal/ops"
)

// Kind names a logical event
type Kind string

const (
	// Appeared carries a batch of newly surfaced posts for one source
	Appeared Kind = "appeared"
	// FavoriteAdded and FavoriteRemoved carry Post and the favoriting Account
	FavoriteAdded   Kind = "favorite"
	FavoriteRemoved Kind = "unfavorite"
	// ReshareAdded carries the reshare ancestor as Post and the reshare itself
	ReshareAdded     Kind = "reshare-added"
	ReshareDestroyed Kind = "reshare-destroyed"
	PostDestroyed    Kind = "post-destroyed"
	// GraphModified fires when a post's modified time moves
	GraphModified Kind = "graph-modified"
	// Mention carries posts newly seen on an account's mentions timeline
	Mention Kind = "mention"

	AccountAdded   Kind = "account-added"
	AccountRemoved Kind = "account-removed"
)

// Event is the payload published on the bus. Which fields are set depends
// on Kind.
type Event struct {
	Kind    Kind
	Source  model.Source
	Posts   []*model.Post
	Post    *model.Post
	Reshare *model.Post
	Account *model.Account
	// Credentials accompany AccountAdded/AccountRemoved
	Credentials *config.AccountConfig
	At          time.Time
}

// Publisher is the narrow interface the core publishes through
type Publisher interface {
	Publish(ev Event)
}

// Handler receives events
type Handler func(ev Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus is a synchronous in-process event bus. Handlers run on the
// publisher's goroutine in subscription order; a panicking handler is
// logged and does not stop delivery to the rest.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]subscription
	nextID int
	logger *ops.Logger
}

// NewBus creates an empty bus
func NewBus(logger *ops.Logger) *Bus {
	return &Bus{
		subs:   make(map[Kind][]subscription),
		logger: ops.OrDefault(logger).WithComponent("events"),
	}
}

// Subscribe registers handler for kind and returns a function that removes it
func (b *Bus) Subscribe(kind Kind, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[kind]
		for i, s := range subs {
			if s.id == id {
				b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to every handler subscribed to its kind
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	subs := b.subs[ev.Kind]
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s.handler, ev)
	}
}

func (b *Bus) deliver(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.LogPanic(fmt.Sprintf("%s handler: %v", ev.Kind, r), string(debug.Stack()))
		}
	}()
	handler(ev)
}

// Discard is a Publisher that drops everything
type Discard struct{}

func (Discard) Publish(Event) {}
