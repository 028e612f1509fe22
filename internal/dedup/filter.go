package dedup

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sandwichfarm/feedgraph/internal/model"
)

// partition is the seen-set for one key
type partition struct {
	mu   sync.Mutex
	seen map[int64]struct{}
}

// Filter suppresses re-delivery of posts already seen under a key.
//
// Seen-sets only grow. Each key has its own lock, so sources filtering
// concurrently never contend unless they share a key.
type Filter[K comparable] struct {
	partitions *xsync.MapOf[K, *partition]
}

// New creates an empty filter
func New[K comparable]() *Filter[K] {
	return &Filter[K]{partitions: xsync.NewMapOf[K, *partition]()}
}

func (f *Filter[K]) partition(key K) *partition {
	p, _ := f.partitions.LoadOrCompute(key, func() *partition {
		return &partition{seen: make(map[int64]struct{})}
	})
	return p
}

// Filter returns the posts not previously seen under key, in input order,
// and marks every input id as seen. A post repeated within posts is
// returned once.
func (f *Filter[K]) Filter(key K, posts []*model.Post) []*model.Post {
	p := f.partition(key)
	p.mu.Lock()
	defer p.mu.Unlock()

	fresh := make([]*model.Post, 0, len(posts))
	for _, post := range posts {
		if post == nil {
			continue
		}
		if _, ok := p.seen[post.ID()]; ok {
			continue
		}
		p.seen[post.ID()] = struct{}{}
		fresh = append(fresh, post)
	}
	return fresh
}

// Mark records id as seen under key and reports whether it was new
func (f *Filter[K]) Mark(key K, id int64) bool {
	p := f.partition(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[id]; ok {
		return false
	}
	p.seen[id] = struct{}{}
	return true
}

// Seen reports whether id has been seen under key
func (f *Filter[K]) Seen(key K, id int64) bool {
	p, ok := f.partitions.Load(key)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, seen := p.seen[id]
	return seen
}

// Len returns the number of ids seen under key
func (f *Filter[K]) Len(key K) int {
	p, ok := f.partitions.Load(key)
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

// Total returns the number of seen ids summed over all keys
func (f *Filter[K]) Total() int {
	total := 0
	f.partitions.Range(func(_ K, p *partition) bool {
		p.mu.Lock()
		total += len(p.seen)
		p.mu.Unlock()
		return true
	})
	return total
}

// AccountKey partitions seen-sets by event and acting account
type AccountKey struct {
	Key       string
	AccountID int64
}

// NewAccountFilter creates a filter partitioned per acting account
func NewAccountFilter() *Filter[AccountKey] {
	return New[AccountKey]()
}
