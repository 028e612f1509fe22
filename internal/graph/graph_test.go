package graph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sandwichfarm/feedgraph/internal/config"
	"github.com/sandwichfarm/feedgraph/internal/events"
	"github.com/sandwichfarm/feedgraph/internal/identity"
	"github.com/sandwichfarm/feedgraph/internal/model"
	"github.com/sandwichfarm/feedgraph/internal/ops"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	aliceID int64 = 1
	bobID   int64 = 2
	carolID int64 = 3
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	graph *Graph
	posts *identity.PostStore
	bus   *recorder
}

func setupTestGraph(t *testing.T, vis config.Visibility) *fixture {
	t.Helper()

	accounts := identity.NewAccountStore(ops.Discard())
	for id, handle := range map[int64]string{aliceID: "alice", bobID: "bob", carolID: "carol"} {
		if _, err := accounts.Put(model.AccountRecord{ID: id, Handle: handle}); err != nil {
			t.Fatalf("Put account: %v", err)
		}
	}
	posts := identity.NewPostStore(accounts, ops.Discard())
	bus := &recorder{}
	g := New(posts, bus, &vis, func() int64 { return aliceID }, ops.Discard())
	return &fixture{graph: g, posts: posts, bus: bus}
}

func defaultVisibility() config.Visibility {
	return config.Default().Visibility
}

func (f *fixture) put(t *testing.T, rec model.PostRecord) *model.Post {
	t.Helper()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = epoch
	}
	p, err := f.posts.Put(context.Background(), rec)
	if err != nil {
		t.Fatalf("Put(%d) error = %v", rec.ID, err)
	}
	return p
}

func (f *fixture) account(t *testing.T, id int64) *model.Account {
	t.Helper()
	a, ok := f.posts.Accounts().Get(id)
	if !ok {
		t.Fatalf("account %d missing", id)
	}
	return a
}

func TestReshareScenario(t *testing.T) {
	f := setupTestGraph(t, defaultVisibility())
	ctx := context.Background()

	a := f.put(t, model.PostRecord{ID: 10, AuthorID: aliceID, Exact: true})
	b := f.put(t, model.PostRecord{ID: 11, AuthorID: bobID, ReshareOfID: 10, CreatedAt: epoch.Add(time.Minute)})
	c := f.put(t, model.PostRecord{ID: 12, AuthorID: carolID, ReshareOfID: 10, CreatedAt: epoch.Add(2 * time.Minute)})

	if got := f.graph.ReshareAncestor(ctx, a, false); got != a {
		t.Errorf("A.ReshareAncestor() = %v", got)
	}
	if got := f.graph.ReshareAncestor(ctx, b, false); got != a {
		t.Errorf("B.ReshareAncestor() = %v", got)
	}
	if got := f.graph.ReshareAncestor(ctx, c, false); got != a {
		t.Errorf("C.ReshareAncestor() = %v", got)
	}

	reshares := a.Reshares()
	if len(reshares) != 2 || reshares[0] != b || reshares[1] != c {
		t.Errorf("A.Reshares() = %v", reshares)
	}
	if len(a.Children()) != 0 {
		t.Errorf("Reshares must not appear as reply children: %v", a.Children())
	}
	if f.bus.count(events.ReshareAdded) != 2 {
		t.Errorf("Expected 2 reshare-added events, got %d", f.bus.count(events.ReshareAdded))
	}
}

func TestReshareModifiedMonotonicAnyOrder(t *testing.T) {
	orders := map[string][]int64{
		"early first": {11, 12},
		"late first":  {12, 11},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			f := setupTestGraph(t, defaultVisibility())
			a := f.put(t, model.PostRecord{ID: 10, AuthorID: aliceID, Exact: true})

			created := map[int64]time.Time{11: epoch.Add(time.Minute), 12: epoch.Add(2 * time.Minute)}
			for _, id := range order {
				f.put(t, model.PostRecord{ID: id, AuthorID: bobID, ReshareOfID: 10, CreatedAt: created[id]})
			}

			if got := a.Modified(); got.Before(created[12]) {
				t.Errorf("Modified = %v, want >= %v", got, created[12])
			}
		})
	}
}

func TestPendingReshareLinkedWhenTargetArrives(t *testing.T) {
	f := setupTestGraph(t, defaultVisibility())
	ctx := context.Background()

	r := f.put(t, model.PostRecord{ID: 11, AuthorID: bobID, ReshareOfID: 10, CreatedAt: epoch.Add(time.Minute)})
	f.graph.Link(ctx, r)
	if got := f.graph.ReshareAncestor(ctx, r, false); got != r {
		t.Fatalf("Unresolved chain should end at the reshare itself, got %v", got)
	}
	if f.graph.Pending() != 1 {
		t.Fatalf("Expected the reshare to wait for its target, pending=%d", f.graph.Pending())
	}

	// storing the target is enough, nothing links r again by hand
	a := f.put(t, model.PostRecord{ID: 10, AuthorID: aliceID, Exact: true})

	if got := f.graph.ReshareAncestor(ctx, r, false); got != a {
		t.Errorf("ReshareAncestor() = %v", got)
	}
	if len(a.Reshares()) != 1 {
		t.Errorf("Expected reshare registered, got %v", a.Reshares())
	}
	if f.graph.Pending() != 0 {
		t.Errorf("Pending() = %d after the target arrived", f.graph.Pending())
	}
}

func TestLinkConvergesInEitherOrder(t *testing.T) {
	build := func(t *testing.T, replyFirst bool) *fixture {
		f := setupTestGraph(t, defaultVisibility())
		ctx := context.Background()
		parent := model.PostRecord{ID: 10, AuthorID: aliceID, Exact: true}
		records := []model.PostRecord{
			{ID: 20, AuthorID: bobID, InReplyToID: 10},
			{ID: 21, AuthorID: carolID, QuotedID: 10},
			{ID: 22, AuthorID: bobID, ReshareOfID: 10},
		}
		if !replyFirst {
			f.graph.Link(ctx, f.put(t, parent))
		}
		for _, rec := range records {
			f.graph.Link(ctx, f.put(t, rec))
		}
		if replyFirst {
			f.graph.Link(ctx, f.put(t, parent))
		}
		return f
	}

	for _, replyFirst := range []bool{false, true} {
		f := build(t, replyFirst)
		parent, _ := f.posts.Get(10)
		if ids := postIDs(parent.Children()); len(ids) != 1 || ids[0] != 20 {
			t.Errorf("replyFirst=%v: Children() = %v", replyFirst, ids)
		}
		if ids := postIDs(parent.QuotedBy()); len(ids) != 1 || ids[0] != 21 {
			t.Errorf("replyFirst=%v: QuotedBy() = %v", replyFirst, ids)
		}
		if ids := postIDs(parent.Reshares()); len(ids) != 1 || ids[0] != 22 {
			t.Errorf("replyFirst=%v: Reshares() = %v", replyFirst, ids)
		}
		if n := len(f.graph.DescendantsAll(parent)); n != 3 {
			t.Errorf("replyFirst=%v: DescendantsAll() has %d posts, want 3", replyFirst, n)
		}
		if f.graph.Pending() != 0 {
			t.Errorf("replyFirst=%v: %d posts still pending", replyFirst, f.graph.Pending())
		}
	}
}

func TestVisibilityPolicy(t *testing.T) {
	tests := []struct {
		name     string
		vis      config.Visibility
		author   int64
		wantBump bool
	}{
		{"anyone off", config.Visibility{ResharedByAnyoneBumps: false, ResharedByMyselfBumps: true}, bobID, false},
		{"other account", config.Visibility{ResharedByAnyoneBumps: true}, bobID, true},
		{"myself not counted", config.Visibility{ResharedByAnyoneBumps: true}, aliceID, false},
		{"myself counted", config.Visibility{ResharedByAnyoneBumps: true, ResharedByMyselfBumps: true}, aliceID, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestGraph(t, tt.vis)
			a := f.put(t, model.PostRecord{ID: 10, AuthorID: carolID, Exact: true})
			reshareAt := epoch.Add(time.Hour)
			f.put(t, model.PostRecord{ID: 11, AuthorID: tt.author, ReshareOfID: 10, CreatedAt: reshareAt})

			bumped := a.Modified().Equal(reshareAt)
			if bumped != tt.wantBump {
				t.Errorf("bumped = %v, want %v", bumped, tt.wantBump)
			}
			if wantEvents := map[bool]int{true: 1, false: 0}[tt.wantBump]; f.bus.count(events.GraphModified) != wantEvents {
				t.Errorf("graph-modified events = %d, want %d", f.bus.count(events.GraphModified), wantEvents)
			}
		})
	}
}

func TestRegisterChildIdempotent(t *testing.T) {
	f := setupTestGraph(t, defaultVisibility())
	parent := f.put(t, model.PostRecord{ID: 10, AuthorID: aliceID})
	reply := f.put(t, model.PostRecord{ID: 11, AuthorID: bobID, InReplyToID: 10})
	unrelated := f.put(t, model.PostRecord{ID: 12, AuthorID: bobID})

	if !f.graph.RegisterChild(parent, reply) {
		t.Error("First registration should add")
	}
	if f.graph.RegisterChild(parent, reply) {
		t.Error("Second registration should be a no-op")
	}
	if f.graph.RegisterChild(parent, unrelated) {
		t.Error("Unrelated post registered as child")
	}
	if got := parent.Children(); len(got) != 1 || got[0] != reply {
		t.Errorf("Children() = %v", got)
	}
}

func TestFavoriteOnReshareRecordedOnAncestor(t *testing.T) {
	f := setupTestGraph(t, defaultVisibility())
	a := f.put(t, model.PostRecord{ID: 10, AuthorID: aliceID, Exact: true})
	b := f.put(t, model.PostRecord{ID: 11, AuthorID: bobID, ReshareOfID: 10})
	carol := f.account(t, carolID)

	if !f.graph.RegisterFavorite(b, carol, epoch.Add(time.Hour)) {
		t.Fatal("Expected favorite to be added")
	}
	if !a.FavoritedBy(carolID) {
		t.Error("Favorite not recorded on ancestor")
	}
	if b.FavoritedBy(carolID) {
		t.Error("Favorite recorded on reshare")
	}
	if !a.Modified().Equal(epoch.Add(time.Hour)) {
		t.Errorf("Modified not bumped: %v", a.Modified())
	}

	// repeat registration is silent
	f.graph.RegisterFavorite(a, carol, epoch.Add(2*time.Hour))
	if f.bus.count(events.FavoriteAdded) != 1 {
		t.Errorf("Expected one favorite event, got %d", f.bus.count(events.FavoriteAdded))
	}

	if !f.graph.UnregisterFavorite(b, carol, epoch) {
		t.Error("Expected unfavorite to remove")
	}
	if f.graph.UnregisterFavorite(b, carol, epoch) {
		t.Error("Second unfavorite should be a no-op")
	}
	if f.bus.count(events.FavoriteRemoved) != 1 {
		t.Errorf("Expected one unfavorite event, got %d", f.bus.count(events.FavoriteRemoved))
	}
}

func TestSelfFavoriteDoesNotBumpByDefault(t *testing.T) {
	f := setupTestGraph(t, defaultVisibility())
	a := f.put(t, model.PostRecord{ID: 10, AuthorID: bobID, Exact: true})

	f.graph.RegisterFavorite(a, f.account(t, aliceID), epoch.Add(time.Hour))
	if !a.Modified().Equal(epoch) {
		t.Errorf("Self favorite bumped modified: %v", a.Modified())
	}
	if f.bus.count(events.FavoriteAdded) != 1 {
		t.Error("Self favorite should still be published")
	}
}

func TestAncestors(t *testing.T) {
	f := setupTestGraph(t, defaultVisibility())
	ctx := context.Background()

	root := f.put(t, model.PostRecord{ID: 1, AuthorID: aliceID})
	mid := f.put(t, model.PostRecord{ID: 2, AuthorID: bobID, InReplyToID: 1})
	leaf := f.put(t, model.PostRecord{ID: 3, AuthorID: aliceID, InReplyToID: 2})
	// parent 99 is not cached, so traversal stops at 4
	orphan := f.put(t, model.PostRecord{ID: 4, AuthorID: aliceID, InReplyToID: 99})

	chain := f.graph.Ancestors(ctx, leaf, false)
	if len(chain) != 3 || chain[0] != leaf || chain[1] != mid || chain[2] != root {
		t.Errorf("Ancestors() = %v", chain)
	}
	if f.graph.Ancestor(ctx, leaf, false) != root {
		t.Error("Ancestor() should be the root")
	}
	if got := f.graph.Ancestors(ctx, orphan, false); len(got) != 1 {
		t.Errorf("Expected traversal to stop at uncached parent, got %v", got)
	}

	// ancestors registered the children on the way up
	if got := root.Children(); len(got) != 1 || got[0] != mid {
		t.Errorf("root.Children() = %v", got)
	}
}

func TestAncestorsReshareStep(t *testing.T) {
	f := setupTestGraph(t, defaultVisibility())
	ctx := context.Background()

	root := f.put(t, model.PostRecord{ID: 1, AuthorID: aliceID})
	original := f.put(t, model.PostRecord{ID: 2, AuthorID: bobID, InReplyToID: 1})
	reshare := f.put(t, model.PostRecord{ID: 3, AuthorID: carolID, ReshareOfID: 2})

	chain := f.graph.Ancestors(ctx, reshare, false)
	if len(chain) != 3 || chain[1] != original || chain[2] != root {
		t.Errorf("Ancestors() = %v", chain)
	}
}

func TestAncestorsCycleTerminates(t *testing.T) {
	f := setupTestGraph(t, defaultVisibility())
	ctx := context.Background()

	a := f.put(t, model.PostRecord{ID: 1, AuthorID: aliceID, InReplyToID: 2})
	f.put(t, model.PostRecord{ID: 2, AuthorID: bobID, InReplyToID: 1})

	done := make(chan []*model.Post)
	go func() { done <- f.graph.Ancestors(ctx, a, false) }()

	select {
	case chain := <-done:
		if len(chain) != 2 {
			t.Errorf("Expected 2 posts before the cycle closes, got %v", chain)
		}
	case <-time.After(time.Second):
		t.Fatal("Ancestors did not terminate on a cycle")
	}
}

func TestReshareCycleTerminates(t *testing.T) {
	f := setupTestGraph(t, defaultVisibility())
	ctx := context.Background()

	x := f.put(t, model.PostRecord{ID: 1, AuthorID: aliceID, ReshareOfID: 2})
	f.put(t, model.PostRecord{ID: 2, AuthorID: bobID, ReshareOfID: 1})

	chain := f.graph.ReshareAncestors(ctx, x, false)
	if len(chain) != 2 {
		t.Errorf("ReshareAncestors() = %v", chain)
	}
}

func TestDescendantsAllAndAround(t *testing.T) {
	f := setupTestGraph(t, defaultVisibility())
	ctx := context.Background()

	root := f.put(t, model.PostRecord{ID: 1, AuthorID: aliceID})
	r1 := f.put(t, model.PostRecord{ID: 2, AuthorID: bobID, InReplyToID: 1})
	r2 := f.put(t, model.PostRecord{ID: 3, AuthorID: carolID, InReplyToID: 2})
	rs := f.put(t, model.PostRecord{ID: 4, AuthorID: carolID, ReshareOfID: 1})
	f.graph.Link(ctx, r1)
	f.graph.Link(ctx, r2)

	all := f.graph.DescendantsAll(root)
	want := map[int64]bool{1: true, 2: true, 3: true, 4: true}
	if len(all) != len(want) || all[0] != root {
		t.Fatalf("DescendantsAll() = %v", all)
	}
	for _, p := range all {
		if !want[p.ID()] {
			t.Errorf("Unexpected descendant %v", p)
		}
	}

	around := f.graph.Around(ctx, r2, false)
	if len(around) != 4 {
		t.Errorf("Around() = %v", around)
	}
	_ = rs
}

func TestQuotedPost(t *testing.T) {
	f := setupTestGraph(t, defaultVisibility())
	ctx := context.Background()

	quoted := f.put(t, model.PostRecord{ID: 1, AuthorID: aliceID})
	quoting := f.put(t, model.PostRecord{ID: 2, AuthorID: bobID, QuotedID: 1})

	got, err := f.graph.QuotedPost(ctx, quoting, false)
	if err != nil || got != quoted {
		t.Fatalf("QuotedPost() = %v, %v", got, err)
	}
	if by := quoted.QuotedBy(); len(by) != 1 || by[0] != quoting {
		t.Errorf("QuotedBy() = %v", by)
	}
}

func TestHandleDestroyedReshare(t *testing.T) {
	f := setupTestGraph(t, defaultVisibility())
	a := f.put(t, model.PostRecord{ID: 10, AuthorID: aliceID})
	b := f.put(t, model.PostRecord{ID: 11, AuthorID: bobID, ReshareOfID: 10})

	f.graph.HandleDestroyed(b)
	if len(a.Reshares()) != 0 {
		t.Errorf("Reshare not removed: %v", a.Reshares())
	}
	if f.bus.count(events.PostDestroyed) != 1 || f.bus.count(events.ReshareDestroyed) != 1 {
		t.Errorf("Unexpected events: %+v", f.bus.events)
	}

	f.graph.HandleDestroyed(b)
	if f.bus.count(events.ReshareDestroyed) != 1 {
		t.Error("Reshare destroyed twice")
	}
}

func TestReshareUsersAndIntroducer(t *testing.T) {
	f := setupTestGraph(t, defaultVisibility())
	a := f.put(t, model.PostRecord{ID: 10, AuthorID: carolID})
	f.put(t, model.PostRecord{ID: 11, AuthorID: bobID, ReshareOfID: 10})
	f.put(t, model.PostRecord{ID: 12, AuthorID: bobID, ReshareOfID: 10})
	mine := f.put(t, model.PostRecord{ID: 13, AuthorID: aliceID, ReshareOfID: 10})

	users := f.graph.ReshareUsers(a)
	if len(users) != 2 || users[0].ID() != bobID || users[1].ID() != aliceID {
		t.Errorf("ReshareUsers() = %v", users)
	}
	if got := f.graph.Introducer(a, aliceID); got.ID() != 12 {
		t.Errorf("Introducer() = %v", got)
	}
	if got := f.graph.Introducer(a, bobID); got != mine {
		t.Errorf("Introducer() = %v", got)
	}
	lone := f.put(t, model.PostRecord{ID: 20, AuthorID: carolID})
	if f.graph.Introducer(lone, aliceID) != lone {
		t.Error("Introducer of an unreshared post is the post itself")
	}
}

func TestProtectedFollowsAncestor(t *testing.T) {
	f := setupTestGraph(t, defaultVisibility())
	f.posts.Accounts().Put(model.AccountRecord{ID: carolID, Handle: "carol", Protected: true})

	f.put(t, model.PostRecord{ID: 10, AuthorID: carolID})
	r := f.put(t, model.PostRecord{ID: 11, AuthorID: bobID, ReshareOfID: 10})
	open := f.put(t, model.PostRecord{ID: 12, AuthorID: bobID})

	if !f.graph.Protected(r) {
		t.Error("Reshare of a protected post should be protected")
	}
	if f.graph.Protected(open) {
		t.Error("Unexpected protected post")
	}
}

func TestConcurrentReshareRegistration(t *testing.T) {
	f := setupTestGraph(t, defaultVisibility())
	a := f.put(t, model.PostRecord{ID: 10, AuthorID: carolID})

	var wg sync.WaitGroup
	for i := int64(0); i < 20; i++ {
		for range 2 {
			wg.Add(1)
			go func(i int64) {
				defer wg.Done()
				f.posts.Put(context.Background(), model.PostRecord{
					ID:          100 + i,
					AuthorID:    bobID,
					ReshareOfID: 10,
					CreatedAt:   epoch.Add(time.Duration(i+1) * time.Minute),
				})
			}(i)
		}
	}
	wg.Wait()

	if got := len(a.Reshares()); got != 20 {
		t.Errorf("Expected 20 reshares, got %d", got)
	}
	if got := a.Modified(); !got.Equal(epoch.Add(20 * time.Minute)) {
		t.Errorf("Modified = %v", got)
	}
}

func postIDs(posts []*model.Post) []int64 {
	ids := make([]int64, 0, len(posts))
	for _, p := range posts {
		ids = append(ids, p.ID())
	}
	return ids
}
