package sync

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sandwichfarm/feedgraph/internal/api"
	"github.com/sandwichfarm/feedgraph/internal/dedup"
	"github.com/sandwichfarm/feedgraph/internal/events"
	"github.com/sandwichfarm/feedgraph/internal/model"
)

// listsRefreshInterval is how often an account's owned lists and their
// members are re-read
const listsRefreshInterval = 10 * time.Minute

// mentionKey partitions the per-account mention notification filter
const mentionKey = "mention"

// job is one pollable unit of work. Jobs that only refresh metadata
// return no records.
type job struct {
	key      string
	endpoint string
	source   model.Source
	interval time.Duration
	session  *Session
	fetch    func(ctx context.Context) ([]model.PostRecord, error)
}

// jobs lists the work for every usable session, ordered by key
func (e *Engine) jobs() []job {
	var out []job
	e.sessions.Range(func(_ int64, s *Session) bool {
		if !s.Suspended() {
			out = append(out, e.sessionJobs(s)...)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func (e *Engine) sessionJobs(s *Session) []job {
	poll := &e.config.Polling
	handle := s.account.Handle()
	friends := model.SourceFriends(handle)
	mentions := model.SourceMentions(handle)

	jobs := []job{
		{
			key:      friends.Slug,
			endpoint: "statuses/home_timeline",
			source:   friends,
			interval: poll.HomeInterval(),
			session:  s,
			fetch:    s.client.HomeTimeline,
		},
		{
			key:      mentions.Slug,
			endpoint: "statuses/mentions_timeline",
			source:   mentions,
			interval: poll.MentionsInterval(),
			session:  s,
			fetch:    s.client.Mentions,
		},
		{
			key:      handle + "-lists",
			endpoint: "lists/list",
			interval: listsRefreshInterval,
			session:  s,
			fetch: func(ctx context.Context) ([]model.PostRecord, error) {
				return nil, e.refreshLists(ctx, s)
			},
		},
	}

	for _, list := range s.Lists() {
		src := model.SourceList(handle, list)
		listID := list.ID
		jobs = append(jobs, job{
			key:      src.Slug,
			endpoint: "lists/statuses",
			source:   src,
			interval: poll.ListsInterval(),
			session:  s,
			fetch: func(ctx context.Context) ([]model.PostRecord, error) {
				return s.client.ListStatuses(ctx, listID)
			},
		})
	}
	return jobs
}

// refreshLists re-reads the lists s owns and stores their members
func (e *Engine) refreshLists(ctx context.Context, s *Session) error {
	lists, err := s.client.Lists(ctx, s.account.ID())
	if err != nil {
		return err
	}
	for _, list := range lists {
		members, err := s.client.ListMembers(ctx, list.ID)
		if err != nil {
			if api.IsAuthFailure(err) {
				return err
			}
			e.logger.Warn("List members unavailable", "list", list.ID, "error", err)
			continue
		}
		for _, rec := range members {
			if _, err := e.accounts.Put(rec); err != nil {
				e.logger.LogMalformedRecord("lists/members", err)
			}
		}
	}
	s.setLists(lists)
	return nil
}

func (e *Engine) runJob(ctx context.Context, j job) {
	defer e.inflight.Done()

	pollID := uuid.NewString()
	if err := e.fetchSlots.Acquire(ctx, 1); err != nil {
		e.cursors.Finish(j.key, pollID, e.now(), err)
		return
	}
	defer e.fetchSlots.Release(1)

	logger := e.logger.WithFields("poll_id", pollID, "account", j.session.account.Handle())

	fetchCtx := ctx
	if timeout := e.config.Polling.FetchTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	recs, err := j.fetch(fetchCtx)
	e.cursors.Finish(j.key, pollID, e.now(), err)
	logger.LogFetch(j.key, len(recs), time.Since(start), err)

	if err != nil {
		if api.IsAuthFailure(err) {
			e.suspend(j.session, err)
		}
		return
	}
	if !e.stillPolled(j) {
		logger.Debug("Discarding fetch for removed source", "source", j.key)
		return
	}
	if len(recs) == 0 {
		return
	}
	fresh := e.ingest(ctx, j, recs)
	logger.Debug("Ingested", "source", j.key, "fetched", len(recs), "fresh", fresh)
}

// stillPolled reports whether j's session and source survived the fetch
func (e *Engine) stillPolled(j job) bool {
	cur, ok := e.sessions.Load(j.session.account.ID())
	if !ok || cur != j.session || cur.Suspended() {
		return false
	}
	if j.source.Kind == model.SourceKindList {
		return cur.hasList(j.source.ListID)
	}
	return true
}

// ingest stores records, drops ids this source has already surfaced and
// pushes the rest to the emitter. Returns how many were new to the source.
func (e *Engine) ingest(ctx context.Context, j job, recs []model.PostRecord) int {
	posts := e.posts.PutMany(ctx, j.endpoint, recs)
	fresh := e.seen.Filter(j.source.Slug, posts)
	for _, p := range fresh {
		e.emitter.Push(Delivery{Source: j.source, Post: p})
	}

	if j.source.Kind == model.SourceKindMentions {
		e.notifyMentions(j.session, j.source, fresh)
	}
	return len(fresh)
}

// notifyMentions publishes mentions the account has not been told about
func (e *Engine) notifyMentions(s *Session, src model.Source, posts []*model.Post) {
	key := dedup.AccountKey{Key: mentionKey, AccountID: s.account.ID()}
	var out []*model.Post
	for _, p := range posts {
		if e.perAccount.Mark(key, p.ID()) {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return
	}
	e.bus.Publish(events.Event{Kind: events.Mention, Source: src, Posts: out, Account: s.account})
}

// deliver runs on the emitter goroutine. It links each post into the
// graph, publishes one Appeared per source and one for the firehose
// carrying posts it has not surfaced before.
func (e *Engine) deliver(batch []Delivery) {
	ctx := context.Background()

	type group struct {
		source model.Source
		posts  []*model.Post
	}
	var order []*group
	bySlug := make(map[string]*group)
	all := make([]*model.Post, 0, len(batch))

	for _, d := range batch {
		e.graph.Link(ctx, d.Post)
		g, ok := bySlug[d.Source.Slug]
		if !ok {
			g = &group{source: d.Source}
			bySlug[d.Source.Slug] = g
			order = append(order, g)
		}
		g.posts = append(g.posts, d.Post)
		all = append(all, d.Post)
	}

	for _, g := range order {
		e.bus.Publish(events.Event{Kind: events.Appeared, Source: g.source, Posts: g.posts})
	}
	if fresh := e.seen.Filter(model.SlugAll, all); len(fresh) > 0 {
		e.bus.Publish(events.Event{Kind: events.Appeared, Source: model.SourceAll(), Posts: fresh})
	}
}
