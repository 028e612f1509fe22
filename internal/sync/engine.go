package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"

	"github.com/sandwichfarm/feedgraph/internal/api"
	"github.com/sandwichfarm/feedgraph/internal/config"
	"github.com/sandwichfarm/feedgraph/internal/dedup"
	"github.com/sandwichfarm/feedgraph/internal/emitter"
	"github.com/sandwichfarm/feedgraph/internal/events"
	"github.com/sandwichfarm/feedgraph/internal/graph"
	"github.com/sandwichfarm/feedgraph/internal/identity"
	"github.com/sandwichfarm/feedgraph/internal/model"
	"github.com/sandwichfarm/feedgraph/internal/ops"
)

// ErrNoSession is returned when a remote lookup is needed but no
// account is signed in
var ErrNoSession = errors.New("no usable session")

// ClientFactory builds the API client an account signs in with
type ClientFactory func(acct config.AccountConfig) (api.Client, error)

// FatalReporter surfaces unrecoverable per-account failures to the user.
// Implementations should report each account at most once.
type FatalReporter interface {
	ReportAuthFailure(handle string, err error) bool
}

// Delivery is one post surfaced on one source
type Delivery struct {
	Source model.Source
	Post   *model.Post
}

// Engine polls every registered account's sources on a fixed tick and
// feeds what it fetches through the identity stores, the per-source
// dedup filters and the batch emitter
type Engine struct {
	config    *config.Config
	bus       *events.Bus
	newClient ClientFactory
	fatal     FatalReporter
	now       func() time.Time
	logger    *ops.Logger

	accounts   *identity.AccountStore
	posts      *identity.PostStore
	graph      *graph.Graph
	seen       *dedup.Filter[string]
	perAccount *dedup.Filter[dedup.AccountKey]
	emitter    *emitter.Emitter[Delivery]
	cursors    *CursorTracker

	sessions   *xsync.MapOf[int64, *Session]
	activeID   atomic.Int64
	fetchSlots *semaphore.Weighted

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	inflight    sync.WaitGroup
	unsubscribe []func()
}

// New creates a poll engine. newClient may be nil, in which case accounts
// sign in over HTTP with their configured token.
func New(cfg *config.Config, bus *events.Bus, newClient ClientFactory, logger *ops.Logger) *Engine {
	logger = ops.OrDefault(logger)
	if bus == nil {
		bus = events.NewBus(logger)
	}
	if newClient == nil {
		newClient = func(acct config.AccountConfig) (api.Client, error) {
			if acct.Token == "" {
				return nil, fmt.Errorf("account %s: no token configured", acct.Handle)
			}
			return api.NewHTTPClient(&cfg.API, acct.Token, logger), nil
		}
	}

	slots := int64(cfg.Polling.MaxConcurrentFetches)
	if slots <= 0 {
		slots = 1
	}

	e := &Engine{
		config:     cfg,
		bus:        bus,
		newClient:  newClient,
		now:        time.Now,
		logger:     logger.WithComponent("sync"),
		seen:       dedup.New[string](),
		perAccount: dedup.NewAccountFilter(),
		cursors:    NewCursorTracker(),
		sessions:   xsync.NewMapOf[int64, *Session](),
		fetchSlots: semaphore.NewWeighted(slots),
	}

	e.accounts = identity.NewAccountStore(logger)
	e.posts = identity.NewPostStore(e.accounts, logger)
	fetcher := sessionFetcher{e}
	e.accounts.SetFetcher(fetcher)
	e.posts.SetFetcher(fetcher)
	e.graph = graph.New(e.posts, bus, &cfg.Visibility, e.activeID.Load, logger)
	e.emitter = emitter.New(cfg.Emitter.Window(), cfg.Emitter.Capacity, e.deliver, logger)
	return e
}

// SetClock replaces the clock used for scheduling and graph timestamps
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// SetFatalReporter sets where auth failures are reported
func (e *Engine) SetFatalReporter(r FatalReporter) {
	e.fatal = r
}

func (e *Engine) Posts() *identity.PostStore       { return e.posts }
func (e *Engine) Accounts() *identity.AccountStore { return e.accounts }
func (e *Engine) Graph() *graph.Graph              { return e.graph }
func (e *Engine) Bus() *events.Bus                 { return e.bus }

// Start registers the configured accounts and begins polling. Fails only
// when accounts are configured and none of them could sign in.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.unsubscribe = append(e.unsubscribe,
		e.bus.Subscribe(events.AccountAdded, e.onAccountAdded),
		e.bus.Subscribe(events.AccountRemoved, e.onAccountRemoved),
	)

	registered := 0
	for _, acct := range e.config.Accounts {
		if _, err := e.AddAccount(e.ctx, acct); err != nil {
			e.logger.Error("Account registration failed", "account", acct.Handle, "error", err)
			continue
		}
		registered++
	}
	if len(e.config.Accounts) > 0 && registered == 0 {
		e.cancel()
		return fmt.Errorf("none of %d configured accounts could sign in", len(e.config.Accounts))
	}

	e.wg.Add(1)
	go e.pollLoop()

	e.logger.Info("Poll engine started", "sessions", e.sessions.Size(), "tick", e.config.Polling.Tick())
	return nil
}

// Stop halts polling, waits for in-flight fetches and flushes the emitter
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	for _, unsubscribe := range e.unsubscribe {
		unsubscribe()
	}
	e.unsubscribe = nil
	e.wg.Wait()
	e.inflight.Wait()
	e.emitter.Close()
	e.logger.Info("Poll engine stopped")
}

// Wait blocks until every fetch started so far has been ingested
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// Flush delivers whatever the emitter has buffered and waits for it.
// Appeared, ReshareAdded and the other events published while a batch is
// delivered run on the emitter goroutine; handlers for them must not call
// Flush.
func (e *Engine) Flush() {
	e.emitter.Flush()
}

func (e *Engine) pollLoop() {
	defer e.wg.Done()

	tick := e.config.Polling.Tick()
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	e.Tick(e.ctx)
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.Tick(e.ctx)
		}
	}
}

// Tick starts a fetch for every due source and returns how many started.
// State for sources that no longer exist is dropped.
func (e *Engine) Tick(ctx context.Context) int {
	jobs := e.jobs()

	keys := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		keys[j.key] = struct{}{}
	}
	e.cursors.Retain(keys)

	now := e.now()
	started := 0
	for _, j := range jobs {
		if !e.cursors.TryBegin(j.key, j.interval, now) {
			continue
		}
		started++
		e.inflight.Add(1)
		go e.runJob(ctx, j)
	}
	return started
}

// AddAccount signs acct in and starts polling its sources on the next tick
func (e *Engine) AddAccount(ctx context.Context, acct config.AccountConfig) (*Session, error) {
	client, err := e.newClient(acct)
	if err != nil {
		return nil, err
	}
	rec, err := client.VerifyCredentials(ctx)
	if err != nil {
		if api.IsAuthFailure(err) {
			e.reportAuthFailure(acct.Handle, err)
		}
		return nil, fmt.Errorf("verify credentials for %s: %w", acct.Handle, err)
	}
	account, err := e.accounts.Put(rec)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", acct.Handle, err)
	}

	s := &Session{
		engine:  e,
		handle:  acct.Handle,
		account: account,
		client:  client,
	}
	e.sessions.Store(account.ID(), s)
	e.electActive()

	e.logger.Info("Account registered", "account", account.Handle(), "id", account.ID())
	return s, nil
}

// RemoveAccount stops polling the account with the given handle. Fetches
// already in flight for it are discarded when they complete.
func (e *Engine) RemoveAccount(handle string) bool {
	s, ok := e.SessionByHandle(handle)
	if !ok {
		return false
	}
	e.sessions.Delete(s.account.ID())
	e.electActive()
	e.logger.Info("Account removed", "account", s.account.Handle())
	return true
}

// Session returns the session signed in as the account id
func (e *Engine) Session(id int64) (*Session, bool) {
	return e.sessions.Load(id)
}

// SessionByHandle finds a session by its configured or current handle
func (e *Engine) SessionByHandle(handle string) (*Session, bool) {
	handle = strings.TrimPrefix(handle, "@")
	var found *Session
	e.sessions.Range(func(_ int64, s *Session) bool {
		if strings.EqualFold(s.handle, handle) || strings.EqualFold(s.account.Handle(), handle) {
			found = s
			return false
		}
		return true
	})
	return found, found != nil
}

// Active returns the session whose actions count as "me"
func (e *Engine) Active() *Session {
	s, ok := e.sessions.Load(e.activeID.Load())
	if !ok {
		return nil
	}
	return s
}

// Sessions returns every registered session ordered by account id
func (e *Engine) Sessions() []*Session {
	var out []*Session
	e.sessions.Range(func(_ int64, s *Session) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].account.ID() < out[j].account.ID() })
	return out
}

// electActive picks the configured active account if it is signed in,
// keeps the current one otherwise, and falls back to the lowest id
func (e *Engine) electActive() {
	sessions := e.Sessions()
	if want := e.config.Identity.ActiveAccount; want != "" {
		for _, s := range sessions {
			if strings.EqualFold(s.handle, want) || strings.EqualFold(s.account.Handle(), want) {
				e.activeID.Store(s.account.ID())
				return
			}
		}
	}
	if _, ok := e.sessions.Load(e.activeID.Load()); ok {
		return
	}
	if len(sessions) == 0 {
		e.activeID.Store(0)
		return
	}
	e.activeID.Store(sessions[0].account.ID())
}

func (e *Engine) onAccountAdded(ev events.Event) {
	if ev.Credentials == nil {
		return
	}
	acct := *ev.Credentials
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.AddAccount(e.ctx, acct); err != nil {
			e.logger.Error("Account registration failed", "account", acct.Handle, "error", err)
		}
	}()
}

func (e *Engine) onAccountRemoved(ev events.Event) {
	switch {
	case ev.Account != nil:
		e.RemoveAccount(ev.Account.Handle())
	case ev.Credentials != nil:
		e.RemoveAccount(ev.Credentials.Handle)
	}
}

func (e *Engine) reportAuthFailure(handle string, err error) {
	if e.fatal != nil {
		e.fatal.ReportAuthFailure(handle, err)
		return
	}
	e.logger.Error("Credentials rejected", "account", handle, "error", err)
}

// suspend stops polling s after its credentials were rejected. The user
// is told once.
func (e *Engine) suspend(s *Session, err error) {
	if s.suspended.CompareAndSwap(false, true) {
		e.logger.Warn("Session suspended", "account", s.account.Handle(), "error", err)
		e.reportAuthFailure(s.handle, err)
		if e.activeID.Load() == s.account.ID() {
			e.electActive()
		}
	}
}

// CacheStats implements ops.StatsProvider
func (e *Engine) CacheStats() ops.CacheStats {
	return ops.CacheStats{
		Posts:          e.posts.Len(),
		Accounts:       e.accounts.Len(),
		PostFetches:    e.posts.Fetches(),
		AccountFetches: e.accounts.Fetches(),
	}
}

// SyncStats implements ops.StatsProvider
func (e *Engine) SyncStats() ops.SyncStats {
	batches, items := e.emitter.Stats()
	stats := ops.SyncStats{
		Sessions:  e.sessions.Size(),
		SeenIDs:   e.seen.Total(),
		Batches:   batches,
		Delivered: items,
		Sources:   e.cursors.Snapshot(),
	}
	if s := e.Active(); s != nil {
		stats.ActiveAccount = s.account.Handle()
	}
	return stats
}

// sessionFetcher resolves cache misses through the active session, or any
// other usable one when the active account is suspended
type sessionFetcher struct {
	e *Engine
}

func (f sessionFetcher) client() (api.Client, error) {
	if s := f.e.Active(); s != nil && !s.Suspended() {
		return s.client, nil
	}
	for _, s := range f.e.Sessions() {
		if !s.Suspended() {
			return s.client, nil
		}
	}
	return nil, ErrNoSession
}

func (f sessionFetcher) FetchPost(ctx context.Context, id int64) (model.PostRecord, error) {
	c, err := f.client()
	if err != nil {
		return model.PostRecord{}, err
	}
	return c.FetchPost(ctx, id)
}

func (f sessionFetcher) FetchAccount(ctx context.Context, id int64) (model.AccountRecord, error) {
	c, err := f.client()
	if err != nil {
		return model.AccountRecord{}, err
	}
	return c.FetchAccount(ctx, id)
}

func (f sessionFetcher) FetchAccountByHandle(ctx context.Context, handle string) (model.AccountRecord, error) {
	c, err := f.client()
	if err != nil {
		return model.AccountRecord{}, err
	}
	return c.FetchAccountByHandle(ctx, handle)
}
