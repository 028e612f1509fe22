package sync

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sandwichfarm/feedgraph/internal/ops"
)

type cursor struct {
	lastFetch time.Time
	inFlight  bool
	lastErr   string
	lastPoll  string
	fetches   int64
}

// CursorTracker records the last completed fetch of each source and
// whether one is in flight. A source is due when it has never been
// fetched, or when its interval has elapsed since the previous fetch
// completed. Every transition is a single atomic Compute on the source's
// entry, so two ticks can never start the same source twice.
type CursorTracker struct {
	cursors *xsync.MapOf[string, cursor]
}

// NewCursorTracker creates an empty tracker
func NewCursorTracker() *CursorTracker {
	return &CursorTracker{
		cursors: xsync.NewMapOf[string, cursor](),
	}
}

// TryBegin moves key from due to fetching. Returns false if a fetch for key
// is already in flight or interval has not elapsed since the last one
// completed.
func (ct *CursorTracker) TryBegin(key string, interval time.Duration, now time.Time) bool {
	began := false
	ct.cursors.Compute(key, func(c cursor, loaded bool) (cursor, bool) {
		if c.inFlight {
			return c, false
		}
		if loaded && !c.lastFetch.IsZero() && now.Before(c.lastFetch.Add(interval)) {
			return c, false
		}
		c.inFlight = true
		began = true
		return c, false
	})
	return began
}

// Finish records completion of the fetch for key at the given time,
// successful or not. pollID is the id the fetch was logged under. A key
// dropped by Retain while in flight stays dropped.
func (ct *CursorTracker) Finish(key, pollID string, at time.Time, err error) {
	ct.cursors.Compute(key, func(c cursor, loaded bool) (cursor, bool) {
		if !loaded {
			return c, true
		}
		c.inFlight = false
		c.lastFetch = at
		c.fetches++
		c.lastPoll = pollID
		c.lastErr = ""
		if err != nil {
			c.lastErr = err.Error()
		}
		return c, false
	})
}

// Retain forgets every idle source not in keys. Sources that come back
// later start cold and are due immediately.
func (ct *CursorTracker) Retain(keys map[string]struct{}) {
	ct.cursors.Range(func(key string, _ cursor) bool {
		if _, ok := keys[key]; ok {
			return true
		}
		ct.cursors.Compute(key, func(c cursor, loaded bool) (cursor, bool) {
			return c, !loaded || !c.inFlight
		})
		return true
	})
}

// LastFetch returns when key last completed a fetch
func (ct *CursorTracker) LastFetch(key string) (time.Time, bool) {
	c, ok := ct.cursors.Load(key)
	if !ok || c.lastFetch.IsZero() {
		return time.Time{}, false
	}
	return c.lastFetch, true
}

// InFlight reports whether a fetch for key is running
func (ct *CursorTracker) InFlight(key string) bool {
	c, ok := ct.cursors.Load(key)
	return ok && c.inFlight
}

// Snapshot returns the state of every tracked source
func (ct *CursorTracker) Snapshot() []ops.SourceStatus {
	var out []ops.SourceStatus
	ct.cursors.Range(func(key string, c cursor) bool {
		status := ops.SourceStatus{Key: key, InFlight: c.inFlight, Fetches: c.fetches, LastPollID: c.lastPoll}
		if !c.lastFetch.IsZero() {
			at := c.lastFetch
			status.LastFetch = &at
		}
		if c.lastErr != "" {
			msg := c.lastErr
			status.LastError = &msg
		}
		out = append(out, status)
		return true
	})
	return out
}
