package sync

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCursorGating(t *testing.T) {
	ct := NewCursorTracker()
	interval := 15 * time.Second

	if !ct.TryBegin("acct1-friends", interval, t0) {
		t.Fatal("New source should be due immediately")
	}
	if ct.TryBegin("acct1-friends", interval, t0.Add(time.Hour)) {
		t.Error("Source began while already in flight")
	}
	ct.Finish("acct1-friends", "", t0, nil)

	if ct.TryBegin("acct1-friends", interval, t0.Add(14*time.Second)) {
		t.Error("Source began before interval elapsed")
	}
	if !ct.TryBegin("acct1-friends", interval, t0.Add(15*time.Second)) {
		t.Error("Source should be due at T+interval")
	}
}

func TestCursorMeasuresFromCompletion(t *testing.T) {
	ct := NewCursorTracker()
	interval := 15 * time.Second

	ct.TryBegin("slow", interval, t0)
	// the fetch took 10s
	ct.Finish("slow", "", t0.Add(10*time.Second), nil)

	if ct.TryBegin("slow", interval, t0.Add(16*time.Second)) {
		t.Error("Interval must be measured from completion, not start")
	}
	if !ct.TryBegin("slow", interval, t0.Add(25*time.Second)) {
		t.Error("Expected due at completion+interval")
	}
}

func TestCursorFailureStillAdvances(t *testing.T) {
	ct := NewCursorTracker()
	ct.TryBegin("k", time.Second, t0)
	ct.Finish("k", "poll-1", t0, errors.New("HTTP 503"))

	snap := ct.Snapshot()
	if len(snap) != 1 || snap[0].LastError == nil || *snap[0].LastError != "HTTP 503" {
		t.Fatalf("Snapshot() = %+v", snap)
	}
	if snap[0].LastPollID != "poll-1" {
		t.Errorf("LastPollID = %q", snap[0].LastPollID)
	}
	if ct.TryBegin("k", time.Second, t0.Add(500*time.Millisecond)) {
		t.Error("Failed source retried before its interval")
	}
	if !ct.TryBegin("k", time.Second, t0.Add(time.Second)) {
		t.Error("Failed source should be retried after its interval")
	}
}

func TestCursorRetain(t *testing.T) {
	ct := NewCursorTracker()
	ct.TryBegin("keep", time.Minute, t0)
	ct.Finish("keep", "", t0, nil)
	ct.TryBegin("drop", time.Minute, t0)
	ct.Finish("drop", "", t0, nil)
	ct.TryBegin("busy", time.Minute, t0)

	ct.Retain(map[string]struct{}{"keep": {}})

	if _, ok := ct.LastFetch("keep"); !ok {
		t.Error("Retained source lost its state")
	}
	if _, ok := ct.LastFetch("drop"); ok {
		t.Error("Dropped source kept its state")
	}
	if !ct.InFlight("busy") {
		t.Error("In-flight source should survive Retain")
	}

	// a dropped source comes back cold
	if !ct.TryBegin("drop", time.Minute, t0.Add(time.Second)) {
		t.Error("Returning source should be due immediately")
	}

	ct.Finish("busy", "", t0, nil)
	ct.Retain(map[string]struct{}{"keep": {}})
	if _, ok := ct.LastFetch("busy"); ok {
		t.Error("Finished orphan should be dropped on the next Retain")
	}
}

func TestCursorSingleFetchInFlight(t *testing.T) {
	ct := NewCursorTracker()

	var began atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ct.TryBegin("k", time.Second, t0) {
				began.Add(1)
			}
		}()
	}
	wg.Wait()

	if began.Load() != 1 {
		t.Errorf("Expected exactly one fetch to begin, got %d", began.Load())
	}
}
