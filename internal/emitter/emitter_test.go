package emitter

import (
	"sync"
	"testing"
	"time"

	"github.com/sandwichfarm/feedgraph/internal/ops"
)

type collector struct {
	mu      sync.Mutex
	batches [][]int
}

func (c *collector) flush(batch []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, append([]int(nil), batch...))
}

func (c *collector) snapshot() [][]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]int(nil), c.batches...)
}

func TestWindowFlush(t *testing.T) {
	c := &collector{}
	e := New(20*time.Millisecond, 1000, c.flush, ops.Discard())
	defer e.Close()

	e.Push(1)
	e.Push(2)
	e.Push(2)

	deadline := time.Now().Add(time.Second)
	for len(c.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	batches := c.snapshot()
	if len(batches) != 1 {
		t.Fatalf("Expected 1 batch, got %v", batches)
	}
	if len(batches[0]) != 2 || batches[0][0] != 1 || batches[0][1] != 2 {
		t.Errorf("Unexpected batch %v", batches[0])
	}
}

func TestCapacityFlush(t *testing.T) {
	c := &collector{}
	e := New(time.Hour, 3, c.flush, ops.Discard())

	for i := 0; i < 7; i++ {
		e.Push(i)
	}
	e.Close()

	batches := c.snapshot()
	if len(batches) != 3 {
		t.Fatalf("Expected 3 batches, got %v", batches)
	}
	if len(batches[0]) != 3 || len(batches[1]) != 3 || len(batches[2]) != 1 {
		t.Errorf("Unexpected batch sizes: %v", batches)
	}
}

func TestNoItemDropped(t *testing.T) {
	c := &collector{}
	e := New(time.Millisecond, 50, c.flush, ops.Discard())

	const producers, perProducer = 8, 500
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				e.Push(p*perProducer + i)
			}
		}(p)
	}
	wg.Wait()
	e.Close()

	seen := make(map[int]int)
	for _, batch := range c.snapshot() {
		for _, v := range batch {
			seen[v]++
		}
	}
	if len(seen) != producers*perProducer {
		t.Errorf("Expected %d distinct items, got %d", producers*perProducer, len(seen))
	}
	for v, n := range seen {
		if n != 1 {
			t.Errorf("Item %d delivered %d times", v, n)
		}
	}
	if _, items := e.Stats(); items != producers*perProducer {
		t.Errorf("Stats items = %d", items)
	}
}

func TestPushAfterClose(t *testing.T) {
	c := &collector{}
	e := New(time.Hour, 100, c.flush, ops.Discard())
	e.Push(1)
	e.Close()
	e.Close()
	e.Push(2)

	batches := c.snapshot()
	if len(batches) != 2 || batches[0][0] != 1 || batches[1][0] != 2 {
		t.Errorf("Unexpected batches %v", batches)
	}
}

func TestFlushDeliversPending(t *testing.T) {
	c := &collector{}
	e := New(time.Hour, 1000, c.flush, ops.Discard())
	defer e.Close()

	e.Push(1)
	e.Push(2)
	e.Flush()

	batches := c.snapshot()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("Flush() should deliver the open batch, got %v", batches)
	}

	e.Flush()
	if len(c.snapshot()) != 1 {
		t.Error("Flush() with nothing pending should not deliver")
	}

	e.Close()
	e.Flush()
}

func TestFlushWaitsForDeliveryInProgress(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	c := &collector{}
	e := New(time.Millisecond, 1000, func(batch []int) {
		if batch[0] == 1 {
			close(entered)
			<-release
		}
		c.flush(batch)
	}, ops.Discard())
	defer e.Close()

	e.Push(1)
	<-entered
	e.Push(2)

	flushed := make(chan struct{})
	go func() {
		e.Flush()
		close(flushed)
	}()

	select {
	case <-flushed:
		t.Fatal("Flush() returned while a delivery was still running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("Flush() did not return after the delivery finished")
	}
	if got := c.snapshot(); len(got) != 2 || got[1][0] != 2 {
		t.Errorf("Expected both batches delivered in order, got %v", got)
	}
}
