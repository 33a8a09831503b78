package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/prescreen-voip/internal/domain"
)

func TestWindowClaim(t *testing.T) {
	t.Parallel()
	w := NewWindow(time.Minute, 10)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	if !w.Claim("sim/e1", now) {
		t.Fatal("first Claim() = false")
	}
	if w.Claim("sim/e1", now.Add(30*time.Second)) {
		t.Fatal("Claim() inside window = true")
	}
	if !w.Claim("sim/e1", now.Add(2*time.Minute)) {
		t.Fatal("Claim() after window = false")
	}

	w.Release("sim/e1")
	if !w.Claim("sim/e1", now.Add(2*time.Minute)) {
		t.Fatal("Claim() after Release() = false")
	}
}

func TestWindowBounded(t *testing.T) {
	t.Parallel()
	w := NewWindow(time.Hour, 3)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		w.Claim(fmt.Sprintf("k%d", i), now)
	}
	if w.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", w.Len())
	}
	if !w.Claim("k0", now) {
		t.Fatal("oldest key should have been evicted")
	}
}

func TestWindowPrune(t *testing.T) {
	t.Parallel()
	w := NewWindow(time.Minute, 100)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	w.Claim("old-1", start)
	w.Claim("old-2", start.Add(10*time.Second))
	w.Claim("fresh", start.Add(50*time.Second))

	if n := w.Prune(start.Add(70 * time.Second)); n != 2 {
		t.Fatalf("Prune() = %d, want 2", n)
	}
	if w.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", w.Len())
	}
}

func TestQueueKeepsPerCallOrder(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	seen := map[string][]int{}
	var wg sync.WaitGroup

	q := NewQueue(4, 64, func(_ context.Context, raw []byte) Result {
		defer wg.Done()
		var msg struct {
			CallID string `json:"call_id"`
			N      int    `json:"n"`
		}
		_ = json.Unmarshal(raw, &msg)
		mu.Lock()
		seen[msg.CallID] = append(seen[msg.CallID], msg.N)
		mu.Unlock()
		return Result{Outcome: domain.OutcomeApplied}
	}, nil)

	calls := []string{"a", "b", "c", "d", "e"}
	for n := 0; n < 10; n++ {
		for _, c := range calls {
			wg.Add(1)
			if err := q.Submit([]byte(fmt.Sprintf(`{"call_id":"%s","n":%d}`, c, n))); err != nil {
				t.Fatalf("Submit() error = %v", err)
			}
		}
	}
	wg.Wait()
	q.Close(time.Second)

	for _, c := range calls {
		got := seen[c]
		if len(got) != 10 {
			t.Fatalf("call %s got %d events", c, len(got))
		}
		for i, n := range got {
			if n != i {
				t.Fatalf("call %s order = %v", c, got)
			}
		}
	}
}

func TestQueueRecoversPanics(t *testing.T) {
	t.Parallel()
	done := make(chan string, 2)
	q := NewQueue(1, 8, func(_ context.Context, raw []byte) Result {
		if string(raw) == `{"call_id":"boom"}` {
			panic("bad handler")
		}
		done <- string(raw)
		return Result{}
	}, nil)
	defer q.Close(time.Second)

	_ = q.Submit([]byte(`{"call_id":"boom"}`))
	_ = q.Submit([]byte(`{"call_id":"ok"}`))

	select {
	case got := <-done:
		if got != `{"call_id":"ok"}` {
			t.Fatalf("processed %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestQueueFullAndClosed(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	q := NewQueue(1, 1, func(_ context.Context, _ []byte) Result {
		started <- struct{}{}
		<-release
		return Result{}
	}, nil)

	if err := q.Submit([]byte(`{"call_id":"x"}`)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-started
	if err := q.Submit([]byte(`{"call_id":"x"}`)); err != nil {
		t.Fatalf("Submit() into buffer error = %v", err)
	}
	if err := q.Submit([]byte(`{"call_id":"x"}`)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit() on full shard error = %v", err)
	}

	close(release)
	q.Close(time.Second)
	if err := q.Submit([]byte(`{"call_id":"x"}`)); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Submit() after Close error = %v", err)
	}
}
