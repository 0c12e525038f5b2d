package waiter

import (
	"sync"
	"testing"
	"time"
)

func TestNotifyFirstFIFO(t *testing.T) {
	r := NewRegistry[string, int]()
	var order []int
	for i := 0; i < 3; i++ {
		n := i
		r.Register("k", func(v int) { order = append(order, n*100+v) })
	}
	if got := r.WaiterCount("k"); got != 3 {
		t.Fatalf("expected 3 waiters, got %d", got)
	}
	for i := 0; i < 3; i++ {
		if !r.NotifyFirst("k", i) {
			t.Fatalf("notify %d found no waiter", i)
		}
	}
	if r.NotifyFirst("k", 9) {
		t.Fatalf("expected no waiter left")
	}
	want := []int{0, 101, 202}
	if len(order) != len(want) {
		t.Fatalf("expected %d invocations, got %v", len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("invocation order mismatch: got %v", order)
		}
	}
}

func TestCancelRemovesExactlyOne(t *testing.T) {
	r := NewRegistry[string, string]()
	var got []string
	r.Register("k", func(v string) { got = append(got, "a"+v) })
	cancel := r.Register("k", func(v string) { got = append(got, "b"+v) })
	r.Register("k", func(v string) { got = append(got, "c"+v) })

	cancel()
	cancel() // second call is a no-op
	if n := r.WaiterCount("k"); n != 2 {
		t.Fatalf("expected 2 waiters after cancel, got %d", n)
	}
	r.NotifyAll("k", "x")
	if len(got) != 2 || got[0] != "ax" || got[1] != "cx" {
		t.Fatalf("unexpected invocations: %v", got)
	}
	if r.HasWaiters("k") {
		t.Fatalf("expected key cleared after NotifyAll")
	}
}

func TestCallbackMayReRegisterDuringNotify(t *testing.T) {
	r := NewRegistry[string, int]()
	fired := 0
	r.Register("k", func(v int) {
		fired++
		r.Register("k", func(v int) { fired++ })
	})
	r.NotifyFirst("k", 1)
	if fired != 1 {
		t.Fatalf("re-registered callback must not fire in same notification")
	}
	if n := r.WaiterCount("k"); n != 1 {
		t.Fatalf("expected re-registered waiter to remain, got %d", n)
	}
	r.NotifyFirst("k", 2)
	if fired != 2 {
		t.Fatalf("expected second notification to reach re-registered waiter")
	}
}

func TestClearAllDropsWithoutInvoking(t *testing.T) {
	r := NewRegistry[string, int]()
	fired := false
	r.Register("k", func(int) { fired = true })
	r.ClearAll("k")
	if fired {
		t.Fatalf("ClearAll must not invoke callbacks")
	}
	if r.HasWaiters("k") {
		t.Fatalf("expected no waiters after ClearAll")
	}
}

func TestWaitForResponseNotified(t *testing.T) {
	r := NewRegistry[string, int]()
	done := make(chan struct{})
	go func() {
		defer close(done)
		v, ok := r.WaitForResponse("k", 5*time.Second)
		if !ok || v != 42 {
			t.Errorf("expected delivered 42, got %d ok=%v", v, ok)
		}
	}()
	// Wait until the waiter is registered before notifying.
	deadline := time.Now().Add(2 * time.Second)
	for !r.HasWaiters("k") {
		if time.Now().After(deadline) {
			t.Fatalf("waiter never registered")
		}
		time.Sleep(time.Millisecond)
	}
	r.NotifyFirst("k", 42)
	<-done
	if r.HasWaiters("k") {
		t.Fatalf("residual waiter after delivery")
	}
}

func TestPrepareBuffersNotificationBeforeAwait(t *testing.T) {
	r := NewRegistry[string, int]()
	p := r.Prepare("k")
	// The waiter is live from Prepare on: a notification delivered before
	// Await is called must not be lost.
	if !r.NotifyFirst("k", 7) {
		t.Fatalf("prepared waiter not registered")
	}
	v, ok := p.Await(10 * time.Millisecond)
	if !ok || v != 7 {
		t.Fatalf("expected buffered 7, got %d ok=%v", v, ok)
	}
}

func TestPrepareCancelDeregisters(t *testing.T) {
	r := NewRegistry[string, int]()
	p := r.Prepare("k")
	p.Cancel()
	if r.HasWaiters("k") {
		t.Fatalf("cancelled waiter still registered")
	}
}

func TestWaitForResponseTimeout(t *testing.T) {
	r := NewRegistry[string, int]()
	start := time.Now()
	_, ok := r.WaitForResponse("k", 20*time.Millisecond)
	if ok {
		t.Fatalf("expected timeout outcome")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("returned before timeout elapsed")
	}
	if r.HasWaiters("k") {
		t.Fatalf("timed-out waiter was not deregistered")
	}
}

func TestConcurrentNotifyFirstEachWaiterOnce(t *testing.T) {
	r := NewRegistry[int, int]()
	const n = 64
	var mu sync.Mutex
	seen := make(map[int]int)
	for i := 0; i < n; i++ {
		id := i
		r.Register(7, func(int) {
			mu.Lock()
			seen[id]++
			mu.Unlock()
		})
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.NotifyFirst(7, 0)
		}()
	}
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != n {
		t.Fatalf("expected %d distinct callbacks, got %d", n, len(seen))
	}
	for id, c := range seen {
		if c != 1 {
			t.Fatalf("callback %d fired %d times", id, c)
		}
	}
}
