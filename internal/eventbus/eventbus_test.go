package eventbus

import (
	"sync"
	"testing"
)

func TestBusDeliversInSubscribeOrder(t *testing.T) {
	bus := New[int]()
	var got []string
	bus.Subscribe(func(int) { got = append(got, "a") })
	bus.Subscribe(func(int) { got = append(got, "b") })
	bus.Subscribe(func(int) { got = append(got, "c") })

	bus.Publish(1)

	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("delivered to %d handlers, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order %v, want %v", got, want)
		}
	}
}

func TestBusPublishWithoutSubscribersIsDropped(t *testing.T) {
	bus := New[string]()
	bus.Publish("nobody home")

	var got []string
	bus.Subscribe(func(s string) { got = append(got, s) })
	bus.Publish("hello")

	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v, want [hello]", got)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := New[int]()
	calls := 0
	cancel := bus.Subscribe(func(int) { calls++ })

	bus.Publish(1)
	cancel()
	cancel() // idempotent
	bus.Publish(2)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if bus.Count() != 0 {
		t.Fatalf("Count = %d, want 0", bus.Count())
	}
}

func TestBusReentrantSubscribe(t *testing.T) {
	bus := New[int]()
	var late []int
	bus.Subscribe(func(v int) {
		if v == 1 {
			bus.Subscribe(func(v int) { late = append(late, v) })
		}
	})

	bus.Publish(1)
	bus.Publish(2)

	// The handler added mid-delivery must not see the in-flight value.
	if len(late) != 1 || late[0] != 2 {
		t.Fatalf("late handler got %v, want [2]", late)
	}
}

func TestBusReentrantPublish(t *testing.T) {
	bus := New[int]()
	var got []int
	bus.Subscribe(func(v int) {
		got = append(got, v)
		if v == 1 {
			bus.Publish(2)
		}
	})

	bus.Publish(1)

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("got %v, want [1 2]", got)
	}
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := New[int]()
	var mu sync.Mutex
	seen := 0
	bus.Subscribe(func(int) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(1)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if seen != 50 {
		t.Fatalf("seen = %d, want 50", seen)
	}
}

func TestLatestReplaysCurrentValue(t *testing.T) {
	l := NewLatest("initial")

	if got := l.Get(); got != "initial" {
		t.Fatalf("Get = %q, want %q", got, "initial")
	}

	var got []string
	l.Subscribe(func(s string) { got = append(got, s) })

	if len(got) != 1 || got[0] != "initial" {
		t.Fatalf("replay got %v, want [initial]", got)
	}

	l.Set("next")
	if len(got) != 2 || got[1] != "next" {
		t.Fatalf("after Set got %v, want [initial next]", got)
	}
	if l.Get() != "next" {
		t.Fatalf("Get = %q, want %q", l.Get(), "next")
	}
}

func TestLatestDeliversSetsInOrder(t *testing.T) {
	l := NewLatest(0)
	var got []int
	l.Subscribe(func(v int) { got = append(got, v) })

	for i := 1; i <= 5; i++ {
		l.Set(i)
	}

	want := []int{0, 1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestLatestLateSubscriberSkipsHistory(t *testing.T) {
	l := NewLatest(1)
	l.Set(2)
	l.Set(3)

	var got []int
	l.Subscribe(func(v int) { got = append(got, v) })

	if len(got) != 1 || got[0] != 3 {
		t.Fatalf("late subscriber got %v, want [3]", got)
	}
}
