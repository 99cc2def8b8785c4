package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/vocalis/pkg/utterance"
)

func TestIntakeQueueDropsOldestWhenFull(t *testing.T) {
	q := NewIntakeQueue(5)
	var dropped []string
	q.OnDrop = func(u *utterance.Utterance) { dropped = append(dropped, u.ID) }

	for i := 1; i <= 6; i++ {
		q.Push(&utterance.Utterance{ID: fmt.Sprintf("u%d", i)})
	}
	if len(dropped) != 1 || dropped[0] != "u1" {
		t.Fatalf("expected u1 dropped, got %v", dropped)
	}
	want := []string{"u2", "u3", "u4", "u5", "u6"}
	if fmt.Sprint(q.Snapshot()) != fmt.Sprint(want) {
		t.Fatalf("unexpected queue contents %v", q.Snapshot())
	}
	for _, id := range want {
		u, err := q.Pop(context.Background())
		if err != nil || u.ID != id {
			t.Fatalf("pop: got %v %v, want %s", u, err, id)
		}
	}
}

func TestIntakeQueuePopBlocksUntilPush(t *testing.T) {
	q := NewIntakeQueue(2)
	got := make(chan string, 1)
	go func() {
		u, err := q.Pop(context.Background())
		if err == nil {
			got <- u.ID
		}
	}()
	time.Sleep(10 * time.Millisecond)
	q.Push(&utterance.Utterance{ID: "late"})
	select {
	case id := <-got:
		if id != "late" {
			t.Fatalf("unexpected id %s", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("pop did not wake up")
	}
}

func TestIntakeQueueCloseAndCancel(t *testing.T) {
	q := NewIntakeQueue(2)
	q.Push(&utterance.Utterance{ID: "a"})
	q.Close()
	q.Push(&utterance.Utterance{ID: "ignored"})

	if u, err := q.Pop(context.Background()); err != nil || u.ID != "a" {
		t.Fatalf("queued item should survive close: %v %v", u, err)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}

	q2 := NewIntakeQueue(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q2.Pop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIntakeQueueConcurrentPushPop(t *testing.T) {
	q := NewIntakeQueue(1000)
	const n = 500
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Push(&utterance.Utterance{ID: fmt.Sprintf("%04d", i)})
		}
		q.Close()
	}()
	prev := ""
	count := 0
	for {
		u, err := q.Pop(context.Background())
		if errors.Is(err, ErrQueueClosed) {
			break
		}
		if u.ID <= prev {
			t.Fatalf("out of order: %s after %s", u.ID, prev)
		}
		prev = u.ID
		count++
	}
	wg.Wait()
	if count != n {
		t.Fatalf("expected %d items, got %d", n, count)
	}
}

func TestIntakeQueueDiscardAfterClose(t *testing.T) {
	q := NewIntakeQueue(3)
	q.Push(&utterance.Utterance{ID: "a"})
	q.Push(&utterance.Utterance{ID: "b"})
	q.Close()
	if n := q.Discard(); n != 2 || q.Len() != 0 {
		t.Fatalf("expected 2 discarded and empty queue, got %d len=%d", n, q.Len())
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if n := q.Discard(); n != 0 {
		t.Fatalf("second discard should find nothing, got %d", n)
	}
}
