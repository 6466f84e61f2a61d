package mailbox

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPushNextOrdering(t *testing.T) {
	m := New()
	m.Push(Turn{Content: "a"})
	m.Push(Turn{Content: "b"})
	m.Push(Turn{Content: "c"})

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, err := m.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got.Content != want {
			t.Errorf("got %q, want %q", got.Content, want)
		}
	}
}

func TestNextBlocksUntilPush(t *testing.T) {
	m := New()
	done := make(chan Turn, 1)
	go func() {
		turn, err := m.Next(context.Background())
		if err != nil {
			t.Errorf("Next: %v", err)
		}
		done <- turn
	}()

	time.Sleep(20 * time.Millisecond)
	m.Push(Turn{Content: "hello"})

	select {
	case turn := <-done:
		if turn.Content != "hello" {
			t.Errorf("got %q, want hello", turn.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer never woke")
	}
}

func TestCloseWakesConsumer(t *testing.T) {
	m := New()
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	m.Close()
	m.Close() // idempotent

	select {
	case err := <-errCh:
		if err != ErrClosed {
			t.Errorf("got %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer never woke")
	}
}

func TestPushAfterCloseDropped(t *testing.T) {
	m := New()
	m.Close()
	m.Push(Turn{Content: "late"})
	if m.Len() != 0 {
		t.Errorf("queue len = %d, want 0", m.Len())
	}
}

func TestDrainBeforeClosed(t *testing.T) {
	m := New()
	m.Push(Turn{Content: "queued"})
	m.Close()

	turn, err := m.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if turn.Content != "queued" {
		t.Errorf("got %q, want queued", turn.Content)
	}
	if _, err := m.Next(context.Background()); err != ErrClosed {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestConcurrentProducers(t *testing.T) {
	m := New()
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Push(Turn{Content: "x"})
		}()
	}
	wg.Wait()

	count := 0
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		if m.Len() == 0 && count == n {
			break
		}
		if _, err := m.Next(ctx); err != nil {
			t.Fatalf("Next after %d turns: %v", count, err)
		}
		count++
	}
	if count != n {
		t.Errorf("consumed %d turns, want %d", count, n)
	}
}
