package transport

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestConnection(t *testing.T) (*Connection, *sync.WaitGroup) {
	t.Helper()
	var wg sync.WaitGroup
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	c := New(context.Background(), &wg, nil, Config{ReadTimeout: time.Second}, slog.New(handler))
	return c, &wg
}

func TestSendAfterCloseDoesNotPanic(t *testing.T) {
	c, wg := newTestConnection(t)
	c.Close(nil)

	// Flood well past the buffer size so some sends arrive after the buffer
	// is full and the context is cancelled.
	for i := 0; i < 1000; i++ {
		c.Send([]byte("late broadcast"))
	}

	select {
	case <-c.Done():
	default:
		t.Fatal("connection not marked done after Close")
	}
	wg.Wait()
}

func TestSendRacingCloseDoesNotPanic(t *testing.T) {
	c, wg := newTestConnection(t)

	var senders sync.WaitGroup
	for i := 0; i < 8; i++ {
		senders.Add(1)
		go func() {
			defer senders.Done()
			for j := 0; j < 500; j++ {
				c.Send([]byte("msg"))
			}
		}()
	}
	c.Close(nil)
	senders.Wait()
	wg.Wait()
}

func TestCloseBeforeRunBalancesWaitGroup(t *testing.T) {
	c, wg := newTestConnection(t)

	// The limiter may cycle a connection out before Run is ever called;
	// the lifecycle accounting must still balance.
	c.Close(nil)
	c.Close(nil)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitGroup did not settle after Close")
	}
}

func TestCloseFiresHandlerExactlyOnce(t *testing.T) {
	c, _ := newTestConnection(t)

	var mu sync.Mutex
	calls := 0
	c.SetOnClose(func(_ uuid.UUID, _ error) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var closers sync.WaitGroup
	for i := 0; i < 4; i++ {
		closers.Add(1)
		go func() {
			defer closers.Done()
			c.Close(nil)
		}()
	}
	closers.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("close handler fired %d times, want 1", calls)
	}
}
