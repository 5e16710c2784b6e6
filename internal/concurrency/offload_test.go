package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestOffloadRunsAndReturnsValue(t *testing.T) {
	p := NewPool(2)
	ch := Offload(context.Background(), p, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	res := <-ch
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Value != 42 {
		t.Fatalf("Value = %d, want 42", res.Value)
	}
}

func TestOffloadPropagatesError(t *testing.T) {
	p := NewPool(1)
	wantErr := errors.New("boom")
	ch := Offload(context.Background(), p, func(ctx context.Context) (int, error) {
		return 0, wantErr
	})
	res := <-ch
	if !errors.Is(res.Err, wantErr) {
		t.Fatalf("Err = %v, want %v", res.Err, wantErr)
	}
}

func TestOffloadRespectsCapacity(t *testing.T) {
	p := NewPool(1)
	var inFlight int64
	var maxObserved int64

	block := make(chan struct{})
	first := Offload(context.Background(), p, func(ctx context.Context) (int, error) {
		n := atomic.AddInt64(&inFlight, 1)
		if n > atomic.LoadInt64(&maxObserved) {
			atomic.StoreInt64(&maxObserved, n)
		}
		<-block
		atomic.AddInt64(&inFlight, -1)
		return 1, nil
	})

	// Give the first task time to claim the only worker slot.
	time.Sleep(10 * time.Millisecond)

	second := Offload(context.Background(), p, func(ctx context.Context) (int, error) {
		n := atomic.AddInt64(&inFlight, 1)
		if n > atomic.LoadInt64(&maxObserved) {
			atomic.StoreInt64(&maxObserved, n)
		}
		atomic.AddInt64(&inFlight, -1)
		return 2, nil
	})

	close(block)
	<-first
	<-second

	if atomic.LoadInt64(&maxObserved) > 1 {
		t.Fatalf("pool of capacity 1 ran %d tasks concurrently", maxObserved)
	}
}
