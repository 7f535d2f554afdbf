package ride

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSerialExclusivePerKey(t *testing.T) {
	var s Serial
	var (
		wg     sync.WaitGroup
		inside int32
		max    int32
		count  int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Do(context.Background(), "ride-1", func() error {
				n := atomic.AddInt32(&inside, 1)
				if n > atomic.LoadInt32(&max) {
					atomic.StoreInt32(&max, n)
				}
				count++
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	if max != 1 {
		t.Fatalf("expected at most one task at a time, saw %d", max)
	}
	if count != 50 {
		t.Fatalf("expected 50 runs, got %d", count)
	}
	if s.Active() != 0 {
		t.Fatalf("idle actors must retire, %d left", s.Active())
	}
}

func TestSerialKeysRunInParallel(t *testing.T) {
	var s Serial
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Do(context.Background(), "a", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	done := make(chan error, 1)
	go func() { done <- s.Do(context.Background(), "b", func() error { return nil }) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("key b was blocked by key a")
	}
	close(release)
}

func TestSerialRecoversPanic(t *testing.T) {
	var s Serial
	err := s.Do(context.Background(), "ride-1", func() error { panic("boom") })
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected panic as error, got %v", err)
	}
	if err := s.Do(context.Background(), "ride-1", func() error { return nil }); err != nil {
		t.Fatalf("key must stay usable after a panic: %v", err)
	}
}
