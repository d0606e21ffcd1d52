package guard

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestKeyed_MutualExclusionPerKey(t *testing.T) {
	k := NewKeyed()
	const workers = 16

	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := k.Do(context.Background(), []string{"p1|2026-02-02"}, func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected strict mutual exclusion, saw %d concurrent holders", maxActive)
	}
}

func TestKeyed_IndependentKeysRunConcurrently(t *testing.T) {
	k := NewKeyed()

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = k.Do(context.Background(), []string{"p1|2026-02-02"}, func() error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	done := make(chan struct{})
	go func() {
		_ = k.Do(context.Background(), []string{"p2|2026-02-02"}, func() error {
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unrelated provider blocked behind p1's lock")
	}
	close(release)
}

func TestKeyed_OverlappingKeySetsNoDeadlock(t *testing.T) {
	k := NewKeyed()
	var wg sync.WaitGroup
	// Opposite acquisition orders; sorted locking must prevent deadlock.
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = k.Do(context.Background(), []string{"a", "b"}, func() error { return nil })
		}()
		go func() {
			defer wg.Done()
			_ = k.Do(context.Background(), []string{"b", "a"}, func() error { return nil })
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock between overlapping key sets")
	}
}

func TestKeyed_ContextCancelledWhileQueued(t *testing.T) {
	k := NewKeyed()

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = k.Do(context.Background(), []string{"p1|d"}, func() error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- k.Do(ctx, []string{"p1|d"}, func() error { return nil })
	}()
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued waiter ignored cancellation")
	}
	close(release)
}

func TestDayKeys(t *testing.T) {
	start := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	keys := DayKeys("p1", start, start.Add(30*time.Minute))
	if len(keys) != 1 || keys[0] != "p1|2026-02-02" {
		t.Fatalf("unexpected keys %v", keys)
	}

	// 23:30-00:30 touches two day buckets.
	lateStart := time.Date(2026, 2, 2, 23, 30, 0, 0, time.UTC)
	keys = DayKeys("p1", lateStart, lateStart.Add(time.Hour))
	if len(keys) != 2 || keys[0] != "p1|2026-02-02" || keys[1] != "p1|2026-02-03" {
		t.Fatalf("unexpected keys %v", keys)
	}
}
