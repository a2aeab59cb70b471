package grouplock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestWithLockSerializesPerGroup(t *testing.T) {
	r := New()
	var counter int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.WithLock(context.Background(), "group-1", func(ctx context.Context) error {
				cur := atomic.AddInt64(&counter, 1)
				if cur != 1 {
					t.Errorf("expected exclusive access, got concurrent count %d", cur)
				}
				atomic.AddInt64(&counter, -1)
				return nil
			})
		}()
	}
	wg.Wait()
}

func TestOnceCollapsesConcurrentCalls(t *testing.T) {
	r := New()
	var calls int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Once("key", func() (interface{}, error) {
				atomic.AddInt64(&calls, 1)
				return 42, nil
			})
		}()
	}
	wg.Wait()
	if calls == 0 {
		t.Fatal("expected at least one call to execute")
	}
}
