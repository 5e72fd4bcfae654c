package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestRunPreservesOrder(t *testing.T) {
	pool, err := New(Config{Workers: 4}, func(ctx context.Context, n int) (int, error) {
		return n * n, nil
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}
	out := pool.Run(context.Background(), items)

	for i, o := range out {
		if o.Err != nil || o.Value != i*i {
			t.Errorf("outcome %d = %+v, want %d", i, o, i*i)
		}
	}
	if s := pool.Stats(); s.Processed != 50 || s.Failed != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRunRecoversPanics(t *testing.T) {
	pool, _ := New(Config{Workers: 2}, func(ctx context.Context, id string) (string, error) {
		if id == "bad" {
			panic("boom")
		}
		return id, nil
	}, nil)

	out := pool.Run(context.Background(), []string{"ok", "bad", "ok2"})
	if out[0].Err != nil || out[2].Err != nil {
		t.Errorf("healthy items should succeed: %+v %+v", out[0], out[2])
	}
	if !errors.Is(out[1].Err, ErrPanicked) {
		t.Errorf("panicking item error = %v, want ErrPanicked", out[1].Err)
	}
	if s := pool.Stats(); s.Panicked != 1 || s.Failed != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestRunReturnsErrors(t *testing.T) {
	errOdd := errors.New("odd")
	pool, _ := New(Config{Workers: 3}, func(ctx context.Context, n int) (int, error) {
		if n%2 == 1 {
			return 0, errOdd
		}
		return n, nil
	}, nil)

	out := pool.Run(context.Background(), []int{0, 1, 2, 3})
	for i, o := range out {
		if wantErr := i%2 == 1; wantErr != errors.Is(o.Err, errOdd) {
			t.Errorf("outcome %d error = %v", i, o.Err)
		}
	}
}

func TestRunCancelled(t *testing.T) {
	var calls atomic.Int64
	pool, _ := New(Config{Workers: 1}, func(ctx context.Context, s string) (struct{}, error) {
		calls.Add(1)
		return struct{}{}, nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i, o := range pool.Run(ctx, []string{"a", "b"}) {
		if !errors.Is(o.Err, context.Canceled) {
			t.Errorf("outcome %d error = %v, want context.Canceled", i, o.Err)
		}
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("worker called %d times after cancellation", n)
	}
}

func TestRunEmpty(t *testing.T) {
	pool, _ := New(DefaultConfig(), func(ctx context.Context, n int) (int, error) { return n, nil }, nil)
	if out := pool.Run(context.Background(), nil); len(out) != 0 {
		t.Errorf("len = %d, want 0", len(out))
	}
}

func TestNewRequiresWorkerFunc(t *testing.T) {
	if _, err := New[int, int](DefaultConfig(), nil, nil); err == nil {
		t.Fatal("expected error for nil worker function")
	}
}
