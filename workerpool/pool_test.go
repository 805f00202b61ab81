package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsJob(t *testing.T) {
	p := New(2)
	defer p.Shutdown(context.Background())

	var ran int32
	err := p.Submit(context.Background(), Job{
		ZoneID: "z1",
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("job did not run")
	}
}

func TestSubmitPropagatesError(t *testing.T) {
	p := New(1)
	defer p.Shutdown(context.Background())

	wantErr := errors.New("boom")
	err := p.Submit(context.Background(), Job{
		ZoneID: "z1",
		Run:    func(ctx context.Context) error { return wantErr },
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got error %v, want %v", err, wantErr)
	}
}

func TestSubmitAfterShutdownFails(t *testing.T) {
	p := New(1)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	err := p.Submit(context.Background(), Job{Run: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, ErrPoolIsClosing) {
		t.Fatalf("got %v, want ErrPoolIsClosing", err)
	}
}

func TestSubmitAsyncInvokesCallback(t *testing.T) {
	p := New(1)
	defer p.Shutdown(context.Background())

	done := make(chan error, 1)
	err := p.SubmitAsync(Job{
		ZoneID: "z1",
		Run:    func(ctx context.Context) error { return nil },
	}, func(err error) { done <- err })
	if err != nil {
		t.Fatalf("SubmitAsync: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("job error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never invoked")
	}
}
