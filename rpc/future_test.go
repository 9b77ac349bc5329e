package rpc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestFutureCompleteOnce(t *testing.T) {
	f := newInvokeFuture()
	msg := &ResponseMessage{Seq: 1}
	if !f.complete(msg) {
		t.Fatal("first complete should win")
	}
	if f.complete(&ResponseMessage{Seq: 2}) {
		t.Fatal("second complete should be a no-op")
	}
	if f.fail(errors.New("late")) {
		t.Fatal("fail after complete should be a no-op")
	}
	got, err := f.Get(context.Background())
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if got.Seq != 1 {
		t.Fatalf("got wrong response seq %d", got.Seq)
	}
}

func TestFutureFail(t *testing.T) {
	f := newInvokeFuture()
	want := errors.New("boom")
	if !f.fail(want) {
		t.Fatal("fail should win")
	}
	if _, err := f.Get(context.Background()); !errors.Is(err, want) {
		t.Fatalf("get returned %v, want %v", err, want)
	}
	if !f.IsDone() || f.IsCancelled() {
		t.Fatal("bad terminal state")
	}
}

func TestFutureCancelSuppressesCompletion(t *testing.T) {
	f := newInvokeFuture()
	if !f.Cancel() {
		t.Fatal("cancel should succeed on pending future")
	}
	if f.complete(&ResponseMessage{}) {
		t.Fatal("complete after cancel should be a no-op")
	}
	if f.fail(errors.New("late")) {
		t.Fatal("fail after cancel should be a no-op")
	}
	if !f.IsCancelled() || !f.IsDone() {
		t.Fatal("cancelled future must report cancelled and done")
	}
	if _, err := f.Get(context.Background()); !errors.Is(err, ErrFutureCancelled) {
		t.Fatalf("get returned %v, want ErrFutureCancelled", err)
	}
}

func TestFutureCancelAfterComplete(t *testing.T) {
	f := newInvokeFuture()
	f.complete(&ResponseMessage{Seq: 7})
	if f.Cancel() {
		t.Fatal("cancel after complete should fail")
	}
	if got, err := f.Get(context.Background()); err != nil || got.Seq != 7 {
		t.Fatalf("result lost after late cancel: %v %v", got, err)
	}
}

func TestFutureGetContext(t *testing.T) {
	f := newInvokeFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("get returned %v, want deadline exceeded", err)
	}
}

// 并发complete/fail/cancel竞争，结果至多投递一次且不丢失终态
func TestFutureRace(t *testing.T) {
	for i := 0; i < 200; i++ {
		f := newInvokeFuture()
		var wins int32
		var mu sync.Mutex
		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			<-start
			if f.complete(&ResponseMessage{}) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			if f.fail(errors.New("x")) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			<-start
			if f.Cancel() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
		close(start)
		wg.Wait()
		if wins != 1 {
			t.Fatalf("round %d: %d winners, want exactly 1", i, wins)
		}
		if !f.IsDone() {
			t.Fatalf("round %d: future not done", i)
		}
	}
}
