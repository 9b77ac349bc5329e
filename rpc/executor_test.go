package rpc

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatchExecutorRuns(t *testing.T) {
	d := newDispatchExecutor(2, 4)
	defer d.Shutdown()
	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		if err := d.Submit(func() {
			n.Add(1)
			wg.Done()
		}); err != nil {
			t.Fatalf("submit error: %v", err)
		}
	}
	wg.Wait()
	if n.Load() != 100 {
		t.Fatalf("ran %d tasks, want 100", n.Load())
	}
}

func TestDispatchExecutorOffCallerGoroutine(t *testing.T) {
	d := newDispatchExecutor(1, 1)
	defer d.Shutdown()
	block := make(chan struct{})
	ran := make(chan struct{})
	if err := d.Submit(func() {
		<-block
		close(ran)
	}); err != nil {
		t.Fatalf("submit error: %v", err)
	}
	// 提交立即返回，任务在worker上阻塞，证明不在调用方协程执行
	select {
	case <-ran:
		t.Fatal("task ran inline")
	default:
	}
	close(block)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestDispatchExecutorPanicIsolated(t *testing.T) {
	d := newDispatchExecutor(1, 1)
	defer d.Shutdown()
	if err := d.Submit(func() { panic("user closure boom") }); err != nil {
		t.Fatalf("submit error: %v", err)
	}
	done := make(chan struct{})
	if err := d.Submit(func() { close(done) }); err != nil {
		t.Fatalf("submit after panic error: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after task panic")
	}
}

// Submit返回nil的任务在Shutdown后也必须执行
func TestDispatchExecutorShutdownRunsAccepted(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := newDispatchExecutor(1, 1)
		var n atomic.Int32
		const tasks = 8
		for j := 0; j < tasks; j++ {
			if err := d.Submit(func() { n.Add(1) }); err != nil {
				t.Fatalf("round %d: submit error: %v", i, err)
			}
		}
		d.Shutdown()
		if got := n.Load(); got != tasks {
			t.Fatalf("round %d: ran %d of %d accepted tasks", i, got, tasks)
		}
	}
}

func TestDispatchExecutorShutdown(t *testing.T) {
	d := newDispatchExecutor(1, 2)
	d.Shutdown()
	d.Shutdown() // 幂等
	if err := d.Submit(func() {}); err != ErrExecutorClosed {
		t.Fatalf("submit after shutdown returned %v", err)
	}
}
