package rpc

import (
	"context"
	"errors"
	"sync"
)

var ErrFutureCancelled = errors.New("invoke future is cancelled")

// InvokeFuture 单次调用的结果容器：单赋值、可取消。
// result/error至多设置其一；完成后的再次完成是no-op；
// 取消发生在完成前时，后续的结果投递被抑制
type InvokeFuture struct {
	mu        sync.Mutex
	done      chan struct{}
	resp      *ResponseMessage
	err       error
	completed bool
	cancelled bool
}

func newInvokeFuture() *InvokeFuture {
	return &InvokeFuture{done: make(chan struct{})}
}

// complete 设置结果，返回是否由本次调用完成
func (f *InvokeFuture) complete(msg *ResponseMessage) bool {
	f.mu.Lock()
	if f.completed || f.cancelled {
		f.mu.Unlock()
		return false
	}
	f.resp = msg
	f.completed = true
	f.mu.Unlock()
	close(f.done)
	return true
}

// fail 设置失败，返回是否由本次调用完成
func (f *InvokeFuture) fail(err error) bool {
	f.mu.Lock()
	if f.completed || f.cancelled {
		f.mu.Unlock()
		return false
	}
	f.err = err
	f.completed = true
	f.mu.Unlock()
	close(f.done)
	return true
}

// Cancel 协作式取消：不中止在途请求，仅抑制其结果投递。
// 已完成后取消无效，返回false
func (f *InvokeFuture) Cancel() bool {
	f.mu.Lock()
	if f.completed || f.cancelled {
		f.mu.Unlock()
		return false
	}
	f.cancelled = true
	f.mu.Unlock()
	close(f.done)
	return true
}

func (f *InvokeFuture) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *InvokeFuture) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed || f.cancelled
}

// Done 完成(含取消)时关闭
func (f *InvokeFuture) Done() <-chan struct{} {
	return f.done
}

// Get 阻塞等待结果；失败时返回transport的原始错误，
// 应用层错误(Ecode非0)不算失败，返回原始回应信封
func (f *InvokeFuture) Get(ctx context.Context) (*ResponseMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return nil, ErrFutureCancelled
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}
