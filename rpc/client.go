package rpc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fixkme/raftrpc/mlog"
	"github.com/fixkme/raftrpc/status"
)

const (
	stateUninitialized int32 = iota
	stateInitialized
	stateShutdown
)

// clientService ClientService的默认实现。
// transport与派发执行器被所有并发invoke共享，
// 每次invoke持有独立的future/closure对，调用路径本身无需加锁
type clientService struct {
	mu         sync.Mutex // 保护Init/Shutdown状态迁移
	state      atomic.Int32
	opt        *Options
	transport  Transport
	dispatcher *dispatchExecutor
	resolver   AddressResolver
	metrics    *clientMetrics
}

func NewClientService() ClientService {
	return &clientService{}
}

// Init 幂等：重复调用直接成功且无副作用；Shutdown后不可再初始化
func (c *clientService) Init(opt *Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state.Load() {
	case stateInitialized:
		return nil
	case stateShutdown:
		return ErrServiceShutdown
	}
	opt = initOptions(opt)
	initClosurePool()

	t := opt.Transport
	if t == nil {
		t = newNetpollTransport(opt)
	}
	if opt.ConfigureTransport != nil {
		opt.ConfigureTransport(t)
	}
	if err := t.Start(); err != nil {
		mlog.Errorf("fail to start rpc transport: %v", err)
		return err
	}
	core := opt.ProcessorPoolSize / opt.DispatchCoreRatio
	dispatcher := newDispatchExecutor(core, opt.ProcessorPoolSize)

	c.opt = opt
	c.transport = t
	c.dispatcher = dispatcher
	c.resolver = opt.Resolver
	if opt.Metrics != nil {
		c.metrics = registerClientMetrics(opt.Metrics, dispatcher)
	}
	c.state.Store(stateInitialized)
	return nil
}

// Shutdown 幂等，终态
func (c *clientService) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Load() != stateInitialized {
		c.state.Store(stateShutdown)
		return
	}
	c.state.Store(stateShutdown)
	c.transport.Shutdown()
	c.transport = nil
	c.dispatcher.Shutdown()
	c.dispatcher = nil
}

func (c *clientService) panicUnusable() {
	if c.state.Load() == stateShutdown {
		panic("raftrpc: client service is shut down")
	}
	panic("raftrpc: client service is not initialized")
}

func (c *clientService) currentTransport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

func (c *clientService) snapshot() (Transport, *dispatchExecutor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport, c.dispatcher
}

func (c *clientService) IsConnected(ep Endpoint) bool {
	t := c.currentTransport()
	if t == nil {
		return false
	}
	return t.CheckConnection(ep.String())
}

// Connect 同步探测：发送ping并以回应的Ecode==0为成功。
// 取消与传输故障都记录日志并返回false，不向调用方抛出
func (c *clientService) Connect(ctx context.Context, ep Endpoint) bool {
	t := c.currentTransport()
	if t == nil {
		// 未初始化或已关闭即调用属于编程错误
		c.panicUnusable()
	}
	if t.CheckConnection(ep.String()) {
		return true
	}
	addr, err := c.resolver.Resolve(ep)
	if err != nil {
		mlog.Errorf("fail to resolve endpoint %s: %v", ep, err)
		return false
	}
	rsp, err := t.SendSync(ctx, addr, NewPingRequest(), c.opt.ConnectTimeout)
	if err != nil {
		mlog.Errorf("fail to connect %s: %v", ep, err)
		return false
	}
	return rsp.Ecode == 0
}

func (c *clientService) Disconnect(ep Endpoint) bool {
	t := c.currentTransport()
	if t == nil {
		return true
	}
	mlog.Infof("disconnect from %s", ep)
	t.CloseConnection(ep.String())
	return true
}

// InvokeWithDone 核心调用路径，见define.go的契约说明
func (c *clientService) InvokeWithDone(ctx context.Context, ep Endpoint, req *RequestMessage, done ResponseClosure, timeout time.Duration) *InvokeFuture {
	t, dispatcher := c.snapshot()
	if t == nil {
		c.panicUnusable()
	}
	future := newInvokeFuture()
	if timeout <= 0 {
		timeout = c.opt.DefaultTimeout
	}
	addr, err := c.resolver.Resolve(ep)
	if err != nil {
		c.failSubmission(future, req, done, err)
		return future
	}
	cb := &invokeCallback{svc: c, dispatcher: dispatcher, req: req, done: done, future: future}
	if err := t.SendAsync(ctx, addr, req, cb, timeout); err != nil {
		c.failSubmission(future, req, done, err)
	}
	return future
}

// failSubmission 提交失败路径：future同步失败，
// 闭包的失败通知转移到独立协程，禁止在调用方协程内执行
func (c *clientService) failSubmission(future *InvokeFuture, req *RequestMessage, done ResponseClosure, err error) {
	future.fail(err)
	var st status.Status
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		st = status.New(status.CodeEIntr, "sending rpc was cancelled")
	} else {
		st = status.Newf(status.CodeEInternal, "fail to send a rpc request: %v", err)
	}
	mlog.Errorf("fail to submit rpc request %s/%s trace %s: %v", req.Service, req.Method, req.TraceId, err)
	runClosureDetached(done, st)
	c.metrics.observeSubmitFailure()
}

// invokeCallback 桥接transport回调与future/closure双完成通道
type invokeCallback struct {
	svc        *clientService
	dispatcher *dispatchExecutor
	req        *RequestMessage
	done       ResponseClosure
	future     *InvokeFuture
}

// Executor 回调在派发执行器上运行，不占用transport的IO协程
func (cb *invokeCallback) Executor() Executor {
	if cb.dispatcher == nil {
		return nil
	}
	return cb.dispatcher
}

func (cb *invokeCallback) OnResponse(msg *ResponseMessage) {
	// 取消检查是协作式的，最终以future的单赋值兜底
	if cb.future.IsCancelled() {
		return
	}
	st := status.OK()
	if msg.IsErrorResponse() {
		// 远端应用层错误，带码带描述
		st = status.New(msg.Ecode, msg.Error)
	} else if cb.done != nil {
		cb.done.SetResponse(msg)
	}
	if cb.done != nil {
		runClosure(cb.done, st)
	}
	// 与Cancel竞态时这里是no-op，结果至多投递一次
	cb.future.complete(msg)
	cb.svc.metrics.observeResult(st)
}

func (cb *invokeCallback) OnException(err error) {
	if cb.future.IsCancelled() {
		return
	}
	var st status.Status
	if errors.Is(err, ErrInvokeTimeout) {
		st = status.Newf(status.CodeETimedout, "%v", err)
	} else {
		st = status.Newf(status.CodeEInternal, "RPC exception: %v", err)
	}
	mlog.Warnf("rpc %s/%s trace %s failed: %v", cb.req.Service, cb.req.Method, cb.req.TraceId, err)
	if cb.done != nil {
		runClosure(cb.done, st)
	}
	cb.future.fail(err)
	cb.svc.metrics.observeResult(st)
}
