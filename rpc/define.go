package rpc

import (
	"context"
	"errors"
	"time"

	"github.com/fixkme/raftrpc/status"
)

var (
	ErrTransportClosed   = errors.New("rpc transport is closed")
	ErrConnectionClosed  = errors.New("rpc connection is closed")
	ErrInvokeTimeout     = errors.New("rpc invoke timeout")
	ErrServiceShutdown   = errors.New("client service is shut down")
	ErrExecutorClosed    = errors.New("dispatch executor is closed")
	ErrDuplicatedHandler = errors.New("duplicated method handler")
	ErrUnknownMethod     = errors.New("unknown service method")
)

// ResponseClosure 调用方提供的一次性结果回调。
// 正常回应时先SetResponse后Run，应用错误、传输错误都会归一成status传给Run，
// Run保证恰好执行一次，其panic会被捕获记录，不会外溢
type ResponseClosure interface {
	SetResponse(msg *ResponseMessage)
	Run(st status.Status)
}

// ClosureFunc ResponseClosure的函数适配，Resp在Run前被赋值(仅正常回应)
type ClosureFunc struct {
	Resp *ResponseMessage
	F    func(st status.Status)
}

func (c *ClosureFunc) SetResponse(msg *ResponseMessage) {
	c.Resp = msg
}

func (c *ClosureFunc) Run(st status.Status) {
	if c.F != nil {
		c.F(st)
	}
}

// Executor 回调执行器，Submit在执行器关闭后返回错误
type Executor interface {
	Submit(task func()) error
}

// InvokeCallback transport完成一次提交后的回调。
// 每次被接受的提交，OnResponse/OnException恰好回调其一。
// Executor返回非nil时回调在该执行器上运行，避免占用transport的IO协程
type InvokeCallback interface {
	OnResponse(msg *ResponseMessage)
	OnException(err error)
	Executor() Executor
}

// Transport 底层传输契约。实现需要对并发Send安全，
// 超时由transport按调用计时，到期通过OnException(ErrInvokeTimeout)通知
type Transport interface {
	Start() error
	Shutdown()
	// SendAsync 提交异步请求，提交本身失败时同步返回error
	SendAsync(ctx context.Context, addr string, req *RequestMessage, cb InvokeCallback, timeout time.Duration) error
	// SendSync 同步请求，用于连接探测
	SendSync(ctx context.Context, addr string, req *RequestMessage, timeout time.Duration) (*ResponseMessage, error)
	CheckConnection(addr string) bool
	CloseConnection(addr string)
}

// AddressResolver Endpoint到transport地址的转换，应当是纯函数
type AddressResolver interface {
	Resolve(ep Endpoint) (string, error)
}

type AddressResolverFunc func(ep Endpoint) (string, error)

func (f AddressResolverFunc) Resolve(ep Endpoint) (string, error) {
	return f(ep)
}

// ClientService 客户端rpc调用服务
type ClientService interface {
	// Init 幂等，并发安全；仅在transport启动失败时返回错误
	Init(opt *Options) error
	// Shutdown 幂等，终态，不可再Init
	Shutdown()
	IsConnected(ep Endpoint) bool
	// Connect 同步探测，未初始化时panic；连接已存在时不产生网络IO
	Connect(ctx context.Context, ep Endpoint) bool
	Disconnect(ep Endpoint) bool
	// InvokeWithDone 异步调用，立即返回future；done可为nil。
	// timeout非正时使用Options.DefaultTimeout
	InvokeWithDone(ctx context.Context, ep Endpoint, req *RequestMessage, done ResponseClosure, timeout time.Duration) *InvokeFuture
}
