package rpc

import (
	"context"

	"github.com/panjf2000/ants/v2"
	"github.com/panjf2000/gnet/v2"
	"google.golang.org/protobuf/proto"

	"github.com/fixkme/raftrpc/mlog"
	"github.com/fixkme/raftrpc/status"
)

// Handler 业务方法处理器。返回非OK的status时，
// 回应信封携带其code与message，payload被忽略
type Handler func(ctx context.Context, req *RequestMessage) (proto.Message, status.Status)

type ServerOptions struct {
	Addr            string
	Multicore       bool
	HandlerPoolSize int // 业务handler执行池大小
}

// Server 基于gnet的应答端：内置连接探测(ping)应答，
// 业务方法经methodRouter分发，handler在ants池上执行
type Server struct {
	gnet.BuiltinEventEngine
	eng    gnet.Engine
	opt    *ServerOptions
	router *methodRouter
	pool   *ants.Pool
}

func NewServer(opt *ServerOptions) (*Server, error) {
	if opt.HandlerPoolSize <= 0 {
		opt.HandlerPoolSize = 128
	}
	pool, err := ants.NewPool(opt.HandlerPoolSize, ants.WithPanicHandler(func(r any) {
		mlog.Errorf("rpc handler panic: %v", r)
	}))
	if err != nil {
		return nil, err
	}
	s := &Server{
		opt:    opt,
		router: newMethodRouter(),
		pool:   pool,
	}
	// 连接探测：仅应答Ecode==0
	_ = s.router.add(PingService, PingMethod, func(_ context.Context, _ *RequestMessage) (proto.Message, status.Status) {
		return nil, status.OK()
	})
	return s, nil
}

func (s *Server) RegisterHandler(service, method string, h Handler) error {
	return s.router.add(service, method, h)
}

// Run 阻塞运行，直到Stop或出错
func (s *Server) Run() error {
	return gnet.Run(s, "tcp://"+s.opt.Addr, gnet.WithMulticore(s.opt.Multicore))
}

func (s *Server) Stop(ctx context.Context) error {
	err := s.eng.Stop(ctx)
	s.pool.Release()
	return err
}

func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.eng = eng
	mlog.Infof("rpc server listen on %s", s.opt.Addr)
	return gnet.None
}

func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	for {
		lenBuf, err := c.Peek(msgLenSize)
		if err != nil {
			// 数据不足半包，等待下次事件
			return gnet.None
		}
		dataLen := int(byteOrder.Uint32(lenBuf))
		totalLen := msgLenSize + dataLen
		if c.InboundBuffered() < totalLen {
			return gnet.None
		}
		frame, err := c.Next(totalLen)
		if err != nil {
			return gnet.Close
		}
		req, err := decodeRequest(frame[msgLenSize:])
		if err != nil {
			mlog.Errorf("rpc server decode request err: %v", err)
			return gnet.Close
		}
		if err = s.pool.Submit(func() { s.handle(c, req) }); err != nil {
			mlog.Errorf("rpc server submit handler err: %v", err)
			s.reply(c, req, nil, status.Newf(status.CodeEInternal, "server busy: %v", err))
		}
	}
}

func (s *Server) handle(c gnet.Conn, req *RequestMessage) {
	h, ok := s.router.lookup(req.Service, req.Method)
	if !ok {
		s.reply(c, req, nil, status.Newf(status.CodeEInval, "%v: %s/%s", ErrUnknownMethod, req.Service, req.Method))
		return
	}
	payload, st := h(context.Background(), req)
	s.reply(c, req, payload, st)
}

func (s *Server) reply(c gnet.Conn, req *RequestMessage, payload proto.Message, st status.Status) {
	rsp := &ResponseMessage{
		Seq:     req.Seq,
		TraceId: req.TraceId,
		Ecode:   st.Code(),
		Error:   st.Message(),
	}
	if st.IsOK() && payload != nil {
		data, err := defaultMarshaler.Marshal(payload)
		if err != nil {
			rsp.Ecode = status.CodeEInternal
			rsp.Error = "marshal response payload failed"
		} else {
			rsp.Payload = data
		}
	}
	data, err := encodeResponse(rsp)
	if err != nil {
		mlog.Errorf("rpc server encode response err: %v", err)
		return
	}
	// handler运行在独立协程，必须走AsyncWrite回到事件循环写出
	if err = c.AsyncWrite(data, nil); err != nil {
		mlog.Errorf("rpc server async write err: %v", err)
	}
}
