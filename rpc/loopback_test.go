package rpc

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/fixkme/raftrpc/status"
)

// 真实回环链路：gnet应答端 + netpoll transport
func TestLoopbackInvoke(t *testing.T) {
	if testing.Short() {
		t.Skip("skip loopback test in short mode")
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("no loopback listener: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	srv, err := NewServer(&ServerOptions{Addr: addr})
	if err != nil {
		t.Fatalf("new server err: %v", err)
	}
	var counter atomic.Int64
	err = srv.RegisterHandler("counter", "IncrementAndGet", func(_ context.Context, req *RequestMessage) (proto.Message, status.Status) {
		d := &wrapperspb.Int64Value{}
		if err := req.UnmarshalPayload(d); err != nil {
			return nil, status.Newf(status.CodeEInval, "bad payload: %v", err)
		}
		return wrapperspb.Int64(counter.Add(d.Value)), status.OK()
	})
	if err != nil {
		t.Fatalf("register err: %v", err)
	}
	_ = srv.RegisterHandler("counter", "Slow", func(_ context.Context, _ *RequestMessage) (proto.Message, status.Status) {
		time.Sleep(time.Second)
		return nil, status.OK()
	})
	go func() {
		if err := srv.Run(); err != nil {
			t.Logf("server run: %v", err)
		}
	}()
	defer srv.Stop(context.Background())
	waitListen(t, addr)

	ep, err := ParseEndpoint(addr)
	if err != nil {
		t.Fatalf("parse endpoint err: %v", err)
	}
	cli := NewClientService()
	if err := cli.Init(&Options{ProcessorPoolSize: 6}); err != nil {
		t.Fatalf("init err: %v", err)
	}
	defer cli.Shutdown()

	if !cli.Connect(context.Background(), ep) {
		t.Fatal("connect(ping) failed")
	}
	if !cli.IsConnected(ep) {
		t.Fatal("connection not tracked after connect")
	}
	// 调用期间并发探测连接状态
	pollQuit := make(chan struct{})
	defer close(pollQuit)
	go func() {
		for {
			select {
			case <-pollQuit:
				return
			default:
				cli.IsConnected(ep)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	// 正常调用
	req, err := NewRequest("counter", "IncrementAndGet", wrapperspb.Int64(5))
	if err != nil {
		t.Fatalf("new request err: %v", err)
	}
	done := newClosureRecorder()
	future := cli.InvokeWithDone(context.Background(), ep, req, done, 3*time.Second)
	rsp, err := future.Get(context.Background())
	if err != nil {
		t.Fatalf("invoke err: %v", err)
	}
	v := &wrapperspb.Int64Value{}
	if err := rsp.UnmarshalPayload(v); err != nil || v.Value != 5 {
		t.Fatalf("invoke result: %v %v", v, err)
	}
	done.wait(t)
	if runs, st, _ := done.snapshot(); runs != 1 || !st.IsOK() {
		t.Fatalf("closure runs=%d st=%v", runs, st)
	}

	// 未注册方法，远端以EINVAL应用错误应答
	req2, _ := NewRequest("counter", "Nope", nil)
	rsp2, err := cli.InvokeWithDone(context.Background(), ep, req2, nil, 3*time.Second).Get(context.Background())
	if err != nil {
		t.Fatalf("invoke err: %v", err)
	}
	if rsp2.Ecode != status.CodeEInval || !strings.Contains(rsp2.Error, ErrUnknownMethod.Error()) {
		t.Fatalf("unknown method reply: ecode=%d err=%q", rsp2.Ecode, rsp2.Error)
	}

	// 超时路径
	req3, _ := NewRequest("counter", "Slow", nil)
	slow := newClosureRecorder()
	_, err = cli.InvokeWithDone(context.Background(), ep, req3, slow, 100*time.Millisecond).Get(context.Background())
	if err != ErrInvokeTimeout {
		t.Fatalf("slow invoke err: %v", err)
	}
	slow.wait(t)
	if _, st, _ := slow.snapshot(); st.Code() != status.CodeETimedout {
		t.Fatalf("slow closure st=%v", st)
	}

	if !cli.Disconnect(ep) {
		t.Fatal("disconnect failed")
	}
}

func waitListen(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			c.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("server never came up")
}
