package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/netpoll"
	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/fixkme/raftrpc/mlog"
)

// netpollTransport 默认Transport实现，每个地址维持一条netpoll连接，
// 连接按需建立。对并发Send安全
type netpollTransport struct {
	opt    *Options
	mu     sync.RWMutex
	conns  map[string]*transportConn
	closed atomic.Bool
}

func newNetpollTransport(opt *Options) Transport {
	return &netpollTransport{
		opt:   opt,
		conns: make(map[string]*transportConn),
	}
}

func (t *netpollTransport) Start() error {
	return nil
}

func (t *netpollTransport) Shutdown() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[string]*transportConn)
	t.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (t *netpollTransport) getConn(addr string) (*transportConn, error) {
	t.mu.RLock()
	c, ok := t.conns[addr]
	t.mu.RUnlock()
	if ok {
		return c, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.conns[addr]; ok {
		return c, nil
	}
	c, err := dialTransportConn(addr, t.opt.DialTimeout)
	if err != nil {
		return nil, err
	}
	t.conns[addr] = c
	return c, nil
}

func (t *netpollTransport) SendAsync(ctx context.Context, addr string, req *RequestMessage, cb InvokeCallback, timeout time.Duration) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	// 提交前已取消的请求不再发出
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := t.getConn(addr)
	if err != nil {
		return err
	}
	return c.sendAsync(req, cb, timeout)
}

type syncResult struct {
	msg *ResponseMessage
	err error
}

type syncCallback struct {
	ch chan syncResult
}

func (s *syncCallback) OnResponse(msg *ResponseMessage) { s.ch <- syncResult{msg: msg} }
func (s *syncCallback) OnException(err error)           { s.ch <- syncResult{err: err} }

// Executor 同步路径直接在IO协程投递结果管道，无需派发
func (s *syncCallback) Executor() Executor { return nil }

func (t *netpollTransport) SendSync(ctx context.Context, addr string, req *RequestMessage, timeout time.Duration) (*ResponseMessage, error) {
	cb := &syncCallback{ch: make(chan syncResult, 1)}
	if err := t.SendAsync(ctx, addr, req, cb, timeout); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-cb.ch:
		return r.msg, r.err
	}
}

func (t *netpollTransport) CheckConnection(addr string) bool {
	t.mu.RLock()
	c, ok := t.conns[addr]
	t.mu.RUnlock()
	return ok && c.isActive()
}

func (t *netpollTransport) CloseConnection(addr string) {
	t.mu.Lock()
	c, ok := t.conns[addr]
	if ok {
		delete(t.conns, addr)
	}
	t.mu.Unlock()
	if ok {
		c.close()
	}
}

type pendingCall struct {
	cb       InvokeCallback
	expireAt int64
}

// transportConn 一条到远端的连接。
// pending表的删除权即结果投递权：回应、超时、关闭三条路径
// 都先从表中摘除seq再投递，保证每次提交至多回调一次
type transportConn struct {
	conn    netpoll.Connection
	addr    string
	timeout time.Duration
	wmtx    sync.Mutex // 写与重连互斥
	genSeq  atomic.Uint32
	pending map[uint32]*pendingCall
	mtx     sync.Mutex

	timeouts        *redblacktree.Tree // expireAt(ms) => set[seq]
	tmoutMtx        sync.Mutex
	runTimeout      atomic.Bool
	quit            chan struct{}
	updateTimerTrig chan int64
	closed          atomic.Bool
}

func dialTransportConn(addr string, dialTimeout time.Duration) (*transportConn, error) {
	conn, err := netpoll.DialConnection("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	c := &transportConn{
		addr:            addr,
		timeout:         dialTimeout,
		pending:         make(map[uint32]*pendingCall),
		timeouts:        &redblacktree.Tree{Comparator: timeUnixComparator},
		quit:            make(chan struct{}),
		updateTimerTrig: make(chan int64, 1),
	}
	c.initConn(conn)
	return c, nil
}

func (c *transportConn) initConn(conn netpoll.Connection) {
	c.conn = conn
	conn.SetOnRequest(func(ctx context.Context, nc netpoll.Connection) error {
		return c.onRecvMsg(ctx, nc)
	})
	conn.AddCloseCallback(func(netpoll.Connection) error {
		// 远端断开，在途请求立即失败而不是等到超时
		c.failAll(ErrConnectionClosed)
		return nil
	})
}

func (c *transportConn) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.quit)
	c.wmtx.Lock()
	c.conn.Close()
	c.wmtx.Unlock()
	c.failAll(ErrConnectionClosed)
}

// isActive conn字段会被redial重写，读取需要wmtx保护
func (c *transportConn) isActive() bool {
	c.wmtx.Lock()
	defer c.wmtx.Unlock()
	return c.conn.IsActive()
}

func (c *transportConn) sendAsync(req *RequestMessage, cb InvokeCallback, timeout time.Duration) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	seq := c.genSeq.Add(1)
	req.Seq = seq
	data, err := encodeRequest(req)
	if err != nil {
		return err
	}
	expireAt := time.Now().UnixMilli() + timeout.Milliseconds()
	call := &pendingCall{cb: cb, expireAt: expireAt}
	// 先登记再写出，避免回应先于登记到达
	c.mtx.Lock()
	c.pending[seq] = call
	c.mtx.Unlock()
	c.addTimeout(expireAt, seq)
	if err = c.syncWrite(data); err != nil {
		if c.takePending(seq) == nil {
			// 关闭或超时路径已取得投递权，这次提交按已接受处理
			return nil
		}
		c.removeTimeout(expireAt, seq)
		return err
	}
	return nil
}

func (c *transportConn) syncWrite(data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	c.wmtx.Lock()
	defer c.wmtx.Unlock()
	// 重连也是一种写操作，需要锁保护
	if !c.conn.IsActive() {
		mlog.Warnf("rpc conn %s is not active when write, now reconnect", c.addr)
		c.conn.Close()
		if err := c.redial(); err != nil {
			return err
		}
	}
	w := c.conn.Writer()
	if _, err := w.WriteBinary(data); err != nil {
		mlog.Errorf("rpc conn %s write err: %v", c.addr, err)
		return err
	}
	if err := w.Flush(); err != nil {
		mlog.Errorf("rpc conn %s flush err: %v", c.addr, err)
		return err
	}
	return nil
}

func (c *transportConn) redial() error {
	conn, err := netpoll.DialConnection("tcp", c.addr, c.timeout)
	if err != nil {
		mlog.Errorf("rpc conn redial %s error: %v", c.addr, err)
		return err
	}
	c.initConn(conn)
	return nil
}

func (c *transportConn) onRecvMsg(_ context.Context, conn netpoll.Connection) error {
	reader := conn.Reader()
	lenBuf, err := reader.Next(msgLenSize)
	if err != nil {
		return err
	}
	dataLen := int(byteOrder.Uint32(lenBuf))
	packet, err := reader.Next(dataLen)
	if err != nil {
		return err
	}
	msg, err := decodeResponse(packet)
	// decode已拷出负载，缓冲区可立即归还
	_ = reader.Release()
	if err != nil {
		mlog.Errorf("rpc conn %s decode response err: %v", c.addr, err)
		return err
	}
	call := c.takePending(msg.Seq)
	if call == nil {
		// 已超时或连接层已投递过结果
		return nil
	}
	c.removeTimeout(call.expireAt, msg.Seq)
	c.deliver(call.cb, func() { call.cb.OnResponse(msg) })
	return nil
}

// takePending 摘除并返回seq对应的调用，不存在返回nil
func (c *transportConn) takePending(seq uint32) *pendingCall {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	call, ok := c.pending[seq]
	if !ok {
		return nil
	}
	delete(c.pending, seq)
	return call
}

func (c *transportConn) deliver(cb InvokeCallback, f func()) {
	if ex := cb.Executor(); ex != nil {
		if err := ex.Submit(f); err != nil {
			go f()
		}
		return
	}
	f()
}

func (c *transportConn) failAll(err error) {
	c.mtx.Lock()
	pending := c.pending
	c.pending = make(map[uint32]*pendingCall)
	c.mtx.Unlock()
	c.tmoutMtx.Lock()
	c.timeouts.Clear()
	c.tmoutMtx.Unlock()
	for _, call := range pending {
		call := call
		c.deliver(call.cb, func() { call.cb.OnException(err) })
	}
}

func (c *transportConn) addTimeout(expireAt int64, seq uint32) {
	c.tmoutMtx.Lock()
	val, ok := c.timeouts.Get(expireAt)
	var set map[uint32]struct{}
	if ok {
		set = val.(map[uint32]struct{})
	} else {
		set = make(map[uint32]struct{}, 1)
		c.timeouts.Put(expireAt, set)
	}
	set[seq] = struct{}{}
	c.tmoutMtx.Unlock()
	if c.runTimeout.CompareAndSwap(false, true) {
		go c.processTimeout()
		return
	}
	select {
	case c.updateTimerTrig <- expireAt:
	default:
	}
}

func (c *transportConn) removeTimeout(expireAt int64, seq uint32) {
	c.tmoutMtx.Lock()
	defer c.tmoutMtx.Unlock()
	if val, ok := c.timeouts.Get(expireAt); ok {
		set := val.(map[uint32]struct{})
		delete(set, seq)
		if len(set) == 0 {
			c.timeouts.Remove(expireAt)
		}
	}
}

// processTimeout 连接级超时协程：以rbtree最左(最近到期)为准设置定时器，
// 到期批量摘除过期调用并投递超时异常
func (c *transportConn) processTimeout() {
	timer := time.NewTimer(c.nextTimeout())
	defer timer.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-c.updateTimerTrig:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.nextTimeout())
		case <-timer.C:
			c.expireCalls()
			timer.Reset(c.nextTimeout())
		}
	}
}

const timeoutIdleWait = 5 * time.Minute

func (c *transportConn) nextTimeout() time.Duration {
	c.tmoutMtx.Lock()
	defer c.tmoutMtx.Unlock()
	left := c.timeouts.Left()
	if left == nil {
		return timeoutIdleWait
	}
	dur := left.Key.(int64) - time.Now().UnixMilli()
	if dur < 0 {
		dur = 0
	}
	return time.Duration(dur) * time.Millisecond
}

func (c *transportConn) expireCalls() {
	nowMs := time.Now().UnixMilli()
	expired := make([]*pendingCall, 0)
	removes := make([]int64, 0)
	c.tmoutMtx.Lock()
	it := c.timeouts.Iterator()
	for it.Next() {
		expireAt := it.Key().(int64)
		if nowMs < expireAt {
			break
		}
		removes = append(removes, expireAt)
		set := it.Value().(map[uint32]struct{})
		for seq := range set {
			if call := c.takePending(seq); call != nil {
				expired = append(expired, call)
			}
		}
	}
	for _, expireAt := range removes {
		c.timeouts.Remove(expireAt)
	}
	c.tmoutMtx.Unlock()
	for _, call := range expired {
		call := call
		c.deliver(call.cb, func() { call.cb.OnException(ErrInvokeTimeout) })
	}
}

func timeUnixComparator(a, b interface{}) int {
	x := a.(int64)
	y := b.(int64)
	switch {
	case x > y:
		return 1
	case x < y:
		return -1
	default:
		return 0
	}
}
