package rpc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/fixkme/raftrpc/mlog"
	"github.com/fixkme/raftrpc/status"
)

const (
	dispatchQueueSize  = 10000
	tempWorkerIdleTime = 60 * time.Second
	closurePoolSize    = 256
)

// dispatchExecutor 有界worker池，专用于执行结果回调，
// 把回调执行从transport的IO协程上解耦。
// 常驻worker数为core，队列满时临时扩容到max，再满则阻塞提交者
type dispatchExecutor struct {
	tasks   chan func()
	quit    chan struct{}
	wg      sync.WaitGroup
	max     int32
	workers atomic.Int32
	closed  atomic.Bool
}

func newDispatchExecutor(core, max int) *dispatchExecutor {
	if core < 1 {
		core = 1
	}
	if max < core {
		max = core
	}
	d := &dispatchExecutor{
		tasks: make(chan func(), dispatchQueueSize),
		quit:  make(chan struct{}),
		max:   int32(max),
	}
	for i := 0; i < core; i++ {
		d.workers.Add(1)
		d.startWorker(true)
	}
	return d
}

func (d *dispatchExecutor) Submit(task func()) error {
	if d.closed.Load() {
		return ErrExecutorClosed
	}
	select {
	case d.tasks <- task:
		return nil
	default:
	}
	// 队列已满，尝试扩容临时worker，达到max后阻塞等待
	for {
		n := d.workers.Load()
		if n >= d.max {
			break
		}
		if d.workers.CompareAndSwap(n, n+1) {
			d.startWorker(false)
			break
		}
	}
	select {
	case d.tasks <- task:
		return nil
	case <-d.quit:
		return ErrExecutorClosed
	}
}

func (d *dispatchExecutor) startWorker(resident bool) {
	d.wg.Add(1)
	go func() {
		defer func() {
			d.workers.Add(-1)
			d.wg.Done()
		}()
		if resident {
			for {
				select {
				case task := <-d.tasks:
					d.exec(task)
				case <-d.quit:
					d.drain()
					return
				}
			}
		}
		idle := time.NewTimer(tempWorkerIdleTime)
		defer idle.Stop()
		for {
			select {
			case task := <-d.tasks:
				d.exec(task)
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(tempWorkerIdleTime)
			case <-idle.C:
				return
			case <-d.quit:
				d.drain()
				return
			}
		}
	}()
}

// drain 清空队列中已接受的任务，Submit返回nil即承诺执行
func (d *dispatchExecutor) drain() {
	for {
		select {
		case task := <-d.tasks:
			d.exec(task)
		default:
			return
		}
	}
}

func (d *dispatchExecutor) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			mlog.Errorf("dispatch task panic: %v", r)
		}
	}()
	task()
}

// Shutdown 关闭执行器并等待worker退出，已排队的任务在退出前执行完
func (d *dispatchExecutor) Shutdown() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	close(d.quit)
	d.wg.Wait()
	// worker退出后可能还有Submit刚越过closed检查入队的任务
	d.drain()
}

func (d *dispatchExecutor) runningWorkers() int {
	return int(d.workers.Load())
}

func (d *dispatchExecutor) queueDepth() int {
	return len(d.tasks)
}

func (d *dispatchExecutor) queueCap() int {
	return cap(d.tasks)
}

// 进程级闭包执行池，提交失败路径的回调必须脱离调用方协程执行，
// 调用方可能持有回调逻辑需要的锁。服务构造时显式初始化一次
var (
	closurePool     *ants.Pool
	closurePoolOnce sync.Once
)

func initClosurePool() {
	closurePoolOnce.Do(func() {
		p, err := ants.NewPool(closurePoolSize,
			ants.WithNonblocking(true),
			ants.WithPanicHandler(func(r any) {
				mlog.Errorf("closure pool task panic: %v", r)
			}))
		if err != nil {
			mlog.Errorf("fail to create closure pool: %v", err)
			return
		}
		closurePool = p
	})
}

// runClosure 执行用户闭包，panic被捕获记录，不会破坏调用路径
func runClosure(done ResponseClosure, st status.Status) {
	if done == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			mlog.Errorf("fail to run response closure, %v: %v", st, r)
		}
	}()
	done.Run(st)
}

// runClosureDetached 在独立协程中执行闭包，池满时退化为裸协程
func runClosureDetached(done ResponseClosure, st status.Status) {
	if done == nil {
		return
	}
	task := func() {
		runClosure(done, st)
	}
	if closurePool != nil {
		if err := closurePool.Submit(task); err == nil {
			return
		}
	}
	go task()
}
