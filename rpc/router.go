package rpc

import (
	"sync"

	radix "github.com/armon/go-radix"
)

// methodRouter "service/method"到handler的路由表，
// 注册集中在启动期，查找是热路径
type methodRouter struct {
	mu   sync.RWMutex
	tree *radix.Tree
}

func newMethodRouter() *methodRouter {
	return &methodRouter{tree: radix.New()}
}

func (r *methodRouter) add(service, method string, h Handler) error {
	key := service + "/" + method
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tree.Get(key); ok {
		return ErrDuplicatedHandler
	}
	r.tree.Insert(key, h)
	return nil
}

func (r *methodRouter) lookup(service, method string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.tree.Get(service + "/" + method)
	if !ok {
		return nil, false
	}
	return v.(Handler), true
}
