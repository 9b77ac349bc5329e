package rpc

import (
	"context"
	"testing"

	"google.golang.org/protobuf/proto"

	"github.com/fixkme/raftrpc/status"
)

func noopHandler(_ context.Context, _ *RequestMessage) (proto.Message, status.Status) {
	return nil, status.OK()
}

func TestRouterAddLookup(t *testing.T) {
	r := newMethodRouter()
	if err := r.add("counter", "IncrementAndGet", noopHandler); err != nil {
		t.Fatalf("add err: %v", err)
	}
	if err := r.add("counter", "Get", noopHandler); err != nil {
		t.Fatalf("add err: %v", err)
	}
	if _, ok := r.lookup("counter", "IncrementAndGet"); !ok {
		t.Fatal("registered method not found")
	}
	if _, ok := r.lookup("counter", "Unknown"); ok {
		t.Fatal("unregistered method found")
	}
	if _, ok := r.lookup("other", "IncrementAndGet"); ok {
		t.Fatal("method matched wrong service")
	}
}

func TestRouterDuplicated(t *testing.T) {
	r := newMethodRouter()
	if err := r.add("counter", "Get", noopHandler); err != nil {
		t.Fatalf("add err: %v", err)
	}
	if err := r.add("counter", "Get", noopHandler); err != ErrDuplicatedHandler {
		t.Fatalf("duplicated add returned %v", err)
	}
}

func TestServerReservesPing(t *testing.T) {
	s, err := NewServer(&ServerOptions{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("new server err: %v", err)
	}
	if _, ok := s.router.lookup(PingService, PingMethod); !ok {
		t.Fatal("ping handler not registered")
	}
	if err := s.RegisterHandler(PingService, PingMethod, noopHandler); err != ErrDuplicatedHandler {
		t.Fatalf("ping override returned %v", err)
	}
}
