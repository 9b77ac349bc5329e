package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/fixkme/raftrpc/discovery/etcd"
	"github.com/fixkme/raftrpc/mlog"
	"github.com/fixkme/raftrpc/rpc"
	"github.com/fixkme/raftrpc/status"
)

const (
	counterService = "counter"
	counterMethod  = "IncrementAndGet"
)

var (
	confFile = flag.String("conf", "", "json config file")
	serve    = flag.String("serve", "", "run a counter peer on this address instead of a client")
	delta    = flag.Int64("delta", 1, "increment delta")
	count    = flag.Int("n", 1, "invoke times")
)

func main() {
	flag.Parse()
	conf, err := LoadConfig(*confFile)
	if err != nil {
		fmt.Println("load config error:", err)
		os.Exit(1)
	}
	mlog.UseStdLogger(mlog.Level(conf.LogLevel))

	if *serve != "" {
		runPeer(*serve)
		return
	}
	runClient(conf)
}

// runPeer 计数器应答端，客户端的陪练对端
func runPeer(addr string) {
	srv, err := rpc.NewServer(&rpc.ServerOptions{Addr: addr, Multicore: true})
	if err != nil {
		mlog.Fatalf("new server error: %v", err)
		os.Exit(1)
	}
	var value atomic.Int64
	_ = srv.RegisterHandler(counterService, counterMethod, func(_ context.Context, req *rpc.RequestMessage) (proto.Message, status.Status) {
		d := &wrapperspb.Int64Value{}
		if err := req.UnmarshalPayload(d); err != nil {
			return nil, status.Newf(status.CodeEInval, "bad delta payload: %v", err)
		}
		return wrapperspb.Int64(value.Add(d.Value)), status.OK()
	})
	if err = srv.Run(); err != nil {
		mlog.Fatalf("server run error: %v", err)
		os.Exit(1)
	}
}

func runClient(conf *AppConfig) {
	addr := conf.PeerAddr
	if addr == "" && conf.EtcdEndpoints != "" {
		var err error
		if addr, err = discoverPeer(conf); err != nil {
			mlog.Fatalf("discover peer error: %v", err)
			os.Exit(1)
		}
	}
	if addr == "" {
		fmt.Println("no peer address, set peer_addr or etcd_endpoints in config")
		os.Exit(1)
	}
	ep, err := rpc.ParseEndpoint(addr)
	if err != nil {
		mlog.Fatalf("bad peer address %s: %v", addr, err)
		os.Exit(1)
	}

	cli := rpc.NewClientService()
	if err = cli.Init(&rpc.Options{
		ProcessorPoolSize: conf.PoolSize,
		ConnectTimeout:    time.Duration(conf.ConnectTimeoutMs) * time.Millisecond,
		DefaultTimeout:    time.Duration(conf.DefaultTimeoutMs) * time.Millisecond,
	}); err != nil {
		mlog.Fatalf("init client service error: %v", err)
		os.Exit(1)
	}
	defer cli.Shutdown()

	ctx := context.Background()
	if !cli.Connect(ctx, ep) {
		mlog.Fatalf("fail to connect %s", ep)
		os.Exit(1)
	}

	for i := 0; i < *count; i++ {
		req, err := rpc.NewRequest(counterService, counterMethod, wrapperspb.Int64(*delta))
		if err != nil {
			mlog.Fatalf("build request error: %v", err)
			os.Exit(1)
		}
		done := &rpc.ClosureFunc{}
		done.F = func(st status.Status) {
			if !st.IsOK() {
				fmt.Println("increment failed:", st)
				return
			}
			v := &wrapperspb.Int64Value{}
			if err := done.Resp.UnmarshalPayload(v); err != nil {
				fmt.Println("bad response payload:", err)
				return
			}
			fmt.Println("counter value:", v.Value)
		}
		future := cli.InvokeWithDone(ctx, ep, req, done, 0)
		if _, err = future.Get(ctx); err != nil {
			fmt.Println("invoke failed:", err)
		}
	}
}

func discoverPeer(conf *AppConfig) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d, err := etcd.NewEtcdDiscovery(ctx, &etcd.EtcdOptions{
		Endpoints:   strings.Split(conf.EtcdEndpoints, ","),
		DialTimeout: 3,
		Group:       conf.EtcdGroup,
	})
	if err != nil {
		return "", err
	}
	defer d.Stop()
	d.Start()
	// 等待已注册节点的cache建立
	time.Sleep(time.Second)
	return d.GetPeer(counterService)
}
