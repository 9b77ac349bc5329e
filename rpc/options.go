package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Options 客户端服务配置，零值字段在Init时补默认值
type Options struct {
	// ProcessorPoolSize 派发执行器最大worker数
	ProcessorPoolSize int
	// DispatchCoreRatio 常驻worker = ProcessorPoolSize / DispatchCoreRatio
	DispatchCoreRatio int
	// ConnectTimeout 连接探测(ping)超时
	ConnectTimeout time.Duration
	// DefaultTimeout invoke未指定超时时的默认值
	DefaultTimeout time.Duration
	// DialTimeout transport建连超时
	DialTimeout time.Duration

	// Resolver endpoint地址转换，默认透传endpoint.String()
	Resolver AddressResolver
	// Transport 为nil时使用默认netpoll实现
	Transport Transport
	// ConfigureTransport transport启动前的扩展钩子
	ConfigureTransport func(t Transport)
	// Metrics 可选指标注册表，为nil则不注册任何观测
	Metrics prometheus.Registerer
}

var defaultOptions = &Options{
	ProcessorPoolSize: 80,
	DispatchCoreRatio: 3,
	ConnectTimeout:    3 * time.Second,
	DefaultTimeout:    5 * time.Second,
	DialTimeout:       5 * time.Second,
}

func initOptions(opt *Options) *Options {
	if opt == nil {
		cp := *defaultOptions
		opt = &cp
	}
	if opt.ProcessorPoolSize <= 0 {
		opt.ProcessorPoolSize = defaultOptions.ProcessorPoolSize
	}
	if opt.DispatchCoreRatio <= 0 {
		opt.DispatchCoreRatio = defaultOptions.DispatchCoreRatio
	}
	if opt.ConnectTimeout <= 0 {
		opt.ConnectTimeout = defaultOptions.ConnectTimeout
	}
	if opt.DefaultTimeout <= 0 {
		opt.DefaultTimeout = defaultOptions.DefaultTimeout
	}
	if opt.DialTimeout <= 0 {
		opt.DialTimeout = defaultOptions.DialTimeout
	}
	if opt.Resolver == nil {
		opt.Resolver = AddressResolverFunc(func(ep Endpoint) (string, error) {
			return ep.String(), nil
		})
	}
	return opt
}
