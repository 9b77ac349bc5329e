package rpc

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint 远端节点的网络标识(host+port)，不可变值，
// String()作为transport的连接key，必须保持稳定
type Endpoint struct {
	Host string
	Port int
}

func NewEndpoint(host string, port int) Endpoint {
	return Endpoint{Host: host, Port: port}
}

// ParseEndpoint 解析"host:port"
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint port %q: %w", portStr, err)
	}
	return Endpoint{Host: host, Port: port}, nil
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) IsValid() bool {
	return e.Host != "" && e.Port > 0 && e.Port < 65536
}
