package main

import (
	"encoding/json"
	"os"
)

type AppConfig struct {
	LogConfig
	RpcConfig
}

type LogConfig struct {
	LogPath   string `json:"log_path"`
	LogName   string `json:"log_name"`
	LogLevel  int    `json:"log_level"`
	LogStdOut bool   `json:"log_std_out"`
}

type RpcConfig struct {
	PeerAddr         string `json:"peer_addr"`          //直连的对端地址，优先于etcd发现
	EtcdEndpoints    string `json:"etcd_endpoints"`     //多个地址用,隔开
	EtcdGroup        string `json:"etcd_group"`         //节点群组，组间隔离
	PoolSize         int    `json:"pool_size"`          //回调派发池大小
	ConnectTimeoutMs int    `json:"connect_timeout_ms"` //连接探测超时 毫秒
	DefaultTimeoutMs int    `json:"default_timeout_ms"` //调用默认超时 毫秒
}

func LoadConfig(configFile string) (*AppConfig, error) {
	conf := &AppConfig{
		LogConfig: LogConfig{LogName: "counter", LogStdOut: true, LogLevel: 4},
		RpcConfig: RpcConfig{PoolSize: 30, ConnectTimeoutMs: 3000, DefaultTimeoutMs: 5000},
	}
	if len(configFile) == 0 {
		return conf, nil
	}
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(data, conf); err != nil {
		return nil, err
	}
	return conf, nil
}
