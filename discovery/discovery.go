package discovery

// Discovery 对端节点发现：向注册中心发布本节点rpc地址，
// 并缓存同组其他节点的地址
type Discovery interface {
	Start() <-chan error

	Stop()

	// RegisterPeer 发布节点，返回带实例id的节点名
	RegisterPeer(peerName, rpcAddr string) (string, error)

	// GetPeer 获取节点地址，peerName带实例id时精确匹配，否则随机选择一个实例
	GetPeer(peerName string) (rpcAddr string, err error)

	// ListPeers 获取某节点名下全部实例 实例id->地址
	ListPeers(peerName string) (rpcAddrs map[string]string, err error)
}
