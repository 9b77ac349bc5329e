package etcd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/fixkme/raftrpc/discovery"
	"github.com/fixkme/raftrpc/mlog"
)

const (
	// 租约有效期内未收到keepAlive时，相关key被etcd删除
	defaultLeaseTTLSeconds = 5

	// 不引入mvccpb，事件类型按数值判断
	eventTypePut    = 0
	eventTypeDelete = 1
)

type EtcdOptions struct {
	Endpoints            []string `json:"endpoints"`
	DialTimeout          int64    `json:"dialTimeout"`
	DialKeepAliveTime    int64    `json:"dialKeepAliveTime"`
	DialKeepAliveTimeout int64    `json:"dialKeepAliveTimeout"`
	AutoSyncInterval     int64    `json:"autoSyncInterval"`
	LeaseTTL             int64    `json:"leaseTTL"`
	// Group 同组节点互相可见，组间隔离
	Group string `json:"group"`
}

// NewEtcdDiscovery 创建etcd节点发现，watch "<group>:peer:"前缀
func NewEtcdDiscovery(ctx context.Context, opt *EtcdOptions) (discovery.Discovery, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints: opt.Endpoints,
		// 设置DialTimeout后clientv3.New变为阻塞call
		DialTimeout:          time.Duration(opt.DialTimeout) * time.Second,
		DialKeepAliveTime:    time.Duration(opt.DialKeepAliveTime) * time.Second,
		DialKeepAliveTimeout: time.Duration(opt.DialKeepAliveTimeout) * time.Second,
		AutoSyncInterval:     time.Duration(opt.AutoSyncInterval) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	if opt.LeaseTTL == 0 {
		opt.LeaseTTL = defaultLeaseTTLSeconds
	}
	prefix := fmt.Sprintf("%s:peer:", opt.Group)
	rch := cli.Watch(ctx, prefix, clientv3.WithPrefix())
	if rch == nil {
		return nil, fmt.Errorf("watch etcd %v error", opt.Endpoints)
	}
	return &etcdImp{
		cli:      cli,
		prefix:   prefix,
		peers:    make(map[string]*peerSet),
		regPeers: make(map[string]string),
		rch:      rch,
		ctx:      ctx,
		leaseTTL: opt.LeaseTTL,
	}, nil
}

// peerSet 同名节点的全部实例
type peerSet struct {
	id2addr map[string]string // 实例id -> rpc地址
	ids     []string          // 用于随机选择
}

type etcdImp struct {
	cli      *clientv3.Client
	prefix   string
	peers    map[string]*peerSet // 同组所有节点的本地cache
	regPeers map[string]string   // 本节点已注册的key -> 地址
	mx       sync.RWMutex
	ctx      context.Context
	rch      clientv3.WatchChan
	leaseTTL int64
}

func (e *etcdImp) Start() <-chan error {
	errChan := make(chan error, 10)
	// 先把etcd中已存在的节点缓存到本地
	go e.cacheExistedPeers()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				mlog.Errorf("etcd discovery run recover error %v", r)
			}
		}()
		for {
			select {
			case <-e.ctx.Done():
				errChan <- nil
				return
			case watchRsp, ok := <-e.rch:
				if !ok {
					mlog.Info("etcd watch channel closed")
					errChan <- nil
					return
				}
				if err := watchRsp.Err(); err != nil {
					mlog.Warnf("etcd watch response error: %v", err)
					errChan <- err
					return
				}
				for _, evt := range watchRsp.Events {
					if evt != nil {
						e.onWatchEvent(evt)
					}
				}
			}
		}
	}()
	return errChan
}

func (e *etcdImp) Stop() {
	if e.cli == nil {
		return
	}
	for k := range e.regPeers {
		e.cli.Delete(e.ctx, k) // 停止时不关注error
	}
	if err := e.cli.Close(); err != nil {
		mlog.Warnf("etcd discovery stop error %v", err)
	}
}

func (e *etcdImp) RegisterPeer(peerName, rpcAddr string) (string, error) {
	peerName = strings.ToLower(peerName)
	// UUID保证实例唯一
	nodeName := fmt.Sprintf("%s:%s", peerName, uuid.New().String())
	key := e.prefix + nodeName
	if err := e.putPeerKey(key, rpcAddr); err != nil {
		return nodeName, err
	}
	return nodeName, nil
}

func (e *etcdImp) putPeerKey(key, rpcAddr string) error {
	resp, err := e.cli.Grant(e.ctx, e.leaseTTL)
	if err != nil {
		return err
	}
	if _, err = e.cli.Put(e.ctx, key, rpcAddr, clientv3.WithLease(resp.ID)); err != nil {
		return err
	}
	mlog.Infof("etcd discovery put %s %s, lease %X ttl %d", key, rpcAddr, resp.ID, e.leaseTTL)
	e.regPeers[key] = rpcAddr
	ch, err := e.cli.KeepAlive(e.ctx, resp.ID)
	if err != nil {
		return err
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				mlog.Errorf("etcd keepalive recover error %v", r)
			}
		}()
		for range ch {
		}
		mlog.Infof("etcd key %s keepalive channel closed", key)
	}()
	return nil
}

func (e *etcdImp) GetPeer(peerName string) (string, error) {
	peerName = strings.ToLower(peerName)
	var instanceId string
	if index := strings.Index(peerName, ":"); index != -1 {
		peerName, instanceId = peerName[:index], peerName[index+1:]
	}
	e.mx.RLock()
	defer e.mx.RUnlock()
	set, ok := e.peers[peerName]
	if !ok || len(set.ids) == 0 {
		return "", fmt.Errorf("peer (%s) not found", peerName)
	}
	if len(instanceId) == 0 {
		instanceId = set.ids[rand.Intn(len(set.ids))]
	}
	addr, ok := set.id2addr[instanceId]
	if !ok {
		return "", fmt.Errorf("peer instance (%s:%s) not found", peerName, instanceId)
	}
	return addr, nil
}

func (e *etcdImp) ListPeers(peerName string) (map[string]string, error) {
	peerName = strings.ToLower(peerName)
	if index := strings.Index(peerName, ":"); index != -1 {
		peerName = peerName[:index]
	}
	e.mx.RLock()
	defer e.mx.RUnlock()
	set, ok := e.peers[peerName]
	if !ok {
		return nil, fmt.Errorf("peer (%s) not found", peerName)
	}
	rpcAddrs := make(map[string]string, len(set.id2addr))
	for id, addr := range set.id2addr {
		rpcAddrs[id] = addr
	}
	return rpcAddrs, nil
}

func (e *etcdImp) onWatchEvent(evt *clientv3.Event) {
	key := string(evt.Kv.Key)
	value := string(evt.Kv.Value)
	name, id, err := e.parseKey(key)
	if err != nil {
		mlog.Errorf("etcd discovery parse key %s fail: %v", key, err)
		return
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	if int32(evt.Type) == eventTypeDelete {
		if e.delPeer(name, id) {
			mlog.Infof("etcd discovery delete (%s,%s)", name, id)
		}
		// 被删除的是本节点的key(可能keepalive超时)，重新注册
		if rpcAddr, ok := e.regPeers[key]; ok {
			mlog.Infof("etcd discovery register again, key:%s addr:%s", key, rpcAddr)
			if err := e.putPeerKey(key, rpcAddr); err != nil {
				mlog.Errorf("etcd discovery re-register err: %v", err)
			}
		}
	} else if int32(evt.Type) == eventTypePut {
		if e.addPeer(name, id, value) {
			mlog.Infof("etcd discovery add %s -> %s", key, value)
		}
	}
}

// key格式 <group>:peer:<name>:<uuid>
func (e *etcdImp) parseKey(key string) (name, id string, err error) {
	if !strings.HasPrefix(key, e.prefix) {
		err = errors.New("key not match prefix")
		return
	}
	parts := strings.Split(key[len(e.prefix):], ":")
	if len(parts) != 2 {
		err = errors.New("key not match format")
		return
	}
	name, id = parts[0], parts[1]
	return
}

func (e *etcdImp) addPeer(name, id, addr string) bool {
	set, ok := e.peers[name]
	if !ok {
		set = &peerSet{id2addr: make(map[string]string)}
		e.peers[name] = set
	}
	if _, ok = set.id2addr[id]; !ok {
		set.id2addr[id] = addr
		set.ids = append(set.ids, id)
		return true
	}
	return false
}

func (e *etcdImp) delPeer(name, id string) bool {
	set, ok := e.peers[name]
	if !ok {
		return false
	}
	delete(set.id2addr, id)
	for i, v := range set.ids {
		if v == id {
			last := len(set.ids) - 1
			set.ids[i] = set.ids[last]
			set.ids = set.ids[:last]
			return true
		}
	}
	return false
}

func (e *etcdImp) cacheExistedPeers() {
	rsp, err := e.cli.Get(e.ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		mlog.Warnf("etcd discovery get existed peers error %v", err)
		return
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	for _, v := range rsp.Kvs {
		if v == nil {
			continue
		}
		key, value := string(v.Key), string(v.Value)
		if name, id, err := e.parseKey(key); err == nil {
			if e.addPeer(name, id, value) {
				mlog.Infof("etcd discovery cache %s -> %s", key, value)
			}
		}
	}
}
