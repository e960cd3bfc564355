package ticker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/fundarb/internal/domain"
)

var managerLog = logrus.WithField("component", "ticker_manager")

// ServiceFactory 为 (交易所, 币种) 构造行情服务
// 测试中注入假服务，生产环境使用 NewWSServiceFactory。
type ServiceFactory func(exchange domain.Exchange, symbol string) (Service, error)

// NewWSServiceFactory 默认工厂：按交易所流参数构造 WSService
func NewWSServiceFactory() ServiceFactory {
	return func(exchange domain.Exchange, symbol string) (Service, error) {
		spec, err := SpecFor(exchange)
		if err != nil {
			return nil, err
		}
		return NewWSService(spec), nil
	}
}

// subscriber 一个订阅方
// (OwnerID, Context) 在节点内唯一；重复订阅替换旧回调，绝不产生重复项。
type subscriber struct {
	ownerID string
	context string
	onQuote QuoteFunc
}

// node 一个 (交易所, 币种) 的行情节点
// 不变量：节点存在 <=> 订阅列表非空 <=> 底层连接打开。
type node struct {
	key     string
	service Service
	seen    atomic.Bool // 是否已经广播过至少一条报价

	mu   sync.RWMutex
	subs []*subscriber
}

// pump 消费服务的报价流并广播；流关闭（服务停止）时退出
func (n *node) pump() {
	for quote := range n.service.Quotes() {
		n.fanOut(quote)
	}
}

// fanOut 把报价广播给当前全部订阅方
// 只读快照下广播；订阅列表的全部变更都发生在 Manager 的加锁调用里，
// 绝不在广播中改动列表，避免遍历中修改。
func (n *node) fanOut(quote domain.Quote) {
	n.seen.Store(true)
	n.mu.RLock()
	subs := make([]*subscriber, len(n.subs))
	copy(subs, n.subs)
	n.mu.RUnlock()

	for _, sub := range subs {
		sub.onQuote(quote)
	}
}

// Manager 进程内行情节点注册表
// 把一条行情流按引用计数共享给任意多个订阅方；
// 最后一个订阅方离开时关闭底层连接。显式构造注入，无全局单例。
type Manager struct {
	mu        sync.Mutex
	nodes     map[string]*node
	factory   ServiceFactory
	bootstrap BootstrapFunc
}

// BootstrapFunc 节点预热：在 websocket 首条推送到达前提供一份 REST 快照
type BootstrapFunc func(ctx context.Context, exchange domain.Exchange, symbol string) (domain.Quote, error)

// NewManager 创建行情注册表
func NewManager(factory ServiceFactory) *Manager {
	if factory == nil {
		factory = NewWSServiceFactory()
	}
	return &Manager{
		nodes:   make(map[string]*node),
		factory: factory,
	}
}

// SetBootstrap 配置节点预热函数（可选）
func (m *Manager) SetBootstrap(fn BootstrapFunc) {
	m.bootstrap = fn
}

// Key 节点键
func Key(exchange domain.Exchange, symbol string) string {
	return fmt.Sprintf("%s:%s", exchange, symbol)
}

// Subscribe 订阅某 (交易所, 币种) 的行情
// 节点不存在时构造服务并开流；开流失败向调用方返回错误且不注册节点。
// 同 (ownerID, context) 重复订阅只替换回调，不影响其他订阅方。
func (m *Manager) Subscribe(ctx context.Context, ownerID, contextTag string, exchange domain.Exchange, symbol string, onQuote QuoteFunc) error {
	key := Key(exchange, symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	n, exists := m.nodes[key]
	if !exists {
		service, err := m.factory(exchange, symbol)
		if err != nil {
			return fmt.Errorf("构造 %s 行情服务失败: %w", key, err)
		}

		n = &node{key: key, service: service}
		if err := service.Start(ctx, symbol); err != nil {
			return fmt.Errorf("开启 %s 行情流失败: %w", key, err)
		}
		m.nodes[key] = n
		go n.pump()
		managerLog.Infof("🆕 行情节点已创建: key=%s", key)

		// REST 快照预热：抢在 websocket 首条推送前给订阅方一份初始报价。
		// 快照到得太晚（已有 ws 报价）时直接丢弃，保证 latest-wins。
		if m.bootstrap != nil {
			go func(n *node) {
				bctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				q, err := m.bootstrap(bctx, exchange, symbol)
				if err != nil || n.seen.Load() {
					return
				}
				n.fanOut(q)
			}(n)
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subs {
		if sub.ownerID == ownerID && sub.context == contextTag {
			sub.onQuote = onQuote
			return nil
		}
	}
	n.subs = append(n.subs, &subscriber{ownerID: ownerID, context: contextTag, onQuote: onQuote})
	managerLog.Debugf("订阅: key=%s owner=%s context=%s subs=%d", key, ownerID, contextTag, len(n.subs))
	return nil
}

// Unsubscribe 取消订阅；最后一个订阅方离开时停流并删除节点
func (m *Manager) Unsubscribe(ownerID, contextTag string, exchange domain.Exchange, symbol string) {
	key := Key(exchange, symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	n, exists := m.nodes[key]
	if !exists {
		return
	}

	n.mu.Lock()
	for i, sub := range n.subs {
		if sub.ownerID == ownerID && sub.context == contextTag {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}
	empty := len(n.subs) == 0
	n.mu.Unlock()

	if empty {
		n.service.Stop()
		delete(m.nodes, key)
		managerLog.Infof("🗑️ 行情节点已关闭（无订阅方）: key=%s", key)
	}
}

// UnsubscribeAll 移除某账户的全部订阅（账户下线时调用）
func (m *Manager) UnsubscribeAll(ownerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, n := range m.nodes {
		n.mu.Lock()
		kept := n.subs[:0]
		for _, sub := range n.subs {
			if sub.ownerID != ownerID {
				kept = append(kept, sub)
			}
		}
		n.subs = kept
		empty := len(n.subs) == 0
		n.mu.Unlock()

		if empty {
			n.service.Stop()
			delete(m.nodes, key)
			managerLog.Infof("🗑️ 行情节点已关闭（账户下线）: key=%s owner=%s", key, ownerID)
		}
	}
}

// NodeCount 当前节点数（监控用）
func (m *Manager) NodeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nodes)
}

// SubscriberCount 某节点当前订阅方数量；节点不存在返回 0
func (m *Manager) SubscriberCount(exchange domain.Exchange, symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, exists := m.nodes[Key(exchange, symbol)]
	if !exists {
		return 0
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// NodeSnapshot 节点概览（控制面展示用）
type NodeSnapshot struct {
	Key         string `json:"key"`
	Subscribers int    `json:"subscribers"`
	State       string `json:"state"`
}

// Snapshot 返回全部节点概览
func (m *Manager) Snapshot() []NodeSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]NodeSnapshot, 0, len(m.nodes))
	for key, n := range m.nodes {
		n.mu.RLock()
		subs := len(n.subs)
		n.mu.RUnlock()
		out = append(out, NodeSnapshot{Key: key, Subscribers: subs, State: string(n.service.State())})
	}
	return out
}
