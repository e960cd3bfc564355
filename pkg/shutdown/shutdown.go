package shutdown

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "shutdown")

// Callback 关闭回调
type Callback struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Manager 统一管理优雅关闭回调，按注册的逆序执行
type Manager struct {
	mu        sync.Mutex
	callbacks []Callback
	timeout   time.Duration
	done      bool
}

// NewManager 创建关闭管理器
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{timeout: timeout}
}

// Register 注册关闭回调
func (m *Manager) Register(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, Callback{Name: name, Fn: fn})
}

// Shutdown 逆序执行所有回调，整体受超时约束。重复调用只执行一次。
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	callbacks := make([]Callback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i := len(callbacks) - 1; i >= 0; i-- {
		cb := callbacks[i]
		log.Infof("🛑 正在关闭: %s", cb.Name)
		if err := cb.Fn(ctx); err != nil {
			log.Errorf("❌ 关闭 %s 失败: %v", cb.Name, err)
		}
		if ctx.Err() != nil {
			log.Warnf("⚠️ 关闭超时，剩余 %d 个回调被跳过", i)
			return
		}
	}
	log.Infof("✅ 所有组件已关闭")
}
