package ticker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/betbot/fundarb/internal/common"
	"github.com/betbot/fundarb/internal/domain"
)

var tickerLog = logrus.WithField("component", "ticker")

// watchdogInterval 看门狗巡检间隔（测试中缩短）
var watchdogInterval = 5 * time.Second

// maxReconnectAttempts 看门狗允许的最大重连次数，耗尽后服务永久停止
const maxReconnectAttempts = 5

// wsConn 连接抽象，便于测试注入假连接
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc 建立连接并完成订阅握手
type DialFunc func(ctx context.Context, symbol string) (wsConn, error)

// WSService 基于 gorilla/websocket 的行情流服务
// 每个实例只服务一个 (交易所, 币种)，由 Manager 负责共享。
type WSService struct {
	spec StreamSpec
	dial DialFunc

	conn   wsConn
	connMu sync.Mutex

	symbol string
	quotes chan domain.Quote

	state   State
	stateMu sync.RWMutex

	lastUpdate   time.Time
	lastUpdateMu sync.RWMutex

	reconnectAttempts int
	reconnectMu       sync.Mutex

	stopOnce    sync.Once
	stopCh      chan struct{}
	reconnected chan struct{} // 看门狗重连成功后唤醒读循环
	wg          sync.WaitGroup
}

// NewWSService 创建行情流服务
func NewWSService(spec StreamSpec) *WSService {
	s := &WSService{
		spec:        spec,
		state:       StateIdle,
		quotes:      make(chan domain.Quote, 1),
		stopCh:      make(chan struct{}),
		reconnected: make(chan struct{}, 1),
	}
	s.dial = s.dialWebsocket
	return s
}

// NewWSServiceWithDial 使用自定义连接函数创建（测试注入）
func NewWSServiceWithDial(spec StreamSpec, dial DialFunc) *WSService {
	s := NewWSService(spec)
	s.dial = dial
	return s
}

// State 当前生命周期状态
func (s *WSService) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *WSService) setState(state State) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// Quotes 报价流：容量 1、latest-wins；读循环永久退出时关闭
func (s *WSService) Quotes() <-chan domain.Quote { return s.quotes }

// Start 建立连接并订阅 top-of-book 流
// 握手完成后返回；失败时不留任何后台任务。
func (s *WSService) Start(ctx context.Context, symbol string) error {
	if s.State() != StateIdle {
		return fmt.Errorf("ticker service already started (state=%s)", s.State())
	}
	s.symbol = symbol

	s.setState(StateConnecting)
	conn, err := s.dial(ctx, symbol)
	if err != nil {
		s.setState(StateIdle)
		return fmt.Errorf("连接 %s 行情流失败: %w", s.spec.Exchange, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.touch()
	s.setState(StateConnected)

	s.wg.Add(2)
	go s.readLoop()
	go s.watchdogLoop()

	tickerLog.Infof("📡 行情流已连接: exchange=%s symbol=%s staleness=%v", s.spec.Exchange, symbol, s.spec.Staleness)
	return nil
}

// Stop 幂等关闭：断开连接并停掉看门狗
func (s *WSService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.closeConn(true)
		s.setState(StateStopped)
		tickerLog.Infof("🛑 行情流已停止: exchange=%s symbol=%s", s.spec.Exchange, s.symbol)
	})
}

// touch 记录最近一次收到数据的时间
func (s *WSService) touch() {
	s.lastUpdateMu.Lock()
	s.lastUpdate = time.Now()
	s.lastUpdateMu.Unlock()
}

func (s *WSService) sinceLastUpdate() time.Duration {
	s.lastUpdateMu.RLock()
	defer s.lastUpdateMu.RUnlock()
	return time.Since(s.lastUpdate)
}

// dialWebsocket 默认连接方式：拨号 + 发送订阅报文
func (s *WSService) dialWebsocket(ctx context.Context, symbol string) (wsConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	headers := make(http.Header)
	headers.Set("User-Agent", "fundarb/1.0")

	conn, _, err := dialer.DialContext(ctx, s.spec.URL, headers)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteJSON(s.spec.Subscribe(symbol)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("订阅失败: %w", err)
	}
	return conn, nil
}

// closeConn 关闭当前连接
// sendClose 为 true 时先发 1000 关闭帧（正常关闭不计入重连次数）。
func (s *WSService) closeConn(sendClose bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return
	}
	if sendClose {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	s.conn.Close()
	s.conn = nil
}

// publish 把报价投进流；流满时丢弃旧值保留新值
func (s *WSService) publish(q domain.Quote) {
	common.SendLatest(s.quotes, q)
}

// readLoop 持续读取推送并投递报价；退出时关闭报价流
func (s *WSService) readLoop() {
	defer s.wg.Done()
	defer close(s.quotes)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			// 等待看门狗完成重连
			select {
			case <-s.stopCh:
				return
			case <-s.reconnected:
			case <-time.After(time.Second):
			}
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			// 清掉坏连接，交给看门狗在下一次巡检时重连。
			// 对端 1000 正常关闭不是故障，同样走静默->看门狗路径，不额外计数。
			s.connMu.Lock()
			if s.conn == conn {
				s.conn.Close()
				s.conn = nil
			}
			s.connMu.Unlock()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				tickerLog.Infof("行情流被对端正常关闭: exchange=%s symbol=%s", s.spec.Exchange, s.symbol)
			} else {
				tickerLog.Warnf("⚠️ 行情流读取错误: exchange=%s symbol=%s err=%v", s.spec.Exchange, s.symbol, err)
			}
			continue
		}

		bid, ask, ok := s.spec.Parse(data)
		if !ok {
			continue
		}

		s.touch()
		s.reconnectMu.Lock()
		s.reconnectAttempts = 0
		s.reconnectMu.Unlock()
		if s.State() != StateConnected {
			s.setState(StateConnected)
		}

		s.publish(domain.Quote{Bid: bid, Ask: ask, ObservedAt: time.Now()})
	}
}

// watchdogLoop 周期性比较 now-lastUpdate 与断流阈值
// 断流时有限次重连；次数耗尽则永久停止，调用方只会观察到报价静默。
func (s *WSService) watchdogLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.sinceLastUpdate() <= s.spec.Staleness {
				continue
			}

			s.reconnectMu.Lock()
			s.reconnectAttempts++
			attempts := s.reconnectAttempts
			s.reconnectMu.Unlock()

			if attempts > maxReconnectAttempts {
				tickerLog.Errorf("❌ 行情流重连次数耗尽，永久停止: exchange=%s symbol=%s attempts=%d",
					s.spec.Exchange, s.symbol, attempts-1)
				s.Stop()
				return
			}

			s.setState(StateStale)
			tickerLog.Warnf("🔄 行情流断流，重连中: exchange=%s symbol=%s 静默=%v 尝试=%d/%d",
				s.spec.Exchange, s.symbol, s.sinceLastUpdate().Truncate(time.Second), attempts, maxReconnectAttempts)

			s.setState(StateReconnecting)
			s.closeConn(false)

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			conn, err := s.dial(ctx, s.symbol)
			cancel()
			if err != nil {
				tickerLog.Warnf("⚠️ 行情流重连失败: exchange=%s symbol=%s err=%v", s.spec.Exchange, s.symbol, err)
				continue
			}

			s.connMu.Lock()
			s.conn = conn
			s.connMu.Unlock()
			// 重连成功后重置静默计时；尝试计数在收到第一条报价时清零
			s.touch()
			s.setState(StateConnected)
			common.TrySignal(s.reconnected)
			tickerLog.Infof("✅ 行情流已重连: exchange=%s symbol=%s", s.spec.Exchange, s.symbol)
		}
	}
}
