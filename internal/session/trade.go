// Package session 实现套利引擎的三类会话：
// 分步对冲建仓（TradeSession）、账户降风险（RiskSession）与轻量测量会话。
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/fundarb/internal/common"
	"github.com/betbot/fundarb/internal/domain"
	"github.com/betbot/fundarb/internal/ports"
	"github.com/betbot/fundarb/internal/ticker"
)

var tradeLog = logrus.WithField("component", "trade_session")

const (
	// tickInterval 常规轮询间隔
	tickInterval = time.Second
	// tickAfterFill 成交后的轮询间隔（给撮合端留出回报时间）
	tickAfterFill = 1500 * time.Millisecond
	// maxWaitingTicks WAITING_PRICES 连续多少个 tick 后强制重建两腿订阅
	maxWaitingTicks = 60
	// maxConsecutiveErrors 可重试错误的连续次数上限
	maxConsecutiveErrors = 5
	// sessionMaxDuration 会话硬时长上限
	sessionMaxDuration = time.Hour
)

// desyncTolerance 收尾对账允许的两腿持仓偏差（占总量比例）
var desyncTolerance = decimal.NewFromFloat(0.05)

// defaultSlippageBp 已实现价差允许低于目标的默认滑点（基点）
var defaultSlippageBp = decimal.NewFromFloat(2.5)

// TradeConfig 一次套利会话的不可变配置
type TradeConfig struct {
	Coin          string
	LongExchange  domain.Exchange // 做多腿（买入）
	ShortExchange domain.Exchange // 做空腿（卖出）
	TotalQuantity decimal.Decimal
	StepQuantity  decimal.Decimal
	TargetBp      decimal.Decimal
	SlippageBp    decimal.Decimal // 为零时取默认值
	OwnerID       string

	OnUpdate   ports.UpdateFunc
	OnStatus   ports.StatusFunc
	OnFinished ports.FinishedFunc
}

// TradeSession 分步对冲建仓状态机
// 所有可变状态仅由会话自己的 tick 循环读写；外部只能通过 Stop 置位停止标记。
type TradeSession struct {
	id      string
	cfg     TradeConfig
	tickers *ticker.Manager
	trading ports.TradingService

	quoteMu    sync.Mutex
	longQuote  domain.Quote
	shortQuote domain.Quote

	statusMu          sync.Mutex
	status            TradeStatus
	filled            decimal.Decimal
	iteration         int
	consecutiveErrors int
	waitingTicks      int
	health            healthBuffer
	startedAt         time.Time

	isStopping atomic.Bool
	finishOnce sync.Once
	cancel     context.CancelFunc
	doneCh     chan struct{}
}

// NewTradeSession 创建会话（尚未启动）
func NewTradeSession(cfg TradeConfig, tickers *ticker.Manager, trading ports.TradingService) *TradeSession {
	if cfg.SlippageBp.IsZero() {
		cfg.SlippageBp = defaultSlippageBp
	}
	return &TradeSession{
		id:        uuid.NewString(),
		cfg:       cfg,
		tickers:   tickers,
		trading:   trading,
		status:    StatusWaitingPrices,
		filled:    decimal.Zero,
		startedAt: time.Now(),
		doneCh:    make(chan struct{}),
	}
}

// ID 会话标识
func (s *TradeSession) ID() string { return s.id }

// Status 当前状态（控制面展示用）
func (s *TradeSession) Status() TradeStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// Done 会话结束通知
func (s *TradeSession) Done() <-chan struct{} { return s.doneCh }

// validate 启动前校验；任何网络调用之前拒绝无效配置
func (s *TradeSession) validate() error {
	cfg := s.cfg
	if !cfg.LongExchange.IsValid() {
		return fmt.Errorf("unknown long exchange: %q", cfg.LongExchange)
	}
	if !cfg.ShortExchange.IsValid() {
		return fmt.Errorf("unknown short exchange: %q", cfg.ShortExchange)
	}
	if cfg.Coin == "" {
		return fmt.Errorf("coin is required")
	}
	if !cfg.TotalQuantity.IsPositive() {
		return fmt.Errorf("totalQuantity must be positive, got %s", cfg.TotalQuantity)
	}
	if !cfg.StepQuantity.IsPositive() {
		return fmt.Errorf("stepQuantity must be positive, got %s", cfg.StepQuantity)
	}
	if cfg.StepQuantity.GreaterThan(cfg.TotalQuantity) {
		return fmt.Errorf("stepQuantity %s exceeds totalQuantity %s", cfg.StepQuantity, cfg.TotalQuantity)
	}
	return nil
}

// Start 校验配置、建立两腿订阅并启动 tick 循环
// 仅校验错误同步返回；运行期错误一律转成 OnUpdate 文本上报。
func (s *TradeSession) Start(ctx context.Context) error {
	if err := s.validate(); err != nil {
		return err
	}

	if err := s.subscribeLegs(ctx); err != nil {
		return err
	}

	s.startedAt = time.Now()
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go func() {
		defer close(s.doneCh)
		common.RunTimerLoop(loopCtx, tickInterval, s.tick)
		// 循环退出的全部路径（含 ctx 取消）都要走收尾
		s.finish("会话循环退出")
	}()

	tradeLog.Infof("🚀 套利会话启动: id=%s coin=%s long=%s short=%s total=%s step=%s targetBp=%s",
		s.id, s.cfg.Coin, s.cfg.LongExchange, s.cfg.ShortExchange,
		s.cfg.TotalQuantity, s.cfg.StepQuantity, s.cfg.TargetBp)
	return nil
}

// Stop 请求协作式停止；在下一个检查点生效
func (s *TradeSession) Stop() {
	s.isStopping.Store(true)
}

// subscribeLegs 订阅两腿行情
func (s *TradeSession) subscribeLegs(ctx context.Context) error {
	err := s.tickers.Subscribe(ctx, s.cfg.OwnerID, s.contextTag("long"), s.cfg.LongExchange, s.cfg.Coin, func(q domain.Quote) {
		s.quoteMu.Lock()
		s.longQuote = q
		s.quoteMu.Unlock()
	})
	if err != nil {
		return err
	}
	err = s.tickers.Subscribe(ctx, s.cfg.OwnerID, s.contextTag("short"), s.cfg.ShortExchange, s.cfg.Coin, func(q domain.Quote) {
		s.quoteMu.Lock()
		s.shortQuote = q
		s.quoteMu.Unlock()
	})
	if err != nil {
		s.tickers.Unsubscribe(s.cfg.OwnerID, s.contextTag("long"), s.cfg.LongExchange, s.cfg.Coin)
		return err
	}
	return nil
}

func (s *TradeSession) unsubscribeLegs() {
	s.tickers.Unsubscribe(s.cfg.OwnerID, s.contextTag("long"), s.cfg.LongExchange, s.cfg.Coin)
	s.tickers.Unsubscribe(s.cfg.OwnerID, s.contextTag("short"), s.cfg.ShortExchange, s.cfg.Coin)
}

// contextTag 订阅上下文标记；同一账户可并行多个会话
func (s *TradeSession) contextTag(leg string) string {
	return fmt.Sprintf("trade:%s:%s", s.id, leg)
}

// quotes 读取两腿最新报价快照
func (s *TradeSession) quotes() (longQ, shortQ domain.Quote) {
	s.quoteMu.Lock()
	defer s.quoteMu.Unlock()
	return s.longQuote, s.shortQuote
}

// tick 执行一次状态机轮询，返回下一次轮询的间隔；返回 0 结束循环
func (s *TradeSession) tick(ctx context.Context) time.Duration {
	if s.isStopping.Load() {
		s.update("⏹️ 收到停止请求，会话结束")
		return 0
	}
	if time.Since(s.startedAt) > sessionMaxDuration {
		s.update("⏰ 会话达到时长上限（1 小时），结束")
		return 0
	}

	longQ, shortQ := s.quotes()

	// WAITING_PRICES：任一腿还没有报价
	if longQ.IsZero() || shortQ.IsZero() {
		s.setStatus(StatusWaitingPrices, decimal.Zero)
		s.waitingTicks++
		if s.waitingTicks >= maxWaitingTicks {
			// 腿上的看门狗可能已放弃自愈；强制拆掉重建两腿订阅，
			// 而不是在一条静默的流上无限等下去。
			s.update("🔄 行情长时间未就绪，强制重建两腿订阅")
			s.forceResubscribe(ctx)
			s.waitingTicks = 0
		}
		return tickInterval
	}
	s.waitingTicks = 0

	bp := domain.SpreadBp(longQ.Ask, shortQ.Bid)

	// WAITING_BP：价差未达标
	if bp.LessThan(s.cfg.TargetBp) {
		s.setStatus(StatusWaitingBp, bp)
		return tickInterval
	}

	// TRADING
	s.setStatus(StatusTrading, bp)
	return s.executeStep(ctx, longQ, shortQ, bp)
}

// executeStep 并发执行一步双腿建仓，返回下一个 tick 间隔
func (s *TradeSession) executeStep(ctx context.Context, longQ, shortQ domain.Quote, bp decimal.Decimal) time.Duration {
	remaining := s.cfg.TotalQuantity.Sub(s.filled)
	qty := decimal.Min(s.cfg.StepQuantity, remaining)

	// 下单前最后一次停止检查
	if s.isStopping.Load() {
		s.update("⏹️ 收到停止请求（下单前），会话结束")
		return 0
	}

	s.iteration++
	tradeLog.Infof("⚡ [%s] 第 %d 步双腿下单: qty=%s bp=%s longAsk=%s shortBid=%s",
		s.id, s.iteration, qty, bp.StringFixed(2), longQ.Ask, shortQ.Bid)

	longRes, shortRes := s.fireLegs(ctx, qty)

	// 双腿已发出后再次检查停止标记：此时不能悄悄丢弃在途成交
	if s.isStopping.Load() {
		s.update(fmt.Sprintf("⚠️ 停止请求在下单后到达：本步交易可能已成交（long=%v short=%v），请人工核对持仓",
			longRes.Success, shortRes.Success))
		return 0
	}

	switch {
	case !longRes.Success && !shortRes.Success:
		// 双腿都失败：不产生裸头寸，可重试
		s.consecutiveErrors++
		s.update(fmt.Sprintf("⚠️ 双腿均失败（%d/%d）: long=%v short=%v",
			s.consecutiveErrors, maxConsecutiveErrors, legErr(longRes), legErr(shortRes)))
		if s.consecutiveErrors >= maxConsecutiveErrors {
			s.update("❌ 连续错误达到上限，会话中止")
			return 0
		}
		return tickInterval

	case longRes.Success != shortRes.Success:
		// 单腿成交：出现裸头寸，致命。立即停止并要求人工处理，绝不自动补救。
		filled, failed := "long", "short"
		filledEx, failedEx := s.cfg.LongExchange, s.cfg.ShortExchange
		if shortRes.Success {
			filled, failed = "short", "long"
			filledEx, failedEx = s.cfg.ShortExchange, s.cfg.LongExchange
		}
		s.update(fmt.Sprintf("🚨 CRITICAL：%s 腿（%s）已成交 %s，但 %s 腿（%s）失败——当前存在未对冲头寸，请立即人工平仓！",
			filled, filledEx, qty, failed, failedEx))
		tradeLog.Errorf("🚨 [%s] 单腿失败: filledLeg=%s failedLeg=%s qty=%s", s.id, filled, failed, qty)
		return 0

	default:
		// 双腿成交
		realized := domain.RealizedBp(longRes.Price, shortRes.Price)
		s.filled = s.filled.Add(qty)
		s.consecutiveErrors = 0

		// 已实现价差允许比目标低 SlippageBp 以内
		pass := realized.GreaterThanOrEqual(s.cfg.TargetBp.Sub(s.cfg.SlippageBp))
		s.health.Record(pass)

		s.update(fmt.Sprintf("✅ 第 %d 步成交: qty=%s longFill=%s shortFill=%s realizedBp=%s 进度=%s/%s",
			s.iteration, qty, longRes.Price, shortRes.Price, realized.StringFixed(2), s.filled, s.cfg.TotalQuantity))

		if s.health.AllFailing() {
			s.update("🧯 连续 3 笔成交价差劣于允许滑点，熔断中止（报价与实际成交持续背离）")
			return 0
		}
		if s.filled.GreaterThanOrEqual(s.cfg.TotalQuantity) {
			s.update(fmt.Sprintf("🎉 建仓完成: 总量=%s 共 %d 步", s.filled, s.iteration))
			return 0
		}
		return tickAfterFill
	}
}

// fireLegs 并发发出两腿订单，两腿都返回后才继续
func (s *TradeSession) fireLegs(ctx context.Context, qty decimal.Decimal) (longRes, shortRes domain.TradeResult) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		longRes = s.trading.ExecuteTrade(ctx, domain.TradeRequest{
			Exchange: s.cfg.LongExchange,
			Coin:     s.cfg.Coin,
			Side:     domain.TradeSideBuy,
			Quantity: qty,
			OwnerID:  s.cfg.OwnerID,
		})
	}()
	go func() {
		defer wg.Done()
		shortRes = s.trading.ExecuteTrade(ctx, domain.TradeRequest{
			Exchange: s.cfg.ShortExchange,
			Coin:     s.cfg.Coin,
			Side:     domain.TradeSideSell,
			Quantity: qty,
			OwnerID:  s.cfg.OwnerID,
		})
	}()

	wg.Wait()
	return longRes, shortRes
}

// forceResubscribe 拆掉并重建两腿订阅
// 若本会话是节点唯一订阅方，底层连接会随之销毁重建。
func (s *TradeSession) forceResubscribe(ctx context.Context) {
	s.unsubscribeLegs()
	s.quoteMu.Lock()
	s.longQuote = domain.Quote{}
	s.shortQuote = domain.Quote{}
	s.quoteMu.Unlock()
	if err := s.subscribeLegs(ctx); err != nil {
		s.update(fmt.Sprintf("⚠️ 重建行情订阅失败: %v", err))
	}
}

// finish 收尾：对账两腿持仓、释放订阅、推送最终状态
func (s *TradeSession) finish(reason string) {
	s.finishOnce.Do(func() {
		s.statusMu.Lock()
		s.status = StatusFinished
		s.statusMu.Unlock()
		s.checkDesync()
		s.unsubscribeLegs()
		if s.cancel != nil {
			s.cancel()
		}
		s.pushStatus(decimal.Zero)
		if s.cfg.OnFinished != nil {
			s.cfg.OnFinished()
		}
		tradeLog.Infof("🏁 套利会话结束: id=%s reason=%s filled=%s/%s iterations=%d",
			s.id, reason, s.filled, s.cfg.TotalQuantity, s.iteration)
	})
}

// checkDesync 收尾时重查两腿实际持仓，偏差超过总量 5% 时告警
// 只报告，不自动纠偏。
func (s *TradeSession) checkDesync() {
	if s.filled.IsZero() {
		return
	}
	// 收尾对账必须完成，即使父 context 已取消（进程退出路径）
	checkCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	longSize := s.positionSize(checkCtx, s.cfg.LongExchange, domain.SideLong)
	shortSize := s.positionSize(checkCtx, s.cfg.ShortExchange, domain.SideShort)
	if longSize == nil || shortSize == nil {
		s.update("⚠️ 收尾对账失败：无法获取两腿持仓，请人工核对")
		return
	}

	tolerance := s.cfg.TotalQuantity.Mul(desyncTolerance)
	diff := longSize.Sub(*shortSize).Abs()
	if diff.GreaterThan(tolerance) {
		s.update(fmt.Sprintf("⚠️ 两腿持仓不同步: long=%s short=%s 偏差=%s（允许 %s），请人工核对",
			longSize, shortSize, diff, tolerance))
	}
}

// positionSize 读取某腿在目标币种上的持仓量；失败返回 nil
func (s *TradeSession) positionSize(ctx context.Context, exchange domain.Exchange, side domain.Side) *decimal.Decimal {
	positions, err := s.trading.GetPositions(ctx, exchange, s.cfg.OwnerID)
	if err != nil {
		tradeLog.Warnf("[%s] 查询 %s 持仓失败: %v", s.id, exchange, err)
		return nil
	}
	total := decimal.Zero
	for _, p := range positions {
		if p.Coin == s.cfg.Coin && p.Side == side {
			total = total.Add(p.Size)
		}
	}
	return &total
}

func (s *TradeSession) setStatus(status TradeStatus, bp decimal.Decimal) {
	s.statusMu.Lock()
	changed := s.status != status
	s.status = status
	s.statusMu.Unlock()
	if changed {
		tradeLog.Infof("[%s] 状态切换 -> %s", s.id, status)
	}
	s.pushStatus(bp)
}

func (s *TradeSession) pushStatus(bp decimal.Decimal) {
	if s.cfg.OnStatus == nil {
		return
	}
	s.cfg.OnStatus(ports.StatusSnapshot{
		SessionID:      s.id,
		Status:         string(s.Status()),
		Coin:           s.cfg.Coin,
		LongExchange:   string(s.cfg.LongExchange),
		ShortExchange:  string(s.cfg.ShortExchange),
		FilledQuantity: s.filled.String(),
		TotalQuantity:  s.cfg.TotalQuantity.String(),
		CurrentBp:      bp.StringFixed(2),
		Iteration:      s.iteration,
	})
}

// update 推送一条面向用户的文本消息
func (s *TradeSession) update(text string) {
	tradeLog.Infof("[%s] %s", s.id, text)
	if s.cfg.OnUpdate != nil {
		s.cfg.OnUpdate(text)
	}
}

func legErr(res domain.TradeResult) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	if !res.Success {
		return "failed"
	}
	return "ok"
}
