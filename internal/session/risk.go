package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/fundarb/internal/common"
	"github.com/betbot/fundarb/internal/domain"
	"github.com/betbot/fundarb/internal/ports"
)

var riskLog = logrus.WithField("component", "risk_session")

const (
	defaultNormalInterval    = 30 * time.Second
	defaultEmergencyInterval = 20 * time.Second
	defaultEmergencyCooldown = 5 * time.Minute
	defaultNotifyCooldown    = 5 * time.Minute
	defaultCloseTimeout      = 20 * time.Second
)

// RiskConfig 一个受监控账户的降风险配置
type RiskConfig struct {
	OwnerID   string
	Exchanges []domain.Exchange // 为空时监控全部交易所

	NormalInterval    time.Duration
	EmergencyInterval time.Duration
	EmergencyCooldown time.Duration // 无动作多久后从紧急档回到常规档
	NotifyCooldown    time.Duration // 同一预警区的通知间隔
	CloseTimeout      time.Duration // 单笔平仓超时

	TriggerLeverage decimal.Decimal // 达到即减仓
	WarnLeverage    decimal.Decimal // 达到即预警（不交易）
	TargetLeverage  decimal.Decimal // 减仓目标杠杆

	AdlTriggerRatio decimal.Decimal // unrealizedPnl/notional 达到即循环落袋
	AdlTargetRatio  decimal.Decimal // 落袋后的目标比率

	AllowPanicClose bool // 允许对无法对冲匹配的剩余量裸平

	Notify ports.UpdateFunc
}

func (c *RiskConfig) applyDefaults() {
	if len(c.Exchanges) == 0 {
		c.Exchanges = append(c.Exchanges, domain.AllExchanges...)
	}
	if c.NormalInterval <= 0 {
		c.NormalInterval = defaultNormalInterval
	}
	if c.EmergencyInterval <= 0 {
		c.EmergencyInterval = defaultEmergencyInterval
	}
	if c.EmergencyCooldown <= 0 {
		c.EmergencyCooldown = defaultEmergencyCooldown
	}
	if c.NotifyCooldown <= 0 {
		c.NotifyCooldown = defaultNotifyCooldown
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = defaultCloseTimeout
	}
}

// RiskSession 单账户降风险会话
// 周期性巡检各交易所的杠杆与未实现盈亏比率，自动减仓；
// 减仓优先与其他交易所的反向腿配对，避免制造新的方向性敞口。
type RiskSession struct {
	cfg     RiskConfig
	trading ports.TradingService

	isMonitoring atomic.Bool
	isEmergency  atomic.Bool
	lastActionAt atomic.Int64 // UnixNano

	cooldownMu sync.Mutex
	cooldowns  map[string]time.Time // 预警区 -> 上次通知时间

	cancel context.CancelFunc
	doneCh chan struct{}
}

// NewRiskSession 创建降风险会话（显式 Start/Stop，绝不隐式回收）
func NewRiskSession(cfg RiskConfig, trading ports.TradingService) *RiskSession {
	cfg.applyDefaults()
	return &RiskSession{
		cfg:       cfg,
		trading:   trading,
		cooldowns: make(map[string]time.Time),
		doneCh:    make(chan struct{}),
	}
}

// Start 启动监控循环
func (r *RiskSession) Start(ctx context.Context) error {
	if r.cfg.OwnerID == "" {
		return fmt.Errorf("ownerID is required")
	}
	if !r.cfg.TriggerLeverage.IsPositive() || !r.cfg.TargetLeverage.IsPositive() {
		return fmt.Errorf("trigger/target leverage must be positive")
	}
	if r.cfg.TargetLeverage.GreaterThanOrEqual(r.cfg.TriggerLeverage) {
		return fmt.Errorf("target leverage %s must be below trigger %s", r.cfg.TargetLeverage, r.cfg.TriggerLeverage)
	}
	if !r.isMonitoring.CompareAndSwap(false, true) {
		return fmt.Errorf("risk session already monitoring")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	go func() {
		defer close(r.doneCh)
		common.RunTimerLoop(loopCtx, r.cfg.NormalInterval, r.tick)
	}()

	riskLog.Infof("🛡️ 降风险监控启动: owner=%s exchanges=%v trigger=%s warn=%s target=%s",
		r.cfg.OwnerID, r.cfg.Exchanges, r.cfg.TriggerLeverage, r.cfg.WarnLeverage, r.cfg.TargetLeverage)
	return nil
}

// Stop 停止监控
func (r *RiskSession) Stop() {
	if !r.isMonitoring.CompareAndSwap(true, false) {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	riskLog.Infof("🛑 降风险监控停止: owner=%s", r.cfg.OwnerID)
}

// IsMonitoring 是否在监控中
func (r *RiskSession) IsMonitoring() bool { return r.isMonitoring.Load() }

// IsEmergency 是否处于紧急巡检档
func (r *RiskSession) IsEmergency() bool { return r.isEmergency.Load() }

// Done 监控循环结束通知
func (r *RiskSession) Done() <-chan struct{} { return r.doneCh }

// tick 执行一个巡检周期，返回下一周期间隔
func (r *RiskSession) tick(ctx context.Context) time.Duration {
	if !r.isMonitoring.Load() {
		return 0
	}

	// RunTimerLoop 在 tick 返回后才重新布防，周期天然不重叠
	acted := false
	if r.runLeverageCheck(ctx) {
		acted = true
	}
	if r.runAdlCheck(ctx) {
		acted = true
	}
	if acted {
		r.markAction()
	}

	r.maybeRevertEmergency()
	if r.isEmergency.Load() {
		return r.cfg.EmergencyInterval
	}
	return r.cfg.NormalInterval
}

// markAction 记录一次减仓动作并切入紧急巡检档
func (r *RiskSession) markAction() {
	r.lastActionAt.Store(time.Now().UnixNano())
	if r.isEmergency.CompareAndSwap(false, true) {
		r.notify("⚡ 检测到减仓动作，巡检切入紧急档（20s）")
	}
}

// maybeRevertEmergency 紧急档下冷却期内无新动作则回到常规档
func (r *RiskSession) maybeRevertEmergency() {
	if !r.isEmergency.Load() {
		return
	}
	last := time.Unix(0, r.lastActionAt.Load())
	if time.Since(last) >= r.cfg.EmergencyCooldown {
		if r.isEmergency.CompareAndSwap(true, false) {
			r.notify("🌿 冷却期内无新动作，巡检回到常规档")
		}
	}
}

// fetchLeverages 并发拉取各所杠杆快照
func (r *RiskSession) fetchLeverages(ctx context.Context) []domain.LeverageInfo {
	var mu sync.Mutex
	var wg sync.WaitGroup
	out := make([]domain.LeverageInfo, 0, len(r.cfg.Exchanges))

	for _, ex := range r.cfg.Exchanges {
		wg.Add(1)
		go func(ex domain.Exchange) {
			defer wg.Done()
			info, err := r.trading.CalculateLeverage(ctx, ex, r.cfg.OwnerID)
			if err != nil {
				riskLog.Warnf("[%s] 拉取 %s 杠杆失败: %v", r.cfg.OwnerID, ex, err)
				return
			}
			mu.Lock()
			out = append(out, info)
			mu.Unlock()
		}(ex)
	}
	wg.Wait()

	// 杠杆降序；平局按交易所枚举序，保证确定性
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Leverage.Equal(out[j].Leverage) {
			return out[i].Leverage.GreaterThan(out[j].Leverage)
		}
		return out[i].Exchange.Order() < out[j].Exchange.Order()
	})
	return out
}

// runLeverageCheck 杠杆巡检；返回是否发生了减仓动作
func (r *RiskSession) runLeverageCheck(ctx context.Context) bool {
	infos := r.fetchLeverages(ctx)
	acted := false

	for _, info := range infos {
		switch {
		case info.Leverage.GreaterThanOrEqual(r.cfg.TriggerLeverage):
			// 读数可能已过期，动手前重新拉一次
			fresh, err := r.trading.CalculateLeverage(ctx, info.Exchange, r.cfg.OwnerID)
			if err != nil {
				riskLog.Warnf("[%s] 复核 %s 杠杆失败: %v", r.cfg.OwnerID, info.Exchange, err)
				continue
			}
			if fresh.Leverage.LessThan(r.cfg.TriggerLeverage) {
				riskLog.Infof("[%s] %s 复核后杠杆已回落: %s", r.cfg.OwnerID, info.Exchange, fresh.Leverage)
				continue
			}
			if r.reduceLeverage(ctx, fresh, infos) {
				acted = true
			}

		case r.cfg.WarnLeverage.IsPositive() && info.Leverage.GreaterThanOrEqual(r.cfg.WarnLeverage):
			r.notifyWithCooldown("lev_warn:"+string(info.Exchange),
				fmt.Sprintf("⚠️ %s 杠杆进入预警区: %s（触发线 %s）", info.Exchange, info.Leverage, r.cfg.TriggerLeverage))
		}
	}
	return acted
}

// reduceLeverage 对超杠杆交易所执行对冲优先的减仓
func (r *RiskSession) reduceLeverage(ctx context.Context, info domain.LeverageInfo, all []domain.LeverageInfo) bool {
	alpha := domain.ReduceAlpha(info.Leverage, r.cfg.TargetLeverage, info.MaintMarginEfficieny)
	if !alpha.IsPositive() {
		return false
	}

	r.notify(fmt.Sprintf("🚨 %s 杠杆 %s 超过触发线 %s，开始减仓 alpha=%s",
		info.Exchange, info.Leverage, r.cfg.TriggerLeverage, alpha.StringFixed(4)))

	positions, err := r.trading.GetPositions(ctx, info.Exchange, r.cfg.OwnerID)
	if err != nil {
		r.notify(fmt.Sprintf("❌ 拉取 %s 持仓失败，放弃本轮减仓: %v", info.Exchange, err))
		return false
	}

	// 交易所维度的并发上限：延迟敏感的所串行平仓
	sem := make(chan struct{}, info.Exchange.CloseConcurrency())
	var wg sync.WaitGroup
	acted := atomic.Bool{}

	for _, pos := range positions {
		reduceQty := domain.SafeQuantity(pos.Size.Mul(alpha))
		if !reduceQty.IsPositive() {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(pos domain.Position, reduceQty decimal.Decimal) {
			defer wg.Done()
			defer func() { <-sem }()
			if r.reducePosition(ctx, pos, reduceQty, all) {
				acted.Store(true)
			}
		}(pos, reduceQty)
	}
	wg.Wait()
	return acted.Load()
}

// reducePosition 减掉一笔持仓的 reduceQty，优先与其他所的反向腿配对平掉
func (r *RiskSession) reducePosition(ctx context.Context, pos domain.Position, reduceQty decimal.Decimal, all []domain.LeverageInfo) bool {
	remaining := reduceQty
	acted := false

	// 其他交易所按杠杆降序找同币反向腿：优先给下一个压力最大的账户减压
	for _, info := range all {
		if !remaining.IsPositive() {
			break
		}
		if info.Exchange == pos.Exchange {
			continue
		}
		hedges, err := r.trading.GetPositions(ctx, info.Exchange, r.cfg.OwnerID)
		if err != nil {
			riskLog.Warnf("[%s] 找对冲腿时拉取 %s 持仓失败: %v", r.cfg.OwnerID, info.Exchange, err)
			continue
		}
		for _, hedge := range hedges {
			if !remaining.IsPositive() {
				break
			}
			if hedge.Coin != pos.Coin || hedge.Side != pos.Side.Opposite() {
				continue
			}
			matched := decimal.Min(remaining, hedge.Size)
			matched = domain.SafeQuantity(matched)
			if !matched.IsPositive() {
				continue
			}

			if r.closePair(ctx, pos, hedge, matched) {
				remaining = remaining.Sub(matched)
				acted = true
			}
		}
	}

	if remaining.IsPositive() {
		if r.cfg.AllowPanicClose {
			r.notify(fmt.Sprintf("⚠️ %s %s 剩余 %s 无对冲腿可配，裸平（panic close）",
				pos.Exchange, pos.Coin, remaining))
			if r.closeSingle(ctx, pos, remaining) {
				acted = true
			}
		} else {
			r.notify(fmt.Sprintf("ℹ️ %s %s 剩余 %s 无对冲腿可配，配置不允许裸平，跳过",
				pos.Exchange, pos.Coin, remaining))
		}
	}
	return acted
}

// closePair 同时平掉两侧的匹配数量
func (r *RiskSession) closePair(ctx context.Context, pos, hedge domain.Position, qty decimal.Decimal) bool {
	var wg sync.WaitGroup
	var posOK, hedgeOK bool
	wg.Add(2)
	go func() {
		defer wg.Done()
		posOK = r.closeSingle(ctx, pos, qty)
	}()
	go func() {
		defer wg.Done()
		hedgeOK = r.closeSingle(ctx, hedge, qty)
	}()
	wg.Wait()

	if posOK && hedgeOK {
		r.notify(fmt.Sprintf("✅ 对冲减仓: %s/%s %s x%s（两侧同步平掉）",
			pos.Exchange, hedge.Exchange, pos.Coin, qty))
		return true
	}
	r.notify(fmt.Sprintf("⚠️ 对冲减仓部分失败: %s=%v %s=%v coin=%s qty=%s（本周期不重试）",
		pos.Exchange, posOK, hedge.Exchange, hedgeOK, pos.Coin, qty))
	return posOK || hedgeOK
}

// closeSingle 平掉某持仓的 qty；带单笔超时，失败只记录不重试
func (r *RiskSession) closeSingle(ctx context.Context, pos domain.Position, qty decimal.Decimal) bool {
	closeCtx, cancel := context.WithTimeout(ctx, r.cfg.CloseTimeout)
	defer cancel()

	side := domain.TradeSideSell
	if pos.Side == domain.SideShort {
		side = domain.TradeSideBuy
	}
	res := r.trading.ExecuteTrade(closeCtx, domain.TradeRequest{
		Exchange: pos.Exchange,
		Coin:     pos.Coin,
		Side:     side,
		Quantity: qty,
		OwnerID:  r.cfg.OwnerID,
	})
	if !res.Success {
		riskLog.Warnf("[%s] 平仓失败: exchange=%s coin=%s qty=%s err=%v",
			r.cfg.OwnerID, pos.Exchange, pos.Coin, qty, res.Err)
		return false
	}
	return true
}

// runAdlCheck ADL 保护巡检；返回是否发生了动作
// 未实现盈亏比率过高会被交易所强制减仓（ADL）清掉利润，
// 通过平掉再立即开回同量持仓把比率拉回目标。
func (r *RiskSession) runAdlCheck(ctx context.Context) bool {
	if !r.cfg.AdlTriggerRatio.IsPositive() {
		return false
	}
	acted := false

	for _, ex := range r.cfg.Exchanges {
		positions, err := r.trading.GetPositions(ctx, ex, r.cfg.OwnerID)
		if err != nil {
			riskLog.Warnf("[%s] ADL 巡检拉取 %s 持仓失败: %v", r.cfg.OwnerID, ex, err)
			continue
		}
		for _, pos := range positions {
			ratio, ok := pos.PnlRatio()
			if !ok || ratio.LessThan(r.cfg.AdlTriggerRatio) {
				continue
			}
			if r.cycleAdl(ctx, pos, ratio) {
				acted = true
			}
		}
	}
	return acted
}

// cycleAdl 平掉再开回 cycleQty，实现落袋并把盈亏比率拉向目标
// cycleQty = size * (1 - target/current)
func (r *RiskSession) cycleAdl(ctx context.Context, pos domain.Position, ratio decimal.Decimal) bool {
	fraction := decimal.NewFromInt(1).Sub(r.cfg.AdlTargetRatio.Div(ratio))
	cycleQty := domain.SafeQuantity(pos.Size.Mul(fraction))
	if !cycleQty.IsPositive() {
		return false
	}

	r.notify(fmt.Sprintf("♻️ %s %s 盈亏比率 %s 触发 ADL 保护，循环落袋 %s",
		pos.Exchange, pos.Coin, ratio.StringFixed(4), cycleQty))

	if !r.closeSingle(ctx, pos, cycleQty) {
		r.notify(fmt.Sprintf("❌ ADL 保护平仓失败: %s %s qty=%s（本周期不重试）", pos.Exchange, pos.Coin, cycleQty))
		return false
	}

	// 立即开回同量同向持仓
	reopenCtx, cancel := context.WithTimeout(ctx, r.cfg.CloseTimeout)
	defer cancel()
	side := domain.TradeSideBuy
	if pos.Side == domain.SideShort {
		side = domain.TradeSideSell
	}
	res := r.trading.ExecuteTrade(reopenCtx, domain.TradeRequest{
		Exchange: pos.Exchange,
		Coin:     pos.Coin,
		Side:     side,
		Quantity: cycleQty,
		OwnerID:  r.cfg.OwnerID,
	})
	if !res.Success {
		// 平掉成功但开回失败：账户变成裸缺口，必须作为独立故障类上报
		r.notify(fmt.Sprintf("🚨 ADL 保护开回失败：%s %s 已平 %s 但未能开回——持仓缺口，请立即人工处理！err=%v",
			pos.Exchange, pos.Coin, cycleQty, res.Err))
		return true
	}

	r.notify(fmt.Sprintf("✅ ADL 保护完成: %s %s 循环 %s，盈亏比率拉向 %s",
		pos.Exchange, pos.Coin, cycleQty, r.cfg.AdlTargetRatio))
	return true
}

// notifyWithCooldown 同一预警区在冷却期内只通知一次
func (r *RiskSession) notifyWithCooldown(zone, text string) {
	r.cooldownMu.Lock()
	last, seen := r.cooldowns[zone]
	if seen && time.Since(last) < r.cfg.NotifyCooldown {
		r.cooldownMu.Unlock()
		return
	}
	r.cooldowns[zone] = time.Now()
	r.cooldownMu.Unlock()
	r.notify(text)
}

func (r *RiskSession) notify(text string) {
	riskLog.Infof("[%s] %s", r.cfg.OwnerID, text)
	if r.cfg.Notify != nil {
		r.cfg.Notify(text)
	}
}
