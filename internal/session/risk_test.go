package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/betbot/fundarb/internal/domain"
	"github.com/betbot/fundarb/internal/exchange/paper"
	"github.com/betbot/fundarb/internal/ports"
)

const riskOwner = "acct-risk"

// flatQuotes 所有交易所同一价格
func flatQuotes(bid, ask string) paper.QuoteSource {
	return func(ex domain.Exchange, coin string) (domain.Quote, bool) {
		return quoteAt(bid, ask), true
	}
}

// openPosition 用一笔纸面成交制造持仓
func openPosition(t *testing.T, svc *paper.Service, ex domain.Exchange, coin string, side domain.TradeSide, qty string) {
	t.Helper()
	res := svc.ExecuteTrade(context.Background(), domain.TradeRequest{
		Exchange: ex,
		Coin:     coin,
		Side:     side,
		Quantity: dec(qty),
		OwnerID:  riskOwner,
	})
	require.True(t, res.Success, "建仓失败: %v", res.Err)
}

func positionSizeOn(t *testing.T, svc *paper.Service, ex domain.Exchange, coin string) decimal.Decimal {
	t.Helper()
	positions, err := svc.GetPositions(context.Background(), ex, riskOwner)
	require.NoError(t, err)
	for _, p := range positions {
		if p.Coin == coin {
			return p.Size
		}
	}
	return decimal.Zero
}

func newTestRisk(svc ports.TradingService, sink *updateSink, mutate func(cfg *RiskConfig)) *RiskSession {
	cfg := RiskConfig{
		OwnerID:         riskOwner,
		TriggerLeverage: dec("5"),
		WarnLeverage:    dec("4"),
		TargetLeverage:  dec("3"),
		AdlTriggerRatio: dec("0.5"),
		AdlTargetRatio:  dec("0.3"),
	}
	if sink != nil {
		cfg.Notify = sink.add
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewRiskSession(cfg, svc)
}

func TestRiskStartValidation(t *testing.T) {
	svc := paper.New(flatQuotes("100", "100"))

	r := newTestRisk(svc, nil, func(cfg *RiskConfig) { cfg.OwnerID = "" })
	require.Error(t, r.Start(context.Background()))

	r = newTestRisk(svc, nil, func(cfg *RiskConfig) { cfg.TargetLeverage = dec("6") })
	require.Error(t, r.Start(context.Background()), "目标杠杆不得高于触发杠杆")

	r = newTestRisk(svc, nil, nil)
	require.NoError(t, r.Start(context.Background()))
	require.Error(t, r.Start(context.Background()), "重复启动必须失败")
	r.Stop()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("监控循环未停止")
	}
}

func TestFetchLeveragesSortedDescending(t *testing.T) {
	svc := paper.New(flatQuotes("100", "100"))
	// binance 名义 600/权益 100 => 杠杆 6；bybit 名义 900/权益 100 => 杠杆 9
	openPosition(t, svc, domain.ExchangeBinance, "BTC", domain.TradeSideBuy, "6")
	openPosition(t, svc, domain.ExchangeBybit, "BTC", domain.TradeSideSell, "9")
	svc.SetEquity(domain.ExchangeBinance, dec("100"))
	svc.SetEquity(domain.ExchangeBybit, dec("100"))

	r := newTestRisk(svc, nil, nil)
	infos := r.fetchLeverages(context.Background())
	require.Len(t, infos, len(domain.AllExchanges))
	require.Equal(t, domain.ExchangeBybit, infos[0].Exchange)
	require.True(t, infos[0].Leverage.Equal(dec("9")))
	require.Equal(t, domain.ExchangeBinance, infos[1].Exchange)

	// 无持仓的所杠杆同为 0，平局按枚举序
	require.Equal(t, domain.ExchangeOKX, infos[2].Exchange)
	require.Equal(t, domain.ExchangeGate, infos[3].Exchange)
	require.Equal(t, domain.ExchangeHyperliquid, infos[4].Exchange)
}

func TestReduceLeverageHedgePairing(t *testing.T) {
	svc := paper.New(flatQuotes("100", "100"))
	// binance 多 10 BTC（杠杆 8），bybit 空 10 BTC（杠杆 0.1，作为对冲腿）
	openPosition(t, svc, domain.ExchangeBinance, "BTC", domain.TradeSideBuy, "10")
	openPosition(t, svc, domain.ExchangeBybit, "BTC", domain.TradeSideSell, "10")
	svc.SetEquity(domain.ExchangeBinance, dec("125"))

	sink := &updateSink{}
	r := newTestRisk(svc, sink, nil)

	acted := r.runLeverageCheck(context.Background())
	require.True(t, acted)

	// alpha = (8-3)/(8*(1+3*0.1)) = 5/10.4；reduceQty = SafeQuantity(10*alpha) = 4.8
	require.True(t, positionSizeOn(t, svc, domain.ExchangeBinance, "BTC").Equal(dec("5.2")),
		"binance got=%s", positionSizeOn(t, svc, domain.ExchangeBinance, "BTC"))
	require.True(t, positionSizeOn(t, svc, domain.ExchangeBybit, "BTC").Equal(dec("5.2")),
		"对冲腿必须同步平掉相同数量, bybit got=%s", positionSizeOn(t, svc, domain.ExchangeBybit, "BTC"))
	require.True(t, sink.contains("对冲减仓"))
}

func TestReduceLeverageNoHedgeNoPanicClose(t *testing.T) {
	svc := paper.New(flatQuotes("100", "100"))
	openPosition(t, svc, domain.ExchangeBinance, "BTC", domain.TradeSideBuy, "10")
	svc.SetEquity(domain.ExchangeBinance, dec("125"))
	before := svc.Calls("trade:binance")

	sink := &updateSink{}
	r := newTestRisk(svc, sink, nil)

	r.runLeverageCheck(context.Background())
	require.Equal(t, before, svc.Calls("trade:binance"), "不允许裸平时绝不能下单")
	require.True(t, positionSizeOn(t, svc, domain.ExchangeBinance, "BTC").Equal(dec("10")))
	require.True(t, sink.contains("不允许裸平"))
}

func TestReduceLeveragePanicCloseWhenAllowed(t *testing.T) {
	svc := paper.New(flatQuotes("100", "100"))
	openPosition(t, svc, domain.ExchangeBinance, "BTC", domain.TradeSideBuy, "10")
	svc.SetEquity(domain.ExchangeBinance, dec("125"))

	sink := &updateSink{}
	r := newTestRisk(svc, sink, func(cfg *RiskConfig) {
		cfg.AllowPanicClose = true
	})

	acted := r.runLeverageCheck(context.Background())
	require.True(t, acted)
	require.True(t, positionSizeOn(t, svc, domain.ExchangeBinance, "BTC").Equal(dec("5.2")))
	require.True(t, sink.contains("裸平"))
}

func TestWarnZoneNotifyCooldown(t *testing.T) {
	svc := paper.New(flatQuotes("100", "100"))
	// 杠杆 4.5：预警区内但不触发减仓
	openPosition(t, svc, domain.ExchangeBinance, "BTC", domain.TradeSideBuy, "9")
	svc.SetEquity(domain.ExchangeBinance, dec("200"))

	sink := &updateSink{}
	r := newTestRisk(svc, sink, nil)

	require.False(t, r.runLeverageCheck(context.Background()))
	require.False(t, r.runLeverageCheck(context.Background()))
	require.Equal(t, 1, sink.count("预警区"), "冷却期内同一预警区只通知一次")
	require.Equal(t, 0, svc.Calls("trade:binance"))

	// 冷却期过后允许再次通知
	r.cooldownMu.Lock()
	for zone := range r.cooldowns {
		r.cooldowns[zone] = time.Now().Add(-10 * time.Minute)
	}
	r.cooldownMu.Unlock()
	r.runLeverageCheck(context.Background())
	require.Equal(t, 2, sink.count("预警区"))
}

func TestAdlCycleClosesAndReopens(t *testing.T) {
	// 建仓价 100，现价 300：ratio = 2000/1000 = 2 >= 0.5
	mu := sync.Mutex{}
	price := "100"
	svc := paper.New(func(ex domain.Exchange, coin string) (domain.Quote, bool) {
		mu.Lock()
		defer mu.Unlock()
		return quoteAt(price, price), true
	})
	openPosition(t, svc, domain.ExchangeBinance, "BTC", domain.TradeSideBuy, "10")
	mu.Lock()
	price = "300"
	mu.Unlock()

	sink := &updateSink{}
	r := newTestRisk(svc, sink, nil)

	before := svc.Calls("trade:binance")
	acted := r.runAdlCheck(context.Background())
	require.True(t, acted)
	// cycleQty = SafeQuantity(10*(1-0.3/2)) = 8.5，平掉后立即开回
	require.Equal(t, before+2, svc.Calls("trade:binance"))
	require.True(t, positionSizeOn(t, svc, domain.ExchangeBinance, "BTC").Equal(dec("10")),
		"循环落袋后持仓数量必须不变")
	require.True(t, sink.contains("ADL 保护完成"))

	// 落袋后比率应已低于触发线，下一轮不再动作
	require.False(t, r.runAdlCheck(context.Background()))
}

// buyFailingService 包装 paper：所有买单失败，用于构造“平掉成功、开回失败”
type buyFailingService struct {
	*paper.Service
}

func (s buyFailingService) ExecuteTrade(ctx context.Context, req domain.TradeRequest) domain.TradeResult {
	if req.Side == domain.TradeSideBuy {
		return domain.TradeResult{Err: errors.New("order rejected")}
	}
	return s.Service.ExecuteTrade(ctx, req)
}

func TestAdlReopenFailureRaisesNakedExposureAlert(t *testing.T) {
	mu := sync.Mutex{}
	price := "100"
	inner := paper.New(func(ex domain.Exchange, coin string) (domain.Quote, bool) {
		mu.Lock()
		defer mu.Unlock()
		return quoteAt(price, price), true
	})
	openPosition(t, inner, domain.ExchangeBinance, "BTC", domain.TradeSideBuy, "10")
	mu.Lock()
	price = "300"
	mu.Unlock()

	sink := &updateSink{}
	r := newTestRisk(buyFailingService{inner}, sink, nil)

	acted := r.runAdlCheck(context.Background())
	require.True(t, acted, "已发生平仓，必须算作动作")
	require.True(t, sink.contains("开回失败"), "开回失败必须作为独立故障类上报: %v", sink.texts)
	require.True(t, positionSizeOn(t, inner, domain.ExchangeBinance, "BTC").Equal(dec("1.5")),
		"平掉 8.5 后缺口保持原样")
}

func TestEmergencyIntervalAndRevert(t *testing.T) {
	svc := paper.New(flatQuotes("100", "100"))
	sink := &updateSink{}
	r := newTestRisk(svc, sink, func(cfg *RiskConfig) {
		cfg.NormalInterval = 30 * time.Second
		cfg.EmergencyInterval = 20 * time.Second
		cfg.EmergencyCooldown = 5 * time.Minute
	})
	r.isMonitoring.Store(true)

	require.Equal(t, 30*time.Second, r.tick(context.Background()))

	r.markAction()
	require.Equal(t, 20*time.Second, r.tick(context.Background()), "减仓动作后进入紧急档")

	// 冷却期内无新动作：回到常规档
	r.lastActionAt.Store(time.Now().Add(-10 * time.Minute).UnixNano())
	require.Equal(t, 30*time.Second, r.tick(context.Background()))
	require.True(t, sink.contains("回到常规档"))
}

func TestNotifyCooldownHelper(t *testing.T) {
	svc := paper.New(flatQuotes("100", "100"))
	sink := &updateSink{}
	r := newTestRisk(svc, sink, func(cfg *RiskConfig) {
		cfg.NotifyCooldown = 50 * time.Millisecond
	})

	r.notifyWithCooldown("zone-a", "第一条")
	r.notifyWithCooldown("zone-a", "第二条")
	r.notifyWithCooldown("zone-b", "其他预警区不受影响")
	require.Equal(t, 1, sink.count("第"))
	require.Equal(t, 1, sink.count("其他预警区"))

	time.Sleep(60 * time.Millisecond)
	r.notifyWithCooldown("zone-a", "冷却后恢复")
	require.True(t, sink.contains("冷却后恢复"))
}
