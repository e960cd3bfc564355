package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/fundarb/internal/common"
	"github.com/betbot/fundarb/internal/domain"
	"github.com/betbot/fundarb/internal/ticker"
)

var measureLog = logrus.WithField("component", "measure_session")

// SpreadStats 一次价差采样的汇总
type SpreadStats struct {
	Coin    string
	Samples int
	Mean    decimal.Decimal
	Min     decimal.Decimal
	Max     decimal.Decimal
}

// SpreadSampleConfig 价差采样会话配置
// 与 TradeSession 相同的订阅-采样-退订模式，但不下单。
type SpreadSampleConfig struct {
	Coin          string
	LongExchange  domain.Exchange
	ShortExchange domain.Exchange
	OwnerID       string
	Window        time.Duration // 采样时长
	Interval      time.Duration // 采样间隔
	OnResult      func(stats SpreadStats)
}

// SpreadSampleSession 价差采样会话
type SpreadSampleSession struct {
	id      string
	cfg     SpreadSampleConfig
	tickers *ticker.Manager

	quoteMu    sync.Mutex
	longQuote  domain.Quote
	shortQuote domain.Quote

	samples  []decimal.Decimal
	deadline time.Time
	doneCh   chan struct{}
}

// NewSpreadSampleSession 创建采样会话
func NewSpreadSampleSession(cfg SpreadSampleConfig, tickers *ticker.Manager) *SpreadSampleSession {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &SpreadSampleSession{
		id:      uuid.NewString(),
		cfg:     cfg,
		tickers: tickers,
		doneCh:  make(chan struct{}),
	}
}

// Done 采样结束通知
func (s *SpreadSampleSession) Done() <-chan struct{} { return s.doneCh }

// Start 订阅两腿并开始采样；窗口结束后退订并回报统计
func (s *SpreadSampleSession) Start(ctx context.Context) error {
	if s.cfg.Coin == "" {
		return fmt.Errorf("coin is required")
	}
	longTag := "sample:" + s.id + ":long"
	shortTag := "sample:" + s.id + ":short"

	err := s.tickers.Subscribe(ctx, s.cfg.OwnerID, longTag, s.cfg.LongExchange, s.cfg.Coin, func(q domain.Quote) {
		s.quoteMu.Lock()
		s.longQuote = q
		s.quoteMu.Unlock()
	})
	if err != nil {
		return err
	}
	err = s.tickers.Subscribe(ctx, s.cfg.OwnerID, shortTag, s.cfg.ShortExchange, s.cfg.Coin, func(q domain.Quote) {
		s.quoteMu.Lock()
		s.shortQuote = q
		s.quoteMu.Unlock()
	})
	if err != nil {
		s.tickers.Unsubscribe(s.cfg.OwnerID, longTag, s.cfg.LongExchange, s.cfg.Coin)
		return err
	}

	s.deadline = time.Now().Add(s.cfg.Window)
	go func() {
		defer close(s.doneCh)
		common.RunTickerLoopUntil(ctx, s.cfg.Interval, s.sample)
		s.tickers.Unsubscribe(s.cfg.OwnerID, longTag, s.cfg.LongExchange, s.cfg.Coin)
		s.tickers.Unsubscribe(s.cfg.OwnerID, shortTag, s.cfg.ShortExchange, s.cfg.Coin)
		s.report()
	}()
	return nil
}

// sample 采一次样；窗口结束返回 false
func (s *SpreadSampleSession) sample(ctx context.Context) bool {
	if time.Now().After(s.deadline) {
		return false
	}
	s.quoteMu.Lock()
	longQ, shortQ := s.longQuote, s.shortQuote
	s.quoteMu.Unlock()
	if longQ.IsZero() || shortQ.IsZero() {
		return true
	}
	s.samples = append(s.samples, domain.SpreadBp(longQ.Ask, shortQ.Bid))
	return true
}

// report 汇总并回报
func (s *SpreadSampleSession) report() {
	stats := SpreadStats{Coin: s.cfg.Coin, Samples: len(s.samples)}
	if len(s.samples) > 0 {
		sum := decimal.Zero
		stats.Min = s.samples[0]
		stats.Max = s.samples[0]
		for _, bp := range s.samples {
			sum = sum.Add(bp)
			if bp.LessThan(stats.Min) {
				stats.Min = bp
			}
			if bp.GreaterThan(stats.Max) {
				stats.Max = bp
			}
		}
		stats.Mean = sum.Div(decimal.NewFromInt(int64(len(s.samples))))
	}
	measureLog.Infof("📈 价差采样完成: coin=%s samples=%d mean=%s min=%s max=%s",
		stats.Coin, stats.Samples, stats.Mean.StringFixed(2), stats.Min.StringFixed(2), stats.Max.StringFixed(2))
	if s.cfg.OnResult != nil {
		s.cfg.OnResult(stats)
	}
}

// PaybackResult 回本估算结果
type PaybackResult struct {
	Stats    SpreadStats
	Periods  decimal.Decimal // 需要的资金费率周期数
	Feasible bool            // 费差收益为正且有样本
}

// PaybackConfig 回本估算会话配置
type PaybackConfig struct {
	SpreadSampleConfig
	FundingDiffBp decimal.Decimal // 每个资金费率周期的费差收益（基点）
	OnPayback     func(result PaybackResult)
}

// PaybackSession 采样价差并估算按当前资金费差的回本周期
// 复用 SpreadSampleSession 的采样循环，只在结果上叠加估算。
type PaybackSession struct {
	inner *SpreadSampleSession
}

// NewPaybackSession 创建回本估算会话
func NewPaybackSession(cfg PaybackConfig, tickers *ticker.Manager) *PaybackSession {
	sampleCfg := cfg.SpreadSampleConfig
	sampleCfg.OnResult = func(stats SpreadStats) {
		periods, ok := EstimatePaybackPeriods(stats, cfg.FundingDiffBp)
		measureLog.Infof("💰 回本估算: coin=%s mean=%s funding=%sbp periods=%s feasible=%v",
			stats.Coin, stats.Mean.StringFixed(2), cfg.FundingDiffBp, periods.StringFixed(2), ok)
		if cfg.OnPayback != nil {
			cfg.OnPayback(PaybackResult{Stats: stats, Periods: periods, Feasible: ok})
		}
	}
	return &PaybackSession{inner: NewSpreadSampleSession(sampleCfg, tickers)}
}

// Start 启动采样
func (s *PaybackSession) Start(ctx context.Context) error { return s.inner.Start(ctx) }

// Done 采样结束通知
func (s *PaybackSession) Done() <-chan struct{} { return s.inner.Done() }

// EstimatePaybackPeriods 根据采样到的平均价差与资金费率差估算回本周期数
// 入场付出的价差成本（基点）除以每个资金费率周期的费差收益（基点）。
// 费差收益非正时返回 (0, false)：该组合当前无法回本。
func EstimatePaybackPeriods(stats SpreadStats, fundingDiffBpPerPeriod decimal.Decimal) (decimal.Decimal, bool) {
	if !fundingDiffBpPerPeriod.IsPositive() || stats.Samples == 0 {
		return decimal.Zero, false
	}
	cost := stats.Mean.Neg()
	if !cost.IsPositive() {
		// 平均价差为正：入场即有利，无需回本
		return decimal.Zero, true
	}
	return cost.Div(fundingDiffBpPerPeriod), true
}
