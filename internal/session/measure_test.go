package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/betbot/fundarb/internal/domain"
)

func TestSpreadSampleSession(t *testing.T) {
	m := stubManager()
	resultCh := make(chan SpreadStats, 1)

	s := NewSpreadSampleSession(SpreadSampleConfig{
		Coin:          "BTC",
		LongExchange:  domain.ExchangeBinance,
		ShortExchange: domain.ExchangeBybit,
		OwnerID:       "acct-1",
		Window:        200 * time.Millisecond,
		Interval:      20 * time.Millisecond,
		OnResult:      func(stats SpreadStats) { resultCh <- stats },
	}, m)

	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, 2, m.NodeCount())

	// 注入两腿报价：bp = (100-99.5)/100*10000 = 50
	s.quoteMu.Lock()
	s.longQuote = quoteAt("99.4", "99.5")
	s.shortQuote = quoteAt("100", "100.1")
	s.quoteMu.Unlock()

	select {
	case stats := <-resultCh:
		require.Equal(t, "BTC", stats.Coin)
		require.Greater(t, stats.Samples, 0)
		require.True(t, stats.Mean.Equal(dec("50")), "mean=%s", stats.Mean)
		require.True(t, stats.Min.Equal(dec("50")))
		require.True(t, stats.Max.Equal(dec("50")))
	case <-time.After(5 * time.Second):
		t.Fatal("采样窗口结束后未收到统计结果")
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done 未关闭")
	}
	require.Equal(t, 0, m.NodeCount(), "采样结束必须退订两腿")
}

func TestSpreadSampleSessionRequiresCoin(t *testing.T) {
	s := NewSpreadSampleSession(SpreadSampleConfig{}, stubManager())
	require.Error(t, s.Start(context.Background()))
}

func TestPaybackSession(t *testing.T) {
	m := stubManager()
	resultCh := make(chan PaybackResult, 1)

	s := NewPaybackSession(PaybackConfig{
		SpreadSampleConfig: SpreadSampleConfig{
			Coin:          "BTC",
			LongExchange:  domain.ExchangeBinance,
			ShortExchange: domain.ExchangeBybit,
			OwnerID:       "acct-1",
			Window:        200 * time.Millisecond,
			Interval:      20 * time.Millisecond,
		},
		FundingDiffBp: dec("8"),
		OnPayback:     func(r PaybackResult) { resultCh <- r },
	}, m)

	require.NoError(t, s.Start(context.Background()))

	// 平均价差 -40bp，费差 8bp/周期 → 5 个周期回本
	s.inner.quoteMu.Lock()
	s.inner.longQuote = quoteAt("100.3", "100.4")
	s.inner.shortQuote = quoteAt("100", "100.1")
	s.inner.quoteMu.Unlock()

	select {
	case r := <-resultCh:
		require.True(t, r.Feasible)
		require.True(t, r.Periods.Equal(dec("5")), "periods=%s", r.Periods)
	case <-time.After(5 * time.Second):
		t.Fatal("未收到回本估算结果")
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done 未关闭")
	}
	require.Equal(t, 0, m.NodeCount())
}

func TestEstimatePaybackPeriods(t *testing.T) {
	// 平均入场价差 -40bp（成本），每周期费差 8bp => 5 个周期回本
	stats := SpreadStats{Samples: 10, Mean: dec("-40")}
	periods, ok := EstimatePaybackPeriods(stats, dec("8"))
	require.True(t, ok)
	require.True(t, periods.Equal(dec("5")), "periods=%s", periods)

	// 平均价差为正：入场即有利
	periods, ok = EstimatePaybackPeriods(SpreadStats{Samples: 3, Mean: dec("12")}, dec("8"))
	require.True(t, ok)
	require.True(t, periods.IsZero())

	// 费差非正：无法回本
	_, ok = EstimatePaybackPeriods(stats, dec("0"))
	require.False(t, ok)

	// 没有样本时不给出估算
	_, ok = EstimatePaybackPeriods(SpreadStats{}, dec("8"))
	require.False(t, ok)
}
