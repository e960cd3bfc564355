package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote 某个 (交易所, 币种) 的最新买一/卖一报价
// 只保留最新值，不做历史留存；由所属 TickerService 独占写入。
type Quote struct {
	Bid        decimal.Decimal // 买一价
	Ask        decimal.Decimal // 卖一价
	ObservedAt time.Time       // 观测时间
}

// IsZero 检查报价是否尚未收到
func (q Quote) IsZero() bool {
	return q.Bid.IsZero() && q.Ask.IsZero()
}

// Mid 中间价
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// bpScale 基点换算系数
var bpScale = decimal.NewFromInt(10000)

// SpreadBp 计算跨所价差（基点）
// bp = (shortBid - longAsk) / shortBid * 10000
// shortBid 为做空腿买一价，longAsk 为做多腿卖一价。
// shortBid 为 0 时返回 0（尚无有效报价）。
func SpreadBp(longAsk, shortBid decimal.Decimal) decimal.Decimal {
	if shortBid.IsZero() {
		return decimal.Zero
	}
	return shortBid.Sub(longAsk).Div(shortBid).Mul(bpScale)
}
