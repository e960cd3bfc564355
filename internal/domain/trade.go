package domain

import (
	"github.com/shopspring/decimal"
)

// TradeRequest 一次下单请求
type TradeRequest struct {
	Exchange Exchange
	Coin     string
	Side     TradeSide
	Quantity decimal.Decimal
	OwnerID  string // 账户标识
}

// TradeResult 一次下单结果
// Success 为 false 时 Price 无意义，Err 描述失败原因。
type TradeResult struct {
	Success bool
	Price   decimal.Decimal // 成交均价
	Err     error
}

// RealizedBp 根据两腿实际成交价计算已实现价差（基点）
// longFill 为做多腿成交价（买入），shortFill 为做空腿成交价（卖出）。
func RealizedBp(longFill, shortFill decimal.Decimal) decimal.Decimal {
	return SpreadBp(longFill, shortFill)
}
