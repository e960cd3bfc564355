package domain

import (
	"github.com/shopspring/decimal"
)

// Side 持仓/下单方向
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite 返回相反方向
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// TradeSide 下单方向（买/卖）
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// Position 某交易所上的一笔持仓快照
// 由 TradingService 返回，核心侧每个周期重新拉取，绝不跨周期缓存。
type Position struct {
	Coin          string           // 币种，例如 BTC
	Exchange      Exchange         // 所在交易所
	Side          Side             // 方向
	Size          decimal.Decimal  // 持仓数量（正数）
	Notional      decimal.Decimal  // 名义价值（USDT）
	FundingRate   decimal.Decimal  // 当前资金费率
	UnrealizedPnl *decimal.Decimal // 未实现盈亏（部分交易所不提供）
}

// PnlRatio 未实现盈亏与名义价值之比
// 无盈亏数据或名义价值为 0 时返回 (0, false)。
func (p Position) PnlRatio() (decimal.Decimal, bool) {
	if p.UnrealizedPnl == nil || p.Notional.IsZero() {
		return decimal.Zero, false
	}
	return p.UnrealizedPnl.Div(p.Notional), true
}

// LeverageInfo 某账户在单个交易所上的杠杆快照
type LeverageInfo struct {
	Exchange             Exchange
	Leverage             decimal.Decimal // 当前杠杆倍数
	AccountEquity        decimal.Decimal // 账户权益（USDT）
	MaintMarginEfficieny decimal.Decimal // 维持保证金效率系数 K
}

// ReduceAlpha 计算降杠杆比例
// alpha = (L1 - L2) / (L1 * (1 + L2*K))
// 分母为 0 时退化为 (L1 - L2) / L1。
// L1 当前杠杆，L2 目标杠杆，K 维持保证金效率系数。
func ReduceAlpha(current, target, k decimal.Decimal) decimal.Decimal {
	if current.IsZero() {
		return decimal.Zero
	}
	diff := current.Sub(target)
	denom := current.Mul(decimal.NewFromInt(1).Add(target.Mul(k)))
	if denom.IsZero() {
		return diff.Div(current)
	}
	return diff.Div(denom)
}

var (
	ten   = decimal.NewFromInt(10)
	one   = decimal.NewFromInt(1)
	tenth = decimal.NewFromFloat(0.1)
)

// SafeQuantity 按交易所普遍接受的精度向下取整下单数量
// >=10 整数；>=1 保留 1 位小数；>=0.1 保留 2 位小数；其余保留 4 位。
// 向下取整保证减仓量绝不超过持仓量。
func SafeQuantity(qty decimal.Decimal) decimal.Decimal {
	switch {
	case qty.GreaterThanOrEqual(ten):
		return qty.RoundFloor(0)
	case qty.GreaterThanOrEqual(one):
		return qty.RoundFloor(1)
	case qty.GreaterThanOrEqual(tenth):
		return qty.RoundFloor(2)
	default:
		return qty.RoundFloor(4)
	}
}
