package domain

import (
	"fmt"
	"strings"
)

// Exchange 交易所枚举（封闭集合）
// 新增交易所时必须同时扩展 AllExchanges 和下面的各属性方法，
// 保证 switch 在编译期就能覆盖所有分支。
type Exchange string

const (
	ExchangeBinance     Exchange = "binance"
	ExchangeBybit       Exchange = "bybit"
	ExchangeOKX         Exchange = "okx"
	ExchangeGate        Exchange = "gate"
	ExchangeHyperliquid Exchange = "hyperliquid"
)

// AllExchanges 支持的交易所列表（顺序即确定性排序的次级键）
var AllExchanges = []Exchange{
	ExchangeBinance,
	ExchangeBybit,
	ExchangeOKX,
	ExchangeGate,
	ExchangeHyperliquid,
}

// ParseExchange 解析交易所名称（大小写不敏感）
func ParseExchange(s string) (Exchange, error) {
	switch e := Exchange(strings.ToLower(strings.TrimSpace(s))); e {
	case ExchangeBinance, ExchangeBybit, ExchangeOKX, ExchangeGate, ExchangeHyperliquid:
		return e, nil
	}
	return "", fmt.Errorf("unknown exchange: %q", s)
}

// IsValid 检查交易所是否在支持集合内
func (e Exchange) IsValid() bool {
	_, err := ParseExchange(string(e))
	return err == nil
}

// Order 返回交易所在枚举中的序号（用于确定性排序的平局裁决）
func (e Exchange) Order() int {
	for i, ex := range AllExchanges {
		if ex == e {
			return i
		}
	}
	return len(AllExchanges)
}

// CloseConcurrency 风险减仓时该交易所允许的并发平仓数
// 对延迟敏感的交易所串行执行，避免撮合端排队放大滑点。
func (e Exchange) CloseConcurrency() int {
	switch e {
	case ExchangeHyperliquid:
		return 1
	default:
		return 3
	}
}

// String 实现 fmt.Stringer
func (e Exchange) String() string {
	return string(e)
}
