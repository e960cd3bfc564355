// Package ticker 提供各交易所 top-of-book 行情流的统一接入与多路复用
package ticker

import (
	"context"

	"github.com/betbot/fundarb/internal/domain"
)

// State 行情服务生命周期状态
// IDLE -> CONNECTING -> CONNECTED -> (STALE -> RECONNECTING -> CONNECTED)* -> STOPPED
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateStale        State = "stale"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// QuoteFunc 订阅方收到新报价时的回调（Manager 订阅接口使用）
type QuoteFunc func(quote domain.Quote)

// Service 单个 (交易所, 币种) 的行情流服务
// Start 在订阅握手完成后返回；连接失败时返回错误。
// 报价通过 Quotes 流消费：容量 1、latest-wins，历史不保留；
// 服务停止后流关闭。内部看门狗负责断流自愈；重连次数耗尽后
// 服务自行永久停止，调用方观察到的是流静默后关闭而不是错误——
// 注意报价缺席是订阅方的责任。
type Service interface {
	Start(ctx context.Context, symbol string) error
	Quotes() <-chan domain.Quote
	Stop()
	State() State
}
