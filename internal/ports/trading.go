package ports

import (
	"context"

	"github.com/betbot/fundarb/internal/domain"
)

// Shared, small interfaces for sessions to depend on (avoid per-session duplication).

// TradeExecutor 统一下单入口
type TradeExecutor interface {
	ExecuteTrade(ctx context.Context, req domain.TradeRequest) domain.TradeResult
}

// PositionsGetter 拉取某账户在某交易所的全部持仓快照
type PositionsGetter interface {
	GetPositions(ctx context.Context, exchange domain.Exchange, ownerID string) ([]domain.Position, error)
}

// LeverageCalculator 拉取某账户在某交易所的杠杆快照
type LeverageCalculator interface {
	CalculateLeverage(ctx context.Context, exchange domain.Exchange, ownerID string) (domain.LeverageInfo, error)
}

// TradingService 各交易所交易门面的统一契约
// 建仓与降风险会话共用同一个面：下单、持仓快照、杠杆快照。
// 具体实现（REST 签名、重试等）由各交易所客户端负责。
type TradingService interface {
	TradeExecutor
	PositionsGetter
	LeverageCalculator
}
