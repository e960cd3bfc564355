// Package paper 提供内存撮合的 TradingService 实现
// 用于 dry-run 跑策略与会话测试；成交价取实时报价并叠加可配置滑点。
package paper

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/fundarb/internal/domain"
)

var paperLog = logrus.WithField("component", "paper_trading")

// QuoteSource 提供某 (交易所, 币种) 的最新报价
type QuoteSource func(exchange domain.Exchange, coin string) (domain.Quote, bool)

// position 账本里的一笔净持仓
type position struct {
	side     domain.Side
	size     decimal.Decimal
	notional decimal.Decimal
	avgPrice decimal.Decimal
}

// Service 纸面交易服务
// 按 (owner, exchange, coin) 记净头寸；买卖反向先对冲再反转。
type Service struct {
	mu        sync.Mutex
	quotes    QuoteSource
	positions map[string]*position       // owner|exchange|coin -> 净持仓
	equity    map[domain.Exchange]decimal.Decimal
	funding   map[string]decimal.Decimal // exchange|coin -> 资金费率
	slippage  decimal.Decimal            // 成交价相对报价的不利偏移（小数，如 0.0002）
	maintK    decimal.Decimal            // 维持保证金效率系数

	// 测试辅助：调用计数与错误注入（下一次匹配的调用返回注入的错误）
	calls       map[string]int
	errorOnNext map[string]error
}

// New 创建纸面交易服务
func New(quotes QuoteSource) *Service {
	s := &Service{
		quotes:      quotes,
		positions:   make(map[string]*position),
		equity:      make(map[domain.Exchange]decimal.Decimal),
		funding:     make(map[string]decimal.Decimal),
		slippage:    decimal.Zero,
		maintK:      decimal.NewFromFloat(0.1),
		calls:       make(map[string]int),
		errorOnNext: make(map[string]error),
	}
	for _, ex := range domain.AllExchanges {
		s.equity[ex] = decimal.NewFromInt(10000)
	}
	return s
}

// SetEquity 设置某交易所的账户权益
func (s *Service) SetEquity(ex domain.Exchange, equity decimal.Decimal) {
	s.mu.Lock()
	s.equity[ex] = equity
	s.mu.Unlock()
}

// SetSlippage 设置成交滑点（小数）
func (s *Service) SetSlippage(slippage decimal.Decimal) {
	s.mu.Lock()
	s.slippage = slippage
	s.mu.Unlock()
}

// SetFundingRate 设置某 (交易所, 币种) 的资金费率
func (s *Service) SetFundingRate(ex domain.Exchange, coin string, rate decimal.Decimal) {
	s.mu.Lock()
	s.funding[fmt.Sprintf("%s|%s", ex, coin)] = rate
	s.mu.Unlock()
}

// FailNext 错误注入：让下一次匹配 op 的调用失败（op: "trade:<exchange>" 等）
func (s *Service) FailNext(op string, err error) {
	s.mu.Lock()
	s.errorOnNext[op] = err
	s.mu.Unlock()
}

// Calls 某操作至今的调用次数
func (s *Service) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Service) track(op string) error {
	s.calls[op]++
	if err, ok := s.errorOnNext[op]; ok {
		delete(s.errorOnNext, op)
		return err
	}
	return nil
}

func key(owner string, ex domain.Exchange, coin string) string {
	return fmt.Sprintf("%s|%s|%s", owner, ex, coin)
}

// ExecuteTrade 以当前报价（含滑点）成交
func (s *Service) ExecuteTrade(ctx context.Context, req domain.TradeRequest) domain.TradeResult {
	if err := ctx.Err(); err != nil {
		return domain.TradeResult{Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.track("trade:" + string(req.Exchange)); err != nil {
		return domain.TradeResult{Err: err}
	}

	quote, ok := s.quotes(req.Exchange, req.Coin)
	if !ok || quote.IsZero() {
		return domain.TradeResult{Err: fmt.Errorf("no quote for %s %s", req.Exchange, req.Coin)}
	}

	// 买单吃卖一、卖单砸买一，再叠加不利滑点
	var price decimal.Decimal
	if req.Side == domain.TradeSideBuy {
		price = quote.Ask.Mul(decimal.NewFromInt(1).Add(s.slippage))
	} else {
		price = quote.Bid.Mul(decimal.NewFromInt(1).Sub(s.slippage))
	}

	s.applyFill(req, price)
	paperLog.Debugf("纸面成交: owner=%s %s %s %s x%s @%s",
		req.OwnerID, req.Exchange, req.Coin, req.Side, req.Quantity, price)
	return domain.TradeResult{Success: true, Price: price}
}

// applyFill 把成交写入净持仓账本
func (s *Service) applyFill(req domain.TradeRequest, price decimal.Decimal) {
	k := key(req.OwnerID, req.Exchange, req.Coin)
	pos := s.positions[k]
	fillSide := domain.SideLong
	if req.Side == domain.TradeSideSell {
		fillSide = domain.SideShort
	}

	if pos == nil {
		s.positions[k] = &position{
			side:     fillSide,
			size:     req.Quantity,
			notional: req.Quantity.Mul(price),
			avgPrice: price,
		}
		return
	}

	if pos.side == fillSide {
		// 同向加仓
		pos.notional = pos.notional.Add(req.Quantity.Mul(price))
		pos.size = pos.size.Add(req.Quantity)
		pos.avgPrice = pos.notional.Div(pos.size)
		return
	}

	// 反向：先减仓，剩余部分反转方向
	if req.Quantity.LessThan(pos.size) {
		pos.size = pos.size.Sub(req.Quantity)
		pos.notional = pos.size.Mul(pos.avgPrice)
		return
	}
	flipped := req.Quantity.Sub(pos.size)
	if flipped.IsZero() {
		delete(s.positions, k)
		return
	}
	pos.side = fillSide
	pos.size = flipped
	pos.avgPrice = price
	pos.notional = flipped.Mul(price)
}

// GetPositions 返回某账户在某交易所的持仓快照
func (s *Service) GetPositions(ctx context.Context, ex domain.Exchange, ownerID string) ([]domain.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.track("positions:" + string(ex)); err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("%s|%s|", ownerID, ex)
	out := make([]domain.Position, 0)
	for k, pos := range s.positions {
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		coin := k[len(prefix):]
		p := domain.Position{
			Coin:        coin,
			Exchange:    ex,
			Side:        pos.side,
			Size:        pos.size,
			Notional:    pos.notional,
			FundingRate: s.funding[fmt.Sprintf("%s|%s", ex, coin)],
		}
		if quote, ok := s.quotes(ex, coin); ok && !quote.IsZero() {
			mark := quote.Mid()
			pnl := mark.Sub(pos.avgPrice).Mul(pos.size)
			if pos.side == domain.SideShort {
				pnl = pnl.Neg()
			}
			p.UnrealizedPnl = &pnl
		}
		out = append(out, p)
	}
	return out, nil
}

// CalculateLeverage 按名义价值合计除以权益估算杠杆
func (s *Service) CalculateLeverage(ctx context.Context, ex domain.Exchange, ownerID string) (domain.LeverageInfo, error) {
	if err := ctx.Err(); err != nil {
		return domain.LeverageInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.track("leverage:" + string(ex)); err != nil {
		return domain.LeverageInfo{}, err
	}

	prefix := fmt.Sprintf("%s|%s|", ownerID, ex)
	notional := decimal.Zero
	for k, pos := range s.positions {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			notional = notional.Add(pos.notional)
		}
	}

	equity := s.equity[ex]
	leverage := decimal.Zero
	if equity.IsPositive() {
		leverage = notional.Div(equity)
	}
	return domain.LeverageInfo{
		Exchange:             ex,
		Leverage:             leverage,
		AccountEquity:        equity,
		MaintMarginEfficieny: s.maintK,
	}, nil
}
