// Package exchange 提供交易所公共 REST 接口的轻量客户端
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/fundarb/internal/domain"
	"github.com/betbot/fundarb/pkg/ratelimit"
)

var snapshotLog = logrus.WithField("component", "rest_snapshot")

// SnapshotClient 公共 REST top-of-book 快照客户端
// 用于在 websocket 首条推送到达前预热行情节点，以及测量会话的一次性取价。
// 公共接口普遍按 IP 限频，所有请求过同一个令牌桶。
type SnapshotClient struct {
	http    *resty.Client
	limiter ratelimit.Limiter
}

// NewSnapshotClient 创建快照客户端
func NewSnapshotClient() *SnapshotClient {
	return &SnapshotClient{
		http: resty.New().
			SetTimeout(10 * time.Second).
			SetHeader("User-Agent", "fundarb/1.0"),
		limiter: ratelimit.NewTokenBucket(10, 5),
	}
}

// TopOfBook 拉取某 (交易所, 币种) 的最新买一/卖一
func (c *SnapshotClient) TopOfBook(ctx context.Context, ex domain.Exchange, coin string) (domain.Quote, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Quote{}, err
	}

	var bid, ask string
	var err error
	switch ex {
	case domain.ExchangeBinance:
		bid, ask, err = c.binanceBook(ctx, coin)
	case domain.ExchangeBybit:
		bid, ask, err = c.bybitBook(ctx, coin)
	case domain.ExchangeOKX:
		bid, ask, err = c.okxBook(ctx, coin)
	case domain.ExchangeGate:
		bid, ask, err = c.gateBook(ctx, coin)
	case domain.ExchangeHyperliquid:
		bid, ask, err = c.hyperliquidBook(ctx, coin)
	default:
		return domain.Quote{}, fmt.Errorf("no snapshot endpoint for exchange %q", ex)
	}
	if err != nil {
		return domain.Quote{}, errors.Wrapf(err, "snapshot %s %s", ex, coin)
	}

	bidDec, err := decimal.NewFromString(bid)
	if err != nil {
		return domain.Quote{}, errors.Wrapf(err, "bad bid %q from %s", bid, ex)
	}
	askDec, err := decimal.NewFromString(ask)
	if err != nil {
		return domain.Quote{}, errors.Wrapf(err, "bad ask %q from %s", ask, ex)
	}
	return domain.Quote{Bid: bidDec, Ask: askDec, ObservedAt: time.Now()}, nil
}

func (c *SnapshotClient) get(ctx context.Context, url string, out interface{}) error {
	resp, err := c.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("http %d: %s", resp.StatusCode(), resp.String())
	}
	return json.Unmarshal(resp.Body(), out)
}

func (c *SnapshotClient) binanceBook(ctx context.Context, coin string) (string, string, error) {
	var out struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	url := fmt.Sprintf("https://fapi.binance.com/fapi/v1/ticker/bookTicker?symbol=%sUSDT", strings.ToUpper(coin))
	if err := c.get(ctx, url, &out); err != nil {
		return "", "", err
	}
	return out.BidPrice, out.AskPrice, nil
}

func (c *SnapshotClient) bybitBook(ctx context.Context, coin string) (string, string, error) {
	var out struct {
		Result struct {
			List []struct {
				Bid string `json:"bid1Price"`
				Ask string `json:"ask1Price"`
			} `json:"list"`
		} `json:"result"`
	}
	url := fmt.Sprintf("https://api.bybit.com/v5/market/tickers?category=linear&symbol=%sUSDT", strings.ToUpper(coin))
	if err := c.get(ctx, url, &out); err != nil {
		return "", "", err
	}
	if len(out.Result.List) == 0 {
		return "", "", fmt.Errorf("empty ticker list")
	}
	return out.Result.List[0].Bid, out.Result.List[0].Ask, nil
}

func (c *SnapshotClient) okxBook(ctx context.Context, coin string) (string, string, error) {
	var out struct {
		Data []struct {
			BidPx string `json:"bidPx"`
			AskPx string `json:"askPx"`
		} `json:"data"`
	}
	url := fmt.Sprintf("https://www.okx.com/api/v5/market/ticker?instId=%s-USDT-SWAP", strings.ToUpper(coin))
	if err := c.get(ctx, url, &out); err != nil {
		return "", "", err
	}
	if len(out.Data) == 0 {
		return "", "", fmt.Errorf("empty ticker data")
	}
	return out.Data[0].BidPx, out.Data[0].AskPx, nil
}

func (c *SnapshotClient) gateBook(ctx context.Context, coin string) (string, string, error) {
	var out []struct {
		HighestBid string `json:"highest_bid"`
		LowestAsk  string `json:"lowest_ask"`
	}
	url := fmt.Sprintf("https://api.gateio.ws/api/v4/futures/usdt/tickers?contract=%s_USDT", strings.ToUpper(coin))
	if err := c.get(ctx, url, &out); err != nil {
		return "", "", err
	}
	if len(out) == 0 {
		return "", "", fmt.Errorf("empty ticker data")
	}
	return out[0].HighestBid, out[0].LowestAsk, nil
}

func (c *SnapshotClient) hyperliquidBook(ctx context.Context, coin string) (string, string, error) {
	var out struct {
		Levels [][]struct {
			Px string `json:"px"`
		} `json:"levels"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"type": "l2Book", "coin": strings.ToUpper(coin)}).
		Post("https://api.hyperliquid.xyz/info")
	if err != nil {
		return "", "", err
	}
	if resp.IsError() {
		return "", "", fmt.Errorf("http %d: %s", resp.StatusCode(), resp.String())
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", "", err
	}
	if len(out.Levels) < 2 || len(out.Levels[0]) == 0 || len(out.Levels[1]) == 0 {
		return "", "", fmt.Errorf("empty l2 book")
	}
	return out.Levels[0][0].Px, out.Levels[1][0].Px, nil
}

// Bootstrap 返回可注入 ticker.Manager 的节点预热函数
func (c *SnapshotClient) Bootstrap() func(ctx context.Context, ex domain.Exchange, coin string) (domain.Quote, error) {
	return func(ctx context.Context, ex domain.Exchange, coin string) (domain.Quote, error) {
		q, err := c.TopOfBook(ctx, ex, coin)
		if err != nil {
			snapshotLog.Debugf("节点预热取价失败: %s %s: %v", ex, coin, err)
			return domain.Quote{}, err
		}
		return q, nil
	}
}
