package ticker

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/fundarb/internal/domain"
)

// StreamSpec 某交易所 top-of-book 流的接入参数
// URL、订阅报文和报文解析是各所唯一的差异点；其余生命周期逻辑共用。
type StreamSpec struct {
	Exchange  domain.Exchange
	URL       string
	Staleness time.Duration // 看门狗判定断流的阈值（各所可靠性不同）

	// Subscribe 构造订阅报文
	Subscribe func(symbol string) interface{}
	// Parse 解析一条推送；非报价消息（心跳、订阅确认等）返回 ok=false
	Parse func(data []byte) (bid, ask decimal.Decimal, ok bool)
}

// SpecFor 返回交易所的流接入参数
// 交易所集合封闭；未知取值直接报错，绝不悄悄退回默认值。
func SpecFor(exchange domain.Exchange) (StreamSpec, error) {
	switch exchange {
	case domain.ExchangeBinance:
		return binanceSpec(), nil
	case domain.ExchangeBybit:
		return bybitSpec(), nil
	case domain.ExchangeOKX:
		return okxSpec(), nil
	case domain.ExchangeGate:
		return gateSpec(), nil
	case domain.ExchangeHyperliquid:
		return hyperliquidSpec(), nil
	}
	return StreamSpec{}, fmt.Errorf("no stream spec for exchange %q", exchange)
}

func binanceSpec() StreamSpec {
	return StreamSpec{
		Exchange:  domain.ExchangeBinance,
		URL:       "wss://fstream.binance.com/ws",
		Staleness: 10 * time.Second,
		Subscribe: func(symbol string) interface{} {
			return map[string]interface{}{
				"method": "SUBSCRIBE",
				"params": []string{strings.ToLower(symbol) + "usdt@bookTicker"},
				"id":     1,
			}
		},
		Parse: func(data []byte) (decimal.Decimal, decimal.Decimal, bool) {
			var msg struct {
				Bid string `json:"b"`
				Ask string `json:"a"`
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				return decimal.Zero, decimal.Zero, false
			}
			return parseBidAsk(msg.Bid, msg.Ask)
		},
	}
}

func bybitSpec() StreamSpec {
	return StreamSpec{
		Exchange:  domain.ExchangeBybit,
		URL:       "wss://stream.bybit.com/v5/public/linear",
		Staleness: 10 * time.Second,
		Subscribe: func(symbol string) interface{} {
			return map[string]interface{}{
				"op":   "subscribe",
				"args": []string{"tickers." + strings.ToUpper(symbol) + "USDT"},
			}
		},
		Parse: func(data []byte) (decimal.Decimal, decimal.Decimal, bool) {
			var msg struct {
				Data struct {
					Bid string `json:"bid1Price"`
					Ask string `json:"ask1Price"`
				} `json:"data"`
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				return decimal.Zero, decimal.Zero, false
			}
			return parseBidAsk(msg.Data.Bid, msg.Data.Ask)
		},
	}
}

func okxSpec() StreamSpec {
	return StreamSpec{
		Exchange:  domain.ExchangeOKX,
		URL:       "wss://ws.okx.com:8443/ws/v5/public",
		Staleness: 10 * time.Second,
		Subscribe: func(symbol string) interface{} {
			return map[string]interface{}{
				"op": "subscribe",
				"args": []map[string]string{{
					"channel": "bbo-tbt",
					"instId":  strings.ToUpper(symbol) + "-USDT-SWAP",
				}},
			}
		},
		Parse: func(data []byte) (decimal.Decimal, decimal.Decimal, bool) {
			var msg struct {
				Data []struct {
					Bids [][]string `json:"bids"`
					Asks [][]string `json:"asks"`
				} `json:"data"`
			}
			if err := json.Unmarshal(data, &msg); err != nil || len(msg.Data) == 0 {
				return decimal.Zero, decimal.Zero, false
			}
			d := msg.Data[0]
			if len(d.Bids) == 0 || len(d.Asks) == 0 || len(d.Bids[0]) == 0 || len(d.Asks[0]) == 0 {
				return decimal.Zero, decimal.Zero, false
			}
			return parseBidAsk(d.Bids[0][0], d.Asks[0][0])
		},
	}
}

func gateSpec() StreamSpec {
	return StreamSpec{
		Exchange:  domain.ExchangeGate,
		URL:       "wss://fx-ws.gateio.ws/v4/ws/usdt",
		Staleness: 20 * time.Second,
		Subscribe: func(symbol string) interface{} {
			return map[string]interface{}{
				"channel": "futures.book_ticker",
				"event":   "subscribe",
				"payload": []string{strings.ToUpper(symbol) + "_USDT"},
			}
		},
		Parse: func(data []byte) (decimal.Decimal, decimal.Decimal, bool) {
			var msg struct {
				Result struct {
					Bid string `json:"b"`
					Ask string `json:"a"`
				} `json:"result"`
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				return decimal.Zero, decimal.Zero, false
			}
			return parseBidAsk(msg.Result.Bid, msg.Result.Ask)
		},
	}
}

func hyperliquidSpec() StreamSpec {
	return StreamSpec{
		Exchange:  domain.ExchangeHyperliquid,
		URL:       "wss://api.hyperliquid.xyz/ws",
		Staleness: 30 * time.Second,
		Subscribe: func(symbol string) interface{} {
			return map[string]interface{}{
				"method": "subscribe",
				"subscription": map[string]string{
					"type": "bbo",
					"coin": strings.ToUpper(symbol),
				},
			}
		},
		Parse: func(data []byte) (decimal.Decimal, decimal.Decimal, bool) {
			var msg struct {
				Data struct {
					Bbo []struct {
						Px string `json:"px"`
					} `json:"bbo"`
				} `json:"data"`
			}
			if err := json.Unmarshal(data, &msg); err != nil || len(msg.Data.Bbo) < 2 {
				return decimal.Zero, decimal.Zero, false
			}
			return parseBidAsk(msg.Data.Bbo[0].Px, msg.Data.Bbo[1].Px)
		},
	}
}

// parseBidAsk 把字符串报价转成 decimal；任一侧缺失视为非报价消息
func parseBidAsk(bidStr, askStr string) (decimal.Decimal, decimal.Decimal, bool) {
	if bidStr == "" || askStr == "" {
		return decimal.Zero, decimal.Zero, false
	}
	bid, err := decimal.NewFromString(bidStr)
	if err != nil {
		return decimal.Zero, decimal.Zero, false
	}
	ask, err := decimal.NewFromString(askStr)
	if err != nil {
		return decimal.Zero, decimal.Zero, false
	}
	if bid.IsZero() && ask.IsZero() {
		return decimal.Zero, decimal.Zero, false
	}
	return bid, ask, true
}
