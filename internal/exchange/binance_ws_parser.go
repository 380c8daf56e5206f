package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// CombinedMessage 对应 binance combined stream 包装。
type CombinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// ErrUnexpectedEvent 非预期的事件类型（如订阅回执），调用方静默忽略
var ErrUnexpectedEvent = errors.New("unexpected ws event")

// unwrap 兼容 /ws 原始推送与 /stream combined 包装
func unwrap(raw []byte) []byte {
	if len(raw) > 0 && raw[0] == '{' {
		var msg CombinedMessage
		if err := json.Unmarshal(raw, &msg); err == nil && msg.Stream != "" && len(msg.Data) > 0 {
			return msg.Data
		}
	}
	return raw
}

type tickerPayload struct {
	EventType   string          `json:"e"`
	Symbol      string          `json:"s"`
	PriceChange decimal.Decimal `json:"p"`
	BestBid     decimal.Decimal `json:"b"`
	BestAsk     decimal.Decimal `json:"a"`
	Volume      decimal.Decimal `json:"v"`
	NumTrades   int64           `json:"n"`
}

// ParseTickerArray 解析 !ticker@arr 推送
func ParseTickerArray(raw []byte) ([]Ticker, error) {
	data := unwrap(raw)
	if len(data) == 0 || data[0] != '[' {
		return nil, ErrUnexpectedEvent
	}
	var payload []tickerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse ticker array: %w", err)
	}
	out := make([]Ticker, 0, len(payload))
	for _, p := range payload {
		if p.Symbol == "" {
			continue
		}
		out = append(out, Ticker{
			Symbol:      p.Symbol,
			BestBid:     p.BestBid,
			BestAsk:     p.BestAsk,
			Volume:      p.Volume,
			NumTrades:   p.NumTrades,
			PriceChange: p.PriceChange,
		})
	}
	return out, nil
}

type depthPayload struct {
	EventType     string     `json:"e"`
	Symbol        string     `json:"s"`
	FirstUpdateID int64      `json:"U"`
	FinalUpdateID int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// ParseDepthUpdate 解析 <symbol>@depth@100ms 增量推送
func ParseDepthUpdate(raw []byte) (DepthUpdate, error) {
	var p depthPayload
	if err := json.Unmarshal(unwrap(raw), &p); err != nil {
		return DepthUpdate{}, fmt.Errorf("parse depth: %w", err)
	}
	if p.EventType != "depthUpdate" {
		return DepthUpdate{}, ErrUnexpectedEvent
	}
	bids, err := parseLevels(p.Bids)
	if err != nil {
		return DepthUpdate{}, fmt.Errorf("parse depth bids: %w", err)
	}
	asks, err := parseLevels(p.Asks)
	if err != nil {
		return DepthUpdate{}, fmt.Errorf("parse depth asks: %w", err)
	}
	return DepthUpdate{
		Symbol:        p.Symbol,
		FirstUpdateID: p.FirstUpdateID,
		FinalUpdateID: p.FinalUpdateID,
		Bids:          bids,
		Asks:          asks,
	}, nil
}

// parseLevels [["price","qty"], ...] -> []PriceLevel
func parseLevels(levels [][]string) ([]PriceLevel, error) {
	out := make([]PriceLevel, 0, len(levels))
	for _, l := range levels {
		if len(l) < 2 {
			return nil, fmt.Errorf("malformed level %v", l)
		}
		price, err := decimal.NewFromString(l[0])
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", l[0], err)
		}
		qty, err := decimal.NewFromString(l[1])
		if err != nil {
			return nil, fmt.Errorf("qty %q: %w", l[1], err)
		}
		out = append(out, PriceLevel{Price: price, Qty: qty})
	}
	return out, nil
}
