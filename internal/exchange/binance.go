package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// Binance 现货端点
const (
	BinanceSpotRestEndpoint = "https://api.binance.com"
	BinanceSpotWSEndpoint   = "wss://stream.binance.com:9443"
	BinanceTestnetRest      = "https://testnet.binance.vision"
	BinanceTestnetWS        = "wss://testnet.binance.vision"
)

// OrderPlacer 下单、查单、撤单。实盘为 BinanceRESTClient，模拟为 PaperExchange。
type OrderPlacer interface {
	PlaceLimit(ctx context.Context, symbol string, side Side, qty, price decimal.Decimal) (OrderResult, error)
	OrderStatus(ctx context.Context, symbol string, orderID int64) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
}

// DepthSource 单个交易对的订单簿来源：快照 + 增量流
type DepthSource interface {
	DepthSnapshot(ctx context.Context, symbol string, limit int) (DepthSnapshot, error)
	Depth(ctx context.Context, symbol string) <-chan DepthEvent
}

// DepthEventKind 深度流事件类型
type DepthEventKind int

const (
	DepthConnected DepthEventKind = iota
	DepthData
	DepthDisconnected
)

// DepthEvent 深度流事件；Connected 之后需要重新拉取快照
type DepthEvent struct {
	Kind   DepthEventKind
	Update DepthUpdate
	Err    error
}
