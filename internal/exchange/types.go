package gateway

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Side 订单方向，同时作为交易对的默认动作
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Reverse 进场后反转方向用于离场
func (s Side) Reverse() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// 订单状态（现货 /api/v3/order）
const (
	STATUS_NEW              = "NEW"
	STATUS_PARTIALLY_FILLED = "PARTIALLY_FILLED"
	STATUS_FILLED           = "FILLED"
	STATUS_CANCELED         = "CANCELED"
	STATUS_REJECTED         = "REJECTED"
	STATUS_EXPIRED          = "EXPIRED"
)

// PriceLevel 订单簿的一个价位
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// DepthSnapshot REST 深度快照
type DepthSnapshot struct {
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// DepthUpdate <symbol>@depth 增量推送
type DepthUpdate struct {
	Symbol        string
	FirstUpdateID int64 // U
	FinalUpdateID int64 // u
	Bids          []PriceLevel
	Asks          []PriceLevel
}

// Ticker !ticker@arr 中的单个交易对
type Ticker struct {
	Symbol      string
	BestBid     decimal.Decimal
	BestAsk     decimal.Decimal
	Volume      decimal.Decimal
	NumTrades   int64
	PriceChange decimal.Decimal
}

// OrderResult 下单/查单的统一返回
type OrderResult struct {
	Symbol             string
	OrderID            int64
	ClientOrderID      string
	Side               Side
	Price              decimal.Decimal
	OrigQty            decimal.Decimal
	ExecutedQty        decimal.Decimal
	CumulativeQuoteQty decimal.Decimal
	Status             string
}

// SymbolFilter exchangeInfo 中的 filters 条目，字段按 filterType 取用
type SymbolFilter struct {
	FilterType        string `json:"filterType"`
	MinPrice          string `json:"minPrice"`
	MaxPrice          string `json:"maxPrice"`
	TickSize          string `json:"tickSize"`
	MinQty            string `json:"minQty"`
	MaxQty            string `json:"maxQty"`
	StepSize          string `json:"stepSize"`
	MinNotional       string `json:"minNotional"`
	MultiplierUp      string `json:"multiplierUp"`
	MultiplierDown    string `json:"multiplierDown"`
	BidMultiplierUp   string `json:"bidMultiplierUp"`
	BidMultiplierDown string `json:"bidMultiplierDown"`
	AvgPriceMins      int    `json:"avgPriceMins"`
}

// SymbolInfo exchangeInfo.symbols 的一项
type SymbolInfo struct {
	Symbol      string         `json:"symbol"`
	Status      string         `json:"status"`
	BaseAsset   string         `json:"baseAsset"`
	QuoteAsset  string         `json:"quoteAsset"`
	Permissions []string       `json:"permissions"`
	IsSpot      bool           `json:"isSpotTradingAllowed"`
	Filters     []SymbolFilter `json:"filters"`
}

// HasPermission 判断是否具备某个交易权限；新版接口用 isSpotTradingAllowed 替代 permissions
func (s SymbolInfo) HasPermission(p string) bool {
	for _, v := range s.Permissions {
		if v == p {
			return true
		}
	}
	return p == "SPOT" && len(s.Permissions) == 0 && s.IsSpot
}

// ExchangeError 交易所返回的业务错误
type ExchangeError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("binance error status=%d code=%d: %s", e.Status, e.Code, e.Message)
}

// Retryable 限流与服务端错误可重试，其余为业务拒绝
func (e *ExchangeError) Retryable() bool {
	return e.Status == 429 || e.Status == 418 || e.Status >= 500
}

// Common errors
var (
	ErrRateLimit     = errors.New("rate limit exceeded")
	ErrNotConnected  = errors.New("not connected")
	ErrOrderRejected = errors.New("order rejected")
	ErrNoHTTPClient  = errors.New("http client not set")
	ErrEmptyResponse = errors.New("empty response")
)
