package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// CLIENT_ORDER_PREFIX 本程序生成的 newClientOrderId 前缀
const CLIENT_ORDER_PREFIX = "hunter-"

// BinanceRESTClient 现货 REST 客户端（/api/v3），HTTPClient 可注入 httptest。
type BinanceRESTClient struct {
	BaseURL      string
	APIKey       string
	Secret       string
	HTTPClient   *http.Client
	RecvWindowMs int64
	Limiter      RateLimiter
	MaxRetries   int
	RetryDelay   time.Duration
	Retry        RetryConfig
}

// NewBinanceRESTClient 按环境配置构造客户端，限速参数取现货默认权重的保守值
func NewBinanceRESTClient(env EnvConfig, httpCli *http.Client) *BinanceRESTClient {
	if httpCli == nil {
		httpCli = NewDefaultHTTPClient()
	}
	return &BinanceRESTClient{
		BaseURL:      env.RestURL,
		APIKey:       env.APIKey,
		Secret:       env.APISecret,
		HTTPClient:   httpCli,
		RecvWindowMs: 5000,
		Limiter:      NewCompositeLimiter(10, 20, 100, 1000),
		Retry:        DefaultRetryConfig(),
	}
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

type orderResp struct {
	Symbol             string          `json:"symbol"`
	OrderID            int64           `json:"orderId"`
	ClientOrderID      string          `json:"clientOrderId"`
	Price              decimal.Decimal `json:"price"`
	OrigQty            decimal.Decimal `json:"origQty"`
	ExecutedQty        decimal.Decimal `json:"executedQty"`
	CumulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status             string          `json:"status"`
	Side               string          `json:"side"`
}

func (r orderResp) result() OrderResult {
	return OrderResult{
		Symbol:             r.Symbol,
		OrderID:            r.OrderID,
		ClientOrderID:      r.ClientOrderID,
		Side:               Side(r.Side),
		Price:              r.Price,
		OrigQty:            r.OrigQty,
		ExecutedQty:        r.ExecutedQty,
		CumulativeQuoteQty: r.CumulativeQuoteQty,
		Status:             r.Status,
	}
}

type depthResp struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// PlaceLimit 调用 /api/v3/order 下 GTC 限价单。不做重试：重复提交可能造成重复成交。
func (c *BinanceRESTClient) PlaceLimit(ctx context.Context, symbol string, side Side, qty, price decimal.Decimal) (OrderResult, error) {
	if !qty.IsPositive() || !price.IsPositive() {
		return OrderResult{}, fmt.Errorf("%w: qty=%s price=%s", ErrOrderRejected, qty, price)
	}
	params := map[string]string{
		"symbol":           symbol,
		"side":             string(side),
		"type":             "LIMIT",
		"timeInForce":      "GTC",
		"price":            price.String(),
		"quantity":         qty.String(),
		"newClientOrderId": CLIENT_ORDER_PREFIX + uuid.NewString(),
		"newOrderRespType": "RESULT",
	}
	var r orderResp
	if err := c.signedCall(ctx, http.MethodPost, "/api/v3/order", params, &r); err != nil {
		return OrderResult{}, fmt.Errorf("place limit %s %s: %w", side, symbol, err)
	}
	return r.result(), nil
}

// OrderStatus 调用 GET /api/v3/order 查询订单
func (c *BinanceRESTClient) OrderStatus(ctx context.Context, symbol string, orderID int64) (OrderResult, error) {
	var r orderResp
	err := WithRetry(ctx, c.retryConfig(), func(ctx context.Context) error {
		params := map[string]string{
			"symbol":  symbol,
			"orderId": strconv.FormatInt(orderID, 10),
		}
		return c.signedCall(ctx, http.MethodGet, "/api/v3/order", params, &r)
	})
	if err != nil {
		return OrderResult{}, fmt.Errorf("order status %s #%d: %w", symbol, orderID, err)
	}
	return r.result(), nil
}

// CancelOrder 调用 DELETE /api/v3/order 撤单
func (c *BinanceRESTClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	if err := c.signedCall(ctx, http.MethodDelete, "/api/v3/order", params, nil); err != nil {
		return fmt.Errorf("cancel %s #%d: %w", symbol, orderID, err)
	}
	return nil
}

// OpenOrders 查询活跃订单，symbol 为空时返回全部
func (c *BinanceRESTClient) OpenOrders(ctx context.Context, symbol string) ([]OrderResult, error) {
	var raw []orderResp
	err := WithRetry(ctx, c.retryConfig(), func(ctx context.Context) error {
		params := map[string]string{}
		if symbol != "" {
			params["symbol"] = symbol
		}
		return c.signedCall(ctx, http.MethodGet, "/api/v3/openOrders", params, &raw)
	})
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	out := make([]OrderResult, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.result())
	}
	return out, nil
}

// DepthSnapshot 调用 /api/v3/depth 获取订单簿快照
func (c *BinanceRESTClient) DepthSnapshot(ctx context.Context, symbol string, limit int) (DepthSnapshot, error) {
	if limit <= 0 {
		limit = 1000
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("limit", strconv.Itoa(limit))

	var dr depthResp
	err := WithRetry(ctx, c.retryConfig(), func(ctx context.Context) error {
		return c.call(ctx, http.MethodGet, c.BaseURL+"/api/v3/depth?"+q.Encode(), nil, &dr)
	})
	if err != nil {
		return DepthSnapshot{}, fmt.Errorf("depth snapshot %s: %w", symbol, err)
	}
	bids, err := parseLevels(dr.Bids)
	if err != nil {
		return DepthSnapshot{}, fmt.Errorf("depth snapshot %s bids: %w", symbol, err)
	}
	asks, err := parseLevels(dr.Asks)
	if err != nil {
		return DepthSnapshot{}, fmt.Errorf("depth snapshot %s asks: %w", symbol, err)
	}
	return DepthSnapshot{LastUpdateID: dr.LastUpdateID, Bids: bids, Asks: asks}, nil
}

// ExchangeInfo 拉取交易规则；endpoint 为空时使用 BaseURL，否则为完整 URL（可配置多个镜像）
func (c *BinanceRESTClient) ExchangeInfo(ctx context.Context, endpoint string) ([]SymbolInfo, error) {
	if endpoint == "" {
		endpoint = c.BaseURL + "/api/v3/exchangeInfo"
	}
	var raw struct {
		Symbols []SymbolInfo `json:"symbols"`
	}
	err := WithRetry(ctx, c.retryConfig(), func(ctx context.Context) error {
		return c.call(ctx, http.MethodGet, endpoint, nil, &raw)
	})
	if err != nil {
		return nil, fmt.Errorf("exchangeInfo %s: %w", endpoint, err)
	}
	if len(raw.Symbols) == 0 {
		return nil, fmt.Errorf("exchangeInfo %s: %w", endpoint, ErrEmptyResponse)
	}
	return raw.Symbols, nil
}

// Ping 调用 /api/v3/ping，用于看门狗探活
func (c *BinanceRESTClient) Ping(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, c.BaseURL+"/api/v3/ping", nil, nil)
}

func (c *BinanceRESTClient) retryConfig() RetryConfig {
	if c.Retry.MaxRetries > 0 {
		return c.Retry
	}
	return DefaultRetryConfig()
}

func (c *BinanceRESTClient) applyRecvWindow(params map[string]string) {
	if c != nil && c.RecvWindowMs > 0 {
		params["recvWindow"] = strconv.FormatInt(c.RecvWindowMs, 10)
	}
}

func (c *BinanceRESTClient) waitLimit(ctx context.Context) error {
	if c != nil && c.Limiter != nil {
		return c.Limiter.Wait(ctx)
	}
	return nil
}

// signedCall 签名后发起请求
func (c *BinanceRESTClient) signedCall(ctx context.Context, method, path string, params map[string]string, out any) error {
	c.applyRecvWindow(params)
	endpoint := c.BaseURL + path + "?" + signedQuery(params, c.Secret)
	headers := map[string]string{"X-MBX-APIKEY": c.APIKey}
	return c.call(ctx, method, endpoint, headers, out)
}

// call 发送请求并解析响应；非 2xx 统一转为 *ExchangeError
func (c *BinanceRESTClient) call(ctx context.Context, method, endpoint string, headers map[string]string, out any) error {
	if c == nil || c.HTTPClient == nil {
		return ErrNoHTTPClient
	}
	resp, err := c.sendWithRetry(ctx, method, endpoint, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", strings.SplitN(endpoint, "?", 2)[0], err)
	}
	return nil
}

func decodeError(status int, body []byte) error {
	exErr := &ExchangeError{Status: status}
	if err := json.Unmarshal(body, exErr); err != nil || exErr.Message == "" {
		exErr.Message = string(bytes.TrimSpace(body))
	}
	return exErr
}

// sendWithRetry 只对 429/418 与网络错误重发
func (c *BinanceRESTClient) sendWithRetry(ctx context.Context, method, endpoint string, headers map[string]string) (*http.Response, error) {
	maxAttempts := c.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	delay := c.RetryDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if err := c.waitLimit(ctx); err != nil {
			return nil, err
		}
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			lastErr = err
		} else if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
			lastErr = fmt.Errorf("%w: status %d", ErrRateLimit, resp.StatusCode)
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				log.Warn().Str("retry_after", ra).Int("status", resp.StatusCode).Msg("触发币安限流")
			}
			resp.Body.Close()
		} else {
			return resp, nil
		}
		if err := sleepCtx(ctx, delay*time.Duration(attempt+1)); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}
