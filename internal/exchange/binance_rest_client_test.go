package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLimiter struct {
	mu    sync.Mutex
	calls int
}

func (m *mockLimiter) Wait(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return nil
}

func fixedClock(t *testing.T) {
	timeNowMillis = func() int64 { return 1234567890000 }
	t.Cleanup(func() { timeNowMillis = func() int64 { return time.Now().UnixMilli() } })
}

func newTestClient(ts *httptest.Server) *BinanceRESTClient {
	return &BinanceRESTClient{
		BaseURL:      ts.URL,
		APIKey:       "key",
		Secret:       "secret",
		HTTPClient:   ts.Client(),
		RecvWindowMs: 5000,
		Limiter:      &mockLimiter{},
		RetryDelay:   time.Millisecond,
		Retry:        RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

func TestBinanceRESTClientPlaceStatusCancel(t *testing.T) {
	fixedClock(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/order", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		q := r.URL.Query()
		assert.NotEmpty(t, q.Get("signature"))
		assert.Equal(t, "5000", q.Get("recvWindow"))
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "LIMIT", q.Get("type"))
			assert.Equal(t, "GTC", q.Get("timeInForce"))
			assert.Equal(t, "0.123", q.Get("quantity"))
			assert.Equal(t, "101.5", q.Get("price"))
			assert.True(t, strings.HasPrefix(q.Get("newClientOrderId"), CLIENT_ORDER_PREFIX))
			io.WriteString(w, `{"symbol":"BTCUSDT","orderId":1001,"clientOrderId":"hunter-x","price":"101.50","origQty":"0.123","executedQty":"0.000","cummulativeQuoteQty":"0.0","status":"NEW","side":"BUY"}`)
		case http.MethodGet:
			assert.Equal(t, "1001", q.Get("orderId"))
			io.WriteString(w, `{"symbol":"BTCUSDT","orderId":1001,"price":"101.50","origQty":"0.123","executedQty":"0.123","cummulativeQuoteQty":"12.4845","status":"FILLED","side":"BUY"}`)
		case http.MethodDelete:
			io.WriteString(w, `{"symbol":"BTCUSDT","orderId":1001,"status":"CANCELED"}`)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))
	defer ts.Close()

	cli := newTestClient(ts)
	ctx := context.Background()

	placed, err := cli.PlaceLimit(ctx, "BTCUSDT", SideBuy, decimal.RequireFromString("0.123"), decimal.RequireFromString("101.5"))
	require.NoError(t, err)
	assert.Equal(t, int64(1001), placed.OrderID)
	assert.Equal(t, STATUS_NEW, placed.Status)
	assert.Equal(t, SideBuy, placed.Side)

	st, err := cli.OrderStatus(ctx, "BTCUSDT", placed.OrderID)
	require.NoError(t, err)
	assert.Equal(t, STATUS_FILLED, st.Status)
	assert.True(t, st.CumulativeQuoteQty.Equal(decimal.RequireFromString("12.4845")))

	require.NoError(t, cli.CancelOrder(ctx, "BTCUSDT", placed.OrderID))
}

func TestBinanceRESTClientRejectsNonPositiveOrder(t *testing.T) {
	cli := &BinanceRESTClient{HTTPClient: http.DefaultClient}
	_, err := cli.PlaceLimit(context.Background(), "BTCUSDT", SideBuy, decimal.Zero, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrOrderRejected)
}

func TestBinanceRESTClientExchangeErrorNotRetried(t *testing.T) {
	fixedClock(t)
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code":-2013,"msg":"Order does not exist."}`)
	}))
	defer ts.Close()

	_, err := newTestClient(ts).OrderStatus(context.Background(), "BTCUSDT", 7)
	require.Error(t, err)
	var exErr *ExchangeError
	require.True(t, errors.As(err, &exErr))
	assert.Equal(t, -2013, exErr.Code)
	assert.Equal(t, http.StatusBadRequest, exErr.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestBinanceRESTClientRetriesRateLimit(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, `{"lastUpdateId":1027024,"bids":[["4.00000000","431.00000000"]],"asks":[["4.00000200","12.00000000"],["4.10000000","3.5"]]}`)
	}))
	defer ts.Close()

	snap, err := newTestClient(ts).DepthSnapshot(context.Background(), "BNBBTC", 100)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.Equal(t, int64(1027024), snap.LastUpdateID)
	require.Len(t, snap.Asks, 2)
	assert.True(t, snap.Asks[0].Price.Equal(decimal.RequireFromString("4.000002")))
	assert.True(t, snap.Bids[0].Qty.Equal(decimal.NewFromInt(431)))
}

func TestBinanceRESTClientExchangeInfo(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/exchangeInfo", r.URL.Path)
		assert.Empty(t, r.URL.Query().Get("signature"))
		io.WriteString(w, `{"symbols":[{"symbol":"ETHBTC","status":"TRADING","baseAsset":"ETH","quoteAsset":"BTC","permissions":["SPOT","MARGIN"],
			"filters":[{"filterType":"PRICE_FILTER","minPrice":"0.00000100","maxPrice":"922327.00000000","tickSize":"0.00000100"},
			{"filterType":"LOT_SIZE","minQty":"0.00010000","maxQty":"100000.00000000","stepSize":"0.00010000"},
			{"filterType":"PERCENT_PRICE_BY_SIDE","bidMultiplierUp":"5","bidMultiplierDown":"0.2","avgPriceMins":5}]}]}`)
	}))
	defer ts.Close()

	cli := newTestClient(ts)
	infos, err := cli.ExchangeInfo(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "ETHBTC", infos[0].Symbol)
	assert.True(t, infos[0].HasPermission("SPOT"))
	assert.False(t, infos[0].HasPermission("LEVERAGED"))
	require.Len(t, infos[0].Filters, 3)
	assert.Equal(t, 5, infos[0].Filters[2].AvgPriceMins)

	// 完整 URL 形式
	infos, err = cli.ExchangeInfo(context.Background(), ts.URL+"/api/v3/exchangeInfo")
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestBinanceRESTClientContextCancel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newTestClient(ts).Ping(ctx)
	assert.Error(t, err)
}

func TestWithRetryStopsOnBusinessError(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return &ExchangeError{Status: 400, Code: -1013, Message: "Filter failure: LOT_SIZE"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	calls = 0
	err = WithRetry(context.Background(), RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return &ExchangeError{Status: 503, Message: "busy"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCalculateBackoffCapped(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, calculateBackoff(0, 100*time.Millisecond, time.Second))
	assert.Equal(t, 400*time.Millisecond, calculateBackoff(2, 100*time.Millisecond, time.Second))
	assert.Equal(t, time.Second, calculateBackoff(10, 100*time.Millisecond, time.Second))
}

func TestCompositeLimiterHonoursContext(t *testing.T) {
	l := NewCompositeLimiter(1000, 10, 1, 0)
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
}

func TestPaperExchangeFillsInstantly(t *testing.T) {
	p := NewPaperExchange()
	ctx := context.Background()

	buy, err := p.PlaceLimit(ctx, "ETHUSDT", SideBuy, decimal.RequireFromString("0.5"), decimal.NewFromInt(2000))
	require.NoError(t, err)
	assert.Equal(t, STATUS_FILLED, buy.Status)
	assert.True(t, buy.ExecutedQty.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, buy.CumulativeQuoteQty.Equal(decimal.NewFromInt(1000)))

	st, err := p.OrderStatus(ctx, "ETHUSDT", buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, buy, st)

	_, err = p.OrderStatus(ctx, "BTCUSDT", buy.OrderID)
	var exErr *ExchangeError
	assert.True(t, errors.As(err, &exErr))
	assert.Equal(t, 1, p.Orders())
}
