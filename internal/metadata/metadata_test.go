package metadata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newplayman/volatility-hunter/internal/config"
	gateway "github.com/newplayman/volatility-hunter/internal/exchange"
)

type mockFetcher struct {
	infos     []gateway.SymbolInfo
	err       error
	endpoints []string
}

func (m *mockFetcher) ExchangeInfo(ctx context.Context, endpoint string) ([]gateway.SymbolInfo, error) {
	m.endpoints = append(m.endpoints, endpoint)
	return m.infos, m.err
}

func spot(symbol, base, quote string) gateway.SymbolInfo {
	return gateway.SymbolInfo{
		Symbol:      symbol,
		Status:      "TRADING",
		BaseAsset:   base,
		QuoteAsset:  quote,
		Permissions: []string{"SPOT"},
		Filters: []gateway.SymbolFilter{
			{FilterType: "PRICE_FILTER", MinPrice: "0.01", MaxPrice: "100000", TickSize: "0.01"},
			{FilterType: "LOT_SIZE", MinQty: "0.001", MaxQty: "1000", StepSize: "0.001"},
		},
	}
}

func testInfos() []gateway.SymbolInfo {
	halted := spot("LUNAUSDT", "LUNA", "USDT")
	halted.Status = "BREAK"
	margin := spot("MARGUSDT", "MARG", "USDT")
	margin.Permissions = []string{"MARGIN"}
	newAPI := spot("SOLUSDT", "SOL", "USDT")
	newAPI.Permissions = nil
	newAPI.IsSpot = true

	return []gateway.SymbolInfo{
		spot("ETHUSDT", "ETH", "USDT"),
		spot("USDTTRY", "USDT", "TRY"),
		spot("ETHBTC", "ETH", "BTC"),
		spot("EURUSDT", "EUR", "USDT"),
		spot("USDCUSDT", "USDC", "USDT"),
		halted,
		margin,
		newAPI,
	}
}

func testTrading() config.TradingConfig {
	return config.TradingConfig{
		BaseStartingAssets:         []string{"USDT"},
		ExcludedSymbols:            []string{"USDCUSDT"},
		ExcludedAssets:             []string{"EUR"},
		ExchangeInfoAPIs:           []string{"https://a/api/v3/exchangeInfo", "https://b/api/v3/exchangeInfo"},
		ExchangeInfoFetchDelaySecs: 60,
	}
}

func TestBuildFiltersSymbols(t *testing.T) {
	snap := Build(testInfos(), FilterFromConfig(testTrading()), time.Now())

	assert.Equal(t, []string{"ETHUSDT", "SOLUSDT"}, snap.Symbols())

	eth, ok := snap.Lookup("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, gateway.SideBuy, eth.Action)
	assert.True(t, eth.Constraints.PriceTick.Equal(eth.Constraints.PriceMin))

	// base 为起始资产的交易对需要卖出进场，不收录
	assert.False(t, snap.Has("USDTTRY"))
	assert.False(t, snap.Has("ETHBTC"))
	assert.False(t, snap.Has("EURUSDT"))
	assert.False(t, snap.Has("LUNAUSDT"))
	assert.False(t, snap.Has("MARGUSDT"))
}

func TestNilSnapshotIsEmpty(t *testing.T) {
	var snap *Snapshot
	assert.False(t, snap.Has("ETHUSDT"))
	assert.Equal(t, 0, snap.Len())
	_, ok := snap.Lookup("ETHUSDT")
	assert.False(t, ok)
}

func TestServiceRefresh(t *testing.T) {
	f := &mockFetcher{infos: testInfos()}
	svc := NewService(f, testTrading())
	svc.pick = func(n int) int { return n - 1 }

	assert.Nil(t, svc.Current())
	snap, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Same(t, snap, svc.Current())
	assert.Equal(t, "https://b/api/v3/exchangeInfo", snap.Source)
	assert.Equal(t, []string{"https://b/api/v3/exchangeInfo"}, f.endpoints)
}

func TestServiceRefreshKeepsOldSnapshot(t *testing.T) {
	f := &mockFetcher{infos: testInfos()}
	svc := NewService(f, testTrading())
	first, err := svc.Refresh(context.Background())
	require.NoError(t, err)

	f.err = errors.New("boom")
	_, err = svc.Refresh(context.Background())
	assert.Error(t, err)
	assert.Same(t, first, svc.Current())

	f.err = nil
	f.infos = []gateway.SymbolInfo{spot("ETHBTC", "ETH", "BTC")}
	_, err = svc.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoSymbols)
	assert.Same(t, first, svc.Current())
}
