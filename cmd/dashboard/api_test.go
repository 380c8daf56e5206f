package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newplayman/volatility-hunter/internal/killswitch"
	"github.com/newplayman/volatility-hunter/internal/store"
)

type staticTrades []store.Trade

func (s staticTrades) Recent(limit int) ([]store.Trade, error) {
	if limit < len(s) {
		return s[:limit], nil
	}
	return s, nil
}

func TestDashboardAPI(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "ledger.json")
	ledger := store.NewLedger(ledgerPath, time.Hour)
	ledger.Record(store.Trade{Symbol: "ETHUSDT", Outcome: "good_profit", Received: decimal.NewFromInt(102), Used: decimal.NewFromInt(100), Started: decimal.NewFromInt(100)})
	ledger.Close()

	kill := killswitch.New(dir, "stop")
	trades := staticTrades{{Symbol: "ETHUSDT"}, {Symbol: "BTCUSDT"}}
	srv := httptest.NewServer(NewAPIHandler(trades, ledgerPath, kill).Routes())
	defer srv.Close()

	t.Run("ledger", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/ledger")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var snap store.LedgerSnapshot
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
		assert.Equal(t, 1, snap.Completed)
	})

	t.Run("trades limit", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/trades?limit=1")
		require.NoError(t, err)
		defer resp.Body.Close()
		var got []store.Trade
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		require.Len(t, got, 1)
		assert.Equal(t, "ETHUSDT", got[0].Symbol)
	})

	t.Run("liquidate", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/liquidate")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		assert.False(t, kill.Present())

		resp, err = http.Post(srv.URL+"/api/liquidate", "text/plain", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.True(t, kill.Present())
	})
}

func TestDashboardLedgerMissing(t *testing.T) {
	h := NewAPIHandler(nil, filepath.Join(t.TempDir(), "none.json"), killswitch.New(t.TempDir(), "stop"))
	rec := httptest.NewRecorder()
	h.HandleLedger(rec, httptest.NewRequest(http.MethodGet, "/api/ledger", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleTrades(rec, httptest.NewRequest(http.MethodGet, "/api/trades", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}
