package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRecorder struct {
	mu     sync.Mutex
	trades []Trade
}

func (m *memRecorder) Append(t Trade) {
	m.mu.Lock()
	m.trades = append(m.trades, t)
	m.mu.Unlock()
}

func TestLedger_Record(t *testing.T) {
	l := NewLedger("", time.Hour)
	defer l.Close()
	rec := &memRecorder{}
	l.SetRecorder(rec)

	l.Record(Trade{Symbol: "ETHUSDT", Profit: decimal.RequireFromString("0.25"), Counted: true})
	l.Record(Trade{Symbol: "BTCUSDT", Profit: decimal.RequireFromString("-0.10"), Counted: true})
	l.Record(Trade{Symbol: "XRPUSDT", Outcome: "declined"})

	assert.True(t, l.TotalProfit().Equal(decimal.RequireFromString("0.15")))
	completed, counted := l.Completed()
	assert.Equal(t, 3, completed)
	assert.Equal(t, 2, counted)
	assert.Len(t, l.Recent(), 3)
	assert.Len(t, rec.trades, 3)
	assert.False(t, rec.trades[0].ClosedAt.IsZero())
}

func TestLedger_RecentIsBounded(t *testing.T) {
	l := NewLedger("", time.Hour)
	defer l.Close()
	for i := 0; i < MAX_RECENT_TRADES+10; i++ {
		l.Record(Trade{Symbol: "ETHUSDT"})
	}
	assert.Len(t, l.Recent(), MAX_RECENT_TRADES)
}

func TestLedger_SnapshotOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "ledger.json")
	l := NewLedger(path, time.Hour)
	l.Record(Trade{Symbol: "ETHUSDT", Profit: decimal.NewFromInt(2), Counted: true})
	l.Close()
	l.Close()

	snap, err := LoadSnapshot(path)
	require.NoError(t, err)
	assert.True(t, snap.TotalProfit.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, 1, snap.Counted)
	require.Len(t, snap.RecentTrades, 1)
	assert.Equal(t, "ETHUSDT", snap.RecentTrades[0].Symbol)
}

func TestLedger_PlaceCount(t *testing.T) {
	l := NewLedger("", time.Hour)
	defer l.Close()

	assert.Equal(t, 0, l.GetPlaceCount("ETHUSDT"))
	assert.Equal(t, 1, l.IncrementPlaceCount("ETHUSDT"))
	assert.Equal(t, 2, l.IncrementPlaceCount("ETHUSDT"))
	assert.Equal(t, 2, l.GetPlaceCount("ETHUSDT"))
	assert.Equal(t, 0, l.GetPlaceCount("BTCUSDT"))
}

func TestJournal_AppendAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := NewJournal(path)
	require.NoError(t, err)

	j.Append(Trade{Symbol: "ETHUSDT", Outcome: "good_profit", Received: decimal.RequireFromString("25.3"), Used: decimal.NewFromInt(25), Profit: decimal.RequireFromString("0.3"), Counted: true, ClosedAt: time.UnixMilli(1000)})
	j.Append(Trade{Symbol: "BTCUSDT", Outcome: "declined", ClosedAt: time.UnixMilli(2000)})

	// Close 会先写完队列
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	// 关闭后的记录被丢弃
	assert.NotPanics(t, func() {
		j.Append(Trade{Symbol: "SOLUSDT", Outcome: "liquidate", ClosedAt: time.UnixMilli(3000)})
	})

	j2, err := NewJournal(path)
	require.NoError(t, err)
	defer j2.Close()

	trades, err := j2.Recent(10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "BTCUSDT", trades[0].Symbol)
	assert.Equal(t, "good_profit", trades[1].Outcome)
	assert.True(t, trades[1].Received.Equal(decimal.RequireFromString("25.3")))
	assert.True(t, trades[1].Counted)
	assert.Equal(t, int64(1000), trades[1].ClosedAt.UnixMilli())
}
