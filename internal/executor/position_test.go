package executor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newplayman/volatility-hunter/internal/config"
	gateway "github.com/newplayman/volatility-hunter/internal/exchange"
	"github.com/newplayman/volatility-hunter/internal/filters"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func obCfg() config.OrderbookMonitorConfig {
	return config.OrderbookMonitorConfig{
		AllowedBuyDiffFromSymbolMonitorPercent:      d("0.5"),
		IgnoreIfPercentProfitChangedMoreThanPercent: d("5"),
		MaximumCountOfProfitChangedIgnoredReadings:  2,
		ExchangeComission:                           d("0.075"),
		AbsoluteMinimalProfitOverComission:          d("0.1"),
		TimeLimitSecs:                               1800,
		TimeLimitRequiresProfit:                     true,
		LossLimitEnabled:                            true,
		LossLimitPercent:                            d("3"),
		LossLimitSuddenDropToPercent:                d("1.5"),
		MinProfitPercent:                            d("0.6"),
		MinProfitCrossedAllowedDropPercent:          d("0.2"),
		GoodProfitPercent:                           d("1.2"),
		GoodProfitCrossedAllowedDropPercent:         d("0.3"),
		CurrentlyTradingReminderPeriodSecs:          60,
	}
}

func constraints() filters.ConstraintSet {
	return filters.ConstraintSet{
		PriceMin:    d("0.01"),
		PriceMax:    d("100000"),
		PriceTick:   d("0.01"),
		QtyMin:      d("0.001"),
		QtyMax:      d("10000"),
		QtyStep:     d("0.001"),
		NotionalMin: d("5"),
	}
}

// held 以 100 买入 1 个，花费 100
func held(t *testing.T, cfg config.OrderbookMonitorConfig) *Position {
	t.Helper()
	p := NewPosition("ETHUSDT", gateway.SideBuy, d("100"), d("100"), constraints())
	require.True(t, p.SetTriggers(d("100"), cfg))
	p.Enter(d("1"), d("100"), t0)
	return p
}

func TestPlanEntry(t *testing.T) {
	p := NewPosition("ETHUSDT", gateway.SideBuy, d("100"), d("100"), constraints())

	entry, ok := p.PlanEntry([]gateway.PriceLevel{lvl("100", "0.5"), lvl("100.5", "2")})
	require.True(t, ok)
	assert.Equal(t, "100.5", entry.Price.String())
	assert.Equal(t, "0.995", entry.Qty.String())

	_, ok = p.PlanEntry([]gateway.PriceLevel{lvl("100", "0.5")})
	assert.False(t, ok)

	// 单份资金不够最小名义价值
	small := NewPosition("ETHUSDT", gateway.SideBuy, d("4"), d("100"), constraints())
	_, ok = small.PlanEntry([]gateway.PriceLevel{lvl("100", "10")})
	assert.False(t, ok)
}

func TestSpreadTooWide(t *testing.T) {
	p := NewPosition("ETHUSDT", gateway.SideBuy, d("100"), d("100"), constraints())
	assert.False(t, p.SpreadTooWide(d("100.4"), d("0.5")))
	assert.True(t, p.SpreadTooWide(d("100.5"), d("0.5")))
	assert.True(t, p.SpreadTooWide(d("99.4"), d("0.5")))

	// 监控价为 0 时一律拒绝进场
	p = NewPosition("ETHUSDT", gateway.SideBuy, d("100"), d("0"), constraints())
	assert.True(t, p.SpreadTooWide(d("5000"), d("1")))
}

func TestSetTriggers(t *testing.T) {
	cfg := obCfg()
	p := NewPosition("ETHUSDT", gateway.SideBuy, d("100"), d("100"), constraints())
	require.True(t, p.SetTriggers(d("100"), cfg))
	assert.Equal(t, "100.6", p.MinTrigger.String())
	assert.Equal(t, "101.2", p.GoodTrigger.String())

	c := constraints()
	c.PriceMax = d("101")
	p = NewPosition("ETHUSDT", gateway.SideBuy, d("100"), d("100"), c)
	assert.False(t, p.SetTriggers(d("100"), cfg))
}

func TestEnterReversesAction(t *testing.T) {
	p := held(t, obCfg())
	assert.Equal(t, PhaseLeave, p.Phase)
	assert.Equal(t, DecisionContinue, p.Decision)
	assert.Equal(t, gateway.SideSell, p.Action)
	assert.Equal(t, t0, p.StartedAt)
}

func TestEvaluateGoodExit(t *testing.T) {
	cfg := obCfg()
	p := held(t, cfg)

	assert.Equal(t, EXIT_NONE, p.Evaluate(d("101"), t0.Add(time.Second), cfg))
	assert.Equal(t, EXIT_NONE, p.Evaluate(d("103"), t0.Add(2*time.Second), cfg))
	assert.Equal(t, TierGood, p.Tier)
	assert.Equal(t, EXIT_GOOD_PROFIT, p.Evaluate(d("102.6"), t0.Add(3*time.Second), cfg))
}

func TestEvaluateMinExit(t *testing.T) {
	cfg := obCfg()
	p := held(t, cfg)

	assert.Equal(t, EXIT_NONE, p.Evaluate(d("100.8"), t0.Add(time.Second), cfg))
	assert.Equal(t, TierMinimal, p.Tier)
	assert.Equal(t, EXIT_NONE, p.Evaluate(d("101"), t0.Add(2*time.Second), cfg))
	assert.Equal(t, EXIT_MIN_PROFIT, p.Evaluate(d("100.7"), t0.Add(3*time.Second), cfg))
	assert.Equal(t, "0.7", p.Profit.String())
}

func TestTierNeverReverts(t *testing.T) {
	cfg := obCfg()
	p := held(t, cfg)

	p.Evaluate(d("101.5"), t0.Add(time.Second), cfg)
	require.Equal(t, TierGood, p.Tier)
	assert.Equal(t, EXIT_NONE, p.Evaluate(d("100"), t0.Add(2*time.Second), cfg))
	assert.Equal(t, TierGood, p.Tier)
}

func TestNoiseFilter(t *testing.T) {
	cfg := obCfg()
	cfg.IgnoreIfPercentProfitChangedMoreThanPercent = d("1")
	p := held(t, cfg)

	p.Evaluate(d("100.2"), t0.Add(time.Second), cfg)
	assert.Equal(t, "0.2", p.Profit.String())

	p.Evaluate(d("102"), t0.Add(2*time.Second), cfg)
	p.Evaluate(d("102"), t0.Add(3*time.Second), cfg)
	assert.Equal(t, 2, p.Ignored)
	assert.Equal(t, TierNone, p.Tier, "跳变读数不影响档位")

	// 连续忽略次数用尽后接受为新基准
	p.Evaluate(d("102"), t0.Add(4*time.Second), cfg)
	assert.Equal(t, 0, p.Ignored)
	assert.Equal(t, "2", p.Profit.String())
	assert.Equal(t, TierGood, p.Tier)
}

func TestEvaluateLossLimit(t *testing.T) {
	cfg := obCfg()
	p := held(t, cfg)

	assert.Equal(t, EXIT_NONE, p.Evaluate(d("98.4"), t0.Add(time.Second), cfg))
	assert.True(t, p.Loss)
	assert.Equal(t, EXIT_LOSS_LIMIT, p.Evaluate(d("97"), t0.Add(2*time.Second), cfg))

	cfg.LossLimitEnabled = false
	p = held(t, cfg)
	p.Evaluate(d("98.4"), t0.Add(time.Second), cfg)
	assert.Equal(t, EXIT_NONE, p.Evaluate(d("97"), t0.Add(2*time.Second), cfg))
	assert.False(t, p.Loss)
}

func TestTimeLimitWithMinimalTier(t *testing.T) {
	cfg := obCfg()
	p := held(t, cfg)

	p.Evaluate(d("100.8"), t0.Add(10*time.Second), cfg)
	require.Equal(t, TierMinimal, p.Tier)
	assert.Equal(t, EXIT_TIME_LIMIT, p.Evaluate(d("100.7"), t0.Add(1801*time.Second), cfg))
}

func TestTimeLimitWithheldWithoutTier(t *testing.T) {
	cfg := obCfg()
	p := held(t, cfg)

	assert.Equal(t, EXIT_NONE, p.Evaluate(d("100.1"), t0.Add(1801*time.Second), cfg))
	assert.True(t, p.SoftTimeout)
	assert.Equal(t, TierNone, p.Tier)

	// 超过手续费加绝对最低收益后允许离场
	assert.Equal(t, EXIT_TIME_LIMIT, p.Evaluate(d("100.2"), t0.Add(1802*time.Second), cfg))

	cfg.TimeLimitRequiresProfit = false
	p = held(t, cfg)
	assert.Equal(t, EXIT_TIME_LIMIT, p.Evaluate(d("99.9"), t0.Add(1801*time.Second), cfg))
}

func TestUltimateTimeLimit(t *testing.T) {
	cfg := obCfg()
	cfg.UltimateTimeLimitEnabled = true
	cfg.UltimateTimeLimitSecs = 3600
	cfg.UltimateTimeLimitProfitPercent = d("0.1")
	p := held(t, cfg)

	assert.Equal(t, EXIT_NONE, p.Evaluate(d("100.1"), t0.Add(1801*time.Second), cfg))
	assert.Equal(t, EXIT_ULTIMATE, p.Evaluate(d("100.1"), t0.Add(3601*time.Second), cfg))
}

func TestLiquidateBypassesRules(t *testing.T) {
	cfg := obCfg()
	cfg.IgnoreIfPercentProfitChangedMoreThanPercent = d("1")
	p := held(t, cfg)

	p.Evaluate(d("100.2"), t0.Add(time.Second), cfg)
	p.FinishNow = true
	assert.Equal(t, EXIT_LIQUIDATE, p.Evaluate(d("95"), t0.Add(2*time.Second), cfg))
	assert.Equal(t, "-5", p.Profit.String())
}

func TestPrefix(t *testing.T) {
	p := held(t, obCfg())
	p.Profit = d("1.5")
	assert.Equal(t, "[1.50%] [1h 5m] [ETHUSDT]", p.Prefix(t0.Add(65*time.Minute)))
}
