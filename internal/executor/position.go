package executor

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/newplayman/volatility-hunter/internal/config"
	gateway "github.com/newplayman/volatility-hunter/internal/exchange"
	"github.com/newplayman/volatility-hunter/internal/filters"
)

// Phase 仓位阶段
type Phase int

const (
	PhaseJoin Phase = iota
	PhaseLeave
	PhaseDecline
	PhaseStop
)

func (p Phase) String() string {
	switch p {
	case PhaseJoin:
		return "join"
	case PhaseLeave:
		return "leave"
	case PhaseDecline:
		return "decline"
	default:
		return "stop"
	}
}

// Decision 决策进度
type Decision int

const (
	DecisionWait Decision = iota
	DecisionStart
	DecisionContinue
	DecisionDecline
	DecisionStop
)

// Tier 收益档位，只会升级
type Tier int

const (
	TierNone Tier = iota
	TierMinimal
	TierGood
)

func (t Tier) String() string {
	switch t {
	case TierMinimal:
		return "minimal"
	case TierGood:
		return "good"
	default:
		return "none"
	}
}

// ExitReason 离场原因，同时用作 metrics 标签
type ExitReason string

const (
	EXIT_NONE        ExitReason = ""
	EXIT_GOOD_PROFIT ExitReason = "good_profit"
	EXIT_MIN_PROFIT  ExitReason = "min_profit"
	EXIT_LOSS_LIMIT  ExitReason = "loss_limit"
	EXIT_TIME_LIMIT  ExitReason = "time_limit"
	EXIT_ULTIMATE    ExitReason = "ultimate_time_limit"
	EXIT_LIQUIDATE   ExitReason = "liquidate"
)

// Position 单个交易对的交易状态，只由一个 worker 持有
type Position struct {
	Symbol         string
	Action         gateway.Side
	Started        decimal.Decimal // 分配到的资金份额
	MonitoredPrice decimal.Decimal
	Constraints    filters.ConstraintSet

	Phase    Phase
	Decision Decision

	EntryPrice decimal.Decimal
	Qty        decimal.Decimal // 持有数量
	Used       decimal.Decimal // 进场付出的数量

	MinTrigger  decimal.Decimal // 0 表示该档位不可用
	GoodTrigger decimal.Decimal
	Tier        Tier
	MinHigh     decimal.Decimal
	GoodHigh    decimal.Decimal

	Profit     decimal.Decimal
	PrevProfit decimal.Decimal
	Ignored    int

	Loss        bool
	SoftTimeout bool
	FinishNow   bool
	StartedAt   time.Time
}

// NewPosition 进入 Join 阶段
func NewPosition(symbol string, action gateway.Side, unit, monitored decimal.Decimal, c filters.ConstraintSet) *Position {
	return &Position{
		Symbol:         symbol,
		Action:         action,
		Started:        unit,
		MonitoredPrice: monitored,
		Constraints:    c,
		Phase:          PhaseJoin,
		Decision:       DecisionWait,
	}
}

// Terminal 已到达 Decline 或 Stop
func (p *Position) Terminal() bool {
	return p.Phase == PhaseDecline || p.Phase == PhaseStop
}

// Prefix 日志前缀 [收益%] [持仓时长] [交易对]
func (p *Position) Prefix(now time.Time) string {
	held := time.Duration(0)
	if !p.StartedAt.IsZero() {
		held = now.Sub(p.StartedAt)
	}
	h := int(held.Hours())
	m := int(held.Minutes()) % 60
	return fmt.Sprintf("[%s%%] [%dh %dm] [%s]", p.Profit.StringFixed(2), h, m, p.Symbol)
}

// Entry 进场计划
type Entry struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// PlanEntry 从卖一开始找第一个数量足够的价位，价格与数量都需通过交易规则
func (p *Position) PlanEntry(asks []gateway.PriceLevel) (Entry, bool) {
	for _, ask := range asks {
		if !ask.Price.IsPositive() {
			continue
		}
		price, ok := filters.NormalizePrice(p.Symbol, ask.Price, p.Constraints)
		if !ok {
			continue
		}
		qty, ok := filters.NormalizeQty(p.Symbol, p.Started.Div(ask.Price), p.Constraints)
		if !ok || !qty.IsPositive() {
			continue
		}
		if !filters.CheckNotional(price, qty, p.Constraints) {
			continue
		}
		if ask.Qty.GreaterThanOrEqual(qty) {
			return Entry{Price: price, Qty: qty}, true
		}
	}
	return Entry{}, false
}

// SpreadTooWide 进场价相对监控价的偏离是否超过允许值；监控价无效时视为过宽
func (p *Position) SpreadTooWide(entry decimal.Decimal, allowed decimal.Decimal) bool {
	if !p.MonitoredPrice.IsPositive() {
		return true
	}
	return filters.PercentDiff(p.MonitoredPrice, entry).Abs().GreaterThanOrEqual(allowed)
}

// SetTriggers 计算两档触发价。good 档无法规范化时返回 false；
// min 档无法规范化时置 0，该档位不再参与判断。
func (p *Position) SetTriggers(entry decimal.Decimal, cfg config.OrderbookMonitorConfig) bool {
	good, ok := filters.NormalizePrice(p.Symbol, filters.ApplyPercent(entry, cfg.GoodProfitPercent), p.Constraints)
	if !ok {
		return false
	}
	min, ok := filters.NormalizePrice(p.Symbol, filters.ApplyPercent(entry, cfg.MinProfitPercent), p.Constraints)
	if !ok {
		min = decimal.Zero
	}
	p.EntryPrice = entry
	p.GoodTrigger = good
	p.MinTrigger = min
	return true
}

// Enter 进场成交后切换到 Leave，离场方向取反
func (p *Position) Enter(received, used decimal.Decimal, now time.Time) {
	p.Phase = PhaseLeave
	p.Decision = DecisionContinue
	p.Qty = received
	p.Used = used
	p.Action = p.Action.Reverse()
	p.Tier = TierNone
	p.MinHigh = decimal.Zero
	p.GoodHigh = decimal.Zero
	p.Profit = decimal.Zero
	p.PrevProfit = decimal.Zero
	p.Ignored = 0
	p.Loss = false
	p.SoftTimeout = false
	p.StartedAt = now
}

// ProfitAt 按买价计算的收益率（两位小数截断）
func (p *Position) ProfitAt(bid decimal.Decimal) decimal.Decimal {
	return filters.Truncate2(filters.PercentDiff(p.Used, p.Qty.Mul(bid)))
}

// retrace 当前价相对最高价的回撤幅度（正数）
func retrace(high, price decimal.Decimal) decimal.Decimal {
	return filters.Truncate2(filters.PercentDiff(high, price)).Neg()
}

// acceptReading 噪声过滤：收益率跳变超过阈值的读数最多连续忽略 max 次
func (p *Position) acceptReading(profit decimal.Decimal, cfg config.OrderbookMonitorConfig) bool {
	delta := cfg.IgnoreIfPercentProfitChangedMoreThanPercent
	if delta.IsPositive() && !p.PrevProfit.IsZero() &&
		profit.Sub(p.PrevProfit).Abs().GreaterThan(delta) &&
		p.Ignored < cfg.MaximumCountOfProfitChangedIgnoredReadings {
		p.Ignored++
		return false
	}
	p.Ignored = 0
	p.PrevProfit = profit
	return true
}

func (p *Position) updateTiers(bid decimal.Decimal, now time.Time) {
	if p.MinTrigger.IsPositive() && bid.GreaterThanOrEqual(p.MinTrigger) {
		if p.Tier < TierMinimal {
			p.Tier = TierMinimal
			log.Info().Msgf("%s 达到最低收益档 price=%s trigger=%s", p.Prefix(now), bid, p.MinTrigger)
		}
		if bid.GreaterThan(p.MinHigh) {
			p.MinHigh = bid
		}
	}
	if p.GoodTrigger.IsPositive() && bid.GreaterThanOrEqual(p.GoodTrigger) {
		if p.Tier < TierGood {
			p.Tier = TierGood
			log.Info().Msgf("%s 达到理想收益档 price=%s trigger=%s", p.Prefix(now), bid, p.GoodTrigger)
		}
		if bid.GreaterThan(p.GoodHigh) {
			p.GoodHigh = bid
		}
	}
}

// absoluteMinimal 收益覆盖手续费并超出绝对最低收益
func absoluteMinimal(profit decimal.Decimal, cfg config.OrderbookMonitorConfig) bool {
	return profit.GreaterThanOrEqual(cfg.ExchangeComission.Add(cfg.AbsoluteMinimalProfitOverComission))
}

// Evaluate 处理 Leave 阶段的一次读数，返回需要离场的原因
func (p *Position) Evaluate(bid decimal.Decimal, now time.Time, cfg config.OrderbookMonitorConfig) ExitReason {
	profit := p.ProfitAt(bid)
	if p.FinishNow {
		p.Profit = profit
		return EXIT_LIQUIDATE
	}
	if !p.acceptReading(profit, cfg) {
		log.Debug().Msgf("%s 忽略跳变读数 profit=%s ignored=%d", p.Prefix(now), profit, p.Ignored)
		return EXIT_NONE
	}
	p.Profit = profit

	p.updateTiers(bid, now)

	if p.Tier == TierGood && bid.GreaterThanOrEqual(p.GoodTrigger) &&
		retrace(p.GoodHigh, bid).GreaterThan(cfg.GoodProfitCrossedAllowedDropPercent) {
		return EXIT_GOOD_PROFIT
	}
	if p.Tier >= TierMinimal && p.MinTrigger.IsPositive() && bid.GreaterThanOrEqual(p.MinTrigger) &&
		retrace(p.MinHigh, bid).GreaterThan(cfg.MinProfitCrossedAllowedDropPercent) {
		return EXIT_MIN_PROFIT
	}

	if cfg.LossLimitEnabled && profit.IsNegative() {
		loss := profit.Abs()
		if !p.Loss && loss.GreaterThan(cfg.LossLimitSuddenDropToPercent) {
			p.Loss = true
			log.Warn().Msgf("%s 亏损超过 %s%%，进入止损观察", p.Prefix(now), cfg.LossLimitSuddenDropToPercent)
		}
		if p.Loss && loss.GreaterThanOrEqual(cfg.LossLimitPercent) {
			return EXIT_LOSS_LIMIT
		}
	}

	held := now.Sub(p.StartedAt)
	if p.SoftTimeout || held >= time.Duration(cfg.TimeLimitSecs)*time.Second {
		if p.timeLimitExit(bid, profit, cfg) {
			return EXIT_TIME_LIMIT
		}
		if !p.SoftTimeout {
			p.SoftTimeout = true
			log.Info().Msgf("%s 持仓超时但未满足离场条件，继续持有", p.Prefix(now))
		}
	}

	if cfg.UltimateTimeLimitEnabled &&
		held >= time.Duration(cfg.UltimateTimeLimitSecs)*time.Second &&
		profit.GreaterThanOrEqual(cfg.UltimateTimeLimitProfitPercent) {
		return EXIT_ULTIMATE
	}
	return EXIT_NONE
}

func (p *Position) timeLimitExit(bid, profit decimal.Decimal, cfg config.OrderbookMonitorConfig) bool {
	switch {
	case p.Tier == TierGood && bid.GreaterThanOrEqual(p.GoodTrigger):
		return true
	case p.Tier >= TierMinimal && p.MinTrigger.IsPositive() && bid.GreaterThanOrEqual(p.MinTrigger):
		return true
	case absoluteMinimal(profit, cfg):
		return true
	default:
		return !cfg.TimeLimitRequiresProfit
	}
}
