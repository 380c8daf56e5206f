package filters

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ConstraintSet 单个交易对的交易规则（来自 exchangeInfo filters）
// 每次元数据刷新整体替换，不做原地修改。
type ConstraintSet struct {
	PriceMin  decimal.Decimal // PRICE_FILTER minPrice
	PriceMax  decimal.Decimal // PRICE_FILTER maxPrice
	PriceTick decimal.Decimal // PRICE_FILTER tickSize

	QtyMin  decimal.Decimal // LOT_SIZE minQty
	QtyMax  decimal.Decimal // LOT_SIZE maxQty
	QtyStep decimal.Decimal // LOT_SIZE stepSize

	NotionalMin decimal.Decimal // MIN_NOTIONAL / NOTIONAL

	MarketQtyMin  decimal.Decimal // MARKET_LOT_SIZE minQty
	MarketQtyMax  decimal.Decimal // MARKET_LOT_SIZE maxQty
	MarketQtyStep decimal.Decimal // MARKET_LOT_SIZE stepSize

	// PERCENT_PRICE / PERCENT_PRICE_BY_SIDE，仅记录
	MultiplierUp   decimal.Decimal
	MultiplierDown decimal.Decimal
	AvgPriceMins   decimal.Decimal
}

// MAX_STEP_PRECISION tick/step 允许的最小单位 1e-8
const MAX_STEP_PRECISION = 8

// stepPrecision 把 tick/step 映射为小数位数，只接受 1, 0.1, ..., 1e-8
func stepPrecision(step decimal.Decimal) (int32, bool) {
	for places := int32(0); places <= MAX_STEP_PRECISION; places++ {
		if step.Equal(decimal.New(1, -places)) {
			return places, true
		}
	}
	return 0, false
}

// NormalizePrice 按价格规则校验并向零截断价格，失败返回 false
func NormalizePrice(symbol string, price decimal.Decimal, c ConstraintSet) (decimal.Decimal, bool) {
	return normalize(symbol, "price", price, c.PriceMin, c.PriceMax, c.PriceTick)
}

// NormalizeQty 按 LOT_SIZE 规则校验并向零截断数量，失败返回 false
func NormalizeQty(symbol string, qty decimal.Decimal, c ConstraintSet) (decimal.Decimal, bool) {
	return normalize(symbol, "qty", qty, c.QtyMin, c.QtyMax, c.QtyStep)
}

// NormalizeMarketQty 市价单数量规则
func NormalizeMarketQty(symbol string, qty decimal.Decimal, c ConstraintSet) (decimal.Decimal, bool) {
	return normalize(symbol, "market_qty", qty, c.MarketQtyMin, c.MarketQtyMax, c.MarketQtyStep)
}

func normalize(symbol, kind string, v, min, max, step decimal.Decimal) (decimal.Decimal, bool) {
	if v.LessThan(min) || v.GreaterThan(max) {
		log.Debug().
			Str("symbol", symbol).
			Str("kind", kind).
			Str("value", v.String()).
			Str("min", min.String()).
			Str("max", max.String()).
			Msg("超出交易规则范围")
		return decimal.Zero, false
	}
	places, ok := stepPrecision(step)
	if !ok {
		log.Debug().
			Str("symbol", symbol).
			Str("kind", kind).
			Str("step", step.String()).
			Msg("不支持的 tick/step")
		return decimal.Zero, false
	}
	return v.Truncate(places), true
}

// CheckNotional 校验名义价值，未配置最小值时总是通过
func CheckNotional(price, qty decimal.Decimal, c ConstraintSet) bool {
	if !c.NotionalMin.IsPositive() {
		return true
	}
	return price.Mul(qty).GreaterThanOrEqual(c.NotionalMin)
}

// ExitQty 扣除手续费后的退出数量
func ExitQty(symbol string, qty, commissionPct decimal.Decimal, c ConstraintSet) (decimal.Decimal, bool) {
	fee := qty.Mul(commissionPct).Div(decimal.NewFromInt(100))
	return NormalizeQty(symbol, qty.Sub(fee), c)
}
