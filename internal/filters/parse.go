package filters

import (
	"github.com/shopspring/decimal"

	gateway "github.com/newplayman/volatility-hunter/internal/exchange"
)

func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ParseFilters 把 exchangeInfo filters 转成 ConstraintSet，未知类型忽略
func ParseFilters(list []gateway.SymbolFilter) ConstraintSet {
	var c ConstraintSet
	for _, f := range list {
		switch f.FilterType {
		case "PRICE_FILTER":
			c.PriceMin = dec(f.MinPrice)
			c.PriceMax = dec(f.MaxPrice)
			c.PriceTick = dec(f.TickSize)
		case "LOT_SIZE":
			c.QtyMin = dec(f.MinQty)
			c.QtyMax = dec(f.MaxQty)
			c.QtyStep = dec(f.StepSize)
		case "MARKET_LOT_SIZE":
			c.MarketQtyMin = dec(f.MinQty)
			c.MarketQtyMax = dec(f.MaxQty)
			c.MarketQtyStep = dec(f.StepSize)
		case "MIN_NOTIONAL", "NOTIONAL":
			c.NotionalMin = dec(f.MinNotional)
		case "PERCENT_PRICE":
			c.MultiplierUp = dec(f.MultiplierUp)
			c.MultiplierDown = dec(f.MultiplierDown)
			c.AvgPriceMins = decimal.NewFromInt(int64(f.AvgPriceMins))
		case "PERCENT_PRICE_BY_SIDE":
			c.MultiplierUp = dec(f.BidMultiplierUp)
			c.MultiplierDown = dec(f.BidMultiplierDown)
			c.AvgPriceMins = decimal.NewFromInt(int64(f.AvgPriceMins))
		}
	}
	return c
}
