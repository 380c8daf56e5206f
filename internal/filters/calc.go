package filters

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// PercentDiff (new-base)*100/base，base 为零时返回零
func PercentDiff(base, new decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return new.Sub(base).Mul(hundred).Div(base)
}

// WindowChange 窗口首尾价格的百分比变化
func WindowChange(window []decimal.Decimal) decimal.Decimal {
	if len(window) == 0 {
		return decimal.Zero
	}
	return PercentDiff(window[0], window[len(window)-1])
}

// Truncate2 保留两位小数（向零截断）
func Truncate2(v decimal.Decimal) decimal.Decimal {
	return v.Truncate(2)
}

// ApplyPercent price*(1+pct/100)
func ApplyPercent(price, pct decimal.Decimal) decimal.Decimal {
	return price.Add(price.Mul(pct).Div(hundred))
}
