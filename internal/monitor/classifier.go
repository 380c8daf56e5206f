package monitor

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/newplayman/volatility-hunter/internal/config"
	gateway "github.com/newplayman/volatility-hunter/internal/exchange"
	"github.com/newplayman/volatility-hunter/internal/filters"
)

// Classification 窗口分类结果
type Classification int

const (
	Negative Classification = iota
	MainWindow
	MainAndPreWindow
	MainAndPostWindow
	MainAndBothWindows
)

func (c Classification) String() string {
	switch c {
	case MainWindow:
		return "main"
	case MainAndPreWindow:
		return "main_pre"
	case MainAndPostWindow:
		return "main_post"
	case MainAndBothWindows:
		return "main_both"
	default:
		return "negative"
	}
}

// Positive 主窗口满足条件
func (c Classification) Positive() bool { return c != Negative }

// Candidate 发给调度器的候选交易对
type Candidate struct {
	Symbol string
	Price  decimal.Decimal
}

// WindowResult 单个窗口的评估
type WindowResult struct {
	Change  decimal.Decimal
	InScope bool // 变化落在 monitor 区间内
	Rise    bool
	Drop    bool
}

// Qualifies 在监控区间内且满足上涨或下跌区间
func (w WindowResult) Qualifies() bool {
	return w.InScope && (w.Rise || w.Drop)
}

// Result 一次完整分类
type Result struct {
	Class Classification
	Pre   WindowResult
	Main  WindowResult
	Post  WindowResult
}

func evaluate(window []decimal.Decimal, r config.WindowRanges) WindowResult {
	res := WindowResult{Change: filters.WindowChange(window)}
	if !r.Monitor.Contains(res.Change) {
		return res
	}
	res.InScope = true
	res.Rise = r.Rise.Contains(res.Change)
	res.Drop = r.Drop.Contains(res.Change)
	return res
}

// window 取 [start,end) 并带上前一个价格作为基准，
// 使三个窗口首尾相接，整段变化不会丢失窗口交界处的跳变。
func window(history []decimal.Decimal, start, end int) []decimal.Decimal {
	if start > 0 {
		start--
	}
	return history[start:end]
}

// Classify 把长度为 N（3 的倍数）的价格序列切成 pre/main/post 三段并分类。
// main 决定是否入选，pre/post 只在 main 入选后用于升级标签。
func Classify(history []decimal.Decimal, cfg config.SymbolMonitorConfig) Result {
	n := len(history)
	d := n / 3
	if d == 0 {
		return Result{Class: Negative}
	}

	var res Result
	res.Main = evaluate(window(history, d, 2*d), cfg.MainWindow())
	if !res.Main.Qualifies() {
		res.Class = Negative
		return res
	}

	res.Class = MainWindow
	if cfg.PreWindowAnalysis {
		res.Pre = evaluate(window(history, 0, d), cfg.PreWindow())
		if res.Pre.Qualifies() {
			res.Class = MainAndPreWindow
		}
	}
	if cfg.PostWindowAnalysis {
		res.Post = evaluate(window(history, 2*d, n), cfg.PostWindow())
		if res.Post.Qualifies() {
			if res.Class == MainAndPreWindow {
				res.Class = MainAndBothWindows
			} else {
				res.Class = MainAndPostWindow
			}
		}
	}
	return res
}

// VolatilityKey ticker 指纹：成交笔数、涨跌额、买一、卖一、成交量
func VolatilityKey(t gateway.Ticker) string {
	return fmt.Sprintf("%d-%s-%s-%s-%s", t.NumTrades, t.PriceChange, t.BestBid, t.BestAsk, t.Volume)
}

type volatility struct {
	key   string
	count int
	since time.Time
}

// Classifier 持有所有交易对的价格序列与波动计数，只能由一个协程使用
type Classifier struct {
	cfg      config.SymbolMonitorConfig
	vol      map[string]*volatility
	prices   map[string][]decimal.Decimal
	selected map[string]decimal.Decimal
	lastEmit map[string]time.Time
	full     int
}

func NewClassifier(cfg config.SymbolMonitorConfig) *Classifier {
	return &Classifier{
		cfg:      cfg,
		vol:      make(map[string]*volatility),
		prices:   make(map[string][]decimal.Decimal),
		selected: make(map[string]decimal.Decimal),
		lastEmit: make(map[string]time.Time),
	}
}

// SetConfig 热更新参数；价格序列变短时丢弃最旧的价格
func (c *Classifier) SetConfig(cfg config.SymbolMonitorConfig) {
	n := cfg.SymbolPriceListLength
	if n != c.cfg.SymbolPriceListLength {
		c.full = 0
		for sym, h := range c.prices {
			if len(h) > n {
				c.prices[sym] = h[len(h)-n:]
			}
			if len(c.prices[sym]) == n {
				c.full++
			}
		}
	}
	c.cfg = cfg
}

func (c *Classifier) updateVolatility(t gateway.Ticker, now time.Time) int {
	key := VolatilityKey(t)
	v, ok := c.vol[t.Symbol]
	if !ok {
		c.vol[t.Symbol] = &volatility{key: key, count: 1, since: now}
		return 1
	}
	if v.key == key {
		return v.count
	}
	period := time.Duration(c.cfg.SymbolPriceViolatileCheckTimeSecs) * time.Second
	if now.Sub(v.since) >= period {
		v.count = 1
		v.since = now
	} else {
		v.count++
	}
	v.key = key
	return v.count
}

// Observe 处理一条 ticker。返回 true 表示该交易对应作为候选发出。
func (c *Classifier) Observe(t gateway.Ticker, now time.Time) (Candidate, Classification, bool) {
	count := c.updateVolatility(t, now)

	n := c.cfg.SymbolPriceListLength
	class := Negative
	if t.BestBid.IsPositive() && n > 0 {
		h := append(c.prices[t.Symbol], t.BestBid)
		if len(h) > n {
			h = h[len(h)-n:]
		}
		if len(h) == n && len(c.prices[t.Symbol]) < n {
			c.full++
		}
		c.prices[t.Symbol] = h

		if len(h) == n {
			res := Classify(h, c.cfg)
			class = res.Class
			if class.Positive() {
				c.selected[t.Symbol] = res.Main.Change
			} else {
				delete(c.selected, t.Symbol)
			}
		}
	}

	if !t.BestBid.IsPositive() {
		return Candidate{}, class, false
	}
	if _, ok := c.selected[t.Symbol]; !ok || count < c.cfg.SymbolPriceViolatileRequiredCount {
		return Candidate{}, class, false
	}
	return Candidate{Symbol: t.Symbol, Price: t.BestBid}, class, true
}

// Suppressed 距上次发出是否仍在抑制期内；未抑制时记录本次发出时间
func (c *Classifier) Suppressed(symbol string, now time.Time) bool {
	period := time.Duration(c.cfg.ResignalSuppressSecs) * time.Second
	if last, ok := c.lastEmit[symbol]; ok && period > 0 && now.Sub(last) < period {
		return true
	}
	c.lastEmit[symbol] = now
	return false
}

// Selected 当前入选交易对及其主窗口涨跌幅（拷贝）
func (c *Classifier) Selected() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.selected))
	for k, v := range c.selected {
		out[k] = v
	}
	return out
}

// Count 交易对当前波动计数
func (c *Classifier) Count(symbol string) int {
	if v, ok := c.vol[symbol]; ok {
		return v.count
	}
	return 0
}

// Tracked 已跟踪的交易对数量，以及其中价格序列已满的数量
func (c *Classifier) Tracked() (tracked, full int) {
	return len(c.prices), c.full
}
