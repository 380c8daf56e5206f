package executor

import (
	"sort"

	"github.com/shopspring/decimal"

	gateway "github.com/newplayman/volatility-hunter/internal/exchange"
)

// ApplyResult 增量更新的处理结果
type ApplyResult int

const (
	Applied   ApplyResult = iota
	Stale                 // u <= lastUpdateId，丢弃
	NotReady              // 尚未加载快照
	OutOfSync             // 序号断档，需要重新拉快照
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case NotReady:
		return "not_ready"
	default:
		return "out_of_sync"
	}
}

// Book 单个交易对的本地订单簿：快照 + 严格连续的增量。
// 只由所属 worker 协程访问，不加锁。
type Book struct {
	bids   []gateway.PriceLevel // 价格降序
	asks   []gateway.PriceLevel // 价格升序
	last   int64
	loaded bool
	synced bool // 快照后的第一条增量已衔接
}

func NewBook() *Book { return &Book{} }

// Load 用 REST 快照重建订单簿
func (b *Book) Load(s gateway.DepthSnapshot) {
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
	for _, l := range s.Bids {
		b.bids = setLevel(b.bids, l, true)
	}
	for _, l := range s.Asks {
		b.asks = setLevel(b.asks, l, false)
	}
	b.last = s.LastUpdateID
	b.loaded = true
	b.synced = false
}

// Reset 断线后丢弃本地状态，等待下一次快照
func (b *Book) Reset() {
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
	b.loaded = false
	b.synced = false
}

// Ready 已加载快照
func (b *Book) Ready() bool { return b.loaded }

// LastUpdateID 最后应用的序号
func (b *Book) LastUpdateID() int64 { return b.last }

// Apply 应用一条增量。快照后的第一条需满足 U <= last+1 <= u，之后每条必须 U == last+1。
func (b *Book) Apply(u gateway.DepthUpdate) ApplyResult {
	if !b.loaded {
		return NotReady
	}
	if u.FinalUpdateID <= b.last {
		return Stale
	}
	next := b.last + 1
	if b.synced {
		if u.FirstUpdateID != next {
			b.Reset()
			return OutOfSync
		}
	} else if u.FirstUpdateID > next || u.FinalUpdateID < next {
		b.Reset()
		return OutOfSync
	}

	for _, l := range u.Bids {
		b.bids = setLevel(b.bids, l, true)
	}
	for _, l := range u.Asks {
		b.asks = setLevel(b.asks, l, false)
	}
	b.last = u.FinalUpdateID
	b.synced = true
	return Applied
}

// setLevel 插入、替换或删除（qty 为 0）一个价位，保持有序
func setLevel(levels []gateway.PriceLevel, l gateway.PriceLevel, desc bool) []gateway.PriceLevel {
	i := sort.Search(len(levels), func(i int) bool {
		if desc {
			return levels[i].Price.LessThanOrEqual(l.Price)
		}
		return levels[i].Price.GreaterThanOrEqual(l.Price)
	})
	found := i < len(levels) && levels[i].Price.Equal(l.Price)

	switch {
	case !l.Qty.IsPositive():
		if found {
			levels = append(levels[:i], levels[i+1:]...)
		}
	case found:
		levels[i].Qty = l.Qty
	default:
		levels = append(levels, gateway.PriceLevel{})
		copy(levels[i+1:], levels[i:])
		levels[i] = l
	}
	return levels
}

// Asks 卖盘，从最优价开始（只读）
func (b *Book) Asks() []gateway.PriceLevel { return b.asks }

// Bids 买盘，从最优价开始（只读）
func (b *Book) Bids() []gateway.PriceLevel { return b.bids }

// BestBid 买一
func (b *Book) BestBid() (gateway.PriceLevel, bool) {
	if len(b.bids) == 0 {
		return gateway.PriceLevel{}, false
	}
	return b.bids[0], true
}

// BidCovering 从买一开始第一个数量不小于 qty 的价位
func (b *Book) BidCovering(qty decimal.Decimal) (gateway.PriceLevel, bool) {
	for _, l := range b.bids {
		if l.Qty.GreaterThanOrEqual(qty) {
			return l, true
		}
	}
	return gateway.PriceLevel{}, false
}
