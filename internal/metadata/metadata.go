package metadata

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/newplayman/volatility-hunter/internal/config"
	gateway "github.com/newplayman/volatility-hunter/internal/exchange"
	"github.com/newplayman/volatility-hunter/internal/filters"
	"github.com/newplayman/volatility-hunter/internal/metrics"
)

// ErrNoSymbols 过滤后没有可交易的交易对
var ErrNoSymbols = errors.New("no tradable symbols")

// SymbolMeta 单个可交易交易对的元数据
type SymbolMeta struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	Action      gateway.Side // 进场方向
	Constraints filters.ConstraintSet
}

// Snapshot 一次 exchangeInfo 拉取的结果，发布后只读
type Snapshot struct {
	FetchedAt time.Time
	Source    string
	symbols   map[string]SymbolMeta
}

// Has 交易对是否在可交易集合中
func (s *Snapshot) Has(symbol string) bool {
	if s == nil {
		return false
	}
	_, ok := s.symbols[symbol]
	return ok
}

// Lookup 返回交易对元数据（值拷贝）
func (s *Snapshot) Lookup(symbol string) (SymbolMeta, bool) {
	if s == nil {
		return SymbolMeta{}, false
	}
	m, ok := s.symbols[symbol]
	return m, ok
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.symbols)
}

// Symbols 排序后的交易对列表
func (s *Snapshot) Symbols() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Filter 交易对筛选条件
type Filter struct {
	StartingAssets  []string
	ExcludedSymbols []string
	ExcludedAssets  []string
}

// FilterFromConfig 从 trading 配置构造筛选条件
func FilterFromConfig(t config.TradingConfig) Filter {
	return Filter{
		StartingAssets:  t.BaseStartingAssets,
		ExcludedSymbols: t.ExcludedSymbols,
		ExcludedAssets:  t.ExcludedAssets,
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Build 按规则筛选 exchangeInfo：SPOT 权限、状态 TRADING、不在排除列表，
// 且 quote 是起始资产之一，进场方向为 BUY。只有 base 是起始资产的交易对
// 需要先卖出进场，执行器不支持，不进入快照，波动监控也就不会为其发出候选。
func Build(infos []gateway.SymbolInfo, f Filter, fetchedAt time.Time) *Snapshot {
	snap := &Snapshot{FetchedAt: fetchedAt, symbols: make(map[string]SymbolMeta)}
	for _, info := range infos {
		if !info.HasPermission("SPOT") || info.Status != "TRADING" {
			continue
		}
		if contains(f.ExcludedSymbols, info.Symbol) {
			continue
		}
		if contains(f.ExcludedAssets, info.BaseAsset) || contains(f.ExcludedAssets, info.QuoteAsset) {
			continue
		}

		if !contains(f.StartingAssets, info.QuoteAsset) {
			continue
		}

		snap.symbols[info.Symbol] = SymbolMeta{
			Symbol:      info.Symbol,
			BaseAsset:   info.BaseAsset,
			QuoteAsset:  info.QuoteAsset,
			Action:      gateway.SideBuy,
			Constraints: filters.ParseFilters(info.Filters),
		}
	}
	return snap
}

// Fetcher exchangeInfo 来源
type Fetcher interface {
	ExchangeInfo(ctx context.Context, endpoint string) ([]gateway.SymbolInfo, error)
}

// Service 周期性刷新元数据并原子发布
type Service struct {
	fetcher Fetcher
	urls    []string
	filter  Filter
	period  time.Duration
	current atomic.Pointer[Snapshot]

	// pick 选择本次使用的 URL 下标，测试可替换
	pick func(n int) int
}

// NewService 创建元数据服务
func NewService(fetcher Fetcher, t config.TradingConfig) *Service {
	period := time.Duration(t.ExchangeInfoFetchDelaySecs) * time.Second
	if period <= 0 {
		period = time.Hour
	}
	return &Service{
		fetcher: fetcher,
		urls:    t.ExchangeInfoAPIs,
		filter:  FilterFromConfig(t),
		period:  period,
		pick:    rand.Intn,
	}
}

// Current 当前快照；首次刷新成功前为 nil
func (s *Service) Current() *Snapshot {
	return s.current.Load()
}

// Refresh 从随机选择的 URL 拉取一次，成功后替换快照
func (s *Service) Refresh(ctx context.Context) (*Snapshot, error) {
	endpoint := ""
	if len(s.urls) > 0 {
		endpoint = s.urls[s.pick(len(s.urls))]
	}

	infos, err := s.fetcher.ExchangeInfo(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("获取 exchangeInfo 失败 (%s): %w", endpoint, err)
	}

	snap := Build(infos, s.filter, time.Now())
	snap.Source = endpoint
	if snap.Len() == 0 {
		return nil, fmt.Errorf("%w: %d symbols fetched from %s", ErrNoSymbols, len(infos), endpoint)
	}

	s.current.Store(snap)
	metrics.ValidSymbols.Set(float64(snap.Len()))
	log.Info().
		Str("source", endpoint).
		Int("fetched", len(infos)).
		Int("valid", snap.Len()).
		Msg("交易对元数据已更新")
	return snap, nil
}

// Run 周期刷新直到 ctx 结束；失败时保留旧快照
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.RecordError("exchange_info", "")
				log.Warn().Err(err).Msg("元数据刷新失败，继续使用旧快照")
			}
		}
	}
}
