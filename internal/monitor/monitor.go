package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/newplayman/volatility-hunter/internal/config"
	gateway "github.com/newplayman/volatility-hunter/internal/exchange"
	"github.com/newplayman/volatility-hunter/internal/metadata"
	"github.com/newplayman/volatility-hunter/internal/metrics"
)

// MetadataSource 当前可交易交易对快照
type MetadataSource interface {
	Current() *metadata.Snapshot
}

// Service 消费 ticker 流，分类后向调度器推送候选
type Service struct {
	classifier *Classifier
	meta       MetadataSource
	cfg        func() config.SymbolMonitorConfig
	now        func() time.Time

	fullLogged bool
}

// NewService cfg 在每批 ticker 处理前读取一次，以便热更新生效
func NewService(cfg func() config.SymbolMonitorConfig, meta MetadataSource) *Service {
	return &Service{
		classifier: NewClassifier(cfg()),
		meta:       meta,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Run 直到 ctx 结束或 ticker 流关闭。out 满时丢弃候选，不阻塞行情处理。
func (s *Service) Run(ctx context.Context, tickers <-chan []gateway.Ticker, out chan<- Candidate) error {
	period := time.Duration(s.cfg().SymbolStatListDisplayPeriodSecs) * time.Second
	if period <= 0 {
		period = 300 * time.Second
	}
	reminder := time.NewTicker(period)
	defer reminder.Stop()

	log.Info().Msg("波动监控已启动")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reminder.C:
			tracked, full := s.classifier.Tracked()
			log.Info().
				Int("tracked", tracked).
				Int("full", full).
				Int("selected", len(s.classifier.selected)).
				Msg("正在寻找波动交易对...")
		case batch, ok := <-tickers:
			if !ok {
				log.Warn().Msg("ticker 流已关闭，波动监控退出")
				return nil
			}
			s.handle(batch, out)
		}
	}
}

func (s *Service) handle(batch []gateway.Ticker, out chan<- Candidate) {
	s.classifier.SetConfig(s.cfg())
	snap := s.meta.Current()
	now := s.now()

	for _, t := range batch {
		if !snap.Has(t.Symbol) {
			continue
		}
		metrics.TickerUpdates.Inc()

		cand, class, ok := s.classifier.Observe(t, now)
		if class.Positive() {
			metrics.Classifications.WithLabelValues(class.String()).Inc()
		}
		if !ok {
			continue
		}
		if s.classifier.Suppressed(cand.Symbol, now) {
			metrics.CandidatesDropped.WithLabelValues("suppressed").Inc()
			continue
		}

		select {
		case out <- cand:
			metrics.CandidatesEmitted.Inc()
			log.Debug().
				Str("symbol", cand.Symbol).
				Str("price", cand.Price.String()).
				Str("class", class.String()).
				Str("main_change", s.classifier.selected[cand.Symbol].StringFixed(2)).
				Int("count", s.classifier.Count(cand.Symbol)).
				Msg("发现波动交易对")
		default:
			metrics.CandidatesDropped.WithLabelValues("channel_full").Inc()
			log.Warn().Str("symbol", cand.Symbol).Msg("候选队列已满，丢弃")
		}
	}

	metrics.SelectedSymbols.Set(float64(len(s.classifier.selected)))
	if !s.fullLogged {
		if _, full := s.classifier.Tracked(); full > 0 {
			s.fullLogged = true
			log.Info().Int("symbols", snap.Len()).Msg("价格序列已建立完成，开始分类")
		}
	}
}
