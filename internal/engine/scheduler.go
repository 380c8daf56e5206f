package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/newplayman/volatility-hunter/internal/config"
	"github.com/newplayman/volatility-hunter/internal/executor"
	"github.com/newplayman/volatility-hunter/internal/filters"
	"github.com/newplayman/volatility-hunter/internal/metadata"
	"github.com/newplayman/volatility-hunter/internal/metrics"
	"github.com/newplayman/volatility-hunter/internal/monitor"
	"github.com/newplayman/volatility-hunter/internal/store"
)

// 拒绝原因，同时作为 metrics 标签
const (
	REJECT_ACTIVE      = "active"
	REJECT_STOPPED     = "stopped"
	REJECT_COOLDOWN    = "cooldown"
	REJECT_NO_CAPITAL  = "no_capital"
	REJECT_NO_METADATA = "no_metadata"
)

// WorkerFunc 在独立协程中运行一个仓位直到结束
type WorkerFunc func(ctx context.Context, job executor.Job)

// MetadataSource 当前元数据快照
type MetadataSource interface {
	Current() *metadata.Snapshot
}

// Ledger 已实现收益账本
type Ledger interface {
	Record(t store.Trade)
	TotalProfit() decimal.Decimal
}

// KillSwitch 外部“全部平仓”标记
type KillSwitch interface {
	Present() bool
	Clear() error
}

// Options 调度器依赖
type Options struct {
	Config     *config.Config
	Reload     func() (*config.Config, error) // 状态周期重读配置，可为 nil
	Metadata   MetadataSource
	Ledger     Ledger
	Kill       KillSwitch
	Spawn      WorkerFunc
	Simulation bool
}

type activeSymbol struct {
	commands chan executor.Command
	started  decimal.Decimal
	since    time.Time
}

// Scheduler 资金池、准入与冷却。以下状态只在 Run 所在协程中访问。
type Scheduler struct {
	opts Options
	cfg  *config.Config
	now  func() time.Time

	pool     []decimal.Decimal
	initial  decimal.Decimal
	active   map[string]*activeSymbol
	cooldown map[string]time.Time
	stopped  bool

	done  chan executor.Completion
	fatal chan executor.FatalError
	wg    sync.WaitGroup
}

// New 按配置一次性创建资金池
func New(opts Options) *Scheduler {
	cfg := opts.Config
	n := cfg.Trading.MaxSimultaneouslyTradingPairs
	pool := make([]decimal.Decimal, n)
	for i := range pool {
		pool[i] = cfg.Trading.StartingAssetValue
	}
	return &Scheduler{
		opts:     opts,
		cfg:      cfg,
		now:      time.Now,
		pool:     pool,
		initial:  cfg.PoolTotal(),
		active:   make(map[string]*activeSymbol),
		cooldown: make(map[string]time.Time),
		done:     make(chan executor.Completion, n),
		fatal:    make(chan executor.FatalError, n),
	}
}

// Run 调度主循环，不做任何阻塞 I/O。
// worker 上报下单错误时停止准入、取消全部 worker 并返回该错误；ctx 结束时返回 nil。
func (s *Scheduler) Run(ctx context.Context, candidates <-chan monitor.Candidate) error {
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer func() {
		cancelWorkers()
		s.wg.Wait()
	}()

	killTicker := time.NewTicker(s.cfg.CmdReadPeriod())
	defer killTicker.Stop()
	statusTicker := time.NewTicker(s.cfg.ReminderPeriod())
	defer statusTicker.Stop()

	if s.opts.Simulation {
		log.Warn().Msg("********** 模拟模式：订单不会发送到交易所，使用 -real 启用实盘 **********")
	}
	log.Info().
		Int("units", len(s.pool)).
		Str("unit_value", s.cfg.Trading.StartingAssetValue.String()).
		Str("total", s.initial.String()).
		Msg("调度器已启动")
	s.updateMetrics()

	for {
		select {
		case <-ctx.Done():
			s.stopped = true
			if len(s.active) > 0 {
				log.Warn().Strs("symbols", s.activeSymbols()).Msg("调度器退出，仍有未平仓位")
			}
			return nil

		case f := <-s.fatal:
			s.stopped = true
			log.Error().
				Str("symbol", f.Symbol).
				Err(f.Err).
				Strs("active", s.activeSymbols()).
				Msg("下单错误，停止全部交易")
			return f

		case c := <-s.done:
			s.complete(c)

		case c, ok := <-candidates:
			if !ok {
				candidates = nil
				log.Warn().Msg("候选通道已关闭")
				continue
			}
			s.admit(workerCtx, c)

		case <-killTicker.C:
			s.checkKillSwitch()

		case <-statusTicker.C:
			if s.reload() {
				killTicker.Reset(s.cfg.CmdReadPeriod())
				statusTicker.Reset(s.cfg.ReminderPeriod())
			}
			s.logStatus()
		}
	}
}

func (s *Scheduler) reject(symbol, reason string) {
	metrics.RecordRejection(reason)
	log.Debug().Str("symbol", symbol).Str("reason", reason).Msg("候选被拒绝")
}

// admit 准入检查：未在交易、未停止、不在冷却期、有空闲资金、元数据可用
func (s *Scheduler) admit(ctx context.Context, c monitor.Candidate) bool {
	now := s.now()
	if _, ok := s.active[c.Symbol]; ok {
		s.reject(c.Symbol, REJECT_ACTIVE)
		return false
	}
	if s.stopped {
		s.reject(c.Symbol, REJECT_STOPPED)
		return false
	}
	if last, ok := s.cooldown[c.Symbol]; ok {
		if now.Sub(last) < s.cfg.Cooldown() {
			s.reject(c.Symbol, REJECT_COOLDOWN)
			return false
		}
		delete(s.cooldown, c.Symbol)
	}
	if len(s.pool) == 0 {
		metrics.RecordRejection(REJECT_NO_CAPITAL)
		log.Info().
			Str("symbol", c.Symbol).
			Msgf("正在交易 %d/%d", len(s.active), s.cfg.Trading.MaxSimultaneouslyTradingPairs)
		return false
	}
	meta, ok := s.opts.Metadata.Current().Lookup(c.Symbol)
	if !ok {
		s.reject(c.Symbol, REJECT_NO_METADATA)
		return false
	}

	unit := s.pool[0]
	s.pool = s.pool[1:]
	commands := make(chan executor.Command, 1)
	s.active[c.Symbol] = &activeSymbol{commands: commands, started: unit, since: now}

	job := executor.Job{
		Symbol:         c.Symbol,
		Unit:           unit,
		MonitoredPrice: c.Price,
		Action:         meta.Action,
		Constraints:    meta.Constraints,
		Config:         s.cfg.OrderbookMonitor,
		Commands:       commands,
		Done:           s.done,
		Fatal:          s.fatal,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.opts.Spawn(ctx, job)
	}()

	metrics.Admissions.Inc()
	s.updateMetrics()
	log.Info().
		Str("symbol", c.Symbol).
		Str("price", c.Price.String()).
		Str("unit", unit.String()).
		Int("active", len(s.active)).
		Msg("准入交易")
	return true
}

// complete 按原份额回收资金并记录冷却；双方数量都为正时计入收益
func (s *Scheduler) complete(c executor.Completion) {
	a, ok := s.active[c.Symbol]
	if !ok {
		log.Warn().Str("symbol", c.Symbol).Msg("收到未知交易对的完成通知")
		return
	}
	delete(s.active, c.Symbol)
	now := s.now()

	profit := filters.Truncate2(c.Received.Sub(c.Used))
	counted := c.Received.IsPositive() && c.Used.IsPositive()

	s.pool = append(s.pool, a.started)
	s.cooldown[c.Symbol] = now

	outcome := c.Outcome.String()
	if c.Outcome == executor.OutcomeExited {
		outcome = string(c.Reason)
	}
	trade := store.Trade{
		Symbol:   c.Symbol,
		Outcome:  outcome,
		Received: c.Received,
		Used:     c.Used,
		Started:  a.started,
		Counted:  counted,
		ClosedAt: now,
	}
	if counted {
		trade.Profit = profit
	}
	s.opts.Ledger.Record(trade)

	if counted {
		total, _ := s.opts.Ledger.TotalProfit().Float64()
		metrics.RealizedProfit.Set(total)
	}
	s.updateMetrics()

	ev := log.Info().
		Str("symbol", c.Symbol).
		Str("outcome", outcome).
		Str("received", c.Received.String()).
		Str("used", c.Used.String()).
		Dur("held", now.Sub(a.since))
	if counted {
		ev = ev.Str("profit", profit.String())
	}
	ev.Msg("交易结束")

	if s.stopped && len(s.active) == 0 {
		log.Warn().Msg("所有仓位已结束，不再接受新交易")
	}
}

// checkKillSwitch 标记存在时通知所有 worker 立即离场并永久停止准入
func (s *Scheduler) checkKillSwitch() {
	if s.opts.Kill == nil || !s.opts.Kill.Present() {
		return
	}
	log.Warn().Int("active", len(s.active)).Msg("检测到清仓指令，全部离场并停止接单")
	for sym, a := range s.active {
		select {
		case a.commands <- executor.CmdLiquidate:
		default:
			log.Debug().Str("symbol", sym).Msg("清仓指令已在队列中")
		}
	}
	s.stopped = true
	if err := s.opts.Kill.Clear(); err != nil {
		log.Error().Err(err).Msg("清除清仓标记失败")
	}
}

func (s *Scheduler) reload() bool {
	if s.opts.Reload == nil {
		return false
	}
	cfg, err := s.opts.Reload()
	if err != nil {
		log.Warn().Err(err).Msg("重读配置失败，继续使用当前配置")
		return false
	}
	s.cfg = cfg
	return true
}

func (s *Scheduler) logStatus() {
	free := decimal.Zero
	for _, u := range s.pool {
		free = free.Add(u)
	}
	log.Info().
		Int("active", len(s.active)).
		Strs("symbols", s.activeSymbols()).
		Int("free_units", len(s.pool)).
		Str("free", free.String()).
		Bool("stopped", s.stopped).
		Msg("STATUS")

	if len(s.active) == 0 {
		log.Info().
			Str("initial", s.initial.String()).
			Str("pool", free.String()).
			Msgf("资金池收益 %s%%", filters.Truncate2(filters.PercentDiff(s.initial, free)).StringFixed(2))
	}
	if !s.cfg.OrderbookMonitor.UseProfitsToTrade {
		log.Info().Str("profit", s.opts.Ledger.TotalProfit().String()).Msg("累计已实现收益")
	}
}

func (s *Scheduler) activeSymbols() []string {
	out := make([]string, 0, len(s.active))
	for sym := range s.active {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) updateMetrics() {
	metrics.UpdatePoolMetrics(len(s.pool), len(s.active))
}

// capital 空闲资金与在用资金（测试与状态检查使用）
func (s *Scheduler) capital() (free, inUse decimal.Decimal) {
	for _, u := range s.pool {
		free = free.Add(u)
	}
	for _, a := range s.active {
		inUse = inUse.Add(a.started)
	}
	return free, inUse
}
