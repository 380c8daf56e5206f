package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/newplayman/volatility-hunter/internal/config"
	gateway "github.com/newplayman/volatility-hunter/internal/exchange"
	"github.com/newplayman/volatility-hunter/internal/filters"
	"github.com/newplayman/volatility-hunter/internal/metrics"
	"github.com/newplayman/volatility-hunter/internal/order"
)

const (
	DEPTH_SNAPSHOT_LIMIT  = 1000
	RESYNC_RETRY_INTERVAL = time.Second
)

// Command 调度器发给 worker 的指令
type Command int

const (
	CmdLiquidate Command = iota
)

// Outcome worker 的终态
type Outcome int

const (
	OutcomeDeclined Outcome = iota // 未进场
	OutcomeNoFill                  // 进场单零成交
	OutcomeExited                  // 已发出离场单
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeclined:
		return "declined"
	case OutcomeNoFill:
		return "no_fill"
	default:
		return "exited"
	}
}

// Completion worker 结束时上报一次。
// Received 为离场得到的数量，Used 为进场付出的数量，Started 为分配的资金份额。
type Completion struct {
	Symbol   string
	Outcome  Outcome
	Reason   ExitReason
	Received decimal.Decimal
	Used     decimal.Decimal
	Started  decimal.Decimal
}

// FatalError 下单类错误，需要整体停机
type FatalError struct {
	Symbol string
	Err    error
}

func (e FatalError) Error() string { return fmt.Sprintf("%s: %v", e.Symbol, e.Err) }
func (e FatalError) Unwrap() error { return e.Err }

// Orders 进场/离场下单（order.Manager 实现）
type Orders interface {
	Enter(ctx context.Context, symbol string, side gateway.Side, qty, price decimal.Decimal) (order.Fill, error)
	Exit(ctx context.Context, symbol string, side gateway.Side, qty, price decimal.Decimal) (order.Fill, error)
}

// Job 调度器准入时交给 worker 的一次性快照与通道
type Job struct {
	Symbol         string
	Unit           decimal.Decimal
	MonitoredPrice decimal.Decimal
	Action         gateway.Side
	Constraints    filters.ConstraintSet
	Config         config.OrderbookMonitorConfig

	Commands <-chan Command
	Done     chan<- Completion
	Fatal    chan<- FatalError
}

// Worker 单个交易对的执行状态机，独占 Position 与 Book
type Worker struct {
	job    Job
	depth  gateway.DepthSource
	orders Orders
	pos    *Position
	book   *Book
	now    func() time.Time

	lastSyncAttempt time.Time
	lastReminder    time.Time
	reported        bool
}

func NewWorker(job Job, depth gateway.DepthSource, orders Orders) *Worker {
	return &Worker{
		job:    job,
		depth:  depth,
		orders: orders,
		pos:    NewPosition(job.Symbol, job.Action, job.Unit, job.MonitoredPrice, job.Constraints),
		book:   NewBook(),
		now:    time.Now,
	}
}

// Run 直到终态或 ctx 结束。深度流关闭时只要未到终态就重新订阅。
func (w *Worker) Run(ctx context.Context) {
	log.Info().
		Str("symbol", w.job.Symbol).
		Str("unit", w.job.Unit.String()).
		Str("monitored_price", w.job.MonitoredPrice.String()).
		Msg("开始交易")

	for !w.pos.Terminal() {
		streamCtx, cancel := context.WithCancel(ctx)
		events := w.depth.Depth(streamCtx, w.job.Symbol)
		w.consume(ctx, events)
		cancel()

		if ctx.Err() != nil {
			if !w.pos.Terminal() {
				log.Warn().Str("symbol", w.job.Symbol).Str("phase", w.pos.Phase.String()).Msg("worker 被取消，持仓未平")
			}
			return
		}
		if !w.pos.Terminal() {
			w.book.Reset()
			log.Warn().Str("symbol", w.job.Symbol).Msg("深度流已关闭，重新订阅")
			select {
			case <-ctx.Done():
				return
			case <-time.After(RESYNC_RETRY_INTERVAL):
			}
		}
	}
}

func (w *Worker) consume(ctx context.Context, events <-chan gateway.DepthEvent) {
	commands := w.job.Commands
	for !w.pos.Terminal() {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			w.handleCommand(ctx, cmd)
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.handleDepth(ctx, ev)
		}
	}
}

func (w *Worker) handleCommand(ctx context.Context, cmd Command) {
	if cmd != CmdLiquidate {
		return
	}
	if w.pos.Phase == PhaseJoin {
		log.Warn().Str("symbol", w.job.Symbol).Msg("收到清仓指令，放弃进场")
		w.decline(ctx, "liquidate")
		return
	}
	w.pos.FinishNow = true
	log.Warn().Msgf("%s 收到清仓指令，下一次读数立即离场", w.pos.Prefix(w.now()))
}

func (w *Worker) handleDepth(ctx context.Context, ev gateway.DepthEvent) {
	switch ev.Kind {
	case gateway.DepthConnected:
		w.resync(ctx)
	case gateway.DepthDisconnected:
		w.book.Reset()
		log.Warn().Str("symbol", w.job.Symbol).Err(ev.Err).Msg("深度流断开，等待重连")
	case gateway.DepthData:
		switch w.book.Apply(ev.Update) {
		case Applied:
			w.onBook(ctx)
		case NotReady:
			if w.now().Sub(w.lastSyncAttempt) >= RESYNC_RETRY_INTERVAL {
				w.resync(ctx)
			}
		case OutOfSync:
			metrics.DepthResyncs.WithLabelValues(w.job.Symbol).Inc()
			log.Warn().
				Str("symbol", w.job.Symbol).
				Int64("first", ev.Update.FirstUpdateID).
				Int64("final", ev.Update.FinalUpdateID).
				Msg("深度序号断档，重新同步")
			w.resync(ctx)
		}
	}
}

// resync 拉取快照重建订单簿；失败时等待后续事件再试
func (w *Worker) resync(ctx context.Context) {
	w.lastSyncAttempt = w.now()
	snap, err := w.depth.DepthSnapshot(ctx, w.job.Symbol, DEPTH_SNAPSHOT_LIMIT)
	if err != nil {
		w.book.Reset()
		metrics.RecordError("depth_snapshot", w.job.Symbol)
		log.Warn().Str("symbol", w.job.Symbol).Err(err).Msg("获取深度快照失败")
		return
	}
	w.book.Load(snap)
	log.Debug().Str("symbol", w.job.Symbol).Int64("last_update_id", snap.LastUpdateID).Msg("深度快照已加载")
	w.onBook(ctx)
}

func (w *Worker) onBook(ctx context.Context) {
	switch w.pos.Phase {
	case PhaseJoin:
		w.join(ctx)
	case PhaseLeave:
		w.leave(ctx)
	}
}

func (w *Worker) join(ctx context.Context) {
	cfg := w.job.Config
	entry, ok := w.pos.PlanEntry(w.book.Asks())
	if !ok {
		return
	}
	if w.pos.SpreadTooWide(entry.Price, cfg.AllowedBuyDiffFromSymbolMonitorPercent) {
		log.Info().
			Str("symbol", w.job.Symbol).
			Str("monitored", w.pos.MonitoredPrice.String()).
			Str("ask", entry.Price.String()).
			Msg("卖价偏离监控价过大，放弃进场")
		w.decline(ctx, "spread")
		return
	}
	if !w.pos.SetTriggers(entry.Price, cfg) {
		log.Warn().Str("symbol", w.job.Symbol).Str("entry", entry.Price.String()).Msg("理想收益触发价无法通过交易规则，停止")
		w.stop(ctx)
		return
	}

	w.pos.Decision = DecisionStart
	fill, err := w.orders.Enter(ctx, w.job.Symbol, w.pos.Action, entry.Qty, entry.Price)
	if err != nil {
		w.fatal(ctx, err)
		return
	}
	if !fill.Filled() {
		log.Warn().Str("symbol", w.job.Symbol).Msg("进场单零成交，停止")
		w.stop(ctx)
		return
	}

	now := w.now()
	w.pos.Enter(fill.Received, fill.Used, now)
	w.lastReminder = now
	log.Info().
		Str("symbol", w.job.Symbol).
		Str("price", entry.Price.String()).
		Str("qty", fill.Received.String()).
		Str("used", fill.Used.String()).
		Str("min_trigger", w.pos.MinTrigger.String()).
		Str("good_trigger", w.pos.GoodTrigger.String()).
		Msg("进场成交")
}

func (w *Worker) leave(ctx context.Context) {
	bid, ok := w.book.BidCovering(w.pos.Qty)
	if !ok {
		return
	}
	now := w.now()
	reason := w.pos.Evaluate(bid.Price, now, w.job.Config)
	profit, _ := w.pos.Profit.Float64()
	metrics.PositionProfit.WithLabelValues(w.job.Symbol).Set(profit)

	if reason == EXIT_NONE {
		period := time.Duration(w.job.Config.CurrentlyTradingReminderPeriodSecs) * time.Second
		if period > 0 && now.Sub(w.lastReminder) >= period {
			w.lastReminder = now
			log.Info().Msgf("%s bid=%s tier=%s high=%s", w.pos.Prefix(now), bid.Price, w.pos.Tier, decimal.Max(w.pos.MinHigh, w.pos.GoodHigh))
		}
		return
	}
	w.exit(ctx, bid.Price, reason)
}

func (w *Worker) exit(ctx context.Context, bid decimal.Decimal, reason ExitReason) {
	now := w.now()
	log.Info().Msgf("%s 离场 reason=%s bid=%s", w.pos.Prefix(now), reason, bid)

	received := decimal.Zero
	qty, qok := filters.ExitQty(w.job.Symbol, w.pos.Qty, w.job.Config.ExchangeComission, w.pos.Constraints)
	price, pok := filters.NormalizePrice(w.job.Symbol, bid, w.pos.Constraints)
	if qok && pok && qty.IsPositive() {
		fill, err := w.orders.Exit(ctx, w.job.Symbol, w.pos.Action, qty, price)
		if err != nil {
			w.fatal(ctx, err)
			return
		}
		received = fill.Received
	} else {
		log.Warn().Msgf("%s 离场数量或价格无法通过交易规则，持仓需人工处理 qty=%s", w.pos.Prefix(now), w.pos.Qty)
	}

	w.pos.Phase = PhaseStop
	w.pos.Decision = DecisionStop
	metrics.RecordExit(w.job.Symbol, string(reason))
	w.report(ctx, Completion{
		Symbol:   w.job.Symbol,
		Outcome:  OutcomeExited,
		Reason:   reason,
		Received: received,
		Used:     w.pos.Used,
		Started:  w.job.Unit,
	})
}

func (w *Worker) decline(ctx context.Context, why string) {
	w.pos.Phase = PhaseDecline
	w.pos.Decision = DecisionDecline
	log.Debug().Str("symbol", w.job.Symbol).Str("why", why).Msg("放弃交易")
	w.report(ctx, Completion{Symbol: w.job.Symbol, Outcome: OutcomeDeclined, Started: w.job.Unit})
}

func (w *Worker) stop(ctx context.Context) {
	w.pos.Phase = PhaseStop
	w.pos.Decision = DecisionStop
	w.report(ctx, Completion{Symbol: w.job.Symbol, Outcome: OutcomeNoFill, Started: w.job.Unit})
}

// fatal 下单错误不上报 Completion，由调度器整体停机
func (w *Worker) fatal(ctx context.Context, err error) {
	w.pos.Phase = PhaseStop
	w.pos.Decision = DecisionStop
	w.reported = true
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return
	}
	log.Error().Str("symbol", w.job.Symbol).Err(err).Msg("下单失败，请求停机")
	select {
	case w.job.Fatal <- FatalError{Symbol: w.job.Symbol, Err: err}:
	case <-ctx.Done():
	}
}

func (w *Worker) report(ctx context.Context, c Completion) {
	if w.reported {
		return
	}
	w.reported = true
	select {
	case w.job.Done <- c:
	case <-ctx.Done():
	}
}
