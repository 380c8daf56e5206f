package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/newplayman/volatility-hunter/internal/config"
	"github.com/newplayman/volatility-hunter/internal/engine"
	gateway "github.com/newplayman/volatility-hunter/internal/exchange"
	"github.com/newplayman/volatility-hunter/internal/executor"
	"github.com/newplayman/volatility-hunter/internal/killswitch"
	"github.com/newplayman/volatility-hunter/internal/metadata"
	"github.com/newplayman/volatility-hunter/internal/monitor"
	"github.com/newplayman/volatility-hunter/internal/order"
	"github.com/newplayman/volatility-hunter/internal/store"
	"github.com/newplayman/volatility-hunter/internal/watchdog"
)

// TickerFeed 全市场 ticker 订阅
type TickerFeed interface {
	Subscribe(ctx context.Context) (<-chan []gateway.Ticker, watchdog.Stream)
}

// StreamsFeed 用 gateway.Streams 实现 TickerFeed
type StreamsFeed struct {
	Streams *gateway.Streams
}

func (f StreamsFeed) Subscribe(ctx context.Context) (<-chan []gateway.Ticker, watchdog.Stream) {
	ts := f.Streams.Tickers(ctx)
	return ts.C, ts
}

// Deps Runner 依赖
type Deps struct {
	Config  *config.Config
	Current func() *config.Config          // 热更新后的配置，nil 时固定使用 Config
	Reload  func() (*config.Config, error) // 调度器状态周期重读配置，可为 nil

	Fetcher metadata.Fetcher
	Tickers TickerFeed
	Depth   gateway.DepthSource
	Orders  gateway.OrderPlacer
	Rest    watchdog.RestPinger // nil 时不做 REST 心跳

	Ledger     *store.Ledger
	Kill       *killswitch.Switch
	Simulation bool
}

// Runner 顶层监督者：启动元数据、波动监控、调度器与看门狗；
// 调度器返回致命错误时取消全部协程并落盘账本。
type Runner struct {
	deps Deps
	meta *metadata.Service

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

// NewRunner 创建Runner实例
func NewRunner(deps Deps) *Runner {
	if deps.Current == nil {
		cfg := deps.Config
		deps.Current = func() *config.Config { return cfg }
	}
	return &Runner{
		deps:     deps,
		meta:     metadata.NewService(deps.Fetcher, deps.Config.Trading),
		stopChan: make(chan struct{}),
	}
}

// Run 阻塞直到 ctx 结束、Stop 被调用或出现致命错误。
// 首次元数据拉取失败直接返回错误。
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return fmt.Errorf("runner已停止，无法重新启动")
	}
	r.mu.Unlock()

	log.Info().Msg("正在获取交易对元数据...")
	snap, err := r.meta.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("首次获取元数据失败: %w", err)
	}
	log.Info().Int("symbols", snap.Len()).Msg("元数据就绪")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stopChan:
			log.Info().Msg("收到停止信号")
			cancel()
		case <-ctx.Done():
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.meta.Run(ctx)
	}()

	tickers, stream := r.deps.Tickers.Subscribe(ctx)
	wd := watchdog.NewWatchdog(watchdog.Config{
		RestPingInterval:      time.Duration(r.deps.Config.Global.WatchdogInterval) * time.Second,
		RestFailureThreshold:  REST_FAILURE_THRESHOLD,
		RestRecoveryThreshold: REST_RECOVERY_THRESHOLD,
		StreamName:            "ticker",
		StreamCheckInterval:   STREAM_CHECK_SECONDS * time.Second,
		StreamStaleAfter:      time.Duration(r.deps.Config.Global.TickerStaleSecs) * time.Second,
	}, r.deps.Rest, stream)
	wd.Start(ctx)
	defer wd.Stop()

	candidates := make(chan monitor.Candidate, CANDIDATE_CHANNEL_SIZE)
	mon := monitor.NewService(func() config.SymbolMonitorConfig { return r.deps.Current().SymbolMonitor }, r.meta)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := mon.Run(ctx, tickers, candidates); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("波动监控异常退出")
		}
	}()

	orders := order.NewManager(r.deps.Orders, r.deps.Ledger)
	var kill engine.KillSwitch
	if r.deps.Kill != nil {
		kill = r.deps.Kill
	}
	sched := engine.New(engine.Options{
		Config:   r.deps.Config,
		Reload:   r.deps.Reload,
		Metadata: r.meta,
		Ledger:   r.deps.Ledger,
		Kill:     kill,
		Spawn: func(ctx context.Context, job executor.Job) {
			executor.NewWorker(job, r.deps.Depth, orders).Run(ctx)
		},
		Simulation: r.deps.Simulation,
	})

	runErr := sched.Run(ctx, candidates)
	if runErr != nil {
		log.Error().Err(runErr).Msg("致命错误，开始有序停机")
	}
	cancel()
	r.waitGoroutines()

	if err := r.deps.Ledger.SaveSnapshot(); err != nil {
		log.Error().Err(err).Msg("保存收益账本失败")
	}
	completed, counted := r.deps.Ledger.Completed()
	log.Info().
		Int("completed", completed).
		Int("counted", counted).
		Str("profit", r.deps.Ledger.TotalProfit().String()).
		Msg("Runner已退出")
	return runErr
}

func (r *Runner) waitGoroutines() {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(SHUTDOWN_TIMEOUT_SECONDS * time.Second):
		log.Warn().Msg("等待协程退出超时")
	}
}

// Stop 停止Runner
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopChan)
}
