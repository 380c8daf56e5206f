package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/newplayman/volatility-hunter/internal/config"
	gateway "github.com/newplayman/volatility-hunter/internal/exchange"
	"github.com/newplayman/volatility-hunter/internal/executor"
	"github.com/newplayman/volatility-hunter/internal/killswitch"
	"github.com/newplayman/volatility-hunter/internal/metrics"
	"github.com/newplayman/volatility-hunter/internal/runner"
	"github.com/newplayman/volatility-hunter/internal/store"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "配置文件路径")
	logLevel   = flag.String("log", "", "日志级别 (debug, info, warn, error)，为空时使用配置文件")
	realTrade  = flag.Bool("real", false, "实盘下单（默认模拟成交）")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	// 单实例锁实现，防止多进程启动
	lockFile := "/tmp/volatility_hunter.lock"
	lock, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		log.Fatal().Err(err).Msg("创建锁文件失败")
	}
	err = syscall.Flock(int(lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		log.Fatal().Msg("已有一个Hunter进程在运行")
	}
	defer func() {
		syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
		lock.Close()
		os.Remove(lockFile)
	}()

	setupLogger(*logLevel)

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}
	if *logLevel == "" {
		setupLogger(cfg.Global.LogLevel)
	}

	log.Info().
		Int("pairs", cfg.Trading.MaxSimultaneouslyTradingPairs).
		Str("unit", cfg.Trading.StartingAssetValue.String()).
		Strs("assets", cfg.Trading.BaseStartingAssets).
		Bool("real", *realTrade).
		Msg("波动猎手启动中...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// REST 与行情流
	env := gateway.LoadEnvConfig()
	if cfg.Global.APIKey != "" {
		env.APIKey, env.APISecret = cfg.Global.APIKey, cfg.Global.APISecret
	}
	env.RestURL = cfg.RestEndpoint(env.RestURL, gateway.BinanceTestnetRest)
	env.WSEndpoint = cfg.WSEndpoint(env.WSEndpoint, gateway.BinanceTestnetWS)

	rest := gateway.NewBinanceRESTClient(env, nil)
	ts := gateway.NewTimeSync(env.RestURL, nil)
	if err := ts.Sync(ctx); err != nil {
		log.Warn().Err(err).Msg("首次时间同步失败，使用本地时间")
	}
	gateway.SetGlobalTimeSync(ts)
	streams := gateway.NewStreams(env.WSEndpoint, rest)

	var orders gateway.OrderPlacer = gateway.NewPaperExchange()
	if *realTrade {
		if !env.HasKeys() {
			log.Fatal().Msg("实盘模式缺少 BINANCE_API_KEY / BINANCE_API_SECRET")
		}
		orders = rest
	}

	if _, err := metrics.StartMetricsServer(cfg.Global.MetricsPort); err != nil {
		log.Error().Err(err).Msg("启动监控服务器失败")
	}

	ledger := store.NewLedger(cfg.Global.LedgerPath, time.Duration(cfg.Global.SnapshotInterval)*time.Second)
	defer ledger.Close()
	if cfg.Global.JournalPath != "" {
		journal, err := store.NewJournal(cfg.Global.JournalPath)
		if err != nil {
			log.Error().Err(err).Str("path", cfg.Global.JournalPath).Msg("打开成交日志失败，仅保留内存账本")
		} else {
			defer journal.Close()
			ledger.SetRecorder(journal)
		}
	}

	kill := killswitch.New(cfg.Trading.CmdDir, cfg.Trading.CmdStopAndSellInstantly)
	if kill.Present() {
		log.Warn().Str("path", kill.Path()).Msg("启动时发现清仓标记，已清除")
		if err := kill.Clear(); err != nil {
			log.Error().Err(err).Msg("清除清仓标记失败")
		}
	}

	r := runner.NewRunner(runner.Deps{
		Config:     cfg,
		Current:    config.GetConfig,
		Reload:     config.Reload,
		Fetcher:    rest,
		Tickers:    runner.StreamsFeed{Streams: streams},
		Depth:      streams,
		Orders:     orders,
		Rest:       rest,
		Ledger:     ledger,
		Kill:       kill,
		Simulation: !*realTrade,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("收到退出信号，正在关闭...")
		r.Stop()
	}()

	if err := r.Run(ctx); err != nil {
		var fatal executor.FatalError
		if errors.As(err, &fatal) {
			log.Error().Str("symbol", fatal.Symbol).Err(fatal.Err).Msg("下单出现致命错误，程序退出")
		} else {
			log.Error().Err(err).Msg("Runner异常退出")
		}
		return 1
	}

	log.Info().Msg("波动猎手已关闭")
	return 0
}

// setupLogger 设置日志
func setupLogger(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
