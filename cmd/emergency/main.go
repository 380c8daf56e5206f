package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/newplayman/volatility-hunter/internal/config"
	gateway "github.com/newplayman/volatility-hunter/internal/exchange"
	"github.com/newplayman/volatility-hunter/internal/killswitch"
)

func setupLogger(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
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

// 写入清仓标记，运行中的进程在下一个检查周期内把所有持仓按买一价卖出并停止接单。
// -cancel 额外撤销本程序遗留的挂单（离场单未成交时会留在盘口）。
func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	logLevel := flag.String("log", "info", "日志级别 (debug, info, warn, error)")
	cancelOpen := flag.Bool("cancel", false, "同时撤销 hunter- 前缀的挂单")
	flag.Parse()

	setupLogger(*logLevel)

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}

	kill := killswitch.New(cfg.Trading.CmdDir, cfg.Trading.CmdStopAndSellInstantly)
	if err := kill.Trigger(); err != nil {
		log.Fatal().Err(err).Msg("写入清仓标记失败")
	}
	log.Warn().
		Str("path", kill.Path()).
		Int("period_secs", cfg.Trading.CmdReadPeriodSecs).
		Msg("已写入清仓标记，等待运行中的进程处理")

	if !*cancelOpen {
		return
	}

	env := gateway.LoadEnvConfig()
	if cfg.Global.APIKey != "" {
		env.APIKey, env.APISecret = cfg.Global.APIKey, cfg.Global.APISecret
	}
	if !env.HasKeys() {
		log.Fatal().Msg("撤单需要 BINANCE_API_KEY / BINANCE_API_SECRET")
	}
	env.RestURL = cfg.RestEndpoint(env.RestURL, gateway.BinanceTestnetRest)
	rest := gateway.NewBinanceRESTClient(env, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ts := gateway.NewTimeSync(env.RestURL, nil)
	if err := ts.Sync(ctx); err != nil {
		log.Warn().Err(err).Msg("时间同步失败")
	}
	gateway.SetGlobalTimeSync(ts)

	orders, err := rest.OpenOrders(ctx, "")
	if err != nil {
		log.Fatal().Err(err).Msg("查询挂单失败")
	}
	canceled := 0
	for _, o := range orders {
		if !strings.HasPrefix(o.ClientOrderID, gateway.CLIENT_ORDER_PREFIX) {
			continue
		}
		if err := rest.CancelOrder(ctx, o.Symbol, o.OrderID); err != nil {
			log.Error().Err(err).Str("symbol", o.Symbol).Int64("order_id", o.OrderID).Msg("撤单失败")
			continue
		}
		canceled++
		log.Info().Str("symbol", o.Symbol).Int64("order_id", o.OrderID).Str("side", string(o.Side)).Msg("已撤单")
	}
	log.Info().Int("canceled", canceled).Int("open", len(orders)).Msg("撤单完成")
}
