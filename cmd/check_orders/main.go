package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/newplayman/volatility-hunter/internal/config"
	gateway "github.com/newplayman/volatility-hunter/internal/exchange"
	"github.com/newplayman/volatility-hunter/internal/store"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	symbol := flag.String("symbol", "", "只查询该交易对（为空查询全部）")
	trades := flag.Int("trades", 20, "同时列出 sqlite 日志中最近的成交条数，0 不列出")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}

	env := gateway.LoadEnvConfig()
	if cfg.Global.APIKey != "" {
		env.APIKey, env.APISecret = cfg.Global.APIKey, cfg.Global.APISecret
	}
	env.RestURL = cfg.RestEndpoint(env.RestURL, gateway.BinanceTestnetRest)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if env.HasKeys() {
		ts := gateway.NewTimeSync(env.RestURL, nil)
		if err := ts.Sync(ctx); err != nil {
			log.Warn().Err(err).Msg("时间同步失败")
		}
		gateway.SetGlobalTimeSync(ts)

		rest := gateway.NewBinanceRESTClient(env, nil)
		orders, err := rest.OpenOrders(ctx, strings.ToUpper(*symbol))
		if err != nil {
			log.Fatal().Err(err).Msg("查询挂单失败")
		}
		log.Info().Int("count", len(orders)).Msg("挂单数量")
		for _, o := range orders {
			own := strings.HasPrefix(o.ClientOrderID, gateway.CLIENT_ORDER_PREFIX)
			fmt.Printf("Order: %s ID=%d ClientID=%s Side=%s Price=%s Qty=%s Executed=%s own=%v\n",
				o.Symbol, o.OrderID, o.ClientOrderID, o.Side, o.Price, o.OrigQty, o.ExecutedQty, own)
		}
	} else {
		log.Warn().Msg("未配置 API 密钥，跳过挂单查询")
	}

	if *trades <= 0 || cfg.Global.JournalPath == "" {
		return
	}
	journal, err := store.NewJournal(cfg.Global.JournalPath)
	if err != nil {
		log.Fatal().Err(err).Msg("打开成交日志失败")
	}
	defer journal.Close()
	recent, err := journal.Recent(*trades)
	if err != nil {
		log.Error().Err(err).Msg("读取成交日志失败")
		return
	}
	for _, t := range recent {
		fmt.Printf("Trade: %s %s outcome=%s used=%s received=%s profit=%s counted=%v\n",
			t.ClosedAt.Format(time.RFC3339), t.Symbol, t.Outcome, t.Used, t.Received, t.Profit, t.Counted)
	}
}
