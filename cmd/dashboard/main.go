package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/newplayman/volatility-hunter/internal/config"
	"github.com/newplayman/volatility-hunter/internal/killswitch"
	"github.com/newplayman/volatility-hunter/internal/store"
)

func main() {
	port := flag.Int("port", 8081, "Dashboard port")
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}

	var trades TradeSource
	if cfg.Global.JournalPath != "" {
		journal, err := store.NewJournal(cfg.Global.JournalPath)
		if err != nil {
			log.Error().Err(err).Msg("打开成交日志失败，交易历史不可用")
		} else {
			defer journal.Close()
			trades = journal
		}
	}

	api := NewAPIHandler(trades, cfg.Global.LedgerPath,
		killswitch.New(cfg.Trading.CmdDir, cfg.Trading.CmdStopAndSellInstantly))

	log.Info().Int("port", *port).Msg("Starting dashboard server")
	addr := fmt.Sprintf(":%d", *port)
	if err := http.ListenAndServe(addr, api.Routes()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
