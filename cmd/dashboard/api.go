package main

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/newplayman/volatility-hunter/internal/killswitch"
	"github.com/newplayman/volatility-hunter/internal/store"
)

// TradeSource 成交历史（sqlite 日志）
type TradeSource interface {
	Recent(limit int) ([]store.Trade, error)
}

type APIHandler struct {
	trades     TradeSource
	ledgerPath string
	kill       *killswitch.Switch
}

func NewAPIHandler(trades TradeSource, ledgerPath string, kill *killswitch.Switch) *APIHandler {
	return &APIHandler{trades: trades, ledgerPath: ledgerPath, kill: kill}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("写入响应失败")
	}
}

// HandleLedger 返回运行中进程最近一次落盘的收益快照
func (h *APIHandler) HandleLedger(w http.ResponseWriter, r *http.Request) {
	snap, err := store.LoadSnapshot(h.ledgerPath)
	if errors.Is(err, fs.ErrNotExist) {
		http.Error(w, "ledger snapshot not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, snap)
}

func (h *APIHandler) HandleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}

	if h.trades == nil {
		writeJSON(w, []store.Trade{})
		return
	}
	trades, err := h.trades.Recent(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, trades)
}

func (h *APIHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"liquidate_pending": h.kill.Present(),
		"kill_switch":       h.kill.Path(),
	})
}

// HandleLiquidate 写入清仓标记，等同于 cmd/emergency
func (h *APIHandler) HandleLiquidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.kill.Trigger(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Warn().Str("remote", r.RemoteAddr).Msg("通过面板写入清仓标记")
	w.WriteHeader(http.StatusAccepted)
}

func (h *APIHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ledger", h.HandleLedger)
	mux.HandleFunc("/api/trades", h.HandleTrades)
	mux.HandleFunc("/api/status", h.HandleStatus)
	mux.HandleFunc("/api/liquidate", h.HandleLiquidate)
	return mux
}
