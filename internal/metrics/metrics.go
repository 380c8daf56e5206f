package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// 波动监控指标
	TickerUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hunter_ticker_updates_total",
			Help: "处理的 ticker 条目数",
		},
	)

	SelectedSymbols = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hunter_selected_symbols",
			Help: "当前满足窗口条件的交易对数量",
		},
	)

	Classifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hunter_classification_total",
			Help: "窗口分类结果计数",
		},
		[]string{"class"},
	)

	CandidatesEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hunter_candidates_emitted_total",
			Help: "已发出的候选交易对",
		},
	)

	CandidatesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hunter_candidates_dropped_total",
			Help: "未发出的候选 (channel_full/suppressed)",
		},
		[]string{"reason"},
	)

	ValidSymbols = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hunter_valid_symbols",
			Help: "元数据快照中的可交易交易对数量",
		},
	)

	// 调度指标
	FreeUnits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hunter_free_units",
			Help: "空闲资金份数",
		},
	)

	ActivePositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hunter_active_positions",
			Help: "正在交易的交易对数量",
		},
	)

	RealizedProfit = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hunter_realized_profit",
			Help: "累计已实现收益（计价资产）",
		},
	)

	Admissions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hunter_admissions_total",
			Help: "获准交易的候选数",
		},
	)

	Rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hunter_rejections_total",
			Help: "被拒绝的候选 (active/stopped/cooldown/no_capital/no_metadata)",
		},
		[]string{"reason"},
	)

	// 仓位指标
	PositionProfit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hunter_position_profit_percent",
			Help: "持仓当前收益率",
		},
		[]string{"symbol"},
	)

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hunter_exits_total",
			Help: "平仓次数（按原因）",
		},
		[]string{"reason"},
	)

	DepthResyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hunter_depth_resync_total",
			Help: "深度簿重新同步次数",
		},
		[]string{"symbol"},
	)

	// 系统指标
	OrderPlacement = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hunter_order_placement_duration_seconds",
			Help:    "下单到确认的耗时",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"side"},
	)

	ErrorCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hunter_error_count_total",
			Help: "错误计数",
		},
		[]string{"type", "symbol"},
	)

	SafeMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hunter_safe_mode",
			Help: "看门狗安全模式 (1=REST 持续失败)",
		},
	)

	WSReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hunter_ws_reconnect_total",
			Help: "WebSocket 强制重连次数",
		},
		[]string{"stream"},
	)
)

func init() {
	prometheus.MustRegister(
		TickerUpdates,
		SelectedSymbols,
		Classifications,
		CandidatesEmitted,
		CandidatesDropped,
		ValidSymbols,
		FreeUnits,
		ActivePositions,
		RealizedProfit,
		Admissions,
		Rejections,
		PositionProfit,
		Exits,
		DepthResyncs,
		OrderPlacement,
		ErrorCount,
		SafeMode,
		WSReconnects,
	)
}

// StartMetricsServer 启动Prometheus监控服务器，并返回实际监听端口
func StartMetricsServer(port int) (int, error) {
	if port < 0 {
		port = 0
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listen on %s failed: %w", addr, err)
	}

	actualPort := listener.Addr().(*net.TCPAddr).Port
	log.Info().Int("port", actualPort).Msg("启动Prometheus监控服务器")

	go func() {
		if err := http.Serve(listener, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Prometheus服务器启动失败")
		}
	}()

	return actualPort, nil
}

// RecordError 记录错误
func RecordError(errType, symbol string) {
	ErrorCount.WithLabelValues(errType, symbol).Inc()
}

// RecordRejection 记录候选被拒原因
func RecordRejection(reason string) {
	Rejections.WithLabelValues(reason).Inc()
}

// UpdatePoolMetrics 资金池状态
func UpdatePoolMetrics(free, active int) {
	FreeUnits.Set(float64(free))
	ActivePositions.Set(float64(active))
}

// RecordExit 平仓后清理该交易对的收益 gauge
func RecordExit(symbol, reason string) {
	Exits.WithLabelValues(reason).Inc()
	PositionProfit.DeleteLabelValues(symbol)
}
