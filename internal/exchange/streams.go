package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// SnapshotFetcher 深度快照来源（REST）
type SnapshotFetcher interface {
	DepthSnapshot(ctx context.Context, symbol string, limit int) (DepthSnapshot, error)
}

// Streams 现货行情 WS：全市场 ticker 与单交易对 depth
type Streams struct {
	WSBase    string // 默认 wss://stream.binance.com:9443
	Config    WSReconnectConfig
	Snapshots SnapshotFetcher
	// DepthLimit 快照档位
	DepthLimit int
}

// NewStreams 构造行情流，rest 用于深度快照
func NewStreams(wsBase string, rest SnapshotFetcher) *Streams {
	if wsBase == "" {
		wsBase = BinanceSpotWSEndpoint
	}
	return &Streams{
		WSBase:     strings.TrimRight(wsBase, "/"),
		Config:     DefaultWSReconnectConfig(),
		Snapshots:  rest,
		DepthLimit: 1000,
	}
}

// TickerStream !ticker@arr 订阅句柄
type TickerStream struct {
	C   <-chan []Ticker
	mgr *WSReconnectManager
}

// Reconnect 强制断开并重连（看门狗在推送停滞时调用）
func (s *TickerStream) Reconnect() { s.mgr.TriggerReconnect() }

// LastMessage 最近一次收到推送的时间
func (s *TickerStream) LastMessage() time.Time { return s.mgr.GetStats().LastMessageTime }

// Connected 当前是否在线
func (s *TickerStream) Connected() bool { return s.mgr.IsConnected() }

// Tickers 订阅 !ticker@arr，无限重连直到 ctx 结束；结束后关闭 C
func (s *Streams) Tickers(ctx context.Context) *TickerStream {
	cfg := s.Config
	cfg.MaxRetries = 0
	mgr := NewWSReconnectManager("!ticker@arr", s.WSBase+"/ws/!ticker@arr", cfg)
	out := make(chan []Ticker, 16)

	mgr.SetCallbacks(nil, nil, func(raw []byte) {
		tickers, err := ParseTickerArray(raw)
		if err != nil {
			if !errors.Is(err, ErrUnexpectedEvent) {
				log.Warn().Err(err).Msg("ticker 解析失败")
			}
			return
		}
		select {
		case out <- tickers:
		case <-ctx.Done():
		}
	})

	go func() {
		defer close(out)
		_ = mgr.Run(ctx)
	}()
	return &TickerStream{C: out, mgr: mgr}
}

// DepthSnapshot 代理到 REST
func (s *Streams) DepthSnapshot(ctx context.Context, symbol string, limit int) (DepthSnapshot, error) {
	if limit <= 0 {
		limit = s.DepthLimit
	}
	return s.Snapshots.DepthSnapshot(ctx, symbol, limit)
}

// Depth 订阅 <symbol>@depth@100ms。每次（重新）连接先发 DepthConnected，
// 调用方据此重新拉快照；ctx 结束后关闭通道。
func (s *Streams) Depth(ctx context.Context, symbol string) <-chan DepthEvent {
	stream := strings.ToLower(symbol) + "@depth@100ms"
	mgr := NewWSReconnectManager(stream, s.WSBase+"/ws/"+stream, s.Config)
	out := make(chan DepthEvent, 256)

	emit := func(ev DepthEvent) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}
	mgr.SetCallbacks(
		func() { emit(DepthEvent{Kind: DepthConnected}) },
		func(err error) { emit(DepthEvent{Kind: DepthDisconnected, Err: err}) },
		func(raw []byte) {
			u, err := ParseDepthUpdate(raw)
			if err != nil {
				if !errors.Is(err, ErrUnexpectedEvent) {
					log.Warn().Str("symbol", symbol).Err(err).Msg("depth 解析失败")
				}
				return
			}
			emit(DepthEvent{Kind: DepthData, Update: u})
		},
	)

	go func() {
		defer close(out)
		if err := mgr.Run(ctx); err != nil {
			log.Error().Str("symbol", symbol).Err(err).Msg("depth 流停止")
		}
	}()
	return out
}
