package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/newplayman/volatility-hunter/internal/metrics"
)

// RestPinger REST 心跳
type RestPinger interface {
	Ping(ctx context.Context) error
}

// Stream 可强制重连的推送流（ticker 流）
type Stream interface {
	LastMessage() time.Time
	Reconnect()
}

// Config 看门狗配置
type Config struct {
	RestPingInterval      time.Duration
	RestFailureThreshold  int
	RestRecoveryThreshold int

	StreamName          string
	StreamCheckInterval time.Duration
	StreamStaleAfter    time.Duration
}

func (c *Config) normalize() {
	if c.RestPingInterval <= 0 {
		c.RestPingInterval = 30 * time.Second
	}
	if c.RestFailureThreshold <= 0 {
		c.RestFailureThreshold = 3
	}
	if c.RestRecoveryThreshold <= 0 {
		c.RestRecoveryThreshold = 2
	}
	if c.StreamName == "" {
		c.StreamName = "ticker"
	}
	if c.StreamCheckInterval <= 0 {
		c.StreamCheckInterval = 10 * time.Second
	}
	if c.StreamStaleAfter <= 0 {
		c.StreamStaleAfter = 60 * time.Second
	}
}

// Watchdog REST 连续失败时进入安全模式（只告警与打点，不影响准入）；
// ticker 流停滞时强制重连。
type Watchdog struct {
	cfg    Config
	rest   RestPinger
	stream Stream
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	restFailures   int
	restRecoveries int
	safeMode       bool
	reconnects     int
}

// NewWatchdog rest 与 stream 均可为 nil
func NewWatchdog(cfg Config, rest RestPinger, stream Stream) *Watchdog {
	cfg.normalize()
	return &Watchdog{cfg: cfg, rest: rest, stream: stream, now: time.Now}
}

// Start 启动检查协程
func (w *Watchdog) Start(ctx context.Context) {
	childCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if w.rest != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(childCtx, w.cfg.RestPingInterval, w.checkRest)
		}()
	}
	if w.stream != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(childCtx, w.cfg.StreamCheckInterval, w.checkStream)
		}()
	}
}

// Stop 停止看门狗
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.wg.Wait()
	}
}

// SafeMode 当前是否处于安全模式
func (w *Watchdog) SafeMode() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.safeMode
}

func (w *Watchdog) loop(ctx context.Context, interval time.Duration, check func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check(ctx)
		}
	}
}

func (w *Watchdog) checkRest(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, w.cfg.RestPingInterval)
	err := w.rest.Ping(pingCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.restFailures++
		w.restRecoveries = 0
		metrics.RecordError("rest_ping", "")
		log.Error().Err(err).Int("failures", w.restFailures).Msg("REST心跳失败")
		if w.restFailures >= w.cfg.RestFailureThreshold && !w.safeMode {
			w.safeMode = true
			metrics.SafeMode.Set(1)
			log.Error().Msg("REST连续失败，进入安全模式")
		}
		return
	}

	w.restFailures = 0
	if w.safeMode {
		w.restRecoveries++
		if w.restRecoveries >= w.cfg.RestRecoveryThreshold {
			w.safeMode = false
			w.restRecoveries = 0
			metrics.SafeMode.Set(0)
			log.Info().Msg("REST恢复，退出安全模式")
		}
	}
}

func (w *Watchdog) checkStream(ctx context.Context) {
	last := w.stream.LastMessage()
	if last.IsZero() {
		return
	}
	idle := w.now().Sub(last)
	if idle <= w.cfg.StreamStaleAfter {
		return
	}

	w.mu.Lock()
	w.reconnects++
	w.mu.Unlock()
	metrics.WSReconnects.WithLabelValues(w.cfg.StreamName).Inc()
	log.Error().
		Str("stream", w.cfg.StreamName).
		Dur("idle", idle).
		Dur("stale_after", w.cfg.StreamStaleAfter).
		Msg("WebSocket长时间无数据，触发重连")
	w.stream.Reconnect()
}
