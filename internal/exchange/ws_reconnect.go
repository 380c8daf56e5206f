package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WSReconnectConfig WebSocket 重连配置
type WSReconnectConfig struct {
	MaxRetries      int           // 最大连续失败次数（0=无限）
	InitialDelay    time.Duration // 初始重连延迟
	MaxDelay        time.Duration // 最大重连延迟
	BackoffFactor   float64       // 退避系数
	PingInterval    time.Duration // 心跳间隔
	PongWait        time.Duration // 读超时
	WriteWait       time.Duration // 写超时
	EnableHeartbeat bool          // 启用心跳
}

// DefaultWSReconnectConfig 默认配置
func DefaultWSReconnectConfig() WSReconnectConfig {
	return WSReconnectConfig{
		MaxRetries:      0,
		InitialDelay:    1 * time.Second,
		MaxDelay:        60 * time.Second,
		BackoffFactor:   2.0,
		PingInterval:    20 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
		EnableHeartbeat: true,
	}
}

// ErrWSGaveUp 连续失败达到 MaxRetries
var ErrWSGaveUp = errors.New("ws max retries reached")

// WSReconnectManager 单连接的重连管理：拨号、读循环、心跳、指数退避
type WSReconnectManager struct {
	mu sync.RWMutex

	config        WSReconnectConfig
	conn          *websocket.Conn
	url           string
	name          string
	connected     bool
	reconnectChan chan struct{}
	dialer        *websocket.Dialer

	onConnect    func()
	onDisconnect func(error)
	onMessage    func([]byte)

	totalReconnects int
	lastConnectTime time.Time
	lastMessageTime time.Time
}

// NewWSReconnectManager 创建重连管理器，name 仅用于日志
func NewWSReconnectManager(name, url string, config WSReconnectConfig) *WSReconnectManager {
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = 10 * time.Second
	return &WSReconnectManager{
		name:          name,
		url:           url,
		config:        config,
		reconnectChan: make(chan struct{}, 1),
		dialer:        &d,
	}
}

// SetCallbacks 设置回调函数；回调在读循环 goroutine 中同步执行
func (m *WSReconnectManager) SetCallbacks(onConnect func(), onDisconnect func(error), onMessage func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = onConnect
	m.onDisconnect = onDisconnect
	m.onMessage = onMessage
}

// Run 阻塞运行直到 ctx 结束或达到最大重试次数
func (m *WSReconnectManager) Run(ctx context.Context) error {
	delay := m.config.InitialDelay
	retries := 0

	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := m.connect(ctx)
		if err != nil {
			log.Warn().Str("stream", m.name).Err(err).Dur("retry_in", delay).Msg("WS 连接失败")
			retries++
			if m.config.MaxRetries > 0 && retries >= m.config.MaxRetries {
				log.Error().Str("stream", m.name).Int("retries", retries).Msg("WS 重试次数耗尽")
				return ErrWSGaveUp
			}
			if err := sleepCtx(ctx, delay); err != nil {
				return nil
			}
			delay = m.calculateNextDelay(delay)
			continue
		}

		retries = 0
		delay = m.config.InitialDelay
		m.mu.Lock()
		m.connected = true
		m.lastConnectTime = time.Now()
		onConnect := m.onConnect
		m.mu.Unlock()
		log.Info().Str("stream", m.name).Msg("WS 已连接")

		if onConnect != nil {
			onConnect()
		}

		connDone := make(chan struct{})
		go m.watch(ctx, conn, connDone)
		err = m.readLoop(conn)
		close(connDone)
		m.closeConn()

		m.mu.Lock()
		m.connected = false
		onDisconnect := m.onDisconnect
		m.mu.Unlock()
		if onDisconnect != nil {
			onDisconnect(err)
		}

		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Str("stream", m.name).Err(err).Dur("retry_in", delay).Msg("WS 断开，准备重连")
		select {
		case <-ctx.Done():
			return nil
		case <-m.reconnectChan:
		case <-time.After(delay):
		}
		delay = m.calculateNextDelay(delay)
	}
}

// TriggerReconnect 主动断开当前连接，读循环结束后立即重连
func (m *WSReconnectManager) TriggerReconnect() {
	select {
	case m.reconnectChan <- struct{}{}:
	default:
	}
	m.closeConn()
}

// IsConnected 是否已连接
func (m *WSReconnectManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// GetStats 获取统计信息
func (m *WSReconnectManager) GetStats() WSStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return WSStats{
		Connected:       m.connected,
		TotalReconnects: m.totalReconnects,
		LastConnectTime: m.lastConnectTime,
		LastMessageTime: m.lastMessageTime,
	}
}

// WSStats WebSocket 统计
type WSStats struct {
	Connected       bool
	TotalReconnects int
	LastConnectTime time.Time
	LastMessageTime time.Time
}

func (m *WSReconnectManager) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.conn = conn
	m.totalReconnects++
	m.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.config.PongWait))
	})
	// 币安服务端会发 ping，gorilla 默认回 pong；这里顺带刷新读超时
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(m.config.PongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(m.config.WriteWait))
	})
	return conn, nil
}

func (m *WSReconnectManager) readLoop(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(m.config.PongWait))
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.config.PongWait))

		m.mu.Lock()
		m.lastMessageTime = time.Now()
		onMessage := m.onMessage
		m.mu.Unlock()
		if onMessage != nil {
			onMessage(message)
		}
	}
}

// watch 负责心跳，并在 ctx 结束时关闭连接以打断读循环
func (m *WSReconnectManager) watch(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	var tick <-chan time.Time
	if m.config.EnableHeartbeat && m.config.PingInterval > 0 {
		ticker := time.NewTicker(m.config.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-tick:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.config.WriteWait)); err != nil {
				log.Warn().Str("stream", m.name).Err(err).Msg("WS 心跳失败")
				_ = conn.Close()
				return
			}
		}
	}
}

func (m *WSReconnectManager) calculateNextDelay(currentDelay time.Duration) time.Duration {
	next := time.Duration(float64(currentDelay) * m.config.BackoffFactor)
	if next > m.config.MaxDelay {
		return m.config.MaxDelay
	}
	return next
}

func (m *WSReconnectManager) closeConn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}
