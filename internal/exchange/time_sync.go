package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TimeSync 维护本地与币安服务器的时间差，用于签名 timestamp
type TimeSync struct {
	mu           sync.RWMutex
	offset       int64 // 服务器时间 - 本地时间（毫秒）
	lastSync     time.Time
	syncing      bool
	syncInterval time.Duration
	baseURL      string
	httpClient   *http.Client
}

// NewTimeSync 创建时间同步器
func NewTimeSync(baseURL string, httpClient *http.Client) *TimeSync {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &TimeSync{
		syncInterval: 30 * time.Minute,
		baseURL:      baseURL,
		httpClient:   httpClient,
	}
}

// Sync 请求 /api/v3/time 并更新偏移
func (ts *TimeSync) Sync(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.baseURL+"/api/v3/time", nil)
	if err != nil {
		return fmt.Errorf("构造时间请求失败: %w", err)
	}
	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("获取服务器时间失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("服务器返回错误 %d: %s", resp.StatusCode, body)
	}

	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("解析服务器时间失败: %w", err)
	}

	offset := result.ServerTime - time.Now().UnixMilli()

	ts.mu.Lock()
	ts.offset = offset
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	log.Debug().Int64("offset_ms", offset).Msg("服务器时间已同步")
	return nil
}

// ServerTime 返回校正后的服务器时间（毫秒），过期时在后台重新同步
func (ts *TimeSync) ServerTime() int64 {
	ts.mu.Lock()
	offset := ts.offset
	stale := ts.lastSync.IsZero() || time.Since(ts.lastSync) > ts.syncInterval
	resync := stale && !ts.syncing
	if resync {
		ts.syncing = true
	}
	ts.mu.Unlock()

	if resync {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := ts.Sync(ctx); err != nil {
				log.Warn().Err(err).Msg("后台时间同步失败")
			}
			ts.mu.Lock()
			ts.syncing = false
			ts.mu.Unlock()
		}()
	}

	return time.Now().UnixMilli() + offset
}

// Offset 返回当前时间偏移量（毫秒）
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
