package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// MAX_RECENT_TRADES 快照中保留的最近成交条数
const MAX_RECENT_TRADES = 200

// Trade 一次完整交易（进场到离场）的结果
type Trade struct {
	Symbol   string          `json:"symbol"`
	Outcome  string          `json:"outcome"`
	Received decimal.Decimal `json:"received"`
	Used     decimal.Decimal `json:"used"`
	Started  decimal.Decimal `json:"started"`
	Profit   decimal.Decimal `json:"profit"`
	Counted  bool            `json:"counted"` // 是否计入已实现收益
	ClosedAt time.Time       `json:"closed_at"`
}

// Recorder 成交记录的外部接收方（sqlite 日志）
type Recorder interface {
	Append(t Trade)
}

// LedgerSnapshot 写入磁盘的内容
type LedgerSnapshot struct {
	StartedAt    time.Time       `json:"started_at"`
	SavedAt      time.Time       `json:"saved_at"`
	TotalProfit  decimal.Decimal `json:"total_profit"`
	Counted      int             `json:"counted"`
	Completed    int             `json:"completed"`
	RecentTrades []Trade         `json:"recent_trades"`
}

// Ledger 本次运行的已实现收益账本。只记录结果，不用于恢复持仓。
type Ledger struct {
	mu        sync.RWMutex
	startedAt time.Time
	total     decimal.Decimal
	counted   int
	completed int
	recent    []Trade
	places    map[string]*placeWindow
	recorder  Recorder

	snapshotPath   string
	snapshotTicker *time.Ticker
	stopSnapshot   chan struct{}
	closeOnce      sync.Once
	lastErr        error
}

// NewLedger 创建账本；snapshotPath 为空时不落盘
func NewLedger(snapshotPath string, snapshotInterval time.Duration) *Ledger {
	if snapshotInterval <= 0 {
		snapshotInterval = time.Minute
	}
	l := &Ledger{
		startedAt:      time.Now(),
		places:         make(map[string]*placeWindow),
		snapshotPath:   snapshotPath,
		snapshotTicker: time.NewTicker(snapshotInterval),
		stopSnapshot:   make(chan struct{}),
	}
	go l.runSnapshotLoop()
	return l
}

// SetRecorder 挂接成交日志
func (l *Ledger) SetRecorder(r Recorder) {
	l.mu.Lock()
	l.recorder = r
	l.mu.Unlock()
}

// Record 记录一次交易结束；Counted 为 true 时累加收益
func (l *Ledger) Record(t Trade) {
	if t.ClosedAt.IsZero() {
		t.ClosedAt = time.Now()
	}

	l.mu.Lock()
	l.completed++
	if t.Counted {
		l.counted++
		l.total = l.total.Add(t.Profit)
	}
	l.recent = append(l.recent, t)
	if len(l.recent) > MAX_RECENT_TRADES {
		l.recent = l.recent[len(l.recent)-MAX_RECENT_TRADES:]
	}
	rec := l.recorder
	l.mu.Unlock()

	if rec != nil {
		rec.Append(t)
	}
}

// TotalProfit 已实现收益合计
func (l *Ledger) TotalProfit() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Completed 结束的交易数，以及其中计入收益的数量
func (l *Ledger) Completed() (completed, counted int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.completed, l.counted
}

// Recent 最近的交易，按结束顺序
func (l *Ledger) Recent() []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Trade, len(l.recent))
	copy(out, l.recent)
	return out
}

func (l *Ledger) snapshot() LedgerSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	recent := make([]Trade, len(l.recent))
	copy(recent, l.recent)
	return LedgerSnapshot{
		StartedAt:    l.startedAt,
		SavedAt:      time.Now(),
		TotalProfit:  l.total,
		Counted:      l.counted,
		Completed:    l.completed,
		RecentTrades: recent,
	}
}

// SaveSnapshot 先写临时文件再重命名
func (l *Ledger) SaveSnapshot() error {
	if l.snapshotPath == "" {
		return nil
	}

	data, err := json.MarshalIndent(l.snapshot(), "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(l.snapshotPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建快照目录失败: %w", err)
		}
	}
	tmp := l.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.snapshotPath); err != nil {
		return err
	}

	log.Debug().Str("path", l.snapshotPath).Msg("收益快照保存成功")
	return nil
}

// LoadSnapshot 读取上次运行留下的快照，仅供查看
func LoadSnapshot(path string) (LedgerSnapshot, error) {
	var snap LedgerSnapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("解析快照失败: %w", err)
	}
	return snap, nil
}

func (l *Ledger) runSnapshotLoop() {
	for {
		select {
		case <-l.snapshotTicker.C:
			if err := l.SaveSnapshot(); err != nil {
				l.mu.Lock()
				l.lastErr = err
				l.mu.Unlock()
				log.Error().Err(err).Msg("保存收益快照失败")
			}
		case <-l.stopSnapshot:
			return
		}
	}
}

// Close 停止快照循环并最后保存一次
func (l *Ledger) Close() {
	l.closeOnce.Do(func() {
		close(l.stopSnapshot)
		l.snapshotTicker.Stop()
		if err := l.SaveSnapshot(); err != nil {
			log.Error().Err(err).Msg("关闭时保存收益快照失败")
		}
	})
}
