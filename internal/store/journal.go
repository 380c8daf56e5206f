package store

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// JOURNAL_BUFFER_SIZE 写入队列长度，满了直接丢弃并告警
const JOURNAL_BUFFER_SIZE = 64

// Journal sqlite 成交日志，只追加。写入在独立协程中完成，调用方不会被磁盘 IO 阻塞。
type Journal struct {
	conn    *sql.DB
	queue   chan Trade
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewJournal 打开（或创建）sqlite 文件并初始化表结构
func NewJournal(path string) (*Journal, error) {
	log.Info().Str("path", path).Msg("初始化成交日志数据库")
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	j := &Journal{
		conn:  conn,
		queue: make(chan Trade, JOURNAL_BUFFER_SIZE),
		done:  make(chan struct{}),
	}
	if err := j.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	go j.writeLoop()
	return j, nil
}

func (j *Journal) initSchema() error {
	_, err := j.conn.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			outcome TEXT,
			received TEXT,
			used TEXT,
			started TEXT,
			profit TEXT,
			counted INTEGER,
			closed_at INTEGER
		);
	`)
	if err != nil {
		return fmt.Errorf("create trades table: %w", err)
	}
	return nil
}

// Append 非阻塞入队；Close 之后的记录直接丢弃
func (j *Journal) Append(t Trade) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		log.Warn().Str("symbol", t.Symbol).Msg("成交日志已关闭，丢弃记录")
		return
	}
	select {
	case j.queue <- t:
	default:
		n := j.dropped.Add(1)
		log.Warn().Str("symbol", t.Symbol).Int64("dropped", n).Msg("成交日志队列已满，丢弃记录")
	}
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	for t := range j.queue {
		if err := j.insert(t); err != nil {
			log.Error().Err(err).Str("symbol", t.Symbol).Msg("写入成交日志失败")
		}
	}
}

func (j *Journal) insert(t Trade) error {
	counted := 0
	if t.Counted {
		counted = 1
	}
	_, err := j.conn.Exec(`
		INSERT INTO trades (symbol, outcome, received, used, started, profit, counted, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Symbol, t.Outcome, t.Received.String(), t.Used.String(), t.Started.String(), t.Profit.String(), counted, t.ClosedAt.UnixMilli())
	return err
}

// Recent 最近 limit 条记录，新的在前
func (j *Journal) Recent(limit int) ([]Trade, error) {
	rows, err := j.conn.Query(`
		SELECT symbol, outcome, received, used, started, profit, counted, closed_at
		FROM trades
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var (
			t                               Trade
			received, used, started, profit string
			counted                         int
			closedAt                        int64
		)
		if err := rows.Scan(&t.Symbol, &t.Outcome, &received, &used, &started, &profit, &counted, &closedAt); err != nil {
			return nil, err
		}
		t.Received, _ = decimal.NewFromString(received)
		t.Used, _ = decimal.NewFromString(used)
		t.Started, _ = decimal.NewFromString(started)
		t.Profit, _ = decimal.NewFromString(profit)
		t.Counted = counted == 1
		t.ClosedAt = time.UnixMilli(closedAt)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Close 写完队列中剩余记录后关闭数据库
func (j *Journal) Close() error {
	var err error
	j.once.Do(func() {
		j.mu.Lock()
		j.closed = true
		close(j.queue)
		j.mu.Unlock()

		<-j.done
		err = j.conn.Close()
	})
	return err
}
