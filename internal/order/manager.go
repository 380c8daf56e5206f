package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	gateway "github.com/newplayman/volatility-hunter/internal/exchange"
	"github.com/newplayman/volatility-hunter/internal/metrics"
)

// 成交确认参数
const (
	ENTRY_CHECK_ATTEMPTS = 3
	ENTRY_CHECK_DELAY    = 2 * time.Second
	EXIT_CHECK_ATTEMPTS  = 3
	EXIT_CHECK_DELAY     = 10 * time.Second
)

// PlaceRecorder 下单计数（store.Ledger 实现）
type PlaceRecorder interface {
	IncrementPlaceCount(symbol string) int
}

// Fill 一笔订单的成交结果。
// Received 为得到的资产数量，Used 为付出的资产数量：
// 买单 Received=成交数量、Used=成交额；卖单相反。
type Fill struct {
	OrderID  int64
	Status   string
	Received decimal.Decimal
	Used     decimal.Decimal
}

// Filled 是否有任何成交
func (f Fill) Filled() bool { return f.Received.IsPositive() }

func fillOf(r gateway.OrderResult, side gateway.Side) Fill {
	f := Fill{OrderID: r.OrderID, Status: r.Status}
	if side == gateway.SideBuy {
		f.Received, f.Used = r.ExecutedQty, r.CumulativeQuoteQty
	} else {
		f.Received, f.Used = r.CumulativeQuoteQty, r.ExecutedQty
	}
	return f
}

func closed(status string) bool {
	switch status {
	case gateway.STATUS_FILLED, gateway.STATUS_CANCELED, gateway.STATUS_REJECTED, gateway.STATUS_EXPIRED:
		return true
	}
	return false
}

// Manager 限价单下单与成交确认。所有交易所错误原样包装返回，由调用方决定是否致命。
type Manager struct {
	placer   gateway.OrderPlacer
	recorder PlaceRecorder

	EntryAttempts int
	EntryDelay    time.Duration
	ExitAttempts  int
	ExitDelay     time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager recorder 可以为 nil
func NewManager(placer gateway.OrderPlacer, recorder PlaceRecorder) *Manager {
	return &Manager{
		placer:        placer,
		recorder:      recorder,
		EntryAttempts: ENTRY_CHECK_ATTEMPTS,
		EntryDelay:    ENTRY_CHECK_DELAY,
		ExitAttempts:  EXIT_CHECK_ATTEMPTS,
		ExitDelay:     EXIT_CHECK_DELAY,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) place(ctx context.Context, symbol string, side gateway.Side, qty, price decimal.Decimal) (gateway.OrderResult, error) {
	start := time.Now()
	r, err := m.placer.PlaceLimit(ctx, symbol, side, qty, price)
	metrics.OrderPlacement.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RecordError("place_order", symbol)
		return r, fmt.Errorf("下单失败 %s %s qty=%s price=%s: %w", symbol, side, qty, price, err)
	}
	if m.recorder != nil {
		m.recorder.IncrementPlaceCount(symbol)
	}
	log.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("qty", qty.String()).
		Str("price", price.String()).
		Int64("order_id", r.OrderID).
		Str("status", r.Status).
		Msg("下单成功")
	return r, nil
}

// poll 每隔 delay 查询一次，直到订单终结或次数用尽
func (m *Manager) poll(ctx context.Context, r gateway.OrderResult, attempts int, delay time.Duration) (gateway.OrderResult, error) {
	for i := 0; i < attempts && !closed(r.Status); i++ {
		if err := m.sleep(ctx, delay); err != nil {
			return r, err
		}
		next, err := m.placer.OrderStatus(ctx, r.Symbol, r.OrderID)
		if err != nil {
			metrics.RecordError("order_status", r.Symbol)
			return r, fmt.Errorf("查询订单失败 %s #%d: %w", r.Symbol, r.OrderID, err)
		}
		r = next
	}
	return r, nil
}

// Enter 进场单：确认未完全成交时撤单，部分成交按实际成交量返回，零成交返回空 Fill
func (m *Manager) Enter(ctx context.Context, symbol string, side gateway.Side, qty, price decimal.Decimal) (Fill, error) {
	r, err := m.place(ctx, symbol, side, qty, price)
	if err != nil {
		return Fill{}, err
	}
	if r.Symbol == "" {
		r.Symbol = symbol
	}

	r, err = m.poll(ctx, r, m.EntryAttempts, m.EntryDelay)
	if err != nil {
		return fillOf(r, side), err
	}
	if closed(r.Status) {
		return fillOf(r, side), nil
	}

	if err := m.placer.CancelOrder(ctx, symbol, r.OrderID); err != nil {
		// 撤单瞬间成交时交易所返回 -2011，以最终查询结果为准
		var exErr *gateway.ExchangeError
		if !errors.As(err, &exErr) || exErr.Code != -2011 {
			metrics.RecordError("cancel_order", symbol)
			return fillOf(r, side), fmt.Errorf("撤销进场单失败 %s #%d: %w", symbol, r.OrderID, err)
		}
		log.Warn().Str("symbol", symbol).Int64("order_id", r.OrderID).Msg("订单不存在或已成交，跳过撤单")
	}

	final, err := m.placer.OrderStatus(ctx, symbol, r.OrderID)
	if err != nil {
		metrics.RecordError("order_status", symbol)
		return fillOf(r, side), fmt.Errorf("查询撤单后状态失败 %s #%d: %w", symbol, r.OrderID, err)
	}
	fill := fillOf(final, side)
	log.Warn().
		Str("symbol", symbol).
		Int64("order_id", final.OrderID).
		Str("status", final.Status).
		Str("executed", final.ExecutedQty.String()).
		Str("orig", qty.String()).
		Msg("进场单未在限定时间内完全成交，已撤单")
	return fill, nil
}

// Exit 离场单：限定次数内未成交则保留挂单，返回零成交并告警
func (m *Manager) Exit(ctx context.Context, symbol string, side gateway.Side, qty, price decimal.Decimal) (Fill, error) {
	r, err := m.place(ctx, symbol, side, qty, price)
	if err != nil {
		return Fill{}, err
	}
	if r.Symbol == "" {
		r.Symbol = symbol
	}

	r, err = m.poll(ctx, r, m.ExitAttempts, m.ExitDelay)
	if err != nil {
		return Fill{OrderID: r.OrderID, Status: r.Status}, err
	}
	if r.Status == gateway.STATUS_FILLED {
		return fillOf(r, side), nil
	}

	log.Warn().
		Str("symbol", symbol).
		Int64("order_id", r.OrderID).
		Str("status", r.Status).
		Str("executed", r.ExecutedQty.String()).
		Msg("离场单未完全成交，挂单保留在交易所，请人工处理")
	return Fill{OrderID: r.OrderID, Status: r.Status}, nil
}
