package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperExchange 模拟盘：限价单按委托价立即全部成交，不访问交易所
type PaperExchange struct {
	mu     sync.Mutex
	nextID int64
	orders map[int64]OrderResult
}

func NewPaperExchange() *PaperExchange {
	return &PaperExchange{orders: make(map[int64]OrderResult)}
}

func (p *PaperExchange) PlaceLimit(ctx context.Context, symbol string, side Side, qty, price decimal.Decimal) (OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return OrderResult{}, err
	}
	if !qty.IsPositive() || !price.IsPositive() {
		return OrderResult{}, fmt.Errorf("%w: qty=%s price=%s", ErrOrderRejected, qty, price)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	r := OrderResult{
		Symbol:             symbol,
		OrderID:            p.nextID,
		ClientOrderID:      CLIENT_ORDER_PREFIX + uuid.NewString(),
		Side:               side,
		Price:              price,
		OrigQty:            qty,
		ExecutedQty:        qty,
		CumulativeQuoteQty: qty.Mul(price),
		Status:             STATUS_FILLED,
	}
	p.orders[r.OrderID] = r
	return r, nil
}

func (p *PaperExchange) OrderStatus(ctx context.Context, symbol string, orderID int64) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.orders[orderID]
	if !ok || r.Symbol != symbol {
		return OrderResult{}, &ExchangeError{Status: 400, Code: -2013, Message: "Order does not exist."}
	}
	return r, nil
}

func (p *PaperExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.orders[orderID]
	if !ok || r.Symbol != symbol {
		return &ExchangeError{Status: 400, Code: -2011, Message: "Unknown order sent."}
	}
	if r.Status != STATUS_FILLED {
		r.Status = STATUS_CANCELED
		p.orders[orderID] = r
	}
	return nil
}

// Orders 已提交订单数，测试与状态日志使用
func (p *PaperExchange) Orders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}
