package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateway "github.com/newplayman/volatility-hunter/internal/exchange"
	"github.com/newplayman/volatility-hunter/internal/order"
)

// fakeDepth 测试控制的深度源：快照按顺序返回，事件由测试逐条推送
type fakeDepth struct {
	mu        sync.Mutex
	snapshots []gateway.DepthSnapshot
	snapCalls int
	events    chan gateway.DepthEvent
}

func newFakeDepth(snaps ...gateway.DepthSnapshot) *fakeDepth {
	return &fakeDepth{snapshots: snaps, events: make(chan gateway.DepthEvent)}
}

func (f *fakeDepth) DepthSnapshot(ctx context.Context, symbol string, limit int) (gateway.DepthSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapCalls++
	if len(f.snapshots) == 0 {
		return gateway.DepthSnapshot{}, errors.New("no snapshot")
	}
	s := f.snapshots[0]
	if len(f.snapshots) > 1 {
		f.snapshots = f.snapshots[1:]
	}
	return s, nil
}

func (f *fakeDepth) Depth(ctx context.Context, symbol string) <-chan gateway.DepthEvent {
	return f.events
}

func (f *fakeDepth) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapCalls
}

// fakeClock 可在测试中推进
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingPlacer struct{ gateway.OrderPlacer }

func (failingPlacer) PlaceLimit(ctx context.Context, symbol string, side gateway.Side, qty, price decimal.Decimal) (gateway.OrderResult, error) {
	return gateway.OrderResult{}, &gateway.ExchangeError{Status: 400, Code: -2010, Message: "Account has insufficient balance"}
}

type harness struct {
	depth    *fakeDepth
	clock    *fakeClock
	commands chan Command
	done     chan Completion
	fatal    chan FatalError
	cancel   context.CancelFunc
	finished chan struct{}
}

func startWorker(t *testing.T, monitored string, placer gateway.OrderPlacer, mutate func(*Job), snaps ...gateway.DepthSnapshot) *harness {
	t.Helper()
	h := &harness{
		depth:    newFakeDepth(snaps...),
		clock:    &fakeClock{now: t0},
		commands: make(chan Command),
		done:     make(chan Completion, 1),
		fatal:    make(chan FatalError, 1),
		finished: make(chan struct{}),
	}
	job := Job{
		Symbol:         "ETHUSDT",
		Unit:           d("100"),
		MonitoredPrice: d(monitored),
		Action:         gateway.SideBuy,
		Constraints:    constraints(),
		Config:         obCfg(),
		Commands:       h.commands,
		Done:           h.done,
		Fatal:          h.fatal,
	}
	if mutate != nil {
		mutate(&job)
	}
	w := NewWorker(job, h.depth, order.NewManager(placer, nil))
	w.now = h.clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.finished)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.finished
	})
	return h
}

func (h *harness) send(t *testing.T, ev gateway.DepthEvent) {
	t.Helper()
	select {
	case h.depth.events <- ev:
	case <-time.After(2 * time.Second):
		t.Fatal("worker 未消费深度事件")
	}
}

func (h *harness) bids(t *testing.T, id int64, levels ...gateway.PriceLevel) {
	h.send(t, gateway.DepthEvent{Kind: gateway.DepthData, Update: gateway.DepthUpdate{
		Symbol:        "ETHUSDT",
		FirstUpdateID: id,
		FinalUpdateID: id,
		Bids:          levels,
	}})
}

func (h *harness) completion(t *testing.T) Completion {
	t.Helper()
	select {
	case c := <-h.done:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("未收到 Completion")
	}
	return Completion{}
}

func book(ask string) gateway.DepthSnapshot {
	return gateway.DepthSnapshot{
		LastUpdateID: 100,
		Bids:         []gateway.PriceLevel{lvl("99.9", "5")},
		Asks:         []gateway.PriceLevel{lvl(ask, "5")},
	}
}

func TestWorkerDeclinesWideSpread(t *testing.T) {
	h := startWorker(t, "100", gateway.NewPaperExchange(), nil, book("101"))
	h.send(t, gateway.DepthEvent{Kind: gateway.DepthConnected})

	c := h.completion(t)
	assert.Equal(t, OutcomeDeclined, c.Outcome)
	assert.True(t, c.Started.Equal(d("100")))
	assert.True(t, c.Received.IsZero())
	assert.True(t, c.Used.IsZero())
}

func TestWorkerDeclinesWithoutMonitoredPrice(t *testing.T) {
	paper := gateway.NewPaperExchange()
	h := startWorker(t, "0", paper, nil, book("100"))
	h.send(t, gateway.DepthEvent{Kind: gateway.DepthConnected})

	c := h.completion(t)
	assert.Equal(t, OutcomeDeclined, c.Outcome)
	assert.Zero(t, paper.Orders())
}

func TestWorkerTradesToMinProfitExit(t *testing.T) {
	h := startWorker(t, "100", gateway.NewPaperExchange(), nil, book("100"))
	h.send(t, gateway.DepthEvent{Kind: gateway.DepthConnected})

	// 进场：100 买入 1 个；随后买一依次 100.8 → 101 → 100.7
	h.bids(t, 101, lvl("100.8", "5"))
	h.bids(t, 102, lvl("100.8", "0"), lvl("101", "5"))
	h.bids(t, 103, lvl("101", "0"), lvl("100.7", "5"))

	c := h.completion(t)
	assert.Equal(t, OutcomeExited, c.Outcome)
	assert.Equal(t, EXIT_MIN_PROFIT, c.Reason)
	assert.True(t, c.Used.Equal(d("100")))
	// 扣除手续费后卖出 0.999 个
	assert.True(t, c.Received.Equal(d("100.5993")), c.Received.String())
	assert.True(t, c.Started.Equal(d("100")))
}

func TestWorkerLiquidate(t *testing.T) {
	h := startWorker(t, "100", gateway.NewPaperExchange(), nil, book("100"))
	h.send(t, gateway.DepthEvent{Kind: gateway.DepthConnected})

	select {
	case h.commands <- CmdLiquidate:
	case <-time.After(2 * time.Second):
		t.Fatal("worker 未接收指令")
	}
	h.bids(t, 101, lvl("99.9", "0"), lvl("99.5", "5"))

	c := h.completion(t)
	assert.Equal(t, EXIT_LIQUIDATE, c.Reason)
	assert.True(t, c.Received.Equal(d("99.4005")), c.Received.String())
}

func TestWorkerLiquidateDuringJoinDeclines(t *testing.T) {
	h := startWorker(t, "100", gateway.NewPaperExchange(), nil)
	select {
	case h.commands <- CmdLiquidate:
	case <-time.After(2 * time.Second):
		t.Fatal("worker 未接收指令")
	}
	c := h.completion(t)
	assert.Equal(t, OutcomeDeclined, c.Outcome)
}

func TestWorkerTimeLimitExit(t *testing.T) {
	h := startWorker(t, "100", gateway.NewPaperExchange(), func(j *Job) {
		j.Config.TimeLimitRequiresProfit = false
	}, book("100"))
	h.send(t, gateway.DepthEvent{Kind: gateway.DepthConnected})

	h.bids(t, 101, lvl("99.95", "5"))
	h.clock.Advance(31 * time.Minute)
	h.bids(t, 102, lvl("99.9", "5"))

	c := h.completion(t)
	assert.Equal(t, EXIT_TIME_LIMIT, c.Reason)
}

func TestWorkerResyncsOnGap(t *testing.T) {
	second := book("100")
	second.LastUpdateID = 200
	second.Bids = []gateway.PriceLevel{lvl("100.8", "5")}
	h := startWorker(t, "100", gateway.NewPaperExchange(), nil, book("100"), second)
	h.send(t, gateway.DepthEvent{Kind: gateway.DepthConnected})

	// 断档触发重新拉快照，新快照后的增量继续驱动状态机
	h.bids(t, 150, lvl("90", "5"))
	h.bids(t, 201, lvl("100.8", "0"), lvl("101", "5"))
	assert.Equal(t, 2, h.depth.calls())
	h.bids(t, 202, lvl("101", "0"), lvl("100.7", "5"))

	c := h.completion(t)
	assert.Equal(t, EXIT_MIN_PROFIT, c.Reason)
}

func TestWorkerReportsFatalOrderError(t *testing.T) {
	h := startWorker(t, "100", failingPlacer{}, nil, book("100"))
	h.send(t, gateway.DepthEvent{Kind: gateway.DepthConnected})

	select {
	case f := <-h.fatal:
		assert.Equal(t, "ETHUSDT", f.Symbol)
		var exErr *gateway.ExchangeError
		require.True(t, errors.As(f, &exErr))
		assert.Equal(t, -2010, exErr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("未收到 FatalError")
	}
	assert.Empty(t, h.done)
}

func TestWorkerStopsWhenNoFill(t *testing.T) {
	c := constraints()
	c.PriceMax = d("101")
	h := startWorker(t, "100", gateway.NewPaperExchange(), func(j *Job) { j.Constraints = c }, book("100"))
	h.send(t, gateway.DepthEvent{Kind: gateway.DepthConnected})

	// 理想收益触发价超出价格上限，放弃下单
	got := h.completion(t)
	assert.Equal(t, OutcomeNoFill, got.Outcome)
	assert.True(t, got.Started.Equal(d("100")))
}
