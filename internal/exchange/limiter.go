package gateway

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 控制请求速率，避免触发交易所限流。
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// TokenBucketLimiter 令牌桶
type TokenBucketLimiter struct {
	rate   float64
	burst  int
	tokens float64
	last   time.Time
	mu     sync.Mutex
}

func NewTokenBucketLimiter(rate float64, burst int) *TokenBucketLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucketLimiter{
		rate:   rate,
		burst:  burst,
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// reserve 取走一个令牌，返回需要等待的时间
func (l *TokenBucketLimiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	l.last = now
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	l.tokens -= 1
	if l.tokens >= 0 {
		return 0
	}
	return time.Duration(-l.tokens/l.rate*float64(time.Second)) + time.Millisecond
}

func (l *TokenBucketLimiter) Wait(ctx context.Context) error {
	return sleepCtx(ctx, l.reserve())
}

// CompositeLimiter 组合限速器：令牌桶 + 双窗硬上限（10s/60s）
type CompositeLimiter struct {
	tb           *TokenBucketLimiter
	window10sMax int
	window60sMax int
	mu           sync.Mutex
	recent       []time.Time
}

func NewCompositeLimiter(rate float64, burst int, max10s, max60s int) *CompositeLimiter {
	return &CompositeLimiter{
		tb:           NewTokenBucketLimiter(rate, burst),
		window10sMax: max10s,
		window60sMax: max60s,
		recent:       make([]time.Time, 0, 1024),
	}
}

// overLimit 清理过期记录并判断是否超出窗口上限
func (l *CompositeLimiter) overLimit(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cut10 := now.Add(-10 * time.Second)
	cut60 := now.Add(-60 * time.Second)
	pruned := l.recent[:0]
	cnt10, cnt60 := 0, 0
	for _, t := range l.recent {
		if t.After(cut60) {
			pruned = append(pruned, t)
			cnt60++
			if t.After(cut10) {
				cnt10++
			}
		}
	}
	l.recent = pruned
	return (l.window10sMax > 0 && cnt10 >= l.window10sMax) || (l.window60sMax > 0 && cnt60 >= l.window60sMax)
}

func (l *CompositeLimiter) Wait(ctx context.Context) error {
	for l.overLimit(time.Now()) {
		if err := sleepCtx(ctx, 50*time.Millisecond); err != nil {
			return err
		}
	}
	if err := l.tb.Wait(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.recent = append(l.recent, time.Now())
	l.mu.Unlock()
	return nil
}

// sleepCtx 可被 ctx 打断的 sleep
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
