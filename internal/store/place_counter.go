package store

import "time"

type placeWindow struct {
	count int
	reset time.Time
}

// IncrementPlaceCount 增加下单计数（每分钟窗口），返回当前窗口内的次数
func (l *Ledger) IncrementPlaceCount(symbol string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.places[symbol]
	if w == nil {
		w = &placeWindow{reset: time.Now()}
		l.places[symbol] = w
	}
	if time.Since(w.reset) > time.Minute {
		w.count = 0
		w.reset = time.Now()
	}
	w.count++
	return w.count
}

// GetPlaceCount 当前窗口内的下单次数
func (l *Ledger) GetPlaceCount(symbol string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	w := l.places[symbol]
	if w == nil || time.Since(w.reset) > time.Minute {
		return 0
	}
	return w.count
}
