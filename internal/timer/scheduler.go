package timer

import (
	"sync"
	"time"
)

// Scheduler is the ticking primitive the engine runs on. Every calls fn once
// per interval until the returned cancel func is called. Cancel must not
// block waiting for an in-flight fn.
type Scheduler interface {
	Every(interval time.Duration, fn func()) (cancel func())
}

// TickerScheduler runs each timer on its own goroutine with a time.Ticker.
type TickerScheduler struct{}

func (TickerScheduler) Every(interval time.Duration, fn func()) func() {
	ticker := time.NewTicker(interval)
	stopCh := make(chan struct{})
	var once sync.Once

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	return func() {
		once.Do(func() { close(stopCh) })
	}
}
