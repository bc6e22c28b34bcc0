package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically runs the retry sweep.
type Timer struct {
	dispatcher *Dispatcher
	interval   time.Duration
	batch      int
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates a sweep timer. interval and batch fall back to 30s and
// 100 when not positive.
func NewTimer(dispatcher *Dispatcher, interval time.Duration, batch int, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		dispatcher: dispatcher,
		interval:   interval,
		batch:      batch,
		logger:     logger,
		stop:       make(chan struct{}, 1),
	}
}

// Running reports whether the sweep loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a
// goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in webhook sweep", "panic", fmt.Sprint(r))
		}
	}()

	n, err := t.dispatcher.RetryDue(ctx, t.batch)
	if err != nil {
		t.logger.Warn("webhook sweep failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("webhook sweep attempted deliveries", "count", n)
	}
}
