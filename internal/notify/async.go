package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Async runs dispatches on detached goroutines. Callers never observe the
// outcome; failures only reach the log.
type Async struct {
	next   Dispatcher
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewAsync(next Dispatcher, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{next: next, logger: logger}
}

// Send starts the dispatch and returns immediately. The dispatch outlives
// cancellation of ctx.
func (a *Async) Send(ctx context.Context, template string, payload interface{}) {
	ctx = context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.ErrorContext(ctx, "notification dispatch panicked", "template", template, "panic", fmt.Sprint(r))
			}
		}()
		if err := a.next.Dispatch(ctx, template, payload); err != nil {
			a.logger.ErrorContext(ctx, "notification dispatch failed", "template", template, "error", err)
			return
		}
		a.logger.InfoContext(ctx, "notification dispatched", "template", template)
	}()
}

// Wait blocks until every started dispatch has finished.
func (a *Async) Wait() {
	a.wg.Wait()
}
