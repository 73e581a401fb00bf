package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// taskGroup runs fire-and-forget side effects whose failures must still be
// logged, and lets shutdown wait for them.
type taskGroup struct {
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func (g *taskGroup) Go(name string, fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				g.logger.Error().Str("task", name).Err(fmt.Errorf("panic: %v", rec)).Msg("background task panicked")
			}
		}()

		if err := fn(); err != nil {
			g.logger.Error().Str("task", name).Err(err).Msg("background task failed")
		}
	}()
}

// Wait blocks until every task finished or ctx is done.
func (g *taskGroup) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
