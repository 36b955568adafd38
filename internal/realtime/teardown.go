package realtime

import (
	"context"
	"log"
)

// Teardown unsubscribes via the held handle and, if that fails, retries once
// through a handle obtained from fresh. It never returns an error.
func Teardown(ctx context.Context, sub Subscription, fresh func(context.Context) (Remover, error), logger *log.Logger) {
	if sub == nil {
		return
	}
	if logger == nil {
		logger = log.Default()
	}

	err := sub.Unsubscribe(ctx)
	if err == nil {
		recordTeardown("primary")
		return
	}
	logger.Printf("unsubscribe failed, retrying with fresh handle: %v", err)

	if fresh == nil {
		recordTeardown("abandoned")
		return
	}
	remover, err := fresh(ctx)
	if err != nil {
		logger.Printf("acquire fresh handle failed: %v", err)
		recordTeardown("abandoned")
		return
	}
	if err := remover.Remove(ctx, sub); err != nil {
		logger.Printf("fallback unsubscribe failed: %v", err)
		recordTeardown("abandoned")
		return
	}
	recordTeardown("fallback")
}
