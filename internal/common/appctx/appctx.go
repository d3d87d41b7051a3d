// Package appctx builds contexts for work that must outlive a single request.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context that is independent of any request but still
// stops when stopCh closes or the timeout expires. The bridge dials per-user
// MCP sessions with it: the session is cached past the request that triggered
// the dial, so client disconnects must not tear it down, while a server
// shutdown still must.
func Detached(stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
