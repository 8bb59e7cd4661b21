package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/smauto/smauto/internal/automation"
)

// runClock publishes the wall clock on the system clock topic at 1 Hz
// until ctx is cancelled. The payload matches the wire format every
// clock producer uses: the time object under the "time" attribute key,
// with an informational time_str.
func (e *Engine) runClock(ctx context.Context, pub automation.Publisher, topic string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	e.logger.Info("system clock producer started", "topic", topic)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h, m, s := now.Clock()
			payload := map[string]any{
				"time": map[string]any{
					"hour":     h,
					"minute":   m,
					"second":   s,
					"time_str": fmt.Sprintf("%02d:%02d:%02d", h, m, s),
				},
			}
			if err := pub.Publish(ctx, topic, payload); err != nil {
				e.logger.Debug("clock publish failed", "error", err)
			}
		}
	}
}
