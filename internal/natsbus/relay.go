package natsbus

import (
	"context"
	"log/slog"
)

// Forward publishes every value received on ch as JSON to the topic that
// topicFor picks. It returns when ch is closed or ctx is done.
func Forward[T any](ctx context.Context, c *Client, ch <-chan T, topicFor func(T) string) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			topic := topicFor(v)
			if err := c.PublishJSON(topic, v); err != nil {
				slog.Warn("forward event failed", "topic", topic, "error", err)
			}
		}
	}
}
