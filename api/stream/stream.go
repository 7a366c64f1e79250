// Package stream exposes broadcaster sessions to dashboards over
// Server-Sent Events and WebSocket.
package stream

import (
	"context"
	"strings"

	corestream "github.com/kilianp07/fleetstream/core/stream"
)

// Subscriber opens and closes broadcaster sessions.
type Subscriber interface {
	Subscribe(filter []string) (*corestream.Session, error)
	Unsubscribe(id string)
}

// parseFilter reads the comma separated vehicles query parameter.
func parseFilter(raw string) []string {
	if raw == "" {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// pump moves session messages onto a channel so transports can select on
// them alongside heartbeats. The channel is closed when the session ends.
func pump(ctx context.Context, sess *corestream.Session) <-chan corestream.Message {
	out := make(chan corestream.Message)
	go func() {
		defer close(out)
		for {
			msg, err := sess.Next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
