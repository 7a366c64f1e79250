package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kilianp07/fleetstream/api/respond"
	"github.com/kilianp07/fleetstream/core/logger"
	corestream "github.com/kilianp07/fleetstream/core/stream"
)

// NewSSEHandler serves GET /api/stream?vehicles=a,b as text/event-stream.
// Each broadcaster message becomes an event named after its type. A ping
// event is written every heartbeat.
func NewSSEHandler(sub Subscriber, heartbeat time.Duration, log logger.Logger) http.Handler {
	log = logger.OrNop(log)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			respond.Error(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}
		sess, err := sub.Subscribe(parseFilter(r.URL.Query().Get("vehicles")))
		if errors.Is(err, corestream.ErrClosed) {
			respond.Error(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		if err != nil {
			respond.Error(w, http.StatusInternalServerError, err.Error())
			return
		}
		defer sub.Unsubscribe(sess.ID())

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		if err := writeEvent(w, "open", map[string]string{"sessionId": sess.ID()}); err != nil {
			return
		}
		flusher.Flush()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		msgs := pump(ctx, sess)

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if err := writeEvent(w, string(msg.Type), msg); err != nil {
					log.Debugf("sse session %s: %v", sess.ID(), err)
					return
				}
			case t := <-ticker.C:
				if err := writeEvent(w, "ping", map[string]time.Time{"at": t.UTC()}); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
			flusher.Flush()
		}
	})
}

func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
