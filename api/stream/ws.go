package stream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilianp07/fleetstream/api/respond"
	"github.com/kilianp07/fleetstream/core/logger"
	corestream "github.com/kilianp07/fleetstream/core/stream"
)

const (
	writeWait      = 10 * time.Second
	maxInboundSize = 4096
)

// WSOptions tunes the WebSocket transport.
type WSOptions struct {
	// Heartbeat is the ping period. Peers must answer within twice this
	// value.
	Heartbeat time.Duration
	// CheckOrigin overrides the default same-origin check.
	CheckOrigin func(r *http.Request) bool
}

// NewWSHandler serves GET /api/ws?vehicles=a,b. Broadcaster messages are
// sent as JSON text frames. Inbound frames are read only to process control
// messages and detect disconnects.
func NewWSHandler(sub Subscriber, opts WSOptions, log logger.Logger) http.Handler {
	log = logger.OrNop(log)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     opts.CheckOrigin,
	}
	pongWait := 2 * opts.Heartbeat

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			log.Debugf("ws upgrade: %v", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go readPump(conn, pongWait, cancel)
		writePump(ctx, conn, sess, opts.Heartbeat, log)
	})
}

func readPump(conn *websocket.Conn, pongWait time.Duration, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(ctx context.Context, conn *websocket.Conn, sess *corestream.Session, heartbeat time.Duration, log logger.Logger) {
	msgs := pump(ctx, sess)
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgs:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				log.Debugf("ws session %s: %v", sess.ID(), err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
