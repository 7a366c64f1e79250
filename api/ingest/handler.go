// Package ingest accepts telemetry documents over HTTP for vehicles that
// cannot reach the broker.
package ingest

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kilianp07/fleetstream/api/respond"
	"github.com/kilianp07/fleetstream/core/ingest"
	"github.com/kilianp07/fleetstream/core/model"
)

const maxBodyBytes = 1 << 20

// Submitter queues raw telemetry for the ingestion goroutine.
type Submitter interface {
	Submit(ctx context.Context, msg ingest.Message) error
}

// Validator decodes a document without applying it. Documents arrive
// without a topic, so they must name their vehicle.
type Validator interface {
	Decode(topic string, payload []byte, receivedAt time.Time) (model.TelemetryEvent, error)
}

type rejected struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type ingestResponse struct {
	Accepted int        `json:"accepted"`
	Rejected []rejected `json:"rejected,omitempty"`
}

// NewHandler serves POST /api/ingest. The body is a telemetry document or an
// array of them. When token is set, requests must carry it as a bearer token
// or in X-API-Key.
func NewHandler(sub Submitter, val Validator, token string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" && !authorized(r, token) {
			respond.Error(w, http.StatusUnauthorized, "invalid or missing ingest token")
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			respond.Error(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		docs, err := split(body)
		if err != nil {
			respond.Error(w, http.StatusBadRequest, err.Error())
			return
		}

		now := time.Now()
		var resp ingestResponse
		for i, doc := range docs {
			if _, err := val.Decode("", doc, now); err != nil {
				resp.Rejected = append(resp.Rejected, rejected{Index: i, Error: err.Error()})
				continue
			}
			msg := ingest.Message{Payload: doc, ReceivedAt: now, Source: ingest.SourceHTTP}
			if err := sub.Submit(r.Context(), msg); err != nil {
				if errors.Is(err, ingest.ErrStopped) {
					respond.Error(w, http.StatusServiceUnavailable, err.Error())
					return
				}
				respond.Error(w, http.StatusGatewayTimeout, err.Error())
				return
			}
			resp.Accepted++
		}

		status := http.StatusAccepted
		if resp.Accepted == 0 {
			status = http.StatusBadRequest
		}
		respond.JSON(w, status, resp)
	})
}

// split returns the documents of a single object or an array body.
func split(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] != '[' {
		return []json.RawMessage{body}, nil
	}
	var docs []json.RawMessage
	if err := json.Unmarshal(body, &docs); err != nil {
		return nil, fmt.Errorf("malformed JSON array: %w", err)
	}
	if len(docs) == 0 {
		return nil, errors.New("empty array")
	}
	return docs, nil
}

func authorized(r *http.Request, token string) bool {
	got := r.Header.Get("X-API-Key")
	if auth := r.Header.Get("Authorization"); got == "" && strings.HasPrefix(auth, "Bearer ") {
		got = strings.TrimPrefix(auth, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}
