package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetstream/core/command"
	"github.com/kilianp07/fleetstream/core/model"
)

type fakeCommander struct {
	mu      sync.Mutex
	known   map[string]bool
	results map[string]model.CommandResult
	next    int
}

func newFakeCommander(vehicles ...string) *fakeCommander {
	f := &fakeCommander{known: map[string]bool{}, results: map[string]model.CommandResult{}}
	for _, v := range vehicles {
		f.known[v] = true
	}
	return f
}

func (f *fakeCommander) Publish(req model.CommandRequest) (string, error) {
	if req.VehicleID == "" || req.CommandType == "" {
		return "", command.ErrInvalidCommand
	}
	if !f.known[req.VehicleID] {
		return "", fmt.Errorf("%w: %s", command.ErrUnknownVehicle, req.VehicleID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("req-%d", f.next)
	f.results[id] = model.CommandResult{
		RequestID: id, VehicleID: req.VehicleID, CommandType: req.CommandType, Status: model.CommandAcknowledged,
	}
	return id, nil
}

func (f *fakeCommander) Status(id string) (model.CommandResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[id]
	return r, ok
}

func (f *fakeCommander) Await(_ context.Context, id string) (model.CommandResult, error) {
	r, ok := f.Status(id)
	if !ok {
		return model.CommandResult{}, command.ErrUnknownRequest
	}
	return r, nil
}

func post(h http.Handler, target, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, target, strings.NewReader(body)))
	return rr
}

func TestSubmitHandler(t *testing.T) {
	h := NewSubmitHandler(newFakeCommander("rover-7"))

	rr := post(h, "/api/commands", `{"vehicleId":"rover-7","commandType":"RETURN_HOME"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	var resp submitResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "req-1", resp.RequestID)
}

func TestSubmitHandlerWait(t *testing.T) {
	h := NewSubmitHandler(newFakeCommander("rover-7"))

	rr := post(h, "/api/commands?wait=true", `{"vehicleId":"rover-7","commandType":"RETURN_HOME"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var res model.CommandResult
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.Equal(t, model.CommandAcknowledged, res.Status)
}

func TestSubmitHandlerErrors(t *testing.T) {
	h := NewSubmitHandler(newFakeCommander("rover-7"))

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"missing type", `{"vehicleId":"rover-7"}`, http.StatusBadRequest},
		{"unknown vehicle", `{"vehicleId":"ghost","commandType":"RETURN_HOME"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, post(h, "/api/commands", tt.body).Code)
		})
	}
}

func TestStatusHandler(t *testing.T) {
	cmd := newFakeCommander("rover-7")
	id, err := cmd.Publish(model.CommandRequest{VehicleID: "rover-7", CommandType: "RETURN_HOME"})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("GET /api/commands/{id}", NewStatusHandler(cmd))

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/commands/"+id, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ACKNOWLEDGED"`)

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/commands/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBulkHandler(t *testing.T) {
	h := NewBulkHandler(newFakeCommander("rover-1", "rover-2"))

	rr := post(h, "/api/commands/bulk", `{"vehicleIds":["rover-1","ghost","rover-2"],"commandType":"RETURN_HOME"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	var items []bulkItem
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&items))
	require.Len(t, items, 3)
	assert.Equal(t, "rover-1", items[0].VehicleID)
	assert.NotEmpty(t, items[0].RequestID)
	assert.Contains(t, items[1].Error, "unknown vehicle")
	assert.Empty(t, items[1].RequestID)
	assert.NotEmpty(t, items[2].RequestID)

	assert.Equal(t, http.StatusBadRequest, post(h, "/api/commands/bulk", `{"vehicleIds":[]}`).Code)
}
