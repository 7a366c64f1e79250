package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetstream/core/model"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestFleetLs(t *testing.T) {
	seq := uint64(4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/fleet", r.URL.Path)
		assert.Equal(t, "STALE", r.URL.Query().Get("health"))
		_ = json.NewEncoder(w).Encode([]model.VehicleState{{
			VehicleID:     "rover-7",
			Health:        model.HealthStale,
			LastEvent:     model.TelemetryEvent{VehicleID: "rover-7", Seq: &seq},
			LastUpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		}})
	}))
	defer srv.Close()

	out, err := runCLI(t, "fleet", "ls", "--health", "STALE", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "VEHICLE")
	assert.Contains(t, out, "rover-7")
	assert.Contains(t, out, "STALE")
	assert.Contains(t, out, "2026-03-01T12:00:00Z")
}

func TestFleetGetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"vehicle not found: ghost"}`))
	}))
	defer srv.Close()

	_, err := runCLI(t, "fleet", "get", "ghost", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vehicle not found")
}

func TestCommandSend(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/commands", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"requestId":"req-1"}`))
	}))
	defer srv.Close()

	out, err := runCLI(t, "command", "send", "rover-7", "RETURN_HOME", "-p", `{"alt":30}`, "--server", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "req-1", strings.TrimSpace(out))
	assert.Equal(t, "rover-7", got["vehicleId"])
	assert.Equal(t, map[string]any{"alt": 30.0}, got["payload"])
}

func TestCommandSendRejectsBadPayload(t *testing.T) {
	_, err := runCLI(t, "command", "send", "rover-7", "RETURN_HOME", "-p", `{`)
	require.Error(t, err)
}
