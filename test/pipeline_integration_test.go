//go:build !no_containers

package test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetstream/app"
	"github.com/kilianp07/fleetstream/config"
	"github.com/kilianp07/fleetstream/core/model"
	"github.com/kilianp07/fleetstream/internal/simulator"
	"github.com/kilianp07/fleetstream/test/util"
)

func TestPipelineAgainstMosquitto(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	broker, cleanup, err := util.StartMosquitto(ctx)
	if err != nil {
		t.Skipf("mosquitto unavailable: %v", err)
	}
	defer cleanup()

	apiAddr, err := util.FreeAddr()
	require.NoError(t, err)
	promAddr, err := util.FreeAddr()
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.MQTT.Broker = broker
	cfg.MQTT.ClientID = "fleetstream-it"
	cfg.Fleet.Vehicles = []string{"rover-1", "rover-2"}
	cfg.HTTP.Addr = apiAddr
	cfg.Metrics.PrometheusEnabled = true
	cfg.Metrics.PrometheusPort = promAddr
	cfg.Command.AckTimeoutSeconds = 5
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	svc, err := app.New(cfg)
	require.NoError(t, err)
	defer func() { _ = svc.Shutdown() }()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = svc.Run(runCtx) }()

	base := "http://" + apiAddr
	require.NoError(t, util.WaitForHTTP(ctx, base+"/healthz", http.StatusOK))

	simCfg := simulator.Config{Broker: broker, ClientID: "sim-it", Count: 2, Interval: 100 * time.Millisecond, Seed: 7}
	tr, err := simulator.Dial(simCfg)
	require.NoError(t, err)
	fleet := simulator.NewFleet(simCfg, nil)
	go func() { _ = fleet.Run(runCtx, tr) }()

	require.NoError(t, util.WaitForHTTP(ctx, base+"/api/fleet/rover-1", http.StatusOK))
	require.NoError(t, util.WaitForHTTP(ctx, base+"/api/fleet/rover-2", http.StatusOK))

	st, err := svc.Store.Get("rover-1")
	require.NoError(t, err)
	assert.Equal(t, model.HealthFresh, st.Health)

	body, _ := json.Marshal(map[string]string{"vehicleId": "rover-1", "commandType": simulator.CmdReturnHome})
	resp, err := http.Post(base+"/api/commands?wait=true", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res model.CommandResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, model.CommandAcknowledged, res.Status)

	assert.Eventually(t, func() bool {
		r, _ := fleet.Rover("rover-1")
		return r.Mode == simulator.ModeReturning || r.Mode == simulator.ModeHome
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, util.WaitForMetric(ctx, "http://"+promAddr+"/metrics", `fleet_telemetry_messages_total{result="applied",source="mqtt"}`))
}
