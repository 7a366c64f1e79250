package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/fleetstream/config"
	"github.com/kilianp07/fleetstream/infra/logger"
	"github.com/kilianp07/fleetstream/internal/simulator"
)

var simCfg simulator.Config

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run simulated rovers against the broker",
	RunE:  runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simCfg.Broker, "broker", "", "broker URL (defaults to mqtt.broker from config)")
	f.IntVarP(&simCfg.Count, "count", "n", 5, "number of rovers")
	f.DurationVar(&simCfg.Interval, "interval", time.Second, "telemetry period")
	f.Float64Var(&simCfg.DuplicateRate, "duplicate-rate", 0, "probability of re-sending the previous document")
	f.Float64Var(&simCfg.DropRate, "drop-rate", 0, "probability of ignoring a command")
	f.Int64Var(&simCfg.Seed, "seed", 0, "random seed (0 uses the clock)")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := simCfg
	if fileCfg, err := config.Load(cfgPath); err == nil {
		if cfg.Broker == "" {
			cfg.Broker = fileCfg.MQTT.Broker
		}
		cfg.Prefix = fileCfg.Topics.Prefix
	}
	cfg.ClientID = fmt.Sprintf("fleetstream-sim-%d", time.Now().UnixNano())
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid simulator config: %w", err)
	}

	t, err := simulator.Dial(cfg)
	if err != nil {
		return fmt.Errorf("connect %s: %w", cfg.Broker, err)
	}
	return simulator.NewFleet(cfg, logger.New("simulator")).Run(ctx, t)
}
