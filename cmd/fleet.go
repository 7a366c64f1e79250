package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/fleetstream/core/model"
)

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Fleet related commands",
}

var fleetHealth string

var fleetLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List vehicles known to the service",
	RunE:  runFleetLs,
}

var fleetGetCmd = &cobra.Command{
	Use:   "get <vehicle-id>",
	Short: "Show the latest state of a vehicle",
	Args:  cobra.ExactArgs(1),
	RunE:  runFleetGet,
}

func init() {
	fleetLsCmd.Flags().StringVar(&fleetHealth, "health", "", "only list vehicles in this state (FRESH, STALE, LOST)")
	fleetCmd.AddCommand(fleetLsCmd, fleetGetCmd)
	rootCmd.AddCommand(fleetCmd)
}

func runFleetLs(cmd *cobra.Command, args []string) error {
	path := "/api/fleet"
	if fleetHealth != "" {
		path += "?health=" + url.QueryEscape(fleetHealth)
	}
	var states []model.VehicleState
	if err := apiCall(cmd.Context(), http.MethodGet, path, nil, &states); err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VEHICLE\tHEALTH\tSEQ\tLAST UPDATE")
	for _, st := range states {
		seq := "-"
		if s, ok := st.LastEvent.Sequence(); ok {
			seq = fmt.Sprint(s)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", st.VehicleID, st.Health, seq, st.LastUpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runFleetGet(cmd *cobra.Command, args []string) error {
	var st model.VehicleState
	if err := apiCall(cmd.Context(), http.MethodGet, "/api/fleet/"+url.PathEscape(args[0]), nil, &st); err != nil {
		return err
	}
	st.History = nil
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}
