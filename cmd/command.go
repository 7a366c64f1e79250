package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/kilianp07/fleetstream/core/model"
)

var commandCmd = &cobra.Command{
	Use:   "command",
	Short: "Vehicle command operations",
}

var (
	cmdPayload string
	cmdWait    bool
)

var commandSendCmd = &cobra.Command{
	Use:   "send <vehicle-id> <command-type>",
	Short: "Send a command to a vehicle",
	Args:  cobra.ExactArgs(2),
	RunE:  runCommandSend,
}

var commandStatusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Show the outcome of a command",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommandStatus,
}

func init() {
	commandSendCmd.Flags().StringVarP(&cmdPayload, "payload", "p", "", "JSON payload")
	commandSendCmd.Flags().BoolVarP(&cmdWait, "wait", "w", false, "wait for the acknowledgement")
	commandCmd.AddCommand(commandSendCmd, commandStatusCmd)
	rootCmd.AddCommand(commandCmd)
}

func runCommandSend(cmd *cobra.Command, args []string) error {
	body := map[string]any{"vehicleId": args[0], "commandType": args[1]}
	if cmdPayload != "" {
		if !json.Valid([]byte(cmdPayload)) {
			return fmt.Errorf("payload is not valid JSON")
		}
		body["payload"] = json.RawMessage(cmdPayload)
	}
	path := "/api/commands"
	if cmdWait {
		path += "?wait=true"
	}
	var res model.CommandResult
	if err := apiCall(cmd.Context(), http.MethodPost, path, body, &res); err != nil {
		return err
	}
	if res.Status == "" {
		fmt.Fprintln(cmd.OutOrStdout(), res.RequestID)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", res.RequestID, res.Status, res.Error)
	return nil
}

func runCommandStatus(cmd *cobra.Command, args []string) error {
	var res model.CommandResult
	if err := apiCall(cmd.Context(), http.MethodGet, "/api/commands/"+args[0], nil, &res); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s\n", res.RequestID, res.VehicleID, res.Status, res.Error)
	return nil
}
