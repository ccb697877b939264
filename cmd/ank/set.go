package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/ankor/internal/config"
	"github.com/cuemby/ankor/internal/transport"
	"github.com/cuemby/ankor/internal/wire"
	"github.com/cuemby/ankor/internal/workload"
)

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "Replace or partially update the desired state",
}

var setStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Apply a manifest as the new desired state",
	RunE:  runSetState,
}

func init() {
	setStateCmd.Flags().StringP("file", "f", "", "Manifest file to apply (required)")
	setStateCmd.Flags().StringSlice("update-mask", nil, "Restrict the update to these field_mask paths (default: replace the whole state)")
	_ = setStateCmd.MarkFlagRequired("file")

	setCmd.AddCommand(setStateCmd)
}

func runSetState(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	updateMask, _ := cmd.Flags().GetStringSlice("update-mask")

	desired, err := loadManifest(filename)
	if err != nil {
		return err
	}

	cfg, err := resolveCLI(cmd)
	if err != nil {
		return err
	}
	conn, err := dialServer(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	return applyState(conn, cfg, workload.CompleteState{DesiredState: desired}, updateMask)
}

// loadManifest reads a manifest file in the same camelCase YAML shape as
// the persisted desired-state snapshot (§6).
func loadManifest(path string) (workload.DesiredState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return workload.DesiredState{}, fmt.Errorf("ank: read %s: %w", path, err)
	}
	var desired workload.DesiredState
	if err := yaml.Unmarshal(data, &desired); err != nil {
		return workload.DesiredState{}, fmt.Errorf("ank: parse %s: %w", path, err)
	}
	return desired, nil
}

// applyState sends an UpdateStateRequest. With --no-wait it returns as soon
// as the request is on the wire; otherwise it prints the resulting
// added/deleted instance names once the server replies.
func applyState(conn *transport.Conn, cfg config.CLI, newState workload.CompleteState, updateMask []string) error {
	req := wire.Request{RequestID: newRequestID(), UpdateStateRequest: &wire.UpdateStateRequest{
		NewState:   newState,
		UpdateMask: updateMask,
	}}

	if cfg.NoWait {
		msg := wire.ToServer{Kind: wire.KindRequest, Request: &req}
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return conn.Send(payload)
	}

	resp, err := sendRequest(conn, req, time.Duration(cfg.ResponseTimeout)*time.Millisecond)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("ank: %s", resp.Error.Message)
	}
	if resp.UpdateStateSuccess == nil {
		return nil
	}
	for _, name := range resp.UpdateStateSuccess.AddedWorkloads {
		fmt.Printf("added: %s\n", name)
	}
	for _, name := range resp.UpdateStateSuccess.DeletedWorkloads {
		fmt.Printf("deleted: %s\n", name)
	}
	return nil
}
