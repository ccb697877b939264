package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/ankor/internal/workload"
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove workloads from the desired state",
}

var deleteWorkloadCmd = &cobra.Command{
	Use:   "workload NAME...",
	Short: "Delete one or more workloads by name",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDeleteWorkload,
}

func init() {
	deleteCmd.AddCommand(deleteWorkloadCmd)
}

func runDeleteWorkload(cmd *cobra.Command, args []string) error {
	cfg, err := resolveCLI(cmd)
	if err != nil {
		return err
	}
	conn, err := dialServer(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	var updateMask []string
	for _, name := range args {
		updateMask = append(updateMask, "desiredState.workloads."+name)
	}

	if err := applyState(conn, cfg, workload.CompleteState{}, updateMask); err != nil {
		return fmt.Errorf("ank: delete workload: %w", err)
	}
	return nil
}
