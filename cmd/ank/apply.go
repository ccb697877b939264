package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/ankor/internal/workload"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a manifest as the new desired state",
	Long: `Apply replaces the server's desired state with the contents of a
manifest file (the same camelCase YAML shape as the persisted snapshot).

Examples:
  ank apply -f manifest.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "Manifest file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	desired, err := loadManifest(filename)
	if err != nil {
		return err
	}
	if desired.APIVersion != "v1" {
		return fmt.Errorf("ank: unsupported apiVersion %q, want \"v1\"", desired.APIVersion)
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

	return applyState(conn, cfg, workload.CompleteState{DesiredState: desired}, nil)
}
