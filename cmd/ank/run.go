package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/ankor/internal/runtime/containerd"
	"github.com/cuemby/ankor/internal/workload"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Add a single workload to the desired state",
}

var runWorkloadCmd = &cobra.Command{
	Use:   "workload NAME",
	Short: "Add one containerd workload",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunWorkload,
}

func init() {
	runWorkloadCmd.Flags().String("agent", "", "Agent to run this workload on (required)")
	runWorkloadCmd.Flags().String("image", "", "Container image reference (required)")
	runWorkloadCmd.Flags().StringSlice("command", nil, "Command override")
	runWorkloadCmd.Flags().StringSlice("env", nil, "Environment variables, NAME=VALUE")
	runWorkloadCmd.Flags().String("restart-policy", string(workload.RestartNever), "NEVER, ON_FAILURE or ALWAYS")
	runWorkloadCmd.Flags().StringSlice("dependency", nil, "dependency_name=ADD_COND_RUNNING|ADD_COND_SUCCEEDED|ADD_COND_FAILED")
	runWorkloadCmd.Flags().StringSlice("tag", nil, "key=value, may repeat")
	_ = runWorkloadCmd.MarkFlagRequired("agent")
	_ = runWorkloadCmd.MarkFlagRequired("image")

	runCmd.AddCommand(runWorkloadCmd)
}

func runRunWorkload(cmd *cobra.Command, args []string) error {
	name := args[0]
	agent, _ := cmd.Flags().GetString("agent")
	image, _ := cmd.Flags().GetString("image")
	command, _ := cmd.Flags().GetStringSlice("command")
	env, _ := cmd.Flags().GetStringSlice("env")
	restartPolicy, _ := cmd.Flags().GetString("restart-policy")
	dependencyFlags, _ := cmd.Flags().GetStringSlice("dependency")
	tagFlags, _ := cmd.Flags().GetStringSlice("tag")

	runtimeConfig, err := yaml.Marshal(containerd.Config{Image: image, Command: command, Env: env})
	if err != nil {
		return fmt.Errorf("ank: render runtime config: %w", err)
	}

	dependencies, err := parseDependencies(dependencyFlags)
	if err != nil {
		return err
	}

	spec := workload.Spec{
		WorkloadName:  name,
		Agent:         agent,
		Runtime:       "containerd",
		RuntimeConfig: string(runtimeConfig),
		Tags:          parseTags(tagFlags),
		Dependencies:  dependencies,
		RestartPolicy: workload.RestartPolicy(restartPolicy),
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

	newState := workload.CompleteState{DesiredState: workload.DesiredState{
		APIVersion: "v1",
		Workloads:  map[string]workload.Spec{name: spec},
	}}
	return applyState(conn, cfg, newState, []string{"desiredState.workloads." + name})
}

func parseTags(flags []string) []workload.Tag {
	var tags []workload.Tag
	for _, f := range flags {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		tags = append(tags, workload.Tag{Key: k, Value: v})
	}
	return tags
}

func parseDependencies(flags []string) (map[string]workload.AddCondition, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	deps := make(map[string]workload.AddCondition, len(flags))
	for _, f := range flags {
		name, cond, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("ank: invalid --dependency %q, want name=CONDITION", f)
		}
		deps[name] = workload.AddCondition(cond)
	}
	return deps, nil
}
