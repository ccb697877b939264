package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/ankor/internal/wire"
)

var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Retrieve state from the server",
}

var getStateCmd = &cobra.Command{
	Use:   "state [field_mask...]",
	Short: "Print the complete state, or the subset matching field_mask",
	RunE:  runGetState,
}

var getWorkloadCmd = &cobra.Command{
	Use:   "workload [name...]",
	Short: "Print the desired-state spec and current execution state for one or more workloads",
	RunE:  runGetWorkload,
}

var getAgentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Print every connected agent's resource load",
	RunE:  runGetAgent,
}

var getEventsCmd = &cobra.Command{
	Use:   "events [workload]",
	Short: "Print the event log, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runGetEvents,
}

func init() {
	getEventsCmd.Flags().Int("limit", 0, "Maximum number of events to print (0 = unbounded)")

	getCmd.AddCommand(getStateCmd)
	getCmd.AddCommand(getWorkloadCmd)
	getCmd.AddCommand(getAgentCmd)
	getCmd.AddCommand(getEventsCmd)
}

func runGetState(cmd *cobra.Command, args []string) error {
	cfg, err := resolveCLI(cmd)
	if err != nil {
		return err
	}
	conn, err := dialServer(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := wire.Request{RequestID: newRequestID(), CompleteStateRequest: &wire.CompleteStateRequest{FieldMask: args}}
	resp, err := sendRequest(conn, req, time.Duration(cfg.ResponseTimeout)*time.Millisecond)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("ank: %s", resp.Error.Message)
	}
	if resp.CompleteStateResponse == nil || resp.CompleteStateResponse.State == nil {
		fmt.Println("no state")
		return nil
	}
	return printYAML(resp.CompleteStateResponse.State)
}

func runGetWorkload(cmd *cobra.Command, args []string) error {
	cfg, err := resolveCLI(cmd)
	if err != nil {
		return err
	}
	conn, err := dialServer(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	fieldMask := []string{"desiredState.workloads", "workloadStates"}
	if len(args) > 0 {
		fieldMask = nil
		for _, name := range args {
			fieldMask = append(fieldMask, "desiredState.workloads."+name, "workloadStates")
		}
	}

	req := wire.Request{RequestID: newRequestID(), CompleteStateRequest: &wire.CompleteStateRequest{FieldMask: fieldMask}}
	resp, err := sendRequest(conn, req, time.Duration(cfg.ResponseTimeout)*time.Millisecond)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("ank: %s", resp.Error.Message)
	}
	if resp.CompleteStateResponse == nil || resp.CompleteStateResponse.State == nil {
		fmt.Println("no workloads found")
		return nil
	}

	state := resp.CompleteStateResponse.State
	fmt.Printf("%-20s %-15s %-10s %-20s\n", "WORKLOAD NAME", "AGENT", "RUNTIME", "EXECUTION STATE")
	for name, spec := range state.DesiredState.Workloads {
		status := "N/A"
		for _, byName := range state.WorkloadStates {
			ids, ok := byName[name]
			if !ok {
				continue
			}
			for _, es := range ids {
				status = string(es.Main)
				if es.Sub != "" {
					status = fmt.Sprintf("%s(%s)", es.Main, es.Sub)
				}
			}
		}
		fmt.Printf("%-20s %-15s %-10s %-20s\n", name, spec.Agent, spec.Runtime, status)
	}
	return nil
}

func runGetAgent(cmd *cobra.Command, args []string) error {
	cfg, err := resolveCLI(cmd)
	if err != nil {
		return err
	}
	conn, err := dialServer(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := wire.Request{RequestID: newRequestID(), CompleteStateRequest: &wire.CompleteStateRequest{FieldMask: []string{"agents"}}}
	resp, err := sendRequest(conn, req, time.Duration(cfg.ResponseTimeout)*time.Millisecond)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("ank: %s", resp.Error.Message)
	}
	if resp.CompleteStateResponse == nil || resp.CompleteStateResponse.State == nil || len(resp.CompleteStateResponse.State.Agents) == 0 {
		fmt.Println("no agents connected")
		return nil
	}

	fmt.Printf("%-20s %-12s %s\n", "AGENT", "CPU %", "FREE MEMORY")
	for name, load := range resp.CompleteStateResponse.State.Agents {
		fmt.Printf("%-20s %-12.1f %d\n", name, load.CPUPercent, load.FreeMemoryBytes)
	}
	return nil
}

func runGetEvents(cmd *cobra.Command, args []string) error {
	cfg, err := resolveCLI(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")

	conn, err := dialServer(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	eventsReq := &wire.EventsRequest{Limit: limit}
	if len(args) > 0 {
		eventsReq.WorkloadName = args[0]
	}
	req := wire.Request{RequestID: newRequestID(), EventsRequest: eventsReq}
	resp, err := sendRequest(conn, req, time.Duration(cfg.ResponseTimeout)*time.Millisecond)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("ank: %s", resp.Error.Message)
	}
	if resp.EventsResponse == nil || len(resp.EventsResponse.Events) == 0 {
		fmt.Println("no events")
		return nil
	}

	fmt.Printf("%-30s %-18s %-25s %s\n", "TIMESTAMP", "KIND", "INSTANCE", "DETAIL")
	for _, evt := range resp.EventsResponse.Events {
		detail := evt.Message
		if evt.ExecutionState != nil {
			detail = string(evt.ExecutionState.Main)
			if evt.ExecutionState.Sub != "" {
				detail = fmt.Sprintf("%s(%s)", evt.ExecutionState.Main, evt.ExecutionState.Sub)
			}
		}
		fmt.Printf("%-30s %-18s %-25s %s\n", evt.Timestamp, evt.Kind, evt.InstanceName.String(), detail)
	}
	return nil
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()
	return enc.Encode(v)
}
