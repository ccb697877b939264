package wire

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/ankor/internal/workload"
)

// ToServer is the tagged-union envelope sent client->server and agent->server
// (§6). Exactly one field is set; Kind names which one.
type ToServer struct {
	Kind string `json:"kind"`

	AgentHello          *AgentHello          `json:"agentHello,omitempty"`
	CommanderHello      *CommanderHello      `json:"commanderHello,omitempty"`
	Request             *Request             `json:"request,omitempty"`
	UpdateWorkloadState *UpdateWorkloadState `json:"updateWorkloadState,omitempty"`
	AgentLoadStatus     *AgentLoadStatus     `json:"agentLoadStatus,omitempty"`
	Goodbye             *Goodbye             `json:"goodbye,omitempty"`
	LogsRequest         *LogsRequest         `json:"logsRequest,omitempty"`
	LogsCancelRequest   *LogsCancelRequest   `json:"logsCancelRequest,omitempty"`
	// LogEntries carries one batch a log-streaming agent sends upstream for
	// the server to relay to the subscribed client (§4.9 LogsRequest path).
	LogEntries *AgentLogEntries `json:"logEntries,omitempty"`
}

// FromServer is the tagged-union envelope sent server->agent/client (§6).
type FromServer struct {
	Kind string `json:"kind"`

	UpdateWorkload      *UpdateWorkload      `json:"updateWorkload,omitempty"`
	UpdateWorkloadState *UpdateWorkloadState `json:"updateWorkloadState,omitempty"`
	Response            *Response            `json:"response,omitempty"`
	ServerHello         *ServerHello         `json:"serverHello,omitempty"`
	ConnectionClosed    *ConnectionClosed    `json:"connectionClosed,omitempty"`
	Goodbye             *Goodbye             `json:"goodbye,omitempty"`
	LogEntries          *LogEntriesResponse  `json:"logEntries,omitempty"`
	// LogsRequest forwards a resolved LogsRequest down to the agent hosting
	// the named workloads, tagged with the originating client's request_id
	// so AgentLogEntries/LogsCancelRequest can be correlated back to it.
	LogsRequest *ServerLogsRequest `json:"logsRequestForward,omitempty"`
	// LogsCancelRequest forwards a cancellation down to every agent serving
	// the named request_id's log stream.
	LogsCancelRequest *LogsCancelRequest `json:"logsCancelRequest,omitempty"`
}

// ToAnkaios is the tagged-union envelope a workload sends its own agent over
// the control-interface input pipe (§4.12, §6).
type ToAnkaios struct {
	Kind    string   `json:"kind"`
	Hello   *Hello   `json:"hello,omitempty"`
	Request *Request `json:"request,omitempty"`
}

// FromAnkaios is the tagged-union envelope the agent writes back to a
// workload over the control-interface output pipe.
type FromAnkaios struct {
	Kind                    string                   `json:"kind"`
	Response                *Response                `json:"response,omitempty"`
	ConnectionClosed        *ConnectionClosed        `json:"connectionClosed,omitempty"`
	ControlInterfaceAccepted *ControlInterfaceAccepted `json:"controlInterfaceAccepted,omitempty"`
}

const (
	KindAgentHello          = "agentHello"
	KindCommanderHello      = "commanderHello"
	KindRequest             = "request"
	KindUpdateWorkloadState = "updateWorkloadState"
	KindAgentLoadStatus     = "agentLoadStatus"
	KindGoodbye             = "goodbye"
	KindLogsRequest         = "logsRequest"
	KindLogsCancelRequest   = "logsCancelRequest"

	KindUpdateWorkload     = "updateWorkload"
	KindResponse           = "response"
	KindServerHello        = "serverHello"
	KindConnectionClosed   = "connectionClosed"
	KindLogEntries         = "logEntries"
	KindLogsRequestForward = "logsRequestForward"

	KindHello                     = "hello"
	KindControlInterfaceAccepted  = "controlInterfaceAccepted"
)

// Hello carries the protocol version string; the recipient compares it
// against its own ProtocolVersion constant (§6).
type Hello struct {
	ProtocolVersion string `json:"protocolVersion"`
}

// AgentHello is the agent's handshake to the server.
type AgentHello struct {
	AgentName       string `json:"agentName"`
	ProtocolVersion string `json:"protocolVersion"`
}

// CommanderHello is a CLI client's handshake to the server.
type CommanderHello struct {
	ProtocolVersion string `json:"protocolVersion"`
}

// ServerHello is the server's reply to a handshake. It carries only the
// greeted agent's name (empty for a CLI client); no state travels with it.
type ServerHello struct {
	AgentName string `json:"agentName,omitempty"`
}

// Goodbye signals an orderly session end.
type Goodbye struct{}

// ConnectionClosed terminates a session with a human-readable reason.
type ConnectionClosed struct {
	Reason string `json:"reason"`
}

// ControlInterfaceAccepted confirms a successful control-interface handshake.
type ControlInterfaceAccepted struct{}

// AgentLoadStatus reports one agent's resource snapshot.
type AgentLoadStatus struct {
	AgentName string  `json:"agentName"`
	CPUUsage  float64 `json:"cpuUsage"`
	FreeMemory int64  `json:"freeMemory"`
}

// UpdateWorkloadState carries a batch of execution-state reports.
type UpdateWorkloadState struct {
	WorkloadStates []WorkloadStateEntry `json:"workloadStates"`
}

// WorkloadStateEntry pairs an instance name with its execution state.
type WorkloadStateEntry struct {
	InstanceName   workload.InstanceName  `json:"instanceName"`
	ExecutionState workload.ExecutionState `json:"executionState"`
}

// UpdateWorkload is the server's instruction to an agent to add and/or
// delete workload instances (§4.8).
type UpdateWorkload struct {
	Added   []workload.AddedWorkload   `json:"added,omitempty"`
	Deleted []workload.DeletedWorkload `json:"deleted,omitempty"`
}

// LogsRequest asks the server (or, forwarded, an agent) to stream logs for
// a set of workload names.
type LogsRequest struct {
	WorkloadNames []string `json:"workloadNames"`
	Follow        bool     `json:"follow"`
	Tail          int      `json:"tail,omitempty"`
	Since         string   `json:"since,omitempty"`
	Until         string   `json:"until,omitempty"`
}

// LogsCancelRequest ends a previously accepted log stream.
type LogsCancelRequest struct {
	RequestID string `json:"requestId"`
}

// LogEntriesResponse carries one batch of streamed log lines.
type LogEntriesResponse struct {
	WorkloadName string   `json:"workloadName"`
	Lines        []string `json:"lines"`
}

// ServerLogsRequest is a LogsRequest the server forwards down to the agent
// hosting the named workloads, tagged with the client request_id it was
// resolved from so the agent's AgentLogEntries batches and eventual
// LogsCancelRequest can be routed back to the right client session.
type ServerLogsRequest struct {
	RequestID   string      `json:"requestId"`
	LogsRequest LogsRequest `json:"logsRequest"`
}

// AgentLogEntries is one batch of log lines an agent sends upstream for the
// server to relay to the client session that issued RequestID.
type AgentLogEntries struct {
	RequestID    string   `json:"requestId"`
	WorkloadName string   `json:"workloadName"`
	Lines        []string `json:"lines"`
	Done         bool     `json:"done,omitempty"`
}

// Request is the generic, request_id-carrying envelope for
// UpdateStateRequest / CompleteStateRequest / LogsRequest / LogsCancelRequest
// forwarded across a control-interface or client session.
type Request struct {
	RequestID string `json:"requestId"`

	UpdateStateRequest   *UpdateStateRequest   `json:"updateStateRequest,omitempty"`
	CompleteStateRequest *CompleteStateRequest `json:"completeStateRequest,omitempty"`
	LogsRequest          *LogsRequest          `json:"logsRequest,omitempty"`
	LogsCancelRequest    *LogsCancelRequest    `json:"logsCancelRequest,omitempty"`
	EventsRequest        *EventsRequest        `json:"eventsRequest,omitempty"`
}

// EventsRequest asks the server for the event-log supplement backing
// `ank get events`: the full history, or one workload name's, newest first.
type EventsRequest struct {
	WorkloadName string `json:"workloadName,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// EventsResponseEntry is one event-log record flattened for the wire;
// ExecutionState is omitted for ACCESS_DENIED entries.
type EventsResponseEntry struct {
	Timestamp      string                  `json:"timestamp"`
	Kind           string                  `json:"kind"`
	InstanceName   workload.InstanceName   `json:"instanceName"`
	ExecutionState *workload.ExecutionState `json:"executionState,omitempty"`
	Message        string                  `json:"message,omitempty"`
}

// EventsResponse carries the resolved event-log entries, newest first.
type EventsResponse struct {
	Events []EventsResponseEntry `json:"events"`
}

// UpdateStateRequest proposes a new desired state restricted to update_mask.
type UpdateStateRequest struct {
	NewState   workload.CompleteState `json:"newState"`
	UpdateMask []string               `json:"updateMask,omitempty"`
}

// CompleteStateRequest asks for the subset of state matching field_mask,
// optionally subscribing to future deltas.
type CompleteStateRequest struct {
	FieldMask []string `json:"fieldMask,omitempty"`
	Subscribe bool     `json:"subscribe,omitempty"`
}

// Response is the generic reply envelope, carrying exactly one of a success
// payload or an Error.
type Response struct {
	RequestID string `json:"requestId"`

	UpdateStateSuccess   *UpdateStateSuccess   `json:"updateStateSuccess,omitempty"`
	CompleteStateResponse *CompleteStateResponse `json:"completeStateResponse,omitempty"`
	LogsRequestAccepted  *LogsRequestAccepted  `json:"logsRequestAccepted,omitempty"`
	EventsResponse       *EventsResponse       `json:"eventsResponse,omitempty"`
	Error                *ResponseError        `json:"error,omitempty"`
}

// ResponseError is the Error variant of ResponseContent (§4.5, §7).
type ResponseError struct {
	Message string `json:"message"`
}

// UpdateStateSuccess lists the fully-qualified instance names affected by
// an accepted UpdateStateRequest (§4.9 step 7).
type UpdateStateSuccess struct {
	AddedWorkloads   []workload.InstanceName `json:"addedWorkloads"`
	DeletedWorkloads []workload.InstanceName `json:"deletedWorkloads"`
}

// CompleteStateResponse carries either the initial snapshot or, for a
// subscribed requester, a delta (§4.9, §4.11).
type CompleteStateResponse struct {
	State         *workload.CompleteState `json:"state,omitempty"`
	AlteredFields *AlteredFields          `json:"alteredFields,omitempty"`
}

// AlteredFields is the compact diff the state comparator produces (§4.11).
type AlteredFields struct {
	Added   []string `json:"added,omitempty"`
	Updated []string `json:"updated,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// LogsRequestAccepted lists the workload names a LogsRequest was resolved
// against and accepted for.
type LogsRequestAccepted struct {
	Workloads []workload.InstanceName `json:"workloads"`
}

// Encode marshals v to JSON and writes it as a single frame.
func Encode(w *FrameWriter, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}
	return w.WriteFrame(payload)
}

// Decode reads one frame and unmarshals it into v.
func Decode(r *FrameReader, v any) error {
	payload, err := r.ReadFrame()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("wire: decode: %w", err)
	}
	return nil
}
