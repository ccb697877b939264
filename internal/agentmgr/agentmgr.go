// Package agentmgr implements the agent manager of §4.8: the per-agent
// process that owns a map of workload-name to supervisor handle, a
// connection to the server, and the agent's control-interface base path.
// Grounded on original_source's server_state.rs command/apply idiom (kept
// for the server side of the same shape) generalised to the agent side,
// and on the teacher's pkg/manager/manager.go apply-a-command loop
// structure, replaced here by a read-dispatch-react loop over FromServer
// messages since there is no raft log to apply against.
package agentmgr

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/ankor/internal/authz"
	"github.com/cuemby/ankor/internal/controlapi"
	"github.com/cuemby/ankor/internal/depgraph"
	"github.com/cuemby/ankor/internal/fswrite"
	"github.com/cuemby/ankor/internal/log"
	"github.com/cuemby/ankor/internal/metrics"
	"github.com/cuemby/ankor/internal/router"
	"github.com/cuemby/ankor/internal/runtime"
	"github.com/cuemby/ankor/internal/supervisor"
	"github.com/cuemby/ankor/internal/transport"
	"github.com/cuemby/ankor/internal/workload"
	"github.com/cuemby/ankor/internal/wire"
)

// ProtocolVersion must match controlapi.ProtocolVersion; it is the
// version string exchanged in AgentHello/ServerHello (§6).
const ProtocolVersion = controlapi.ProtocolVersion

// Manager owns every supervisor running on this agent plus the single
// connection back to the server.
type Manager struct {
	agentName string
	adapter   runtime.Adapter
	conn      *transport.Conn
	runFolder string
	logger    *log.Logger

	router *router.Table

	mu           sync.Mutex
	supervisors  map[string]*supervisor.Supervisor // workload_name -> supervisor
	instanceIDs  map[string]workload.InstanceName  // workload_name -> current instance
	controlTasks map[string]*fifoPipes             // workload_name -> open control-interface pipes

	depStates map[string]workload.ExecutionState // dependency_name -> its latest known state
	pending   map[string]workload.AddedWorkload  // workload_name -> add waiting on depStates (§4.4 add gating)

	runCtx     context.Context
	gotInitial bool
}

// Config bundles a Manager's fixed collaborators.
type Config struct {
	AgentName string
	Adapter   runtime.Adapter
	Conn      *transport.Conn
	RunFolder string
	Logger    *log.Logger
}

// New constructs a Manager. Call Run to start the handshake and main loop.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &Manager{
		agentName:    cfg.AgentName,
		adapter:      cfg.Adapter,
		conn:         cfg.Conn,
		runFolder:    cfg.RunFolder,
		logger:       logger,
		router:       router.New(),
		supervisors:  make(map[string]*supervisor.Supervisor),
		instanceIDs:  make(map[string]workload.InstanceName),
		controlTasks: make(map[string]*fifoPipes),
		depStates:    make(map[string]workload.ExecutionState),
		pending:      make(map[string]workload.AddedWorkload),
	}
}

// Run performs the AgentHello handshake and then services FromServer
// messages until the connection closes or ctx is cancelled (§4.8 steps 1-3).
func (m *Manager) Run(ctx context.Context) error {
	m.runCtx = ctx
	if err := m.handshake(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		payload, err := m.conn.Recv()
		if err != nil {
			m.onDisconnect()
			return fmt.Errorf("agentmgr: connection lost: %w", err)
		}

		var msg wire.FromServer
		if err := json.Unmarshal(payload, &msg); err != nil {
			m.logger.WithAgent(m.agentName).Warn().Err(err).Msg("discarding malformed server message")
			continue
		}

		m.dispatch(ctx, msg)
	}
}

func (m *Manager) handshake() error {
	hello := wire.ToServer{Kind: wire.KindAgentHello, AgentHello: &wire.AgentHello{
		AgentName:       m.agentName,
		ProtocolVersion: ProtocolVersion,
	}}
	if err := m.send(hello); err != nil {
		return fmt.Errorf("agentmgr: send AgentHello: %w", err)
	}

	payload, err := m.conn.Recv()
	if err != nil {
		return fmt.Errorf("agentmgr: handshake: %w", err)
	}
	var reply wire.FromServer
	if err := json.Unmarshal(payload, &reply); err != nil {
		return fmt.Errorf("agentmgr: handshake: malformed reply: %w", err)
	}
	if reply.Kind == wire.KindConnectionClosed {
		reason := ""
		if reply.ConnectionClosed != nil {
			reason = reply.ConnectionClosed.Reason
		}
		return fmt.Errorf("agentmgr: server closed handshake: %s", reason)
	}
	if reply.Kind != wire.KindServerHello {
		return fmt.Errorf("agentmgr: expected ServerHello, got %q", reply.Kind)
	}
	return nil
}

func (m *Manager) send(msg wire.ToServer) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	metrics.TransportRequestsTotal.WithLabelValues("agent").Inc()
	return m.conn.Send(payload)
}

func (m *Manager) dispatch(ctx context.Context, msg wire.FromServer) {
	switch msg.Kind {
	case wire.KindUpdateWorkload:
		if msg.UpdateWorkload == nil {
			return
		}
		if !m.gotInitial {
			m.gotInitial = true
			m.reconcileInitial(ctx, msg.UpdateWorkload.Added)
			return
		}
		m.handleUpdateWorkload(ctx, *msg.UpdateWorkload)

	case wire.KindResponse:
		if msg.Response == nil {
			return
		}
		m.routeResponse(*msg.Response)

	case wire.KindUpdateWorkloadState:
		if msg.UpdateWorkloadState == nil {
			return
		}
		for _, entry := range msg.UpdateWorkloadState.WorkloadStates {
			m.recordDepState(entry.InstanceName.WorkloadName, entry.ExecutionState)
		}
		m.releaseEligiblePending(ctx)

	case wire.KindLogsRequestForward:
		if msg.LogsRequest != nil {
			m.serviceLogsRequest(ctx, *msg.LogsRequest)
		}

	case wire.KindLogsCancelRequest:
		// a one-shot log send has already completed synchronously by the
		// time a cancel could arrive; nothing to interrupt.

	case wire.KindConnectionClosed:
		m.onDisconnect()

	default:
		m.logger.WithAgent(m.agentName).Warn().Str("kind", msg.Kind).Msg("unhandled message from server")
	}
}

// routeResponse delivers a Response carrying a stacked request_id prefix
// to the control-interface task that forwarded the original request
// (§4.12).
func (m *Manager) routeResponse(resp wire.Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if _, err := m.router.Route(resp.RequestID, payload); err != nil {
		m.logger.WithAgent(m.agentName).Warn().Err(err).Str("request_id", resp.RequestID).Msg("dropping response with unknown prefix")
	}
}

// onDisconnect logs that the connection to the server was lost. It does
// not change any local workload state; the server is the one that records
// AgentDisconnected for this agent's workloads once it notices the
// disconnect.
func (m *Manager) onDisconnect() {
	m.logger.WithAgent(m.agentName).Warn().Msg("connection to server lost")
}

// reconcileInitial implements §4.8 step 2: compare the adapter's already
// running instances against the first desired list by instance name.
func (m *Manager) reconcileInitial(ctx context.Context, added []workload.AddedWorkload) {
	reusable, err := m.adapter.ListReusableWorkloads(ctx, m.agentName)
	if err != nil {
		m.logger.WithAgent(m.agentName).Warn().Err(err).Msg("could not list reusable workloads; starting clean")
		reusable = nil
	}

	reusableByName := make(map[string]workload.InstanceName, len(reusable))
	for _, name := range reusable {
		reusableByName[name.WorkloadName] = name
	}

	desiredByName := make(map[string]workload.AddedWorkload, len(added))
	for _, aw := range added {
		desiredByName[aw.InstanceName.WorkloadName] = aw
	}

	for name, aw := range desiredByName {
		existing, ok := reusableByName[name]
		switch {
		case ok && existing.ID == aw.InstanceName.ID:
			m.resumeWorkload(ctx, aw)
		case ok:
			m.replaceWorkload(ctx, existing.ID, aw)
		default:
			m.maybeStartWorkload(ctx, aw)
		}
	}

	for name, existing := range reusableByName {
		if _, stillDesired := desiredByName[name]; !stillDesired {
			if err := m.adapter.Delete(ctx, existing.ID); err != nil {
				m.logger.WithAgent(m.agentName).Warn().Err(err).Str("workload_name", name).Msg("could not delete orphaned workload")
			}
		}
	}
}

// handleUpdateWorkload implements §4.8 step 3's UpdateWorkload handling:
// each added entry maps to start (new name) or Update (existing name);
// each deleted entry maps to Stop.
func (m *Manager) handleUpdateWorkload(ctx context.Context, msg wire.UpdateWorkload) {
	for _, aw := range msg.Added {
		m.mu.Lock()
		_, exists := m.supervisors[aw.InstanceName.WorkloadName]
		m.mu.Unlock()
		if exists {
			m.updateWorkload(aw)
		} else {
			m.maybeStartWorkload(ctx, aw)
		}
	}
	for _, dw := range msg.Deleted {
		m.mu.Lock()
		delete(m.pending, dw.InstanceName.WorkloadName)
		m.mu.Unlock()
		m.stopWorkload(dw.InstanceName.WorkloadName)
	}
}

// maybeStartWorkload implements §4.4 add gating: a workload whose
// dependencies are not all satisfied is parked in pending and reported as
// Pending(WaitingToStart) instead of being started immediately.
func (m *Manager) maybeStartWorkload(ctx context.Context, aw workload.AddedWorkload) {
	if depgraph.AddEligible(aw.Spec, m.depState) {
		m.mu.Lock()
		delete(m.pending, aw.InstanceName.WorkloadName)
		m.mu.Unlock()
		m.startWorkload(ctx, aw)
		return
	}
	m.mu.Lock()
	m.pending[aw.InstanceName.WorkloadName] = aw
	m.mu.Unlock()
	m.reportState(aw.InstanceName, workload.ExecutionState{Main: workload.StatePending, Sub: workload.SubWaitingToStart})
}

// depState looks up a dependency's latest known execution state, locking.
func (m *Manager) depState(name string) (workload.ExecutionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.depStates[name]
	return state, ok
}

// depStateLocked is depState's callers-already-hold-m.mu counterpart.
func (m *Manager) depStateLocked(name string) (workload.ExecutionState, bool) {
	state, ok := m.depStates[name]
	return state, ok
}

// recordDepState updates the locally-tracked state of a dependency name,
// fed both by this agent's own supervisors (reportState) and by
// UpdateWorkloadState broadcasts the server relays from every other agent.
func (m *Manager) recordDepState(name string, state workload.ExecutionState) {
	m.mu.Lock()
	m.depStates[name] = state
	m.mu.Unlock()
}

// releaseEligiblePending re-checks every parked add against the latest
// depStates and starts whichever have become eligible.
func (m *Manager) releaseEligiblePending(ctx context.Context) {
	m.mu.Lock()
	var ready []workload.AddedWorkload
	for name, aw := range m.pending {
		if depgraph.AddEligible(aw.Spec, m.depStateLocked) {
			ready = append(ready, aw)
			delete(m.pending, name)
		}
	}
	m.mu.Unlock()
	for _, aw := range ready {
		m.startWorkload(ctx, aw)
	}
}

func (m *Manager) prepareInstance(aw workload.AddedWorkload) (string, error) {
	dir := fswrite.InstanceDir(m.runFolder, m.agentName, aw.InstanceName.ID)
	if _, err := fswrite.WriteFiles(dir, aw.Spec.Files); err != nil {
		return "", fmt.Errorf("materialise files: %w", err)
	}

	controlInterfacePath := ""
	if len(aw.Spec.ControlInterfaceAccess.AllowRules) > 0 || len(aw.Spec.ControlInterfaceAccess.DenyRules) > 0 {
		ciPath, err := fswrite.ProvisionControlInterface(dir)
		if err != nil {
			return "", fmt.Errorf("provision control interface: %w", err)
		}
		controlInterfacePath = ciPath

		pipes, err := newFIFOPipes(ciPath)
		if err != nil {
			return "", fmt.Errorf("open control interface pipes: %w", err)
		}
		m.mu.Lock()
		m.controlTasks[aw.InstanceName.WorkloadName] = pipes
		m.mu.Unlock()

		fromServer := make(chan wire.Response, 1)
		m.router.Register(aw.InstanceName.String(), func(requestID string, payload []byte) {
			var resp wire.Response
			if err := json.Unmarshal(payload, &resp); err != nil {
				return
			}
			resp.RequestID = requestID
			select {
			case fromServer <- resp:
			default:
			}
		})

		task := controlapi.New(pipes, (*serverSink)(m), authoriserFor(aw.Spec), aw.InstanceName.String(), fromServer, m.logger)
		go task.Run()
	}

	return controlInterfacePath, nil
}

func (m *Manager) startWorkload(ctx context.Context, aw workload.AddedWorkload) {
	controlInterfacePath, err := m.prepareInstance(aw)
	if err != nil {
		m.logger.WithAgent(m.agentName).Warn().Err(err).Str("workload_name", aw.InstanceName.WorkloadName).Msg("could not prepare workload instance")
		return
	}

	cfg := m.supervisorConfig(aw.InstanceName, controlInterfacePath)
	sup := supervisor.Start(ctx, cfg, aw.Spec)
	m.track(aw, sup)
}

func (m *Manager) resumeWorkload(ctx context.Context, aw workload.AddedWorkload) {
	cfg := m.supervisorConfig(aw.InstanceName, "")
	sup := supervisor.Resume(ctx, cfg, aw.Spec, aw.InstanceName.ID)
	m.track(aw, sup)
}

func (m *Manager) replaceWorkload(ctx context.Context, oldID string, aw workload.AddedWorkload) {
	cfg := m.supervisorConfig(aw.InstanceName, "")
	sup := supervisor.Replace(ctx, cfg, oldID, aw.Spec)
	m.track(aw, sup)
}

func (m *Manager) updateWorkload(aw workload.AddedWorkload) {
	m.mu.Lock()
	sup, ok := m.supervisors[aw.InstanceName.WorkloadName]
	m.mu.Unlock()
	if !ok {
		return
	}
	sup.Update(aw.Spec)
	m.mu.Lock()
	m.instanceIDs[aw.InstanceName.WorkloadName] = aw.InstanceName
	m.mu.Unlock()
}

func (m *Manager) stopWorkload(name string) {
	m.mu.Lock()
	sup, ok := m.supervisors[name]
	delete(m.supervisors, name)
	id := m.instanceIDs[name]
	delete(m.instanceIDs, name)
	pipes, hadPipes := m.controlTasks[name]
	delete(m.controlTasks, name)
	m.mu.Unlock()
	if !ok {
		return
	}
	sup.Stop()
	m.router.Unregister(id.String())
	if hadPipes {
		pipes.Close()
	}
	fswrite.RemoveInstance(fswrite.InstanceDir(m.runFolder, m.agentName, id.ID))
}

func (m *Manager) track(aw workload.AddedWorkload, sup *supervisor.Supervisor) {
	m.mu.Lock()
	m.supervisors[aw.InstanceName.WorkloadName] = sup
	m.instanceIDs[aw.InstanceName.WorkloadName] = aw.InstanceName
	m.mu.Unlock()
}

func (m *Manager) supervisorConfig(name workload.InstanceName, controlInterfacePath string) supervisor.Config {
	return supervisor.Config{
		Adapter:              m.adapter,
		InstanceName:         name,
		ControlInterfacePath: controlInterfacePath,
		Observer:             m.reportState,
		Logger:               m.logger,
	}
}

// reportState emits an UpdateWorkloadState for a single supervised
// workload's state change (§4.8 step 3 "Outbound").
func (m *Manager) reportState(name workload.InstanceName, state workload.ExecutionState) {
	m.recordDepState(name.WorkloadName, state)
	if m.runCtx != nil {
		m.releaseEligiblePending(m.runCtx)
	}

	msg := wire.ToServer{Kind: wire.KindUpdateWorkloadState, UpdateWorkloadState: &wire.UpdateWorkloadState{
		WorkloadStates: []wire.WorkloadStateEntry{{InstanceName: name, ExecutionState: state}},
	}}
	if err := m.send(msg); err != nil {
		m.logger.WithAgent(m.agentName).Warn().Err(err).Msg("could not report workload state")
	}
}

// serviceLogsRequest answers a LogsRequest the server forwarded for a
// workload hosted on this agent. The adapter is type-asserted for the
// optional runtime.LogStreamer capability; an adapter that lacks it gets an
// empty, Done batch back. This is a simplified one-shot read: follow=true
// is accepted but not honoured, since streaming indefinitely would need a
// cancellable goroutine per request and LogsCancelRequest plumbing this
// agent does not yet have.
func (m *Manager) serviceLogsRequest(ctx context.Context, req wire.ServerLogsRequest) {
	streamer, ok := m.adapter.(runtime.LogStreamer)
	if !ok {
		m.sendLogEntries(req.RequestID, "", nil)
		return
	}

	for _, name := range req.LogsRequest.WorkloadNames {
		m.mu.Lock()
		instance, known := m.instanceIDs[name]
		m.mu.Unlock()
		if !known {
			continue
		}

		reader, err := streamer.StreamLogs(ctx, instance.ID, false, req.LogsRequest.Tail)
		if err != nil {
			m.logger.WithAgent(m.agentName).Warn().Err(err).Str("workload_name", name).Msg("could not open log stream")
			m.sendLogEntries(req.RequestID, name, nil)
			continue
		}

		var lines []string
		scanner := bufio.NewScanner(reader)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		reader.Close()
		m.sendLogEntries(req.RequestID, name, lines)
	}
}

func (m *Manager) sendLogEntries(requestID, workloadName string, lines []string) {
	msg := wire.ToServer{Kind: wire.KindLogEntries, LogEntries: &wire.AgentLogEntries{
		RequestID:    requestID,
		WorkloadName: workloadName,
		Lines:        lines,
		Done:         true,
	}}
	if err := m.send(msg); err != nil {
		m.logger.WithAgent(m.agentName).Warn().Err(err).Str("request_id", requestID).Msg("could not forward log entries")
	}
}

// serverSink adapts *Manager to controlapi.ToServer, forwarding a
// control-interface task's prefixed Request over the shared agent-server
// connection.
type serverSink Manager

func (s *serverSink) Send(req wire.Request) error {
	m := (*Manager)(s)
	return m.send(wire.ToServer{Kind: wire.KindRequest, Request: &req})
}

// authoriserFor builds the authoriser a workload's control-interface task
// enforces requests against (§4.5), from the rules declared on its spec.
func authoriserFor(spec workload.Spec) *authz.Authoriser {
	return authz.New(spec.ControlInterfaceAccess)
}

// fifoPipes implements controlapi.PipePair over a pair of named pipes
// already provisioned by fswrite.ProvisionControlInterface. Both ends are
// opened O_RDWR rather than O_RDONLY/O_WRONLY: opening a FIFO for one
// direction only blocks until a peer opens the other end, and the workload
// process on the far side may not have started that open yet.
type fifoPipes struct {
	input  *os.File
	output *os.File
	reader *wire.FrameReader
	writer *wire.FrameWriter
}

func newFIFOPipes(dir string) (*fifoPipes, error) {
	input, err := os.OpenFile(filepath.Join(dir, fswrite.InputFIFO), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open input fifo: %w", err)
	}
	output, err := os.OpenFile(filepath.Join(dir, fswrite.OutputFIFO), os.O_RDWR, 0)
	if err != nil {
		input.Close()
		return nil, fmt.Errorf("open output fifo: %w", err)
	}
	return &fifoPipes{
		input:  input,
		output: output,
		reader: wire.NewFrameReader(input),
		writer: wire.NewFrameWriter(output),
	}, nil
}

// ReadToAnkaios reads the next message a workload wrote to the input pipe.
func (p *fifoPipes) ReadToAnkaios() (wire.ToAnkaios, error) {
	var msg wire.ToAnkaios
	err := wire.Decode(p.reader, &msg)
	return msg, err
}

// WriteFromAnkaios writes msg to the output pipe for the workload to read.
func (p *fifoPipes) WriteFromAnkaios(msg wire.FromAnkaios) error {
	return wire.Encode(p.writer, msg)
}

func (p *fifoPipes) Close() error {
	inErr := p.input.Close()
	outErr := p.output.Close()
	if inErr != nil {
		return inErr
	}
	return outErr
}
