// Package supervisor implements the per-workload task of §4.6: a
// finite-capacity command mailbox feeding a single cooperative goroutine
// that owns one workload's lifecycle against a runtime.Adapter. Grounded on
// original_source's agent/src/workload_facade.rs, generalised from Rust's
// actor-per-task idiom to a Go goroutine-plus-channel, and on the teacher's
// pkg/worker/worker.go executor-loop-per-task shape.
package supervisor

import (
	"context"
	"time"

	"github.com/cuemby/ankor/internal/log"
	"github.com/cuemby/ankor/internal/metrics"
	"github.com/cuemby/ankor/internal/runtime"
	"github.com/cuemby/ankor/internal/workload"
	"github.com/rs/zerolog"
)

// restartBackoffBase is the delay before the first restart attempt; each
// subsequent attempt within the budget doubles it.
const restartBackoffBase = 2 * time.Second

// mailboxDepth is the supervisor command channel's buffer size (§5).
const mailboxDepth = 5

// DefaultMaxRestarts bounds how many times the supervisor re-invokes
// adapter.Create after a terminal state before giving up and reporting
// Pending(StartingFailed). The spec leaves this implementation-defined
// (§9 open question a).
const DefaultMaxRestarts = 3

const noMoreRetriesMsg = "No more retries."

type commandKind int

const (
	cmdStop commandKind = iota
	cmdUpdate
)

type command struct {
	kind commandKind
	spec workload.Spec
}

// StateObserver is notified whenever the supervisor's reported execution
// state changes, so the agent manager can emit UpdateWorkloadState (§4.8).
type StateObserver func(name workload.InstanceName, state workload.ExecutionState)

// Supervisor owns one workload instance's lifecycle. All commands sent to
// it are ordered and processed one at a time; there is no preemption.
type Supervisor struct {
	mailbox chan command
	done    chan struct{}
}

// Config bundles a Supervisor's fixed collaborators.
type Config struct {
	Adapter              runtime.Adapter
	InstanceName         workload.InstanceName
	ControlInterfacePath string
	Observer             StateObserver
	MaxRestarts          int
	RestartBackoffBase   time.Duration
	Logger               *log.Logger
}

// Start constructs a new supervisor task and calls adapter.Create(spec)
// (§4.6 "start(spec)").
func Start(ctx context.Context, cfg Config, spec workload.Spec) *Supervisor {
	return run(ctx, cfg, func(s *worker) { s.create(ctx, spec) })
}

// Resume adopts an already-running instance by id without calling Create
// (§4.6 "resume(spec, id)").
func Resume(ctx context.Context, cfg Config, spec workload.Spec, id string) *Supervisor {
	return run(ctx, cfg, func(s *worker) { s.adopt(ctx, spec, id) })
}

// FromExisting adopts an already-running instance by id exactly as Resume
// does, starting its state checker; it issues no separate state refresh
// (§4.6 "from_existing(spec, id)").
func FromExisting(ctx context.Context, cfg Config, spec workload.Spec, id string) *Supervisor {
	return run(ctx, cfg, func(s *worker) { s.adopt(ctx, spec, id) })
}

// Replace instructs the adapter to atomically remove the old instance and
// create the new one, deletion-before-create (§4.6 "replace(...)").
func Replace(ctx context.Context, cfg Config, oldID string, newSpec workload.Spec) *Supervisor {
	return run(ctx, cfg, func(s *worker) {
		if err := cfg.Adapter.Delete(ctx, oldID); err != nil {
			s.log().Warn().Err(err).Str("old_id", oldID).Msg("replace: could not delete old instance")
		}
		s.create(ctx, newSpec)
	})
}

func run(ctx context.Context, cfg Config, init func(*worker)) *Supervisor {
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.RestartBackoffBase == 0 {
		cfg.RestartBackoffBase = restartBackoffBase
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}

	sup := &Supervisor{
		mailbox: make(chan command, mailboxDepth),
		done:    make(chan struct{}),
	}
	w := &worker{
		cfg:      cfg,
		stateCh:  make(chan workload.ExecutionState),
		mailbox:  sup.mailbox,
	}

	go func() {
		defer close(sup.done)
		init(w)
		w.loop(ctx)
	}()

	return sup
}

// Stop requests the supervisor stop its workload and terminate.
func (s *Supervisor) Stop() {
	s.mailbox <- command{kind: cmdStop}
}

// Update requests the supervisor replace its running spec with newSpec.
func (s *Supervisor) Update(newSpec workload.Spec) {
	s.mailbox <- command{kind: cmdUpdate, spec: newSpec}
}

// Done closes when the supervisor's goroutine has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// worker is the supervisor goroutine's private, single-owner state: the
// nullable opaque state handle, the current spec and the retry counter.
type worker struct {
	cfg     Config
	mailbox chan command
	stateCh chan workload.ExecutionState

	handle    string
	handleSet bool
	checker   runtime.StateChecker
	spec      workload.Spec
	restarts  int

	retryCh chan workload.Spec
}

func (w *worker) log() *zerolog.Logger {
	l := w.cfg.Logger.WithWorkload(w.cfg.InstanceName.WorkloadName)
	return &l
}

func (w *worker) sink(state workload.ExecutionState) {
	w.stateCh <- state
}

func (w *worker) report(state workload.ExecutionState) {
	if w.cfg.Observer != nil {
		w.cfg.Observer(w.cfg.InstanceName, state)
	}
	metrics.WorkloadStateTransitionsTotal.WithLabelValues(string(state.Main)).Inc()
}

// create calls adapter.Create and reports the outcome.
func (w *worker) create(ctx context.Context, spec workload.Spec) {
	w.spec = spec
	id, checker, err := w.cfg.Adapter.Create(ctx, spec, w.cfg.ControlInterfacePath, w.sink)
	if err != nil {
		w.handleSet = false
		w.log().Warn().Err(err).Msg("could not create workload")
		w.report(workload.ExecutionState{Main: workload.StateFailed, Sub: workload.SubExecFailed, AdditionalInfo: err.Error()})
		return
	}
	w.handle = id
	w.handleSet = true
	w.checker = checker
	w.report(workload.ExecutionState{Main: workload.StatePending, Sub: workload.SubStarting})
}

// adopt resumes an already-running instance under id without calling
// Create.
func (w *worker) adopt(ctx context.Context, spec workload.Spec, id string) {
	w.spec = spec
	w.handle = id
	w.handleSet = true
	w.checker = w.cfg.Adapter.StartStateChecker(ctx, id, spec, w.sink)
}

// loop processes commands and state-checker reports until Stop or mailbox
// closure. Only one command executes at a time; an in-flight create
// completes before Stop proceeds, since this goroutine is itself the only
// caller of adapter methods for this instance.
func (w *worker) loop(ctx context.Context) {
	w.retryCh = make(chan workload.Spec)
	for {
		select {
		case state, ok := <-w.stateCh:
			if !ok {
				return
			}
			w.onStateReport(ctx, state)

		case spec := <-w.retryCh:
			w.create(ctx, spec)

		case cmd, ok := <-w.mailbox:
			if !ok {
				w.log().Warn().Msg("mailbox closed without a terminating command")
				return
			}
			switch cmd.kind {
			case cmdStop:
				w.handleStop(ctx)
				return
			case cmdUpdate:
				w.handleUpdate(ctx, cmd.spec)
			}
		}
	}
}

func (w *worker) handleStop(ctx context.Context) {
	if w.checker != nil {
		w.checker.Stop()
	}
	if w.handleSet {
		if err := w.cfg.Adapter.Delete(ctx, w.handle); err != nil {
			w.log().Warn().Err(err).Msg("could not delete workload on stop")
		}
	}
}

func (w *worker) handleUpdate(ctx context.Context, newSpec workload.Spec) {
	if w.checker != nil {
		w.checker.Stop()
		w.checker = nil
	}
	if w.handleSet {
		if err := w.cfg.Adapter.Delete(ctx, w.handle); err != nil {
			w.handleSet = false
			w.log().Warn().Err(err).Msg("could not delete workload for update; leaving it failed")
			w.report(workload.ExecutionState{Main: workload.StateFailed, Sub: workload.SubDeleteFailed, AdditionalInfo: err.Error()})
			return
		}
	}
	w.restarts = 0
	w.create(ctx, newSpec)
}

// onStateReport applies the restart policy whenever the checker reports a
// terminal state (§4.6).
func (w *worker) onStateReport(ctx context.Context, state workload.ExecutionState) {
	w.report(state)

	if !state.IsSucceeded() && !state.IsFailed() {
		return
	}

	shouldRestart := false
	switch w.spec.RestartPolicy {
	case workload.RestartNever:
		shouldRestart = false
	case workload.RestartOnFailure:
		shouldRestart = state.IsFailed()
	case workload.RestartAlways:
		shouldRestart = true
	}
	if !shouldRestart {
		return
	}

	w.restarts++
	metrics.SupervisorRestartsTotal.Inc()
	if w.restarts > w.cfg.MaxRestarts {
		w.report(workload.ExecutionState{Main: workload.StatePending, Sub: workload.SubStartingFailed, AdditionalInfo: noMoreRetriesMsg})
		return
	}

	backoff := w.cfg.RestartBackoffBase << (w.restarts - 1)
	spec := w.spec
	retryCh := w.retryCh
	time.AfterFunc(backoff, func() {
		select {
		case retryCh <- spec:
		case <-ctx.Done():
		}
	})
}
