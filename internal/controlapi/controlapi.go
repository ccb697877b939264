// Package controlapi implements the workload-side control-interface task of
// §4.12: the mandatory Hello handshake over a pair of named pipes, followed
// by a run loop that authorises and forwards requests to the server and
// relays responses back to the workload. Grounded on original_source's
// agent/src/control_interface/control_interface_task.rs.
package controlapi

import (
	"fmt"

	"github.com/cuemby/ankor/internal/authz"
	"github.com/cuemby/ankor/internal/log"
	"github.com/cuemby/ankor/internal/router"
	"github.com/cuemby/ankor/internal/stateobj"
	"github.com/cuemby/ankor/internal/wire"
)

// ProtocolVersion is this build's protocol version, compared against a
// peer's Hello (§6).
const ProtocolVersion = "0.1.0"

const initialHelloMissingMsg = "Initial Hello missing!"

// CheckVersionCompatibility is an equality check on the major.minor.patch
// tuple (§6): "check_version_compatibility is an equality check".
func CheckVersionCompatibility(peerVersion string) error {
	if peerVersion != ProtocolVersion {
		return fmt.Errorf("Unsupported protocol version '%s'. Currently supported '%s'", peerVersion, ProtocolVersion)
	}
	return nil
}

// ToServer is the narrow interface the task uses to forward requests
// upstream; satisfied by the agent's transport session.
type ToServer interface {
	Send(req wire.Request) error
}

// PipePair is the workload-facing control-interface input/output pipe pair.
type PipePair interface {
	ReadToAnkaios() (wire.ToAnkaios, error)
	WriteFromAnkaios(wire.FromAnkaios) error
}

// Task runs one workload's control-interface session.
type Task struct {
	pipes        PipePair
	toServer     ToServer
	authoriser   *authz.Authoriser
	requestIDPfx string
	logger       *log.Logger

	fromServer <-chan wire.Response
}

// New builds a Task. fromServer delivers responses the owning agent routed
// back to this session (via internal/router, keyed by requestIDPrefix).
func New(pipes PipePair, toServer ToServer, authoriser *authz.Authoriser, requestIDPrefix string, fromServer <-chan wire.Response, logger *log.Logger) *Task {
	return &Task{
		pipes:        pipes,
		toServer:     toServer,
		authoriser:   authoriser,
		requestIDPfx: requestIDPrefix,
		fromServer:   fromServer,
		logger:       logger,
	}
}

// Run executes the task's state machine to completion: the mandatory
// initial Hello, then the authorise-and-forward loop, until a
// ConnectionClosed is emitted, a decode error occurs, or fromServer closes.
func (t *Task) Run() {
	if err := t.checkInitialHello(); err != nil {
		t.logger.Raw().Warn().Str("workload_request_prefix", t.requestIDPfx).Msg(err.Error())
		t.sendConnectionClosed(err.Error())
		return
	}

	type pipeRead struct {
		msg wire.ToAnkaios
		err error
	}
	fromPipe := make(chan pipeRead)
	go func() {
		for {
			msg, err := t.pipes.ReadToAnkaios()
			fromPipe <- pipeRead{msg: msg, err: err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case resp, ok := <-t.fromServer:
			if !ok {
				return
			}
			if err := t.pipes.WriteFromAnkaios(wire.FromAnkaios{Kind: wire.KindResponse, Response: &resp}); err != nil {
				t.logger.Raw().Warn().Err(err).Msg("failed writing response to control-interface output pipe")
				return
			}

		case r := <-fromPipe:
			if r.err != nil {
				t.logger.Raw().Warn().Err(r.err).Msg("could not decode ToAnkaios message")
				return
			}
			switch r.msg.Kind {
			case wire.KindRequest:
				t.handleRequest(*r.msg.Request)
			case wire.KindHello:
				if err := CheckVersionCompatibility(r.msg.Hello.ProtocolVersion); err != nil {
					t.logger.Raw().Warn().Msg(err.Error())
					t.sendConnectionClosed(err.Error())
					return
				}
			default:
				t.logger.Raw().Warn().Str("kind", r.msg.Kind).Msg("unexpected message on control interface")
			}
		}
	}
}

func (t *Task) checkInitialHello() error {
	msg, err := t.pipes.ReadToAnkaios()
	if err != nil {
		return fmt.Errorf(initialHelloMissingMsg)
	}
	if msg.Kind != wire.KindHello || msg.Hello == nil {
		return fmt.Errorf(initialHelloMissingMsg)
	}
	if err := CheckVersionCompatibility(msg.Hello.ProtocolVersion); err != nil {
		return err
	}
	return t.pipes.WriteFromAnkaios(wire.FromAnkaios{
		Kind:                     wire.KindControlInterfaceAccepted,
		ControlInterfaceAccepted: &wire.ControlInterfaceAccepted{},
	})
}

func (t *Task) handleRequest(req wire.Request) {
	readPaths, writePaths, logNames := requestPaths(req)

	authorised := true
	if len(logNames) > 0 {
		authorised = t.authoriser.AuthoriseLogs(logNames)
	} else {
		authorised = t.authoriser.AuthoriseState(readPaths, writePaths)
	}

	if !authorised {
		t.sendError(req.RequestID, "Access denied")
		return
	}

	req.RequestID = router.Prefix(t.requestIDPfx, req.RequestID)
	if err := t.toServer.Send(req); err != nil {
		t.logger.Raw().Warn().Err(err).Msg("failed forwarding request to server")
	}
}

func (t *Task) sendError(requestID, message string) {
	_ = t.pipes.WriteFromAnkaios(wire.FromAnkaios{
		Kind: wire.KindResponse,
		Response: &wire.Response{
			RequestID: requestID,
			Error:     &wire.ResponseError{Message: message},
		},
	})
}

func (t *Task) sendConnectionClosed(reason string) {
	_ = t.pipes.WriteFromAnkaios(wire.FromAnkaios{
		Kind:             wire.KindConnectionClosed,
		ConnectionClosed: &wire.ConnectionClosed{Reason: reason},
	})
}

// requestPaths extracts the read paths, write paths and (for a LogsRequest)
// the requested workload names a Request touches (§4.5 step 1):
// UpdateStateRequest contributes write=update_mask, read=none;
// CompleteStateRequest contributes read=field_mask, write=none;
// LogsRequest contributes the requested workload names. Any other request
// (including LogsCancelRequest) contributes nothing.
func requestPaths(req wire.Request) (read, write []stateobj.Path, logNames []string) {
	switch {
	case req.UpdateStateRequest != nil:
		for _, m := range req.UpdateStateRequest.UpdateMask {
			write = append(write, stateobj.Path(m))
		}
	case req.CompleteStateRequest != nil:
		for _, m := range req.CompleteStateRequest.FieldMask {
			read = append(read, stateobj.Path(m))
		}
	case req.LogsRequest != nil:
		logNames = append(logNames, req.LogsRequest.WorkloadNames...)
	}
	return read, write, logNames
}
