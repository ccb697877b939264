package server

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cuemby/ankor/internal/log"
	"github.com/cuemby/ankor/internal/metrics"
	"github.com/cuemby/ankor/internal/transport"
	"github.com/cuemby/ankor/internal/wire"
)

// connSink adapts a transport.Conn to Sink, marshalling each FromServer
// envelope before handing it to the connection's bounded outbound queue.
type connSink struct {
	conn *transport.Conn
}

func (c connSink) Send(msg wire.FromServer) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	metrics.TransportRequestsTotal.WithLabelValues("server").Inc()
	return c.conn.Send(payload)
}

var nextClientID int64

// Listen accepts connections on ln until it returns an error, dispatching
// each to the agent or client session loop according to its first message
// (§6: an AgentHello or CommanderHello).
func Listen(s *Server, ln *transport.Listener, logger *log.Logger) error {
	if logger == nil {
		logger = log.Nop()
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("server: accept: %w", err)
		}
		go handleConnection(s, conn, logger)
	}
}

func handleConnection(s *Server, conn *transport.Conn, logger *log.Logger) {
	payload, err := conn.Recv()
	if err != nil {
		conn.Close()
		return
	}
	var msg wire.ToServer
	if err := json.Unmarshal(payload, &msg); err != nil {
		conn.Close()
		return
	}

	switch msg.Kind {
	case wire.KindAgentHello:
		if msg.AgentHello == nil {
			conn.Close()
			return
		}
		runAgentSession(s, conn, msg.AgentHello.AgentName, logger)
	case wire.KindCommanderHello:
		runClientSession(s, conn, logger)
	default:
		_ = connSink{conn}.Send(wire.FromServer{Kind: wire.KindConnectionClosed, ConnectionClosed: &wire.ConnectionClosed{
			Reason: fmt.Sprintf("expected AgentHello or CommanderHello, got %q", msg.Kind),
		}})
		conn.Close()
	}
}

func runAgentSession(s *Server, conn *transport.Conn, agentName string, logger *log.Logger) {
	sink := connSink{conn}
	agentLogger := logger.WithAgent(agentName)

	if err := sink.Send(wire.FromServer{Kind: wire.KindServerHello, ServerHello: &wire.ServerHello{AgentName: agentName}}); err != nil {
		conn.Close()
		return
	}
	if err := s.AgentConnected(agentName, sink); err != nil {
		agentLogger.Warn().Err(err).Msg("could not send initial state")
	}
	defer func() {
		s.AgentDisconnected(agentName)
		conn.Close()
	}()

	for {
		payload, err := conn.Recv()
		if err != nil {
			return
		}
		var msg wire.ToServer
		if err := json.Unmarshal(payload, &msg); err != nil {
			agentLogger.Warn().Err(err).Msg("discarding malformed agent message")
			continue
		}
		dispatchFromAgent(s, agentName, msg, logger)
	}
}

func dispatchFromAgent(s *Server, agentName string, msg wire.ToServer, logger *log.Logger) {
	switch msg.Kind {
	case wire.KindUpdateWorkloadState:
		if msg.UpdateWorkloadState != nil {
			s.HandleUpdateWorkloadState(agentName, *msg.UpdateWorkloadState)
		}
	case wire.KindAgentLoadStatus:
		if msg.AgentLoadStatus != nil {
			s.AgentLoadStatus(*msg.AgentLoadStatus)
		}
	case wire.KindLogEntries:
		if msg.LogEntries != nil {
			s.AgentLogEntries(*msg.LogEntries)
		}
	case wire.KindGoodbye:
		// the read loop exits once Recv fails after the peer closes.
	default:
		logger.WithAgent(agentName).Warn().Str("kind", msg.Kind).Msg("unhandled message from agent")
	}
}

func runClientSession(s *Server, conn *transport.Conn, logger *log.Logger) {
	sink := connSink{conn}
	clientID := fmt.Sprintf("client-%d", atomic.AddInt64(&nextClientID, 1))
	clientLogger := logger.WithComponent("server")

	if err := sink.Send(wire.FromServer{Kind: wire.KindServerHello, ServerHello: &wire.ServerHello{}}); err != nil {
		conn.Close()
		return
	}
	defer func() {
		s.Unsubscribe(clientID)
		conn.Close()
	}()

	for {
		payload, err := conn.Recv()
		if err != nil {
			return
		}
		var msg wire.ToServer
		if err := json.Unmarshal(payload, &msg); err != nil {
			clientLogger.Warn().Err(err).Msg("discarding malformed client message")
			continue
		}
		dispatchFromClient(s, clientID, sink, msg, clientLogger)
	}
}

func dispatchFromClient(s *Server, clientID string, sink Sink, msg wire.ToServer, logger zerolog.Logger) {
	switch msg.Kind {
	case wire.KindRequest:
		if msg.Request != nil {
			handleClientRequest(s, clientID, sink, *msg.Request, logger)
		}
	case wire.KindLogsCancelRequest:
		if msg.LogsCancelRequest != nil {
			s.LogsCancelRequest(msg.LogsCancelRequest.RequestID)
		}
	case wire.KindGoodbye:
		// the read loop exits once Recv fails after the peer closes.
	default:
		logger.Warn().Str("kind", msg.Kind).Msg("unhandled message from client")
	}
}

func handleClientRequest(s *Server, clientID string, sink Sink, req wire.Request, logger zerolog.Logger) {
	resp := wire.Response{RequestID: req.RequestID}

	switch {
	case req.UpdateStateRequest != nil:
		result, err := s.UpdateState(*req.UpdateStateRequest)
		if err != nil {
			resp.Error = &wire.ResponseError{Message: err.Error()}
		} else {
			resp.UpdateStateSuccess = &result
		}
	case req.CompleteStateRequest != nil:
		result, err := s.CompleteState(clientID, sink, *req.CompleteStateRequest)
		if err != nil {
			resp.Error = &wire.ResponseError{Message: err.Error()}
		} else {
			resp.CompleteStateResponse = &result
		}
	case req.LogsRequest != nil:
		result, err := s.LogsRequest(clientID, sink, req.RequestID, *req.LogsRequest)
		if err != nil {
			resp.Error = &wire.ResponseError{Message: err.Error()}
		} else {
			resp.LogsRequestAccepted = &result
		}
	case req.LogsCancelRequest != nil:
		s.LogsCancelRequest(req.LogsCancelRequest.RequestID)
		return
	case req.EventsRequest != nil:
		result, err := s.Events(*req.EventsRequest)
		if err != nil {
			resp.Error = &wire.ResponseError{Message: err.Error()}
		} else {
			resp.EventsResponse = &result
		}
	default:
		resp.Error = &wire.ResponseError{Message: "empty request"}
	}

	if err := sink.Send(wire.FromServer{Kind: wire.KindResponse, Response: &resp}); err != nil {
		logger.Warn().Err(err).Str("client_id", clientID).Msg("could not deliver response")
	}
}
