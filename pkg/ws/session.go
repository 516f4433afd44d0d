package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/agentcom/agentcom/pkg/agent"
	"github.com/agentcom/agentcom/pkg/log"
	"github.com/agentcom/agentcom/pkg/presence"
	"github.com/agentcom/agentcom/pkg/queue"
	"github.com/agentcom/agentcom/pkg/types"
	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

const (
	identifyTimeout = 10 * time.Second
	writeTimeout    = 5 * time.Second
	pingInterval    = 30 * time.Second
	pongDeadline    = 10 * time.Second
)

// TokenResolver validates bearer tokens. Implemented by the auth
// store.
type TokenResolver interface {
	Resolve(token string) (string, error)
}

// TaskSink is the queue surface the session drives. Every call echoes
// the generation the client supplied so stale results are dropped.
type TaskSink interface {
	MarkInProgress(taskID string, generation uint64) error
	Touch(taskID string, generation uint64) error
	Complete(taskID string, generation uint64, result map[string]any) error
	Fail(taskID string, generation uint64, reason string) (queue.FailOutcome, error)
	Requeue(taskID, reason string) error
}

// EndpointReporter receives sidecar announcements. Implemented by the
// endpoint registry.
type EndpointReporter interface {
	Register(rawURL string) (*types.Endpoint, error)
	ReportResources(hr types.HostResources)
}

// Hub wires sessions to the rest of the system.
type Hub struct {
	Auth      TokenResolver
	Agents    *agent.Registry
	Tasks     TaskSink
	Presence  *presence.Tracker
	Endpoints EndpointReporter

	logger zerolog.Logger
}

// NewHub creates the session hub.
func NewHub(auth TokenResolver, agents *agent.Registry, tasks TaskSink, pres *presence.Tracker, endpoints EndpointReporter) *Hub {
	return &Hub{
		Auth:      auth,
		Agents:    agents,
		Tasks:     tasks,
		Presence:  pres,
		Endpoints: endpoints,
		logger:    log.WithComponent("ws"),
	}
}

// ServeHTTP upgrades the request and runs the session until the
// connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Agents connect from arbitrary hosts; auth happens in the
		// identify handshake, not at the HTTP layer.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	h.HandleConnection(r.Context(), conn)
}

// HandleConnection runs the identify handshake and then the session
// read loop. Blocks until the connection closes.
func (h *Hub) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	s := &session{hub: h, conn: conn, pongCh: make(chan struct{}, 1)}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := s.identify(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("identify failed")
		return
	}

	a := h.Agents.Connect(s.agentID, s.capabilities, s)
	h.Presence.Heartbeat(s.agentID, nil)
	defer func() {
		h.Presence.Forget(s.agentID)
		h.Agents.Disconnect(s.agentID, "connection_closed")
	}()

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go s.pingLoop(pingCtx)

	s.readLoop(ctx, a)
}

// session is one live agent connection.
type session struct {
	hub          *Hub
	conn         *websocket.Conn
	agentID      string
	capabilities []string
	writeMu      sync.Mutex
	pongCh       chan struct{}
	logger       zerolog.Logger
}

// SendAssign pushes a task to the agent. Satisfies agent.Sender.
func (s *session) SendAssign(task *types.Task) error {
	return s.send(&Message{
		Type:       MsgTaskAssign,
		TaskID:     task.ID,
		Generation: task.Generation,
		Task:       task,
	})
}

func (s *session) identify(ctx context.Context) error {
	readCtx, cancel := context.WithTimeout(ctx, identifyTimeout)
	defer cancel()

	msg, err := s.read(readCtx)
	if err != nil {
		return fmt.Errorf("failed to read identify: %w", err)
	}
	if msg.Type != MsgIdentify {
		s.conn.Close(websocket.StatusPolicyViolation, "expected identify")
		return fmt.Errorf("first message was %s, not identify", msg.Type)
	}
	if msg.ProtocolVersion != ProtocolVersion {
		s.conn.Close(websocket.StatusPolicyViolation,
			fmt.Sprintf("unsupported protocol version %d", msg.ProtocolVersion))
		return fmt.Errorf("protocol version mismatch: got %d, want %d", msg.ProtocolVersion, ProtocolVersion)
	}

	agentID, err := s.hub.Auth.Resolve(msg.Token)
	if err != nil {
		s.conn.Close(websocket.StatusPolicyViolation, "invalid token")
		return fmt.Errorf("token rejected for %q: %w", msg.AgentID, err)
	}
	if msg.AgentID != "" && msg.AgentID != agentID {
		s.conn.Close(websocket.StatusPolicyViolation, "token does not match agent_id")
		return fmt.Errorf("agent_id %q does not match token owner %q", msg.AgentID, agentID)
	}

	s.agentID = agentID
	s.capabilities = msg.Capabilities
	s.logger = log.WithComponent("ws").With().Str("agent_id", agentID).Logger()

	return s.send(&Message{Type: MsgIdentified, AgentID: agentID, ProtocolVersion: ProtocolVersion})
}

func (s *session) readLoop(ctx context.Context, a *agent.Agent) {
	for {
		msg, err := s.read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		s.hub.Presence.Heartbeat(s.agentID, nil)
		s.dispatch(msg, a)
	}
}

func (s *session) dispatch(msg *Message, a *agent.Agent) {
	switch msg.Type {
	case MsgTaskAccepted:
		if err := a.TaskAccepted(msg.TaskID); err != nil {
			s.logger.Warn().Err(err).Str("task_id", msg.TaskID).Msg("unexpected task_accepted")
			return
		}
		if _, gen, ok := a.CurrentTask(); ok {
			if err := s.hub.Tasks.MarkInProgress(msg.TaskID, gen); err != nil {
				s.logger.Warn().Err(err).Str("task_id", msg.TaskID).Msg("failed to mark in progress")
			}
		}

	case MsgTaskRejected:
		a.ClearTask(msg.TaskID)
		reason := msg.Reason
		if reason == "" {
			reason = "rejected"
		}
		if err := s.hub.Tasks.Requeue(msg.TaskID, "rejected: "+reason); err != nil {
			s.logger.Warn().Err(err).Str("task_id", msg.TaskID).Msg("failed to requeue rejected task")
		}
		s.hub.Agents.NotifyIdle(s.agentID)

	case MsgTaskProgress:
		if err := a.TaskProgress(msg.TaskID); err != nil {
			return
		}
		if _, gen, ok := a.CurrentTask(); ok {
			_ = s.hub.Tasks.Touch(msg.TaskID, gen)
		}

	case MsgTaskComplete:
		err := s.hub.Tasks.Complete(msg.TaskID, msg.Generation, msg.Result)
		if err != nil && !errors.Is(err, queue.ErrStaleGeneration) {
			s.logger.Warn().Err(err).Str("task_id", msg.TaskID).Msg("failed to apply completion")
		}
		if ferr := a.TaskFinished(msg.TaskID, msg.Generation, err == nil); ferr == nil {
			s.hub.Agents.NotifyIdle(s.agentID)
		}

	case MsgTaskFailed:
		_, err := s.hub.Tasks.Fail(msg.TaskID, msg.Generation, msg.Reason)
		if err != nil && !errors.Is(err, queue.ErrStaleGeneration) {
			s.logger.Warn().Err(err).Str("task_id", msg.TaskID).Msg("failed to apply failure")
		}
		if ferr := a.TaskFinished(msg.TaskID, msg.Generation, false); ferr == nil {
			s.hub.Agents.NotifyIdle(s.agentID)
		}

	case MsgTaskRecovering:
		// Reassign is the only supported recovery today; the task is
		// treated as newly queued and the agent told to drop it.
		if err := s.hub.Tasks.Requeue(msg.TaskID, "agent_recovering"); err != nil {
			s.logger.Warn().Err(err).Str("task_id", msg.TaskID).Msg("failed to requeue recovering task")
		}
		if err := s.send(&Message{Type: MsgTaskReassign, TaskID: msg.TaskID}); err != nil {
			s.logger.Warn().Err(err).Msg("failed to send task_reassign")
		}

	case MsgOllamaReport:
		if msg.Endpoint != "" {
			if _, err := s.hub.Endpoints.Register(msg.Endpoint); err != nil {
				s.logger.Warn().Err(err).Str("endpoint", msg.Endpoint).Msg("sidecar endpoint rejected")
			}
		}

	case MsgResourceReport:
		if msg.Resources != nil {
			s.hub.Endpoints.ReportResources(*msg.Resources)
		}

	case MsgPing:
		_ = s.send(&Message{Type: MsgPong})

	case MsgPong:
		select {
		case s.pongCh <- struct{}{}:
		default:
		}

	default:
		s.logger.Debug().Str("type", string(msg.Type)).Msg("ignoring unknown message type")
	}
}

// pingLoop sends a ping every 30 seconds and closes the connection if
// no pong lands within 10 seconds. The close wakes the read loop,
// which runs the disconnect path.
func (s *session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.send(&Message{Type: MsgPing}); err != nil {
				return
			}
			select {
			case <-s.pongCh:
			case <-time.After(pongDeadline):
				s.logger.Warn().Msg("pong deadline missed, closing connection")
				s.conn.Close(websocket.StatusGoingAway, "pong timeout")
				return
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) read(ctx context.Context) (*Message, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	return &msg, nil
}

func (s *session) send(msg *Message) error {
	// Every server frame carries the protocol version.
	if msg.ProtocolVersion == 0 {
		msg.ProtocolVersion = ProtocolVersion
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}
