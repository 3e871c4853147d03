package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SessionState is the room-membership state of one conversation.
type SessionState string

const (
	SessionIdle    SessionState = "idle"
	SessionJoining SessionState = "joining"
	SessionJoined  SessionState = "joined"
	SessionLeaving SessionState = "leaving"
	SessionFailed  SessionState = "failed"
)

// DefaultJoinTimeout bounds the wait for a join acknowledgement.
const DefaultJoinTimeout = 5 * time.Second

type joinResult struct {
	err error
}

// RealtimeSession binds a ConversationStore to one contact's room on the
// shared connection. It is the unit of cancellation when the UI switches
// contacts: Close synchronously detaches every listener the session
// registered, so events arriving afterwards are never delivered to a stale
// store.
type RealtimeSession struct {
	conn  *ConnectionManager
	store *ConversationStore
	queue *MessageQueue

	workspaceID string
	endpointRef string
	joinTimeout time.Duration
	log         zerolog.Logger

	mu        sync.Mutex
	state     SessionState
	contactID string
	disposers []func()
	joinAck   chan joinResult
}

// SessionOption configures a RealtimeSession.
type SessionOption func(*RealtimeSession)

// WithWorkspace attaches the workspace context sent with join requests.
func WithWorkspace(workspaceID string) SessionOption {
	return func(s *RealtimeSession) { s.workspaceID = workspaceID }
}

// WithEndpointRef attaches the endpoint reference sent with join requests.
func WithEndpointRef(ref string) SessionOption {
	return func(s *RealtimeSession) { s.endpointRef = ref }
}

// WithJoinTimeout overrides DefaultJoinTimeout.
func WithJoinTimeout(d time.Duration) SessionOption {
	return func(s *RealtimeSession) { s.joinTimeout = d }
}

// WithSessionLogger sets the logger; default is zerolog.Nop().
func WithSessionLogger(log zerolog.Logger) SessionOption {
	return func(s *RealtimeSession) { s.log = log }
}

// NewRealtimeSession creates a session delivering into store over conn.
func NewRealtimeSession(conn *ConnectionManager, store *ConversationStore, opts ...SessionOption) *RealtimeSession {
	s := &RealtimeSession{
		conn:        conn,
		store:       store,
		queue:       &MessageQueue{},
		joinTimeout: DefaultJoinTimeout,
		log:         zerolog.Nop(),
		state:       SessionIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current session state.
func (s *RealtimeSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open joins the contact's room and starts forwarding inbound events to the
// bound store. It blocks until the backend acknowledges the join or the join
// timeout elapses, in which case the session is Failed and other
// conversations are unaffected.
func (s *RealtimeSession) Open(ctx context.Context, contactID string) error {
	s.mu.Lock()
	if s.state != SessionIdle && s.state != SessionFailed {
		s.mu.Unlock()
		return ErrSessionBusy
	}
	s.state = SessionJoining
	s.contactID = contactID
	s.joinAck = make(chan joinResult, 1)
	ack := s.joinAck

	// Listeners are registered before the join frame goes out so the
	// acknowledgement and the backfill that follows it cannot be missed.
	s.disposers = []func(){
		s.conn.OnEvent(EventNewMessage, s.handleNewMessage),
		s.conn.OnEvent(EventRecentMessages, s.handleRecentMessages),
		s.conn.OnEvent(EventJoinSuccess, s.handleJoinSuccess),
		s.conn.OnEvent(EventError, s.handleServerError),
		s.conn.OnReconnected(s.handleReconnected),
	}
	s.mu.Unlock()

	if err := s.sendJoin(ctx); err != nil {
		s.fail()
		return &JoinError{ContactID: contactID, Reason: err.Error()}
	}

	timer := time.NewTimer(s.joinTimeout)
	defer timer.Stop()
	select {
	case res := <-ack:
		if res.err != nil {
			s.fail()
			return res.err
		}
	case <-timer.C:
		s.fail()
		return ErrJoinTimeout
	case <-ctx.Done():
		s.fail()
		return ctx.Err()
	}

	s.mu.Lock()
	if s.state == SessionJoining {
		s.state = SessionJoined
	}
	s.mu.Unlock()
	s.log.Info().Str("contact", contactID).Msg("joined room")
	return nil
}

// Close leaves the room and detaches all listeners before returning. Safe to
// call multiple times.
func (s *RealtimeSession) Close() error {
	s.mu.Lock()
	if s.state == SessionIdle {
		s.mu.Unlock()
		return nil
	}
	wasJoined := s.state == SessionJoined
	s.state = SessionLeaving
	contactID := s.contactID
	disposers := s.disposers
	s.disposers = nil
	for _, dispose := range disposers {
		dispose()
	}
	s.mu.Unlock()

	if wasJoined {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.conn.Send(ctx, Command{Type: CommandLeave, Payload: LeavePayload{ContactID: contactID}}); err != nil {
			s.log.Debug().Err(err).Str("contact", contactID).Msg("leave notification not sent")
		}
	}

	s.mu.Lock()
	s.state = SessionIdle
	s.mu.Unlock()
	return nil
}

// ============================================================================
// Internals
// ============================================================================

func (s *RealtimeSession) sendJoin(ctx context.Context) error {
	if err := s.conn.WaitUntilConnected(ctx, s.joinTimeout); err != nil {
		return err
	}
	return s.conn.Send(ctx, Command{Type: CommandJoin, Payload: JoinPayload{
		ContactID:   s.contactID,
		WorkspaceID: s.workspaceID,
		EndpointRef: s.endpointRef,
	}})
}

// fail moves Joining to Failed and detaches listeners so a failed session
// holds no connection resources. A session already closed while Open was
// blocked keeps the state Close left behind.
func (s *RealtimeSession) fail() {
	s.mu.Lock()
	if s.state == SessionJoining {
		s.state = SessionFailed
	}
	disposers := s.disposers
	s.disposers = nil
	s.mu.Unlock()
	for _, dispose := range disposers {
		dispose()
	}
}

// forwarding reports whether inbound events may reach the store. Joining is
// included because the backfill can arrive on the frame after join_success,
// before Open's goroutine observes the acknowledgement.
func (s *RealtimeSession) forwarding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == SessionJoined || s.state == SessionJoining
}

func (s *RealtimeSession) handleNewMessage(env Envelope) {
	if !s.forwarding() {
		return
	}
	var m Message
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed new_message frame")
		return
	}
	if m.ContactID != "" && m.ContactID != s.contactID {
		return
	}
	s.ingest(m)
}

func (s *RealtimeSession) handleRecentMessages(env Envelope) {
	if !s.forwarding() {
		return
	}
	var msgs []Message
	if err := json.Unmarshal(env.Payload, &msgs); err != nil {
		s.log.Warn().Err(err).Msg("dropping malformed recent_messages frame")
		return
	}
	for _, m := range msgs {
		if m.ContactID != "" && m.ContactID != s.contactID {
			continue
		}
		s.ingest(m)
	}
}

// ingest funnels one message through the per-identity queue so a socket push
// and a history poll racing for the same message collapse to one store
// mutation.
func (s *RealtimeSession) ingest(m Message) {
	_, _ = s.queue.Admit(IdentityOf(m), func() (any, error) {
		s.store.IngestInbound(context.Background(), m)
		return nil, nil
	})
}

func (s *RealtimeSession) handleJoinSuccess(env Envelope) {
	var p JoinSuccessPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	s.mu.Lock()
	match := s.state == SessionJoining && (p.ContactID == "" || p.ContactID == s.contactID)
	ack := s.joinAck
	s.mu.Unlock()
	if match {
		select {
		case ack <- joinResult{}:
		default:
		}
	}
}

func (s *RealtimeSession) handleServerError(env Envelope) {
	var p ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	s.mu.Lock()
	joining := s.state == SessionJoining
	ack := s.joinAck
	contactID := s.contactID
	s.mu.Unlock()
	if joining {
		select {
		case ack <- joinResult{err: &JoinError{ContactID: contactID, Reason: p.Message}}:
		default:
		}
	} else {
		s.log.Warn().Str("contact", contactID).Str("error", p.Message).Msg("server error")
	}
}

// handleReconnected restores room membership after the shared connection
// comes back. The join triggers a fresh recent_messages backfill, which is
// how messages missed during the disconnect window are recovered; the store's
// dedup and id screens keep the overlap from duplicating.
func (s *RealtimeSession) handleReconnected() {
	s.mu.Lock()
	joined := s.state == SessionJoined
	contactID := s.contactID
	s.mu.Unlock()
	if !joined {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.joinTimeout)
		defer cancel()
		if err := s.sendJoin(ctx); err != nil {
			s.log.Warn().Err(err).Str("contact", contactID).Msg("rejoin failed")
		}
	}()
}
