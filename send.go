package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SendState is the per-message state of an outbound send attempt.
type SendState string

const (
	SendComposing   SendState = "composing"
	SendOptimistic  SendState = "optimistic"
	SendPersisted   SendState = "persisted"
	SendTransmitted SendState = "transmitted"
	SendConfirmed   SendState = "confirmed"
	SendFailed      SendState = "failed"
)

// Send pipeline timeout defaults.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultConfirmTimeout = 30 * time.Second
)

// SendReceipt summarizes a completed send.
type SendReceipt struct {
	TempID       string
	TransportRef string
	State        SendState
}

// SendPipeline runs the outbound protocol for one message at a time:
// optimistic insert, durable persist, transmit, await confirmation. Every
// failure path ends with the message visibly failed in the store; a send is
// never silently dropped, and no transmit happens without a durable record.
//
// Retries are user-initiated only (Resend); the pipeline never retransmits on
// its own, since a duplicate transmit can become a duplicate real-world
// delivery.
type SendPipeline struct {
	conn    *ConnectionManager
	storage Storage
	store   *ConversationStore

	workspaceID    string
	connectTimeout time.Duration
	confirmTimeout time.Duration
	log            zerolog.Logger
	now            func() time.Time
}

// SendOption configures a SendPipeline.
type SendOption func(*SendPipeline)

// WithSendWorkspace attaches the workspace context to transmitted frames.
func WithSendWorkspace(workspaceID string) SendOption {
	return func(p *SendPipeline) { p.workspaceID = workspaceID }
}

// WithConnectTimeout bounds the wait for a live connection before transmit.
func WithConnectTimeout(d time.Duration) SendOption {
	return func(p *SendPipeline) { p.connectTimeout = d }
}

// WithConfirmTimeout bounds the wait for the transport confirmation.
func WithConfirmTimeout(d time.Duration) SendOption {
	return func(p *SendPipeline) { p.confirmTimeout = d }
}

// WithSendLogger sets the logger; default is zerolog.Nop().
func WithSendLogger(log zerolog.Logger) SendOption {
	return func(p *SendPipeline) { p.log = log }
}

// withSendClock injects a clock for tests.
func withSendClock(now func() time.Time) SendOption {
	return func(p *SendPipeline) { p.now = now }
}

// NewSendPipeline creates a pipeline sending into store's conversation.
func NewSendPipeline(conn *ConnectionManager, storage Storage, store *ConversationStore, opts ...SendOption) *SendPipeline {
	p := &SendPipeline{
		conn:           conn,
		storage:        storage,
		store:          store,
		connectTimeout: DefaultConnectTimeout,
		confirmTimeout: DefaultConfirmTimeout,
		log:            zerolog.Nop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send runs the full protocol for one outbound message and blocks until the
// message is confirmed or failed.
func (p *SendPipeline) Send(ctx context.Context, contactID, body string) (*SendReceipt, error) {
	tempID := uuid.NewString()
	m := Message{
		ID:        tempID, // persisted under the temp id until the server assigns one
		TempID:    tempID,
		ContactID: contactID,
		Direction: DirectionOutbound,
		Body:      body,
		CreatedAt: p.now(),
		Status:    StatusPending,
	}

	// Optimistic: visible immediately.
	p.store.InsertOptimistic(m)

	// Persisted: no transmit without a durable record.
	if err := p.storage.Insert(ctx, m); err != nil {
		perr := &PersistenceError{Op: "insert", Err: err}
		p.store.MarkFailed(tempID, perr)
		return nil, perr
	}

	// The confirmation listener goes up before the frame leaves so a fast
	// ack cannot slip past.
	ackCh := make(chan MessageSentPayload, 1)
	dispose := p.conn.OnEvent(EventMessageSent, func(env Envelope) {
		var ack MessageSentPayload
		if json.Unmarshal(env.Payload, &ack) != nil {
			return
		}
		if ack.ID == tempID {
			select {
			case ackCh <- ack:
			default:
			}
		}
	})
	defer dispose()

	// Transmitted.
	if err := p.conn.WaitUntilConnected(ctx, p.connectTimeout); err != nil {
		return nil, p.failTransmit(ctx, tempID, err)
	}
	err := p.conn.Send(ctx, Command{Type: CommandSendMessage, Payload: SendMessagePayload{
		ID:          tempID,
		To:          contactID,
		Content:     body,
		ContactID:   contactID,
		WorkspaceID: p.workspaceID,
	}})
	if err != nil {
		return nil, p.failTransmit(ctx, tempID, err)
	}

	// Confirmed | Failed.
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()
	select {
	case ack := <-ackCh:
		if !ack.Success {
			reason := ack.Error
			if reason == "" {
				reason = "transport rejected send"
			}
			return nil, p.failTransmit(ctx, tempID, errors.New(reason))
		}
		p.confirm(ctx, tempID, ack)
		return &SendReceipt{TempID: tempID, TransportRef: ack.TransportRef, State: SendConfirmed}, nil
	case <-timer.C:
		return nil, p.failTransmit(ctx, tempID, ErrTransmitTimeout)
	case <-ctx.Done():
		return nil, p.failTransmit(ctx, tempID, ctx.Err())
	}
}

// Resend retries a failed send as a fresh attempt with a new temp id. The
// original failed entry stays in history.
func (p *SendPipeline) Resend(ctx context.Context, tempID string) (*SendReceipt, error) {
	m, ok := p.store.Get(tempID)
	if !ok {
		return nil, errors.New("relay: no message to resend")
	}
	if m.Status != StatusFailed {
		return nil, errors.New("relay: only failed messages can be resent")
	}
	return p.Send(ctx, m.ContactID, m.Body)
}

func (p *SendPipeline) confirm(ctx context.Context, tempID string, ack MessageSentPayload) {
	id := ack.ID
	confirmed := Message{
		ID:           id,
		TempID:       tempID,
		Status:       StatusSent,
		TransportRef: ack.TransportRef,
	}
	p.store.Confirm(ctx, tempID, confirmed)

	status := StatusSent
	upd := MessageUpdate{Status: &status}
	if ack.TransportRef != "" {
		upd.TransportRef = &ack.TransportRef
	}
	if id != "" && id != tempID {
		upd.ID = &id
	}
	if err := p.storage.Update(ctx, tempID, upd); err != nil {
		// The send is confirmed; a stale durable status is repaired by the
		// next history load.
		p.log.Warn().Err(err).Str("tempId", tempID).Msg("failed to persist confirmation")
	}
}

// failTransmit marks the message failed in both the store and durable
// storage and returns the wrapped transmit error. The durable update runs on
// a fresh context so a cancelled send still records its failure.
func (p *SendPipeline) failTransmit(ctx context.Context, tempID string, cause error) error {
	terr := &TransmitError{TempID: tempID, Err: cause}
	p.store.MarkFailed(tempID, terr)

	updCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	status := StatusFailed
	reason := cause.Error()
	if err := p.storage.Update(updCtx, tempID, MessageUpdate{Status: &status, FailureReason: &reason}); err != nil {
		p.log.Warn().Err(err).Str("tempId", tempID).Msg("failed to persist failure status")
	}
	return terr
}
