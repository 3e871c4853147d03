package relay

import (
	"errors"
	"fmt"
)

// Sentinel errors for timeout and lifecycle conditions.
var (
	// ErrConnectionTimeout is returned by WaitUntilConnected when the
	// connection could not be established within the caller's budget.
	ErrConnectionTimeout = errors.New("relay: timed out waiting for connection")

	// ErrNotConnected is returned by Send when no live connection exists.
	ErrNotConnected = errors.New("relay: not connected")

	// ErrJoinTimeout is returned when the backend does not acknowledge a join
	// within the session's join timeout.
	ErrJoinTimeout = errors.New("relay: timed out joining room")

	// ErrTransmitTimeout is returned when no transport confirmation arrives
	// within the send pipeline's confirmation budget.
	ErrTransmitTimeout = errors.New("relay: timed out waiting for send confirmation")

	// ErrSessionBusy is returned by Open on a session that is not Idle or
	// Failed.
	ErrSessionBusy = errors.New("relay: session already open")
)

// JoinError reports a join rejected by the backend.
type JoinError struct {
	ContactID string
	Reason    string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("relay: join failed for contact %s: %s", e.ContactID, e.Reason)
}

// PersistenceError reports a failed durable-storage operation. A send that
// hits one is aborted before transmit.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("relay: persistence %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TransmitError reports a transport-level send failure after the message was
// persisted. The durable record remains so a user-initiated retry can
// reference it.
type TransmitError struct {
	TempID string
	Err    error
}

func (e *TransmitError) Error() string {
	return fmt.Sprintf("relay: transmit failed for %s: %v", e.TempID, e.Err)
}

func (e *TransmitError) Unwrap() error { return e.Err }

// HistoryLoadError reports a failed full-history fetch. The store's previous
// contents are left untouched.
type HistoryLoadError struct {
	ContactID string
	Err       error
}

func (e *HistoryLoadError) Error() string {
	return fmt.Sprintf("relay: history load failed for contact %s: %v", e.ContactID, e.Err)
}

func (e *HistoryLoadError) Unwrap() error { return e.Err }
