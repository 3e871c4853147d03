package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Delivery receipts
// ============================================================================

// DeliveryReceipt is a provider callback reporting progress of a transmitted
// message: delivered to the handset, or read by the recipient.
type DeliveryReceipt struct {
	MessageID    string    `json:"messageId"`
	TransportRef string    `json:"transportRef,omitempty"`
	Status       Status    `json:"status"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// ApplyReceipt advances the matching message's status. Receipts only ever
// move status forward; a stale or out-of-order receipt is ignored.
func (s *ConversationStore) ApplyReceipt(r DeliveryReceipt) bool {
	s.mu.Lock()
	var sm *storedMessage
	for _, cand := range s.msgs {
		if (r.MessageID != "" && (cand.msg.ID == r.MessageID || cand.msg.TempID == r.MessageID)) ||
			(r.TransportRef != "" && cand.msg.TransportRef == r.TransportRef) {
			sm = cand
			break
		}
	}
	if sm == nil || !sm.msg.Status.CanAdvanceTo(r.Status) {
		s.mu.Unlock()
		return false
	}
	sm.msg.Status = r.Status
	if r.TransportRef != "" && sm.msg.TransportRef == "" {
		sm.msg.TransportRef = r.TransportRef
	}
	msg := sm.msg
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeUpdated, Message: msg})
	return true
}

// ============================================================================
// Signature verification
// ============================================================================

// VerifyReceiptSignature verifies a provider webhook signature using
// HMAC-SHA256 with constant-time comparison. The "sha256=" prefix is
// optional.
func VerifyReceiptSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseDeliveryReceipt parses and validates a raw receipt body.
func ParseDeliveryReceipt(body string) (*DeliveryReceipt, error) {
	var r DeliveryReceipt
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("invalid JSON in receipt body: %w", err)
	}
	if r.MessageID == "" && r.TransportRef == "" {
		return nil, fmt.Errorf("receipt identifies no message")
	}
	if r.Status != StatusDelivered && r.Status != StatusRead {
		return nil, fmt.Errorf("unexpected receipt status %q", r.Status)
	}
	return &r, nil
}

// ============================================================================
// ReceiptWebhook
// ============================================================================

// ReceiptHandlerFunc consumes a verified, parsed receipt.
type ReceiptHandlerFunc func(r *DeliveryReceipt) error

// ReceiptWebhook verifies, parses and dispatches provider delivery-receipt
// callbacks.
type ReceiptWebhook struct {
	secret    string
	onReceipt ReceiptHandlerFunc
}

// NewReceiptWebhook creates a receipt webhook handler.
func NewReceiptWebhook(secret string, onReceipt ReceiptHandlerFunc) (*ReceiptWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &ReceiptWebhook{secret: secret, onReceipt: onReceipt}, nil
}

// Handle processes one webhook request body. Returns the status code and
// response body for the caller to write.
func (w *ReceiptWebhook) Handle(body, signature string) (int, any) {
	if !VerifyReceiptSignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "invalid signature"}
	}

	receipt, err := ParseDeliveryReceipt(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.onReceipt(receipt); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes receipt callbacks. The
// signature is read from X-Relay-Signature.
func (w *ReceiptWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get("X-Relay-Signature"))
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}
