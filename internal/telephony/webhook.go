package telephony

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dialworks/powerdial/internal/models"
)

// SignatureHeader carries the HMAC-SHA256 signature of the webhook body.
const SignatureHeader = "X-Telephony-Signature"

// VerifySignature checks the hex-encoded HMAC-SHA256 signature of a webhook
// body. When no secret is configured verification is skipped with a warning
// so local setups keep working.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		slog.Warn("telephony.VerifySignature: no webhook secret configured, skipping verification")
		return true
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// ParseEvent decodes a webhook body into a CallEvent. Events without an id
// get a fresh UUID, and a zero timestamp defaults to the receive time.
func ParseEvent(body []byte) (*models.CallEvent, error) {
	var ev models.CallEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode call event: %w", err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("call event missing event type")
	}
	if ev.CallID == "" {
		return nil, fmt.Errorf("call event missing call id")
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.Event = NormalizeEvent(ev.Event)
	return &ev, nil
}

// MetaFromQuery recovers the call meta attached to the status-callback URL
// at dial time. Providers echo the full callback URL, query string included,
// on every status event, which is the only place the correlation data lives
// when the event body carries none. Returns nil when the parameter is absent
// or unreadable.
func MetaFromQuery(values url.Values) *models.CallEventMeta {
	raw := values.Get("meta")
	if raw == "" {
		return nil
	}
	var meta models.CallEventMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		slog.Warn("telephony.MetaFromQuery: unreadable call meta dropped", "error", err)
		return nil
	}
	return &meta
}

// NormalizeEvent maps provider-specific status names onto the canonical
// event names. Twilio status callbacks use bare words like "completed";
// already-canonical names pass through unchanged.
func NormalizeEvent(event string) string {
	switch strings.ToLower(event) {
	case "initiated", "ringing", EventInitiated:
		return EventInitiated
	case "answered", "in-progress", EventAnswered:
		return EventAnswered
	case "completed", "hangup", EventHangup:
		return EventHangup
	case "busy", "failed", "no-answer", "canceled", EventFailed:
		return EventFailed
	default:
		return strings.ToLower(event)
	}
}
