// Package telephony wraps the outbound calling provider for powerdial.
//
// The Dialer interface covers placing and ending calls; webhook.go handles
// the provider's asynchronous call events.
package telephony

import (
	"context"

	"github.com/dialworks/powerdial/internal/models"
)

// Provider event names delivered on the telephony webhook.
const (
	EventInitiated = "call.initiated"
	EventAnswered  = "call.answered"
	EventHangup    = "call.hangup"
	EventFailed    = "call.failed"
)

// Dialer places and ends outbound calls on behalf of an agent.
type Dialer interface {
	// PlaceCall starts an outbound call from the provider user to the
	// given phone number. Meta is attached to the call and echoed back on
	// provider events so they can be correlated with a session.
	PlaceCall(ctx context.Context, providerUser, phoneNumber string, meta models.CallEventMeta) (callID string, err error)

	// EndCall hangs up an in-progress call.
	EndCall(ctx context.Context, callID string) error
}

// MaskPhone reduces a phone number to its last four digits for logging.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "****" + phone[len(phone)-4:]
}
