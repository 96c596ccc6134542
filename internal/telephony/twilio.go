package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/dialworks/powerdial/internal/models"
)

// Opts holds configuration options for the Twilio dialer.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	StatusURL  string
	Timeout    time.Duration
}

// Option defines a configuration option for the Twilio dialer.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the caller ID used for outbound calls.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithStatusURL sets the callback URL Twilio posts call status events to.
func WithStatusURL(url string) Option {
	return func(o *Opts) { o.StatusURL = url }
}

// WithTimeout sets the HTTP timeout for Twilio API requests.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// TwilioDialer places calls through the Twilio REST API.
type TwilioDialer struct {
	client    *twilio.RestClient
	from      string
	statusURL string
}

var _ Dialer = (*TwilioDialer)(nil)

// NewTwilioDialer creates a Twilio-backed Dialer. Credentials fall back to
// the TWILIO_* environment variables when not provided via options.
func NewTwilioDialer(opts ...Option) (*TwilioDialer, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	rc := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	if cfg.Timeout > 0 {
		rc.Client.SetTimeout(cfg.Timeout)
	}

	return &TwilioDialer{
		client:    rc,
		from:      cfg.FromNumber,
		statusURL: cfg.StatusURL,
	}, nil
}

// PlaceCall starts an outbound call and returns the provider call SID. The
// meta payload travels as a URL-encoded parameter on the status callback so
// it comes back attached to every call event.
func (d *TwilioDialer) PlaceCall(ctx context.Context, providerUser, phoneNumber string, meta models.CallEventMeta) (string, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode call meta: %w", err)
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(phoneNumber)
	params.SetFrom(d.from)
	params.SetTwiml(fmt.Sprintf(`<Response><Dial callerId=%q>%s</Dial></Response>`, d.from, providerUser))
	if d.statusURL != "" {
		params.SetStatusCallback(statusCallbackURL(d.statusURL, metaJSON))
		params.SetStatusCallbackEvent([]string{"initiated", "answered", "completed"})
	}

	resp, err := d.client.Api.CreateCall(params)
	if err != nil {
		slog.Error("TwilioDialer.PlaceCall: create call failed", "to", MaskPhone(phoneNumber), "error", err)
		return "", fmt.Errorf("%w: %v", models.ErrDialFailed, err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("%w: twilio returned no call sid", models.ErrDialFailed)
	}

	slog.Info("TwilioDialer.PlaceCall: call placed", "callId", *resp.Sid, "to", MaskPhone(phoneNumber), "sessionId", meta.SessionID)
	return *resp.Sid, nil
}

// statusCallbackURL attaches the encoded call meta as a query parameter, so
// the provider echoes it back on every status event for the call.
func statusCallbackURL(base string, metaJSON []byte) string {
	return base + "?meta=" + url.QueryEscape(string(metaJSON))
}

// EndCall completes an in-progress call by updating its status.
func (d *TwilioDialer) EndCall(ctx context.Context, callID string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")

	if _, err := d.client.Api.UpdateCall(callID, params); err != nil {
		// A call that already ended is not an error worth surfacing.
		if twErr, ok := err.(*client.TwilioRestError); ok && twErr.Status == 404 {
			slog.Debug("TwilioDialer.EndCall: call already gone", "callId", callID)
			return nil
		}
		slog.Error("TwilioDialer.EndCall: update failed", "callId", callID, "error", err)
		return fmt.Errorf("failed to end call %s: %w", callID, err)
	}

	slog.Debug("TwilioDialer.EndCall: call ended", "callId", callID)
	return nil
}
