package telephony

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/dialworks/powerdial/internal/models"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"call.hangup","callId":"CA1"}`)

	t.Run("valid signature", func(t *testing.T) {
		if !VerifySignature("secret", body, sign("secret", body)) {
			t.Error("valid signature rejected")
		}
	})

	t.Run("sha256 prefix accepted", func(t *testing.T) {
		if !VerifySignature("secret", body, "sha256="+sign("secret", body)) {
			t.Error("prefixed signature rejected")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		if VerifySignature("secret", body, sign("other", body)) {
			t.Error("signature from wrong secret accepted")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		if VerifySignature("secret", []byte(`{"event":"call.hangup","callId":"CA2"}`), sign("secret", body)) {
			t.Error("signature for different body accepted")
		}
	})

	t.Run("no secret skips verification", func(t *testing.T) {
		if !VerifySignature("", body, "") {
			t.Error("unset secret should skip verification")
		}
	})
}

func TestParseEvent(t *testing.T) {
	body := []byte(`{
		"eventId": "evt-1",
		"event": "call.hangup",
		"callId": "CA123",
		"timestamp": "2026-03-10T12:00:00Z",
		"customData": {"sessionId": "s-1", "rowId": "row-1", "numIndex": 2}
	}`)
	ev, err := ParseEvent(body)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.EventID != "evt-1" || ev.Event != EventHangup || ev.CallID != "CA123" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Meta == nil || ev.Meta.SessionID != "s-1" || ev.Meta.NumIndex != 2 {
		t.Errorf("meta not decoded: %+v", ev.Meta)
	}
	want := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	if !ev.Timestamp.Equal(want) {
		t.Errorf("timestamp: got %v, want %v", ev.Timestamp, want)
	}
}

func TestParseEventDefaults(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"event": "completed", "callId": "CA1"}`))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.EventID == "" {
		t.Error("missing event id should get a generated one")
	}
	if ev.Timestamp.IsZero() {
		t.Error("zero timestamp should default to receive time")
	}
	if ev.Event != EventHangup {
		t.Errorf("twilio status not normalized: %s", ev.Event)
	}
}

func TestParseEventRejectsIncomplete(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", "not json"},
		{"missing event", `{"callId": "CA1"}`},
		{"missing call id", `{"event": "call.hangup"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseEvent([]byte(tc.body)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestStatusCallbackMetaRoundTrip(t *testing.T) {
	meta := models.CallEventMeta{
		SessionID: "s-1",
		RowID:     "row-1",
		NumIndex:  3,
		LeadName:  `Ann O'Malley & Sons {"Ltd"}`,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}

	raw := statusCallbackURL("https://dialer.example.com/api/events/telephony", metaJSON)
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("callback URL does not parse: %v", err)
	}

	got := MetaFromQuery(u.Query())
	if got == nil {
		t.Fatal("meta not recovered from query")
	}
	if *got != meta {
		t.Errorf("meta round trip: got %+v, want %+v", *got, meta)
	}
}

func TestMetaFromQueryMissingOrInvalid(t *testing.T) {
	if got := MetaFromQuery(url.Values{}); got != nil {
		t.Errorf("absent parameter: got %+v", got)
	}
	if got := MetaFromQuery(url.Values{"meta": {"{broken"}}); got != nil {
		t.Errorf("unreadable parameter: got %+v", got)
	}
}

func TestNormalizeEvent(t *testing.T) {
	cases := map[string]string{
		"ringing":     EventInitiated,
		"in-progress": EventAnswered,
		"completed":   EventHangup,
		"no-answer":   EventFailed,
		"busy":        EventFailed,
		EventHangup:   EventHangup,
	}
	for in, want := range cases {
		if got := NormalizeEvent(in); got != want {
			t.Errorf("NormalizeEvent(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestMaskPhone(t *testing.T) {
	cases := map[string]string{
		"+13035550123": "****0123",
		"5550123":      "****0123",
		"123":          "****",
		"":             "****",
	}
	for in, want := range cases {
		if got := MaskPhone(in); got != want {
			t.Errorf("MaskPhone(%q): got %q, want %q", in, got, want)
		}
	}
}
