package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/dialworks/powerdial/internal/models"
	"github.com/dialworks/powerdial/internal/telephony"
	"github.com/dialworks/powerdial/internal/testutil"
)

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (ts *testServer) postWebhook(t *testing.T, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "/api/events/telephony", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if signature != "" {
		req.Header.Set(telephony.SignatureHeader, signature)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func TestTelephonyWebhook(t *testing.T) {
	ts := newTestServer(t, testutil.NewFakeLeadStore(testutil.NewTestLead("row-1", 1)))
	ts.server.cfg.WebhookSecret = "hook-secret"
	sessionID := ts.startSession(t)

	rr := ts.do(t, http.MethodPost, "/api/dial", models.SessionRequest{SessionID: sessionID})
	data := testutil.AssertEnvelope(t, rr, true)["data"].(map[string]interface{})
	callID := data["callId"].(string)

	body := []byte(fmt.Sprintf(`{
		"eventId": "evt-1",
		"event": "call.hangup",
		"callId": %q,
		"customData": {"sessionId": %q, "rowId": "row-1", "numIndex": 1}
	}`, callID, sessionID))

	rr = ts.postWebhook(t, body, signBody("hook-secret", body))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "signed event")
	resp := testutil.AssertEnvelope(t, rr, true)
	if d := resp["data"].(map[string]interface{}); d["received"] != true {
		t.Errorf("webhook data: %v", d)
	}

	// Redelivery of the same event id is acknowledged, not reapplied.
	rr = ts.postWebhook(t, body, signBody("hook-secret", body))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "duplicate event")
}

func TestTelephonyWebhookMetaFromQuery(t *testing.T) {
	ts := newTestServer(t, testutil.NewFakeLeadStore(testutil.NewTestLead("row-1", 1)))
	sessionID := ts.startSession(t)

	rr := ts.do(t, http.MethodPost, "/api/dial", models.SessionRequest{SessionID: sessionID})
	data := testutil.AssertEnvelope(t, rr, true)["data"].(map[string]interface{})
	callID := data["callId"].(string)

	// Status-callback delivery: no customData in the body, the correlation
	// meta rides on the URL handed to the provider at dial time.
	metaJSON, err := json.Marshal(models.CallEventMeta{SessionID: sessionID, RowID: "row-1", NumIndex: 1})
	if err != nil {
		t.Fatal(err)
	}
	body := []byte(fmt.Sprintf(`{"eventId": "evt-q1", "event": "completed", "callId": %q}`, callID))
	req, err := http.NewRequest(http.MethodPost,
		"/api/events/telephony?meta="+url.QueryEscape(string(metaJSON)), bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rec.Code, "status callback")
	testutil.AssertEnvelope(t, rec, true)

	// Applied, not dropped: the hangup stamped the session's event clock.
	rr = ts.do(t, http.MethodGet, "/api/session/status?session_id="+sessionID, nil)
	sess := testutil.AssertEnvelope(t, rr, true)["data"].(map[string]interface{})
	if sess["lastEventTs"] == nil {
		t.Error("query-borne meta was not applied to the session")
	}
}

func TestTelephonyWebhookRejectsBadSignature(t *testing.T) {
	ts := newTestServer(t, testutil.NewFakeLeadStore())
	ts.server.cfg.WebhookSecret = "hook-secret"

	body := []byte(`{"event": "call.hangup", "callId": "CA1"}`)
	rr := ts.postWebhook(t, body, signBody("wrong-secret", body))
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "bad signature")
	testutil.AssertEnvelope(t, rr, false)
}

func TestTelephonyWebhookNoSecretAccepts(t *testing.T) {
	ts := newTestServer(t, testutil.NewFakeLeadStore())
	ts.server.cfg.WebhookSecret = ""

	body := []byte(`{"event": "call.hangup", "callId": "CA1", "customData": {"sessionId": "s-x"}}`)
	rr := ts.postWebhook(t, body, "")
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "unsigned event without secret")
}

func TestTelephonyWebhookRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t, testutil.NewFakeLeadStore())

	rr := ts.postWebhook(t, []byte(`{"callId": "CA1"}`), "")
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing event type")
	resp := testutil.AssertEnvelope(t, rr, false)
	testutil.AssertErrorCode(t, resp, models.CodeValidationError)
}
