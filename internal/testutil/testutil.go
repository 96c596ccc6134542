// Package testutil provides common test utilities and fakes for powerdial tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/dialworks/powerdial/internal/config"
	"github.com/dialworks/powerdial/internal/leadstore"
	"github.com/dialworks/powerdial/internal/models"
	"github.com/dialworks/powerdial/internal/push"
)

// NewTestConfig returns a config with fast timeouts suitable for tests.
func NewTestConfig() *config.Config {
	return &config.Config{
		APIAddr:        ":0",
		KeyPrefix:      "test:",
		SessionTTL:     time.Hour,
		LockTTL:        5 * time.Second,
		IdempotencyTTL: time.Minute,
		EventDedupTTL:  5 * time.Minute,
		JWTSecret:      "test-secret",
		Policies: config.Policies{
			OrgDefaultTZ:       "America/Denver",
			WindowStart:        "09:00",
			WindowEnd:          "18:00",
			MaxAttemptsPerNum:  3,
			RespectTimeWindows: true,
			RespectNextRetryAt: true,
			StopOnFirstCorrect: true,
			RetryDelaysMin: config.RetryDelays{
				VMOrNAUnknown:         180,
				VMSameNameUnconfirmed: 180,
				NoAnswer:              60,
			},
			Colors: config.StatusColors{
				Skipped:       "#8E7CC3",
				Correct:       "#4AA031",
				Wrong:         "#C07772",
				Voicemail:     "#6C97DD",
				VMUnconfirmed: "#DADA00",
				NoAnswer:      "#6AC4CB",
				CurrentClient: "#F09001",
			},
		},
		Network: config.Network{
			Timeout:           time.Second,
			BackoffBase:       time.Millisecond,
			BackoffMax:        10 * time.Millisecond,
			MaxAttempts:       2,
			IdempotencyHeader: "Idempotency-Key",
		},
		Heartbeat:        20 * time.Second,
		LeadPageSize:     100,
		SelectionRetries: 3,
	}
}

// NewTestLead returns a lead row with one fresh number.
func NewTestLead(rowID string, rowIndex int64) models.Lead {
	numbers := make([]string, models.MaxNumbersPerLead)
	statuses := make([]models.PhoneStatus, models.MaxNumbersPerLead)
	numbers[0] = "+13035550100"
	statuses[0] = models.PhoneStatusNew
	return models.Lead{
		RowID:     rowID,
		Name:      "Test Lead " + rowID,
		RowIndex:  rowIndex,
		Numbers:   numbers,
		Statuses:  statuses,
		NextIndex: 1,
	}
}

// FakeLeadStore is an in-memory leadstore.Store for tests. Disposition
// writes are applied to the held leads so later reads observe them.
type FakeLeadStore struct {
	mu          sync.Mutex
	Leads       []models.Lead
	Router      *models.RouterEntry
	SchemaValid bool
	Writes      []leadstore.DispositionWrite
	Skipped     [][]int
	Err         error
}

var _ leadstore.Store = (*FakeLeadStore)(nil)

// NewFakeLeadStore creates a fake with a routed agent and valid schema.
func NewFakeLeadStore(leads ...models.Lead) *FakeLeadStore {
	return &FakeLeadStore{
		Leads: leads,
		Router: &models.RouterEntry{
			AgentEmail:    "agent@example.com",
			ProviderUser:  "user_123",
			SpreadsheetID: "sheet-1",
			TabID:         42,
			CampaignName:  "Test Campaign",
			Active:        true,
		},
		SchemaValid: true,
	}
}

func (f *FakeLeadStore) ValidateSchema(ctx context.Context, spreadsheetID, sheetName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.SchemaValid, f.Err
}

func (f *FakeLeadStore) GetRouterEntry(ctx context.Context, agentEmail string) (*models.RouterEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Router == nil || f.Router.AgentEmail != agentEmail {
		return nil, nil
	}
	return f.Router, nil
}

func (f *FakeLeadStore) GetLeads(ctx context.Context, spreadsheetID, sheetName string, limit int) ([]models.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make([]models.Lead, len(f.Leads))
	copy(out, f.Leads)
	return out, nil
}

func (f *FakeLeadStore) WriteDisposition(ctx context.Context, w leadstore.DispositionWrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Writes = append(f.Writes, w)
	for i := range f.Leads {
		if f.Leads[i].RowIndex == w.RowIndex {
			f.Leads[i].Statuses[w.NumIndex-1] = w.Status
			f.Leads[i].AttemptCount = w.AttemptCount
			f.Leads[i].LastOutcome = w.Outcome
		}
	}
	return nil
}

func (f *FakeLeadStore) MarkSiblingsSkipped(ctx context.Context, spreadsheetID string, tabID, rowIndex int64, indices []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Skipped = append(f.Skipped, indices)
	for i := range f.Leads {
		if f.Leads[i].RowIndex == rowIndex {
			for _, idx := range indices {
				f.Leads[i].Statuses[idx-1] = models.PhoneStatusSkipped
			}
		}
	}
	return nil
}

// PlacedCall records one FakeDialer.PlaceCall invocation.
type PlacedCall struct {
	ProviderUser string
	Phone        string
	Meta         models.CallEventMeta
}

// FakeDialer is an in-memory telephony.Dialer for tests.
type FakeDialer struct {
	mu       sync.Mutex
	Calls    []PlacedCall
	Ended    []string
	PlaceErr error
	nextID   int
}

func (f *FakeDialer) PlaceCall(ctx context.Context, providerUser, phoneNumber string, meta models.CallEventMeta) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PlaceErr != nil {
		return "", f.PlaceErr
	}
	f.nextID++
	f.Calls = append(f.Calls, PlacedCall{ProviderUser: providerUser, Phone: phoneNumber, Meta: meta})
	return fmt.Sprintf("CA%04d", f.nextID), nil
}

func (f *FakeDialer) EndCall(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ended = append(f.Ended, callID)
	return nil
}

// CallCount returns the number of placed calls.
func (f *FakeDialer) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// FakeNotifier is an in-memory push.Notifier for tests.
type FakeNotifier struct {
	mu           sync.Mutex
	Messages     map[string][]push.Message
	Disconnected []string
}

var _ push.Notifier = (*FakeNotifier)(nil)

func NewFakeNotifier() *FakeNotifier {
	return &FakeNotifier{Messages: make(map[string][]push.Message)}
}

func (f *FakeNotifier) Send(sessionID string, msg push.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages[sessionID] = append(f.Messages[sessionID], msg)
}

func (f *FakeNotifier) TokenForSession(sessionID, agentEmail string) (string, error) {
	return "test-token-" + sessionID, nil
}

func (f *FakeNotifier) Disconnect(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disconnected = append(f.Disconnected, sessionID)
}

// MessageTypes returns the ordered message types sent to a session.
func (f *FakeNotifier) MessageTypes(sessionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.Messages[sessionID] {
		out = append(out, m.Type)
	}
	return out
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertEnvelope decodes the uniform response envelope and validates the
// success flag, returning the decoded body for further assertions.
func AssertEnvelope(t *testing.T, rr *httptest.ResponseRecorder, wantSuccess bool) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	success, ok := response["success"].(bool)
	if !ok {
		t.Fatal("response missing or invalid 'success' field")
	}
	if success != wantSuccess {
		t.Errorf("expected success=%v, got %v (body %v)", wantSuccess, success, response)
	}
	return response
}

// AssertErrorCode validates the error code of a failed envelope.
func AssertErrorCode(t *testing.T, response map[string]interface{}, expected models.ErrorCode) {
	t.Helper()
	errObj, ok := response["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("response missing 'error' object: %v", response)
	}
	if code, _ := errObj["code"].(string); code != string(expected) {
		t.Errorf("expected error code %s, got %s", expected, code)
	}
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}
