// Package models defines the core data structures for powerdial.
//
// It includes session, lead, disposition, and call event types, which are
// shared across modules.
package models

import (
	"errors"
	"time"
)

// ReadyState represents the dialing state of a session.
type ReadyState string

const (
	// ReadyStatePlay indicates the session is actively dialing.
	ReadyStatePlay ReadyState = "PLAY"
	// ReadyStatePause indicates the session is paused between dials.
	ReadyStatePause ReadyState = "PAUSE"
	// ReadyStateStop indicates the session is stopped (terminal).
	ReadyStateStop ReadyState = "STOP"
)

// Disposition is the agent's classification of a call outcome.
type Disposition string

const (
	DispositionVMOrNAUnknown         Disposition = "VM_OR_NA_UNKNOWN"
	DispositionWrongOrDisconnected   Disposition = "WRONG_OR_DISCONNECTED"
	DispositionCurrentClient         Disposition = "CURRENT_CLIENT"
	DispositionVMSameNameUnconfirmed Disposition = "VM_SAME_NAME_UNCONFIRMED"
	DispositionCorrectNumber         Disposition = "CORRECT_NUMBER"
	DispositionNoAnswer              Disposition = "NO_ANSWER"
)

// IsValidDisposition checks if the given disposition is a known outcome.
func IsValidDisposition(d Disposition) bool {
	switch d {
	case DispositionVMOrNAUnknown, DispositionWrongOrDisconnected,
		DispositionCurrentClient, DispositionVMSameNameUnconfirmed,
		DispositionCorrectNumber, DispositionNoAnswer:
		return true
	default:
		return false
	}
}

// PhoneStatus represents the per-number status on a lead row.
type PhoneStatus string

const (
	PhoneStatusNew        PhoneStatus = "NEW"
	PhoneStatusInProgress PhoneStatus = "IN_PROGRESS"
	PhoneStatusCorrect    PhoneStatus = "CORRECT"
	PhoneStatusWrong      PhoneStatus = "WRONG"
	PhoneStatusVoicemail  PhoneStatus = "VOICEMAIL"
	PhoneStatusNoAnswer   PhoneStatus = "NO_ANSWER"
	PhoneStatusSkipped    PhoneStatus = "SKIPPED"
	PhoneStatusExhausted  PhoneStatus = "EXHAUSTED"
)

// SkipReason explains why a number was not eligible for selection.
type SkipReason string

const (
	SkipReasonSiblingCorrect SkipReason = "SIBLING_CORRECT"
	SkipReasonMaxAttempts    SkipReason = "MAX_ATTEMPTS"
	SkipReasonOutsideWindow  SkipReason = "OUTSIDE_WINDOW"
	SkipReasonRetryPending   SkipReason = "RETRY_PENDING"
	SkipReasonManualSkip     SkipReason = "MANUAL_SKIP"
)

// MaxNumbersPerLead is the maximum phone numbers a lead row can carry.
const MaxNumbersPerLead = 10

// Session is one agent's active dialing run. It is owned exclusively by the
// orchestrator; no other component mutates it.
type Session struct {
	SessionID     string     `json:"sessionId"`
	AgentEmail    string     `json:"agentEmail"`
	ReadyState    ReadyState `json:"readyState"`
	SpreadsheetID string     `json:"spreadsheetId"`
	TabID         int64      `json:"tabId"`
	RowID         string     `json:"rowId,omitempty"`
	NumIndex      int        `json:"numIndex,omitempty"`
	CurrentCallID string     `json:"currentCallId,omitempty"`
	LastEventTS   int64      `json:"lastEventTs,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// CallWindow is a local time-of-day range during which dialing is permitted.
// Start and End are "HH:MM" strings; Start > End means the window wraps
// midnight.
type CallWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Lead is a contact row sourced from the lead store. The orchestrator treats
// the external store as authoritative and holds a Lead in memory only for the
// duration of one selection/dial/disposition cycle.
type Lead struct {
	RowID        string        `json:"rowId"`
	Name         string        `json:"name"`
	RowIndex     int64         `json:"rowIndex"` // zero-based sheet row
	Numbers      []string      `json:"numbers"`
	Statuses     []PhoneStatus `json:"statuses"`
	Notes        string        `json:"notes,omitempty"`
	LastOutcome  string        `json:"lastOutcome,omitempty"`
	AttemptCount int           `json:"attemptCount"`
	NextIndex    int           `json:"nextIndex"` // 1-based cursor into Numbers
	Timezone     string        `json:"timezone,omitempty"`
	CallWindow   *CallWindow   `json:"callWindow,omitempty"`
	NextRetryAt  *time.Time    `json:"nextRetryAt,omitempty"`
}

// HasSiblingCorrect reports whether any number on the row is already CORRECT.
func (l *Lead) HasSiblingCorrect() bool {
	for _, st := range l.Statuses {
		if st == PhoneStatusCorrect {
			return true
		}
	}
	return false
}

// RouterEntry maps an agent to their lead source.
type RouterEntry struct {
	AgentEmail    string `json:"agentEmail"`
	ProviderUser  string `json:"providerUserId"`
	SpreadsheetID string `json:"spreadsheetId"`
	TabID         int64  `json:"tabId"`
	CampaignName  string `json:"campaignName"`
	Active        bool   `json:"active"`
}

// DispositionResult is the policy mapping of a disposition outcome.
type DispositionResult struct {
	Disposition Disposition `json:"disposition"`
	PhoneStatus PhoneStatus `json:"phoneStatus"`
	Color       string      `json:"color"`
	NextRetryAt *time.Time  `json:"nextRetryAt,omitempty"`
}

// CallEventMeta is the custom data attached to a placed call and echoed back
// on provider events.
type CallEventMeta struct {
	SessionID string `json:"sessionId"`
	RowID     string `json:"rowId"`
	NumIndex  int    `json:"numIndex"`
	LeadName  string `json:"leadName,omitempty"`
}

// CallEvent is an asynchronous call-outcome event from the telephony
// provider. Events must be deduplicated by EventID before being applied.
type CallEvent struct {
	EventID   string         `json:"eventId"`
	Event     string         `json:"event"`
	CallID    string         `json:"callId"`
	Timestamp time.Time      `json:"timestamp"`
	Meta      *CallEventMeta `json:"customData,omitempty"`
}

// Request payload types.

// StartSessionRequest is the payload for POST /api/session/start.
type StartSessionRequest struct {
	AgentEmail string `json:"agentEmail"`
}

// Validate checks the start request.
func (r *StartSessionRequest) Validate() error {
	if r.AgentEmail == "" {
		return errors.New("agentEmail is required")
	}
	return nil
}

// SessionRequest is the payload for pause/resume/stop/dial.
type SessionRequest struct {
	SessionID string `json:"sessionId"`
}

// Validate checks the session request.
func (r *SessionRequest) Validate() error {
	if r.SessionID == "" {
		return errors.New("sessionId is required")
	}
	return nil
}

// DispositionRequest is the payload for POST /api/disposition.
type DispositionRequest struct {
	SessionID string      `json:"sessionId"`
	CallID    string      `json:"callId"`
	RowID     string      `json:"rowId"`
	NumIndex  int         `json:"numIndex"`
	Outcome   Disposition `json:"outcome"`
}

// Validate checks the disposition request.
func (r *DispositionRequest) Validate() error {
	if r.SessionID == "" {
		return errors.New("sessionId is required")
	}
	if r.CallID == "" {
		return errors.New("callId is required")
	}
	if r.RowID == "" {
		return errors.New("rowId is required")
	}
	if r.NumIndex < 1 || r.NumIndex > MaxNumbersPerLead {
		return errors.New("numIndex must be between 1 and 10")
	}
	if !IsValidDisposition(r.Outcome) {
		return errors.New("unknown disposition outcome")
	}
	return nil
}

// DialResult is the response payload of a dial operation.
type DialResult struct {
	Status   string `json:"status"` // "dialing", "noop", "exhausted"
	Done     bool   `json:"done,omitempty"`
	CallID   string `json:"callId,omitempty"`
	RowID    string `json:"rowId,omitempty"`
	NumIndex int    `json:"numIndex,omitempty"`
	LeadName string `json:"leadName,omitempty"`
}

// StartSessionResult is the response payload of session start.
type StartSessionResult struct {
	SessionID     string     `json:"sessionId"`
	ReadyState    ReadyState `json:"readyState"`
	SpreadsheetID string     `json:"spreadsheetId"`
	TabID         int64      `json:"tabId"`
	WSToken       string     `json:"wsToken"`
}
