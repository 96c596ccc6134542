package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsValidDisposition(t *testing.T) {
	valid := []Disposition{
		DispositionVMOrNAUnknown, DispositionWrongOrDisconnected,
		DispositionCurrentClient, DispositionVMSameNameUnconfirmed,
		DispositionCorrectNumber, DispositionNoAnswer,
	}
	for _, d := range valid {
		if !IsValidDisposition(d) {
			t.Errorf("%s should be valid", d)
		}
	}
	if IsValidDisposition("HUNG_UP") {
		t.Error("unknown disposition accepted")
	}
	if IsValidDisposition("") {
		t.Error("empty disposition accepted")
	}
}

func TestHasSiblingCorrect(t *testing.T) {
	lead := Lead{Statuses: []PhoneStatus{PhoneStatusWrong, PhoneStatusNoAnswer}}
	if lead.HasSiblingCorrect() {
		t.Error("no CORRECT status present")
	}
	lead.Statuses[1] = PhoneStatusCorrect
	if !lead.HasSiblingCorrect() {
		t.Error("CORRECT status not detected")
	}
}

func TestStartSessionRequestValidate(t *testing.T) {
	if err := (&StartSessionRequest{}).Validate(); err == nil {
		t.Error("empty agentEmail accepted")
	}
	if err := (&StartSessionRequest{AgentEmail: "a@example.com"}).Validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}
}

func TestDispositionRequestValidate(t *testing.T) {
	base := DispositionRequest{
		SessionID: "s-1",
		CallID:    "CA1",
		RowID:     "row-1",
		NumIndex:  1,
		Outcome:   DispositionNoAnswer,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*DispositionRequest)
	}{
		{"missing session", func(r *DispositionRequest) { r.SessionID = "" }},
		{"missing call id", func(r *DispositionRequest) { r.CallID = "" }},
		{"missing row id", func(r *DispositionRequest) { r.RowID = "" }},
		{"numIndex zero", func(r *DispositionRequest) { r.NumIndex = 0 }},
		{"numIndex too large", func(r *DispositionRequest) { r.NumIndex = MaxNumbersPerLead + 1 }},
		{"unknown outcome", func(r *DispositionRequest) { r.Outcome = "NOPE" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base
			tc.mutate(&req)
			if err := req.Validate(); err == nil {
				t.Error("invalid request accepted")
			}
		})
	}
}

func TestCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCode
	}{
		{ErrSessionConflict, CodeSessionConflict},
		{ErrSessionNotFound, CodeSessionNotFound},
		{ErrRouterNotFound, CodeRouterNotFound},
		{ErrInvalidLeadSchema, CodeInvalidLeadSchema},
		{ErrDialFailed, CodeDialFailed},
		{ErrContended, CodeContended},
		{ErrStaleCall, CodeStaleCall},
		{ErrExhausted, CodeExhausted},
		{ErrInvalidOutcome, CodeInvalidOutcome},
		{errors.New("something else"), CodeCollaboratorUnavailable},
	}
	for _, tc := range cases {
		if got := CodeFor(tc.err); got != tc.want {
			t.Errorf("CodeFor(%v): got %s, want %s", tc.err, got, tc.want)
		}
	}

	// Wrapped errors keep their code.
	wrapped := fmt.Errorf("dialing row-1: %w", ErrContended)
	if got := CodeFor(wrapped); got != CodeContended {
		t.Errorf("wrapped error lost its code: %s", got)
	}
}

func TestResponseEnvelope(t *testing.T) {
	ok := Success(map[string]string{"k": "v"})
	if !ok.Success || ok.Error != nil || ok.Data == nil {
		t.Errorf("success envelope malformed: %+v", ok)
	}

	fail := FailFromError(ErrStaleCall)
	if fail.Success || fail.Error == nil {
		t.Fatalf("error envelope malformed: %+v", fail)
	}
	if fail.Error.Code != CodeStaleCall || fail.Error.Message == "" {
		t.Errorf("error payload: %+v", fail.Error)
	}
}
