package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/dialworks/powerdial/internal/config"
	"github.com/dialworks/powerdial/internal/models"
)

func testPolicies() config.Policies {
	return config.Policies{
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
	}
}

func testLead(statuses ...models.PhoneStatus) *models.Lead {
	numbers := make([]string, len(statuses))
	for i := range numbers {
		numbers[i] = "+13035550100"
	}
	return &models.Lead{
		RowID:     "row-1",
		Name:      "Jane Doe",
		Numbers:   numbers,
		Statuses:  statuses,
		NextIndex: 1,
	}
}

// denverTime builds a local wall-clock instant in the default org timezone.
func denverTime(t *testing.T, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/Denver")
	if err != nil {
		t.Fatalf("failed to load timezone: %v", err)
	}
	return time.Date(2026, 3, 10, hour, min, 0, 0, loc)
}

func TestMapOutcome(t *testing.T) {
	engine := NewEngine(testPolicies())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name        string
		outcome     models.Disposition
		wantStatus  models.PhoneStatus
		wantColor   string
		wantRetryIn time.Duration
	}{
		{"voicemail unknown", models.DispositionVMOrNAUnknown, models.PhoneStatusVoicemail, "#6C97DD", 180 * time.Minute},
		{"wrong number", models.DispositionWrongOrDisconnected, models.PhoneStatusWrong, "#C07772", 0},
		{"current client", models.DispositionCurrentClient, models.PhoneStatusCorrect, "#F09001", 0},
		{"voicemail same name", models.DispositionVMSameNameUnconfirmed, models.PhoneStatusVoicemail, "#DADA00", 180 * time.Minute},
		{"correct number", models.DispositionCorrectNumber, models.PhoneStatusCorrect, "#4AA031", 0},
		{"no answer", models.DispositionNoAnswer, models.PhoneStatusNoAnswer, "#6AC4CB", 60 * time.Minute},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := engine.MapOutcome(tc.outcome, now)
			if err != nil {
				t.Fatalf("MapOutcome(%s) returned error: %v", tc.outcome, err)
			}
			if got.PhoneStatus != tc.wantStatus {
				t.Errorf("status: got %s, want %s", got.PhoneStatus, tc.wantStatus)
			}
			if got.Color != tc.wantColor {
				t.Errorf("color: got %s, want %s", got.Color, tc.wantColor)
			}
			if tc.wantRetryIn == 0 {
				if got.NextRetryAt != nil {
					t.Errorf("expected no retry timestamp, got %v", got.NextRetryAt)
				}
			} else {
				if got.NextRetryAt == nil {
					t.Fatal("expected a retry timestamp, got none")
				}
				if want := now.Add(tc.wantRetryIn); !got.NextRetryAt.Equal(want) {
					t.Errorf("retry at: got %v, want %v", got.NextRetryAt, want)
				}
			}
		})
	}
}

func TestMapOutcomeUnknownDisposition(t *testing.T) {
	engine := NewEngine(testPolicies())
	_, err := engine.MapOutcome(models.Disposition("UNKNOWN"), time.Now())
	if !errors.Is(err, models.ErrInvalidOutcome) {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestMapOutcomeDeterministic(t *testing.T) {
	engine := NewEngine(testPolicies())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	first, err := engine.MapOutcome(models.DispositionNoAnswer, now)
	if err != nil {
		t.Fatal(err)
	}
	second, err := engine.MapOutcome(models.DispositionNoAnswer, now)
	if err != nil {
		t.Fatal(err)
	}
	if first.PhoneStatus != second.PhoneStatus || first.Color != second.Color ||
		!first.NextRetryAt.Equal(*second.NextRetryAt) {
		t.Errorf("same outcome at same time mapped differently: %+v vs %+v", first, second)
	}
}

func TestShouldSkipSiblings(t *testing.T) {
	engine := NewEngine(testPolicies())
	if !engine.ShouldSkipSiblings(models.DispositionCorrectNumber) {
		t.Error("CORRECT_NUMBER should skip siblings")
	}
	if !engine.ShouldSkipSiblings(models.DispositionCurrentClient) {
		t.Error("CURRENT_CLIENT should skip siblings")
	}
	if engine.ShouldSkipSiblings(models.DispositionNoAnswer) {
		t.Error("NO_ANSWER should not skip siblings")
	}

	p := testPolicies()
	p.StopOnFirstCorrect = false
	disabled := NewEngine(p)
	if disabled.ShouldSkipSiblings(models.DispositionCorrectNumber) {
		t.Error("sibling skip should be off when StopOnFirstCorrect is disabled")
	}
}

func TestSkipReasonPrecedence(t *testing.T) {
	engine := NewEngine(testPolicies())
	inWindow := denverTime(t, 12, 0)
	outOfWindow := denverTime(t, 20, 0)
	future := inWindow.Add(30 * time.Minute)

	t.Run("sibling correct wins over everything", func(t *testing.T) {
		lead := testLead(models.PhoneStatusCorrect, models.PhoneStatusNew)
		lead.AttemptCount = 5
		lead.NextRetryAt = &future
		reason, ok := engine.SkipReasonFor(lead, 2, outOfWindow)
		if ok || reason != models.SkipReasonSiblingCorrect {
			t.Errorf("got (%s, %v), want SIBLING_CORRECT", reason, ok)
		}
	})

	t.Run("max attempts wins over window", func(t *testing.T) {
		lead := testLead(models.PhoneStatusNew)
		lead.AttemptCount = 3
		reason, ok := engine.SkipReasonFor(lead, 1, outOfWindow)
		if ok || reason != models.SkipReasonMaxAttempts {
			t.Errorf("got (%s, %v), want MAX_ATTEMPTS", reason, ok)
		}
	})

	t.Run("window wins over retry pending", func(t *testing.T) {
		lead := testLead(models.PhoneStatusNew)
		lead.NextRetryAt = &future
		reason, ok := engine.SkipReasonFor(lead, 1, outOfWindow)
		if ok || reason != models.SkipReasonOutsideWindow {
			t.Errorf("got (%s, %v), want OUTSIDE_WINDOW", reason, ok)
		}
	})

	t.Run("retry pending", func(t *testing.T) {
		lead := testLead(models.PhoneStatusNoAnswer)
		lead.NextRetryAt = &future
		reason, ok := engine.SkipReasonFor(lead, 1, inWindow)
		if ok || reason != models.SkipReasonRetryPending {
			t.Errorf("got (%s, %v), want RETRY_PENDING", reason, ok)
		}
	})

	t.Run("eligible", func(t *testing.T) {
		lead := testLead(models.PhoneStatusNew)
		if _, ok := engine.SkipReasonFor(lead, 1, inWindow); !ok {
			t.Error("fresh lead inside the window should be eligible")
		}
	})
}

func TestCallWindowBoundaries(t *testing.T) {
	engine := NewEngine(testPolicies())
	lead := testLead(models.PhoneStatusNew)

	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"one minute before open", denverTime(t, 8, 59), false},
		{"start is inclusive", denverTime(t, 9, 0), true},
		{"midday", denverTime(t, 13, 30), true},
		{"one minute before close", denverTime(t, 17, 59), true},
		{"end is exclusive", denverTime(t, 18, 0), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := engine.IsWithinCallWindow(lead, tc.now); got != tc.want {
				t.Errorf("IsWithinCallWindow at %v: got %v, want %v", tc.now, got, tc.want)
			}
		})
	}
}

func TestOvernightCallWindow(t *testing.T) {
	engine := NewEngine(testPolicies())
	lead := testLead(models.PhoneStatusNew)
	lead.CallWindow = &models.CallWindow{Start: "23:30", End: "07:00"}

	cases := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before start", denverTime(t, 22, 0), false},
		{"at start", denverTime(t, 23, 30), true},
		{"after midnight", denverTime(t, 2, 0), true},
		{"just before end", denverTime(t, 6, 59), true},
		{"at end", denverTime(t, 7, 0), false},
		{"midday", denverTime(t, 12, 0), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := engine.IsWithinCallWindow(lead, tc.now); got != tc.want {
				t.Errorf("IsWithinCallWindow at %v: got %v, want %v", tc.now, got, tc.want)
			}
		})
	}
}

func TestCallWindowDisabled(t *testing.T) {
	p := testPolicies()
	p.RespectTimeWindows = false
	engine := NewEngine(p)
	lead := testLead(models.PhoneStatusNew)
	if !engine.IsWithinCallWindow(lead, denverTime(t, 3, 0)) {
		t.Error("window check should pass when RespectTimeWindows is off")
	}
}

func TestCanRetryNow(t *testing.T) {
	engine := NewEngine(testPolicies())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	if !engine.CanRetryNow(nil, now) {
		t.Error("no retry timestamp should allow dialing")
	}
	if !engine.CanRetryNow(&past, now) {
		t.Error("elapsed retry timestamp should allow dialing")
	}
	if !engine.CanRetryNow(&now, now) {
		t.Error("retry timestamp equal to now should allow dialing")
	}
	if engine.CanRetryNow(&future, now) {
		t.Error("future retry timestamp should block dialing")
	}
}

func TestNextCandidateIndex(t *testing.T) {
	engine := NewEngine(testPolicies())

	cases := []struct {
		name     string
		statuses []models.PhoneStatus
		cursor   int
		want     int
	}{
		{"first fresh number", []models.PhoneStatus{models.PhoneStatusNew, models.PhoneStatusNew}, 1, 1},
		{"cursor skips earlier numbers", []models.PhoneStatus{models.PhoneStatusNew, models.PhoneStatusNew}, 2, 2},
		{"terminal statuses are skipped", []models.PhoneStatus{models.PhoneStatusWrong, models.PhoneStatusSkipped, models.PhoneStatusNew}, 1, 3},
		{"retryable statuses are candidates", []models.PhoneStatus{models.PhoneStatusVoicemail}, 1, 1},
		{"no candidate left", []models.PhoneStatus{models.PhoneStatusWrong, models.PhoneStatusCorrect}, 1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lead := testLead(tc.statuses...)
			lead.NextIndex = tc.cursor
			if got := engine.NextCandidateIndex(lead); got != tc.want {
				t.Errorf("NextCandidateIndex: got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestNextCandidateIndexSkipsEmptySlots(t *testing.T) {
	engine := NewEngine(testPolicies())
	lead := testLead(models.PhoneStatusNew, models.PhoneStatusNew)
	lead.Numbers[0] = ""
	if got := engine.NextCandidateIndex(lead); got != 2 {
		t.Errorf("empty number slot should be skipped: got %d, want 2", got)
	}
}
