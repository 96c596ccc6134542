// Package policy implements the pure business-policy evaluation for
// powerdial: disposition outcome mapping and per-number dial eligibility.
//
// All functions are side-effect free; callers pass the evaluation time
// explicitly so decisions are reproducible in tests.
package policy

import (
	"fmt"
	"time"

	"github.com/dialworks/powerdial/internal/config"
	"github.com/dialworks/powerdial/internal/models"
)

// Engine evaluates disposition mappings and dial eligibility against a
// fixed policy configuration.
type Engine struct {
	policies config.Policies
}

// NewEngine creates a policy engine for the given policy set.
func NewEngine(p config.Policies) *Engine {
	return &Engine{policies: p}
}

// MapOutcome maps a disposition to a phone status, UI color, and optional
// retry timestamp. An unknown disposition is a programming error, reported
// as ErrInvalidOutcome and never retried.
func (e *Engine) MapOutcome(d models.Disposition, now time.Time) (models.DispositionResult, error) {
	colors := e.policies.Colors
	delays := e.policies.RetryDelaysMin

	switch d {
	case models.DispositionVMOrNAUnknown:
		return models.DispositionResult{
			Disposition: d,
			PhoneStatus: models.PhoneStatusVoicemail,
			Color:       colors.Voicemail,
			NextRetryAt: retryAt(now, delays.VMOrNAUnknown),
		}, nil
	case models.DispositionWrongOrDisconnected:
		return models.DispositionResult{
			Disposition: d,
			PhoneStatus: models.PhoneStatusWrong,
			Color:       colors.Wrong,
		}, nil
	case models.DispositionCurrentClient:
		return models.DispositionResult{
			Disposition: d,
			PhoneStatus: models.PhoneStatusCorrect,
			Color:       colors.CurrentClient,
		}, nil
	case models.DispositionVMSameNameUnconfirmed:
		return models.DispositionResult{
			Disposition: d,
			PhoneStatus: models.PhoneStatusVoicemail,
			Color:       colors.VMUnconfirmed,
			NextRetryAt: retryAt(now, delays.VMSameNameUnconfirmed),
		}, nil
	case models.DispositionCorrectNumber:
		return models.DispositionResult{
			Disposition: d,
			PhoneStatus: models.PhoneStatusCorrect,
			Color:       colors.Correct,
		}, nil
	case models.DispositionNoAnswer:
		return models.DispositionResult{
			Disposition: d,
			PhoneStatus: models.PhoneStatusNoAnswer,
			Color:       colors.NoAnswer,
			NextRetryAt: retryAt(now, delays.NoAnswer),
		}, nil
	default:
		return models.DispositionResult{}, fmt.Errorf("%w: %q", models.ErrInvalidOutcome, d)
	}
}

func retryAt(now time.Time, minutes int) *time.Time {
	t := now.Add(time.Duration(minutes) * time.Minute)
	return &t
}

// ShouldSkipSiblings reports whether a disposition triggers marking the
// row's remaining untried numbers as SKIPPED.
func (e *Engine) ShouldSkipSiblings(d models.Disposition) bool {
	return e.policies.StopOnFirstCorrect &&
		(d == models.DispositionCorrectNumber || d == models.DispositionCurrentClient)
}

// SkipReasonFor evaluates the eligibility checks for a number on a lead row
// in their fixed precedence order. The first failing check is returned as
// the skip reason; ok is true when the number is eligible to dial.
func (e *Engine) SkipReasonFor(lead *models.Lead, numIndex int, now time.Time) (reason models.SkipReason, ok bool) {
	if e.policies.StopOnFirstCorrect && lead.HasSiblingCorrect() {
		return models.SkipReasonSiblingCorrect, false
	}
	if !e.CanDialNumber(lead.AttemptCount) {
		return models.SkipReasonMaxAttempts, false
	}
	if !e.IsWithinCallWindow(lead, now) {
		return models.SkipReasonOutsideWindow, false
	}
	if !e.CanRetryNow(lead.NextRetryAt, now) {
		return models.SkipReasonRetryPending, false
	}
	return "", true
}

// CanDialNumber reports whether the row's attempt count is under the cap.
func (e *Engine) CanDialNumber(attemptCount int) bool {
	return attemptCount < e.policies.MaxAttemptsPerNum
}

// IsWithinCallWindow reports whether the current local time for the lead is
// inside its call window. The lead's timezone overrides the org default; a
// window whose start is after its end wraps midnight ("overnight"). The
// start is inclusive and the end exclusive.
func (e *Engine) IsWithinCallWindow(lead *models.Lead, now time.Time) bool {
	if !e.policies.RespectTimeWindows {
		return true
	}

	tz := lead.Timezone
	if tz == "" {
		tz = e.policies.OrgDefaultTZ
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	current := local.Hour()*60 + local.Minute()

	startStr, endStr := e.policies.WindowStart, e.policies.WindowEnd
	if lead.CallWindow != nil {
		startStr, endStr = lead.CallWindow.Start, lead.CallWindow.End
	}
	start, err := clockMinutes(startStr)
	if err != nil {
		return true
	}
	end, err := clockMinutes(endStr)
	if err != nil {
		return true
	}

	if end < start {
		// Overnight window
		return current >= start || current < end
	}
	return current >= start && current < end
}

func clockMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// CanRetryNow reports whether the retry timer, if any, has elapsed.
func (e *Engine) CanRetryNow(nextRetryAt *time.Time, now time.Time) bool {
	if !e.policies.RespectNextRetryAt {
		return true
	}
	if nextRetryAt == nil {
		return true
	}
	return !now.Before(*nextRetryAt)
}

// NextCandidateIndex returns the first untried number index (1-based) on a
// lead row, starting at the row's cursor. A number is untried when its
// status is empty, NEW, or a retryable status (VOICEMAIL, NO_ANSWER). It
// returns 0 when the row has no candidate.
func (e *Engine) NextCandidateIndex(lead *models.Lead) int {
	start := lead.NextIndex
	if start < 1 {
		start = 1
	}
	for i := start; i <= len(lead.Numbers); i++ {
		if lead.Numbers[i-1] == "" {
			continue
		}
		switch lead.Statuses[i-1] {
		case "", models.PhoneStatusNew, models.PhoneStatusVoicemail, models.PhoneStatusNoAnswer:
			return i
		}
	}
	return 0
}

// Policies returns the engine's policy configuration, used by the policies
// API endpoint.
func (e *Engine) Policies() config.Policies {
	return e.policies
}

// DispositionColors returns the per-disposition UI color table.
func (e *Engine) DispositionColors() map[models.Disposition]string {
	c := e.policies.Colors
	return map[models.Disposition]string{
		models.DispositionVMOrNAUnknown:         c.Voicemail,
		models.DispositionWrongOrDisconnected:   c.Wrong,
		models.DispositionCurrentClient:         c.CurrentClient,
		models.DispositionVMSameNameUnconfirmed: c.VMUnconfirmed,
		models.DispositionCorrectNumber:         c.Correct,
		models.DispositionNoAnswer:              c.NoAnswer,
	}
}
