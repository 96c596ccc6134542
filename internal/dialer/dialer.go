// Package dialer implements the session orchestrator: the state machine that
// drives one agent's dialing run from session start through selection, dial,
// disposition, and stop.
//
// All mutations for a session run on that session's worker goroutine, so
// operations on one session are serialized without holding locks across I/O.
// Cross-process safety (concurrent agents, duplicate webhooks, client
// retries) comes from the state store's row locks, idempotency markers, and
// event dedup markers.
package dialer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dialworks/powerdial/internal/config"
	"github.com/dialworks/powerdial/internal/leadstore"
	"github.com/dialworks/powerdial/internal/models"
	"github.com/dialworks/powerdial/internal/policy"
	"github.com/dialworks/powerdial/internal/push"
	"github.com/dialworks/powerdial/internal/statestore"
	"github.com/dialworks/powerdial/internal/telephony"
)

// Dial result status values.
const (
	StatusDialing   = "dialing"
	StatusNoop      = "noop"
	StatusExhausted = "exhausted"
)

const workerQueueSize = 16

type task struct {
	ctx context.Context
	fn  func(ctx context.Context)
}

type worker struct {
	tasks chan task
	stop  chan struct{}
}

// Orchestrator coordinates sessions across the state store, lead store,
// telephony provider, and push channel.
type Orchestrator struct {
	store  statestore.Store
	leads  leadstore.Store
	phones telephony.Dialer
	notify push.Notifier
	policy *policy.Engine
	cfg    *config.Config

	// now is swappable for tests.
	now func() time.Time

	mu      sync.Mutex
	workers map[string]*worker
	routers map[string]*models.RouterEntry // agentEmail -> cached router entry
	closed  bool
	wg      sync.WaitGroup
}

// New creates an orchestrator wired to its collaborators.
func New(store statestore.Store, leads leadstore.Store, phones telephony.Dialer, notify push.Notifier, engine *policy.Engine, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		store:   store,
		leads:   leads,
		phones:  phones,
		notify:  notify,
		policy:  engine,
		cfg:     cfg,
		now:     time.Now,
		workers: make(map[string]*worker),
		routers: make(map[string]*models.RouterEntry),
	}
}

// worker returns the session's worker, starting one if needed.
func (o *Orchestrator) sessionWorker(sessionID string) *worker {
	o.mu.Lock()
	defer o.mu.Unlock()
	if w, ok := o.workers[sessionID]; ok {
		return w
	}
	w := &worker{
		tasks: make(chan task, workerQueueSize),
		stop:  make(chan struct{}),
	}
	o.workers[sessionID] = w
	o.wg.Add(1)
	go o.workerLoop(sessionID, w)
	return w
}

func (o *Orchestrator) workerLoop(sessionID string, w *worker) {
	defer o.wg.Done()
	for {
		select {
		case t := <-w.tasks:
			t.fn(t.ctx)
		case <-w.stop:
			return
		}
	}
}

// dropWorker stops and removes the session's worker. Safe to call from
// within a task; the loop observes stop after the task returns.
func (o *Orchestrator) dropWorker(sessionID string) {
	o.mu.Lock()
	w, ok := o.workers[sessionID]
	if ok {
		delete(o.workers, sessionID)
	}
	o.mu.Unlock()
	if ok {
		close(w.stop)
	}
}

// run executes fn on the session's worker and waits for it to finish, so all
// operations on one session are serialized.
func (o *Orchestrator) run(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	w := o.sessionWorker(sessionID)
	errCh := make(chan error, 1)
	t := task{ctx: ctx, fn: func(ctx context.Context) { errCh <- fn(ctx) }}
	select {
	case w.tasks <- t:
	case <-w.stop:
		return models.ErrSessionNotFound
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		if errors.Is(err, models.ErrSessionNotFound) {
			// The worker was created lazily for an id with no session behind
			// it; keeping it would leak a goroutine per bogus request.
			o.dropWorker(sessionID)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue schedules fn on the session's worker without waiting. Used for
// auto-dial after a disposition, where the API response must not block on
// the next selection pass.
func (o *Orchestrator) enqueue(sessionID string, fn func(ctx context.Context)) {
	w := o.sessionWorker(sessionID)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t := task{ctx: ctx, fn: func(ctx context.Context) {
		defer cancel()
		fn(ctx)
	}}
	select {
	case w.tasks <- t:
	case <-w.stop:
		cancel()
	default:
		cancel()
		slog.Warn("Orchestrator.enqueue: worker queue full, dropping task", "sessionId", sessionID)
	}
}

// Close stops all session workers. Sessions themselves stay in the state
// store and survive a restart.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for id, w := range o.workers {
		close(w.stop)
		delete(o.workers, id)
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// StartSession begins a dialing run for an agent. An agent can have at most
// one live session; a stale index entry pointing at an expired session is
// cleared rather than blocking the agent.
func (o *Orchestrator) StartSession(ctx context.Context, agentEmail string) (*models.StartSessionResult, error) {
	existing, err := o.store.GetAgentSession(ctx, agentEmail)
	if err != nil {
		return nil, fmt.Errorf("%w: agent index lookup: %v", models.ErrCollaboratorUnavailable, err)
	}
	if existing != "" {
		sess, err := o.store.GetSession(ctx, existing)
		if err != nil {
			return nil, fmt.Errorf("%w: session lookup: %v", models.ErrCollaboratorUnavailable, err)
		}
		if sess != nil && sess.ReadyState != models.ReadyStateStop {
			return nil, fmt.Errorf("%w: agent %s already has session %s", models.ErrSessionConflict, agentEmail, existing)
		}
		slog.Info("Orchestrator.StartSession: clearing stale agent index", "agentEmail", agentEmail, "sessionId", existing)
		if err := o.store.DeleteAgentSession(ctx, agentEmail); err != nil {
			return nil, fmt.Errorf("%w: clearing agent index: %v", models.ErrCollaboratorUnavailable, err)
		}
	}

	router, err := o.routerEntry(ctx, agentEmail)
	if err != nil {
		return nil, err
	}

	valid, err := o.leads.ValidateSchema(ctx, router.SpreadsheetID, leadstore.LeadSheetName)
	if err != nil {
		return nil, fmt.Errorf("%w: schema check: %v", models.ErrCollaboratorUnavailable, err)
	}
	if !valid {
		return nil, fmt.Errorf("%w: sheet %s", models.ErrInvalidLeadSchema, router.SpreadsheetID)
	}

	now := o.now().UTC()
	sess := models.Session{
		SessionID:     uuid.NewString(),
		AgentEmail:    agentEmail,
		ReadyState:    models.ReadyStatePlay,
		SpreadsheetID: router.SpreadsheetID,
		TabID:         router.TabID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("%w: creating session: %v", models.ErrCollaboratorUnavailable, err)
	}
	if err := o.store.SetAgentSession(ctx, agentEmail, sess.SessionID); err != nil {
		return nil, fmt.Errorf("%w: indexing session: %v", models.ErrCollaboratorUnavailable, err)
	}

	token, err := o.notify.TokenForSession(sess.SessionID, agentEmail)
	if err != nil {
		return nil, fmt.Errorf("minting connection token: %w", err)
	}

	slog.Info("Orchestrator.StartSession: session started",
		"sessionId", sess.SessionID, "agentEmail", agentEmail,
		"spreadsheetId", router.SpreadsheetID, "campaign", router.CampaignName)
	o.pushState(&sess)

	return &models.StartSessionResult{
		SessionID:     sess.SessionID,
		ReadyState:    sess.ReadyState,
		SpreadsheetID: sess.SpreadsheetID,
		TabID:         sess.TabID,
		WSToken:       token,
	}, nil
}

// routerEntry returns the agent's router entry, cached after first lookup
// for the life of the process.
func (o *Orchestrator) routerEntry(ctx context.Context, agentEmail string) (*models.RouterEntry, error) {
	o.mu.Lock()
	cached := o.routers[agentEmail]
	o.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	router, err := o.leads.GetRouterEntry(ctx, agentEmail)
	if err != nil {
		return nil, fmt.Errorf("%w: router lookup: %v", models.ErrCollaboratorUnavailable, err)
	}
	if router == nil {
		return nil, fmt.Errorf("%w: no active routing for %s", models.ErrRouterNotFound, agentEmail)
	}
	o.mu.Lock()
	o.routers[agentEmail] = router
	o.mu.Unlock()
	return router, nil
}

// PauseSession moves a session to PAUSE. Pausing a paused session is a no-op.
func (o *Orchestrator) PauseSession(ctx context.Context, sessionID string) (*models.Session, error) {
	return o.setReadyState(ctx, sessionID, models.ReadyStatePause)
}

// ResumeSession moves a session back to PLAY and signals the UI to request
// the next dial. The signal is queued so the response never blocks on it.
func (o *Orchestrator) ResumeSession(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := o.setReadyState(ctx, sessionID, models.ReadyStatePlay)
	if err != nil {
		return nil, err
	}
	o.enqueue(sessionID, func(ctx context.Context) {
		o.notify.Send(sessionID, push.Message{Type: push.MsgNextDialReq, Payload: struct{}{}})
	})
	return sess, nil
}

func (o *Orchestrator) setReadyState(ctx context.Context, sessionID string, state models.ReadyState) (*models.Session, error) {
	var out *models.Session
	err := o.run(ctx, sessionID, func(ctx context.Context) error {
		sess, err := o.getSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.ReadyState != state {
			sess.ReadyState = state
			sess.UpdatedAt = o.now().UTC()
			if err := o.store.UpdateSession(ctx, *sess); err != nil {
				return fmt.Errorf("%w: updating session: %v", models.ErrCollaboratorUnavailable, err)
			}
			slog.Info("Orchestrator.setReadyState: state changed", "sessionId", sessionID, "readyState", state)
			o.pushState(sess)
		}
		out = sess
		return nil
	})
	return out, err
}

// StopSession ends a session: any in-flight call is hung up, the session
// record and agent index are removed, and the push connection is closed.
// Stop is terminal; the session id cannot be reused afterwards.
func (o *Orchestrator) StopSession(ctx context.Context, sessionID string) error {
	err := o.run(ctx, sessionID, func(ctx context.Context) error {
		sess, err := o.getSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.CurrentCallID != "" {
			if err := o.phones.EndCall(ctx, sess.CurrentCallID); err != nil {
				slog.Warn("Orchestrator.StopSession: hangup failed", "sessionId", sessionID, "callId", sess.CurrentCallID, "error", err)
			}
		}
		if err := o.store.DeleteSession(ctx, sessionID); err != nil {
			return fmt.Errorf("%w: deleting session: %v", models.ErrCollaboratorUnavailable, err)
		}
		if err := o.store.DeleteAgentSession(ctx, sess.AgentEmail); err != nil {
			return fmt.Errorf("%w: clearing agent index: %v", models.ErrCollaboratorUnavailable, err)
		}
		sess.ReadyState = models.ReadyStateStop
		slog.Info("Orchestrator.StopSession: session stopped", "sessionId", sessionID, "agentEmail", sess.AgentEmail)
		o.pushState(sess)
		o.notify.Disconnect(sessionID)
		return nil
	})
	o.dropWorker(sessionID)
	return err
}

// SessionStatus returns the current session record.
func (o *Orchestrator) SessionStatus(ctx context.Context, sessionID string) (*models.Session, error) {
	return o.getSession(ctx, sessionID)
}

func (o *Orchestrator) getSession(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: session lookup: %v", models.ErrCollaboratorUnavailable, err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// Dial selects the next eligible number and places a call. In PAUSE or with
// a call already in flight it is a no-op. When every eligible row is locked
// by another agent it returns ErrContended; when no row has an eligible
// number it reports done.
func (o *Orchestrator) Dial(ctx context.Context, sessionID string) (*models.DialResult, error) {
	var out *models.DialResult
	err := o.run(ctx, sessionID, func(ctx context.Context) error {
		res, err := o.dialLocked(ctx, sessionID)
		out = res
		return err
	})
	return out, err
}

// dialLocked runs the selection loop. Must be called on the session worker.
func (o *Orchestrator) dialLocked(ctx context.Context, sessionID string) (*models.DialResult, error) {
	sess, err := o.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.ReadyState != models.ReadyStatePlay {
		slog.Debug("Orchestrator.dialLocked: session not in PLAY", "sessionId", sessionID, "readyState", sess.ReadyState)
		return &models.DialResult{Status: StatusNoop}, nil
	}
	if sess.CurrentCallID != "" {
		slog.Debug("Orchestrator.dialLocked: call already in flight", "sessionId", sessionID, "callId", sess.CurrentCallID)
		return &models.DialResult{Status: StatusNoop, CallID: sess.CurrentCallID}, nil
	}

	router, err := o.routerEntry(ctx, sess.AgentEmail)
	if err != nil {
		return nil, err
	}

	now := o.now()
	contended := false
	for pass := 0; pass < o.cfg.SelectionRetries; pass++ {
		leads, err := o.leads.GetLeads(ctx, sess.SpreadsheetID, leadstore.LeadSheetName, o.cfg.LeadPageSize)
		if err != nil {
			return nil, fmt.Errorf("%w: fetching leads: %v", models.ErrCollaboratorUnavailable, err)
		}

		sawCandidate := false
		for i := range leads {
			lead := &leads[i]
			idx := o.policy.NextCandidateIndex(lead)
			if idx == 0 {
				continue
			}
			if reason, ok := o.policy.SkipReasonFor(lead, idx, now); !ok {
				slog.Debug("Orchestrator.dialLocked: number skipped",
					"sessionId", sessionID, "rowId", lead.RowID, "numIndex", idx, "reason", reason)
				continue
			}
			sawCandidate = true

			resource := rowLockResource(sess.SpreadsheetID, sess.TabID, lead.RowID)
			token, ok, err := o.store.AcquireLock(ctx, resource, o.cfg.LockTTL)
			if err != nil {
				return nil, fmt.Errorf("%w: acquiring row lock: %v", models.ErrCollaboratorUnavailable, err)
			}
			if !ok {
				contended = true
				continue
			}

			res, err := o.placeCall(ctx, sess, router, lead, idx)
			if released, rerr := o.store.ReleaseLock(ctx, resource, token); rerr != nil {
				slog.Warn("Orchestrator.dialLocked: lock release failed", "resource", resource, "error", rerr)
			} else if !released {
				slog.Warn("Orchestrator.dialLocked: lock expired before release", "resource", resource)
			}
			if err != nil {
				return nil, err
			}
			return res, nil
		}

		if !sawCandidate {
			slog.Info("Orchestrator.dialLocked: no eligible numbers", "sessionId", sessionID)
			return &models.DialResult{Status: StatusExhausted, Done: true}, nil
		}
		if !contended {
			break
		}
	}

	if contended {
		return nil, fmt.Errorf("%w: all eligible rows locked by other agents", models.ErrContended)
	}
	return &models.DialResult{Status: StatusExhausted, Done: true}, nil
}

// placeCall dials the selected number and records it on the session. Called
// with the row lock held.
func (o *Orchestrator) placeCall(ctx context.Context, sess *models.Session, router *models.RouterEntry, lead *models.Lead, numIndex int) (*models.DialResult, error) {
	phone := lead.Numbers[numIndex-1]
	meta := models.CallEventMeta{
		SessionID: sess.SessionID,
		RowID:     lead.RowID,
		NumIndex:  numIndex,
		LeadName:  lead.Name,
	}
	callID, err := o.phones.PlaceCall(ctx, router.ProviderUser, phone, meta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDialFailed, err)
	}

	sess.RowID = lead.RowID
	sess.NumIndex = numIndex
	sess.CurrentCallID = callID
	sess.UpdatedAt = o.now().UTC()
	if err := o.store.UpdateSession(ctx, *sess); err != nil {
		// The call is up but the session no longer tracks it. Hang up so the
		// row is not stranded mid-call with no disposition path.
		if herr := o.phones.EndCall(ctx, callID); herr != nil {
			slog.Error("Orchestrator.placeCall: rollback hangup failed", "callId", callID, "error", herr)
		}
		return nil, fmt.Errorf("%w: recording call on session: %v", models.ErrCollaboratorUnavailable, err)
	}

	slog.Info("Orchestrator.placeCall: dialing",
		"sessionId", sess.SessionID, "callId", callID, "rowId", lead.RowID,
		"numIndex", numIndex, "phone", telephony.MaskPhone(phone))

	result := &models.DialResult{
		Status:   StatusDialing,
		CallID:   callID,
		RowID:    lead.RowID,
		NumIndex: numIndex,
		LeadName: lead.Name,
	}
	o.notify.Send(sess.SessionID, push.Message{Type: push.MsgDialInProgress, Payload: result})
	return result, nil
}

// SubmitDisposition records the agent's outcome for a call: write-back to
// the lead store, sibling skip, retry scheduling, and auto-advance. Replays
// of the same idempotency key return the stored result without re-executing.
func (o *Orchestrator) SubmitDisposition(ctx context.Context, req models.DispositionRequest, idemKey string) (*models.DispositionResult, error) {
	if idemKey == "" {
		idemKey = fmt.Sprintf("%s:%d", req.RowID, req.NumIndex)
	}
	key := "dispo:" + req.SessionID + ":" + idemKey

	var out *models.DispositionResult
	err := o.run(ctx, req.SessionID, func(ctx context.Context) error {
		first, err := o.store.BeginIdempotent(ctx, key)
		if err != nil {
			return fmt.Errorf("%w: idempotency check: %v", models.ErrCollaboratorUnavailable, err)
		}
		if !first {
			stored, err := o.store.GetIdempotentResult(ctx, key)
			if err != nil {
				return fmt.Errorf("%w: fetching stored result: %v", models.ErrCollaboratorUnavailable, err)
			}
			if stored == nil {
				// First execution failed before storing a result or is still
				// running in another process.
				return fmt.Errorf("%w: disposition for %s already in progress", models.ErrContended, idemKey)
			}
			var res models.DispositionResult
			if err := json.Unmarshal(stored, &res); err != nil {
				return fmt.Errorf("decoding stored disposition result: %w", err)
			}
			slog.Info("Orchestrator.SubmitDisposition: replay served from idempotency store", "sessionId", req.SessionID, "key", idemKey)
			out = &res
			return nil
		}

		res, err := o.applyDisposition(ctx, req)
		if err != nil {
			// The write did not complete, so the marker must not stand; the
			// caller retries under the same key.
			if derr := o.store.DeleteIdempotent(ctx, key); derr != nil {
				slog.Error("Orchestrator.SubmitDisposition: releasing idempotency marker failed", "key", idemKey, "error", derr)
			}
			return err
		}
		if data, merr := json.Marshal(res); merr == nil {
			if serr := o.store.SetIdempotentResult(ctx, key, data); serr != nil {
				slog.Warn("Orchestrator.SubmitDisposition: storing result failed", "key", idemKey, "error", serr)
			}
		}
		out = res
		return nil
	})
	return out, err
}

// applyDisposition performs the disposition write under the row lock. Must
// be called on the session worker.
func (o *Orchestrator) applyDisposition(ctx context.Context, req models.DispositionRequest) (*models.DispositionResult, error) {
	sess, err := o.getSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.CurrentCallID != "" && sess.CurrentCallID != req.CallID {
		return nil, fmt.Errorf("%w: disposition for call %s but session tracks %s",
			models.ErrStaleCall, req.CallID, sess.CurrentCallID)
	}

	result, err := o.policy.MapOutcome(req.Outcome, o.now().UTC())
	if err != nil {
		return nil, err
	}

	resource := rowLockResource(sess.SpreadsheetID, sess.TabID, req.RowID)
	token, ok, err := o.store.AcquireLock(ctx, resource, o.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: acquiring row lock: %v", models.ErrCollaboratorUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: row %s locked by another agent", models.ErrContended, req.RowID)
	}
	defer func() {
		if _, rerr := o.store.ReleaseLock(ctx, resource, token); rerr != nil {
			slog.Warn("Orchestrator.applyDisposition: lock release failed", "resource", resource, "error", rerr)
		}
	}()

	lead, err := o.findLead(ctx, sess, req.RowID)
	if err != nil {
		return nil, err
	}

	write := leadstore.DispositionWrite{
		SpreadsheetID: sess.SpreadsheetID,
		TabID:         sess.TabID,
		RowIndex:      lead.RowIndex,
		NumIndex:      req.NumIndex,
		Status:        result.PhoneStatus,
		Color:         result.Color,
		Outcome:       string(req.Outcome),
		CallID:        req.CallID,
		AttemptCount:  lead.AttemptCount + 1,
	}
	if err := o.leads.WriteDisposition(ctx, write); err != nil {
		return nil, fmt.Errorf("%w: writing disposition: %v", models.ErrCollaboratorUnavailable, err)
	}

	if o.policy.ShouldSkipSiblings(req.Outcome) {
		siblings := untriedSiblings(lead, req.NumIndex)
		if len(siblings) > 0 {
			if err := o.leads.MarkSiblingsSkipped(ctx, sess.SpreadsheetID, sess.TabID, lead.RowIndex, siblings); err != nil {
				// The primary status is already written; the row converges on
				// the next pass through selection.
				slog.Warn("Orchestrator.applyDisposition: sibling skip failed",
					"sessionId", req.SessionID, "rowId", req.RowID, "error", err)
			}
		}
	}

	sess.CurrentCallID = ""
	sess.RowID = ""
	sess.NumIndex = 0
	sess.UpdatedAt = o.now().UTC()
	if err := o.store.UpdateSession(ctx, *sess); err != nil {
		return nil, fmt.Errorf("%w: clearing in-flight call: %v", models.ErrCollaboratorUnavailable, err)
	}

	slog.Info("Orchestrator.applyDisposition: disposition recorded",
		"sessionId", req.SessionID, "rowId", req.RowID, "numIndex", req.NumIndex,
		"outcome", req.Outcome, "status", result.PhoneStatus)

	if sess.ReadyState == models.ReadyStatePlay {
		o.scheduleNextDial(req.SessionID)
	}
	return &result, nil
}

// findLead locates a row by id in the lead page.
func (o *Orchestrator) findLead(ctx context.Context, sess *models.Session, rowID string) (*models.Lead, error) {
	leads, err := o.leads.GetLeads(ctx, sess.SpreadsheetID, leadstore.LeadSheetName, o.cfg.LeadPageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching leads: %v", models.ErrCollaboratorUnavailable, err)
	}
	for i := range leads {
		if leads[i].RowID == rowID {
			return &leads[i], nil
		}
	}
	return nil, fmt.Errorf("%w: row %s not found in lead sheet", models.ErrCollaboratorUnavailable, rowID)
}

// untriedSiblings returns the 1-based indices of the row's other numbers
// that have not yet reached a terminal status.
func untriedSiblings(lead *models.Lead, exclude int) []int {
	var out []int
	for i := 1; i <= len(lead.Numbers); i++ {
		if i == exclude || lead.Numbers[i-1] == "" {
			continue
		}
		switch lead.Statuses[i-1] {
		case "", models.PhoneStatusNew, models.PhoneStatusVoicemail, models.PhoneStatusNoAnswer:
			out = append(out, i)
		}
	}
	return out
}

// scheduleNextDial queues an automatic selection pass on the session worker.
// One transient failure is retried; a persistent failure falls back to a
// NEXT_DIAL_REQUEST push so the agent triggers the dial manually. An empty
// queue is announced as QUEUE_EXHAUSTED, never as a dial request.
func (o *Orchestrator) scheduleNextDial(sessionID string) {
	o.enqueue(sessionID, func(ctx context.Context) {
		var lastErr error
		for attempt := 0; attempt < 2; attempt++ {
			res, err := o.dialLocked(ctx, sessionID)
			if err == nil {
				if res.Done {
					o.notify.Send(sessionID, push.Message{Type: push.MsgQueueExhausted, Payload: res})
				}
				return
			}
			lastErr = err
		}
		slog.Warn("Orchestrator.scheduleNextDial: auto-dial failed", "sessionId", sessionID, "error", lastErr)
		o.notify.Send(sessionID, push.Message{Type: push.MsgNextDialReq, Payload: struct{}{}})
	})
}

// HandleCallEvent applies a provider call event: dedup by event id, match
// against the session's in-flight call, and on hangup prompt the agent for a
// disposition. Duplicate and unmatchable events are dropped.
func (o *Orchestrator) HandleCallEvent(ctx context.Context, ev *models.CallEvent) error {
	first, err := o.store.MarkEventProcessed(ctx, ev.EventID)
	if err != nil {
		return fmt.Errorf("%w: event dedup: %v", models.ErrCollaboratorUnavailable, err)
	}
	if !first {
		slog.Debug("Orchestrator.HandleCallEvent: duplicate event dropped", "eventId", ev.EventID, "callId", ev.CallID)
		return nil
	}
	if ev.Meta == nil || ev.Meta.SessionID == "" {
		slog.Warn("Orchestrator.HandleCallEvent: event without session meta dropped", "eventId", ev.EventID, "callId", ev.CallID)
		return nil
	}

	return o.run(ctx, ev.Meta.SessionID, func(ctx context.Context) error {
		sess, err := o.store.GetSession(ctx, ev.Meta.SessionID)
		if err != nil {
			return fmt.Errorf("%w: session lookup: %v", models.ErrCollaboratorUnavailable, err)
		}
		if sess == nil {
			slog.Debug("Orchestrator.HandleCallEvent: event for unknown session dropped", "sessionId", ev.Meta.SessionID, "eventId", ev.EventID)
			return nil
		}
		if sess.CurrentCallID != ev.CallID {
			slog.Warn("Orchestrator.HandleCallEvent: call id mismatch, event dropped",
				"sessionId", sess.SessionID, "eventCallId", ev.CallID, "currentCallId", sess.CurrentCallID)
			return nil
		}

		sess.LastEventTS = ev.Timestamp.UnixMilli()
		sess.UpdatedAt = o.now().UTC()
		if err := o.store.UpdateSession(ctx, *sess); err != nil {
			return fmt.Errorf("%w: updating session: %v", models.ErrCollaboratorUnavailable, err)
		}

		switch ev.Event {
		case telephony.EventHangup, telephony.EventFailed:
			slog.Info("Orchestrator.HandleCallEvent: call ended",
				"sessionId", sess.SessionID, "callId", ev.CallID, "event", ev.Event)
			o.notify.Send(sess.SessionID, push.Message{Type: push.MsgShowDispo, Payload: ev.Meta})
		case telephony.EventAnswered:
			o.notify.Send(sess.SessionID, push.Message{Type: push.MsgDialInProgress, Payload: ev.Meta})
		default:
			slog.Debug("Orchestrator.HandleCallEvent: event ignored", "event", ev.Event, "callId", ev.CallID)
		}
		return nil
	})
}

// pushState sends the session's ready state to its push connection.
func (o *Orchestrator) pushState(sess *models.Session) {
	o.notify.Send(sess.SessionID, push.Message{
		Type: push.MsgState,
		Payload: map[string]any{
			"sessionId":  sess.SessionID,
			"readyState": sess.ReadyState,
		},
	})
}

func rowLockResource(spreadsheetID string, tabID int64, rowID string) string {
	return fmt.Sprintf("lead:%s:%d:%s", spreadsheetID, tabID, rowID)
}
