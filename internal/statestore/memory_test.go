package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/dialworks/powerdial/internal/models"
)

func newTestStore(t *testing.T) *InMemoryStore {
	t.Helper()
	return NewInMemoryStore(WithTTLs(time.Hour, time.Minute, 5*time.Minute))
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	sess := models.Session{
		SessionID:  "s-1",
		AgentEmail: "agent@example.com",
		ReadyState: models.ReadyStatePlay,
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := st.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil || got.AgentEmail != "agent@example.com" {
		t.Fatalf("GetSession returned %+v", got)
	}

	got.ReadyState = models.ReadyStatePause
	if err := st.UpdateSession(ctx, *got); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	got, err = st.GetSession(ctx, "s-1")
	if err != nil || got == nil {
		t.Fatalf("GetSession after update: %v, %v", got, err)
	}
	if got.ReadyState != models.ReadyStatePause {
		t.Errorf("ready state not persisted: got %s", got.ReadyState)
	}

	if err := st.DeleteSession(ctx, "s-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	got, err = st.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSession after delete: %v", err)
	}
	if got != nil {
		t.Errorf("deleted session still readable: %+v", got)
	}
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	now := base
	st.SetClock(func() time.Time { return now })

	if err := st.CreateSession(ctx, models.Session{SessionID: "s-1"}); err != nil {
		t.Fatal(err)
	}

	now = base.Add(59 * time.Minute)
	if got, _ := st.GetSession(ctx, "s-1"); got == nil {
		t.Fatal("session expired before its TTL")
	}

	now = base.Add(61 * time.Minute)
	if got, _ := st.GetSession(ctx, "s-1"); got != nil {
		t.Error("session readable after TTL")
	}
}

func TestSessionReadRearmsNothing(t *testing.T) {
	// Only writes re-arm the TTL; reads must not keep a session alive.
	ctx := context.Background()
	st := newTestStore(t)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	now := base
	st.SetClock(func() time.Time { return now })

	st.CreateSession(ctx, models.Session{SessionID: "s-1"})
	now = base.Add(30 * time.Minute)
	if got, _ := st.GetSession(ctx, "s-1"); got == nil {
		t.Fatal("session disappeared early")
	}
	now = base.Add(61 * time.Minute)
	if got, _ := st.GetSession(ctx, "s-1"); got != nil {
		t.Error("read extended the session TTL")
	}
}

func TestAgentIndex(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if err := st.SetAgentSession(ctx, "agent@example.com", "s-1"); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetAgentSession(ctx, "agent@example.com")
	if err != nil || got != "s-1" {
		t.Fatalf("GetAgentSession: got %q, %v", got, err)
	}
	if err := st.DeleteAgentSession(ctx, "agent@example.com"); err != nil {
		t.Fatal(err)
	}
	got, _ = st.GetAgentSession(ctx, "agent@example.com")
	if got != "" {
		t.Errorf("agent index survived delete: %q", got)
	}
}

func TestLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	token, ok, err := st.AcquireLock(ctx, "lead:sheet:42:row-1", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire failed: ok=%v err=%v", ok, err)
	}
	if token == "" {
		t.Fatal("acquire returned empty token")
	}

	_, ok, err = st.AcquireLock(ctx, "lead:sheet:42:row-1", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second acquire succeeded while lock held")
	}

	// A different resource is independent.
	_, ok, err = st.AcquireLock(ctx, "lead:sheet:42:row-2", 5*time.Second)
	if err != nil || !ok {
		t.Errorf("unrelated resource should be lockable: ok=%v err=%v", ok, err)
	}
}

func TestLockReleaseRequiresToken(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	token, ok, err := st.AcquireLock(ctx, "r", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	released, err := st.ReleaseLock(ctx, "r", "lt_wrongtoken")
	if err != nil {
		t.Fatal(err)
	}
	if released {
		t.Error("release with wrong token succeeded")
	}
	if _, ok, _ := st.AcquireLock(ctx, "r", 5*time.Second); ok {
		t.Error("lock fell off after failed release")
	}

	released, err = st.ReleaseLock(ctx, "r", token)
	if err != nil || !released {
		t.Fatalf("release with correct token: released=%v err=%v", released, err)
	}
	if _, ok, _ := st.AcquireLock(ctx, "r", 5*time.Second); !ok {
		t.Error("lock not acquirable after release")
	}
}

func TestLockExpiry(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	now := base
	st.SetClock(func() time.Time { return now })

	token, ok, _ := st.AcquireLock(ctx, "r", 5*time.Second)
	if !ok {
		t.Fatal("acquire failed")
	}

	now = base.Add(6 * time.Second)
	if _, ok, _ := st.AcquireLock(ctx, "r", 5*time.Second); !ok {
		t.Error("expired lock still blocking acquisition")
	}

	// The old holder's release must not free the new owner's lock.
	released, _ := st.ReleaseLock(ctx, "r", token)
	if released {
		t.Error("stale token released the lock")
	}
}

func TestIdempotencyFirstAndReplay(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	first, err := st.BeginIdempotent(ctx, "dispo:s-1:row-1:2")
	if err != nil || !first {
		t.Fatalf("first caller: first=%v err=%v", first, err)
	}
	if err := st.SetIdempotentResult(ctx, "dispo:s-1:row-1:2", []byte(`{"phoneStatus":"WRONG"}`)); err != nil {
		t.Fatal(err)
	}

	first, err = st.BeginIdempotent(ctx, "dispo:s-1:row-1:2")
	if err != nil {
		t.Fatal(err)
	}
	if first {
		t.Error("second caller observed first=true")
	}
	stored, err := st.GetIdempotentResult(ctx, "dispo:s-1:row-1:2")
	if err != nil {
		t.Fatal(err)
	}
	if string(stored) != `{"phoneStatus":"WRONG"}` {
		t.Errorf("stored result mismatch: %s", stored)
	}
}

func TestIdempotencyDeleteReopensKey(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	if first, _ := st.BeginIdempotent(ctx, "k"); !first {
		t.Fatal("first caller not first")
	}
	if err := st.DeleteIdempotent(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if first, _ := st.BeginIdempotent(ctx, "k"); !first {
		t.Error("deleted key still marked")
	}
	if stored, _ := st.GetIdempotentResult(ctx, "k"); stored != nil {
		t.Errorf("deleted key kept a result: %s", stored)
	}
}

func TestIdempotencyExpiry(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	now := base
	st.SetClock(func() time.Time { return now })

	if first, _ := st.BeginIdempotent(ctx, "k"); !first {
		t.Fatal("first caller not first")
	}
	now = base.Add(2 * time.Minute)
	if first, _ := st.BeginIdempotent(ctx, "k"); !first {
		t.Error("key still marked after TTL")
	}
}

func TestEventDedup(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	first, err := st.MarkEventProcessed(ctx, "evt-1")
	if err != nil || !first {
		t.Fatalf("first delivery: first=%v err=%v", first, err)
	}
	first, err = st.MarkEventProcessed(ctx, "evt-1")
	if err != nil {
		t.Fatal(err)
	}
	if first {
		t.Error("duplicate delivery observed first=true")
	}
	if first, _ := st.MarkEventProcessed(ctx, "evt-2"); !first {
		t.Error("unrelated event id was deduplicated")
	}
}
