package optimistic

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type model struct {
	mu      sync.Mutex
	state   string
	applied []string
}

func (m *model) apply(s string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	m.applied = append(m.applied, s)
	return nil
}

func (m *model) count(s string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.applied {
		if a == s {
			n++
		}
	}
	return n
}

func newTestCoordinator(sleeps *[]time.Duration) *Coordinator[string] {
	return New[string](Options{
		Sleep: func(_ context.Context, d time.Duration) error {
			if sleeps != nil {
				*sleeps = append(*sleeps, d)
			}
			return nil
		},
	})
}

func TestExecuteConfirmsOnFirstAttempt(t *testing.T) {
	c := newTestCoordinator(nil)
	m := &model{state: "draft"}
	calls := 0
	confirmed := false
	out, err := c.Execute(context.Background(), "op1", Operation[string]{
		EntityID:   "quo_1",
		Original:   "draft",
		Optimistic: "sending",
		Apply:      m.apply,
		Sync: func(context.Context) error {
			calls++
			return nil
		},
		OnConfirm: func() { confirmed = true },
		OnRollback: func(error) {
			t.Fatalf("rollback should not run")
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusConfirmed || calls != 1 || !confirmed {
		t.Fatalf("status=%s calls=%d confirmed=%v", out.Status, calls, confirmed)
	}
	if m.count("draft") != 0 || m.state != "sending" {
		t.Fatalf("original state reapplied: %v", m.applied)
	}
	if len(c.Pending()) != 0 || c.InFlight("quo_1") {
		t.Fatalf("operation should leave the arena once confirmed")
	}
}

func TestExecuteRollsBackOnNonRetryable(t *testing.T) {
	var sleeps []time.Duration
	c := newTestCoordinator(&sleeps)
	m := &model{state: "draft"}
	calls := 0
	var rolledBack error
	out, err := c.Execute(context.Background(), "op1", Operation[string]{
		EntityID:   "quo_1",
		Original:   "draft",
		Optimistic: "sending",
		Apply:      m.apply,
		Sync: func(context.Context) error {
			calls++
			return NewSyncError(CodePermissionDenied, "no access")
		},
		OnRollback: func(err error) { rolledBack = err },
		OnConflict: func(error) { t.Fatalf("permission error is not a conflict") },
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 || len(sleeps) != 0 {
		t.Fatalf("calls=%d sleeps=%v", calls, sleeps)
	}
	if out.Status != StatusRolledBack {
		t.Fatalf("status %s", out.Status)
	}
	if m.count("draft") != 1 || m.state != "draft" {
		t.Fatalf("original state should be applied once: %v", m.applied)
	}
	if CodeOf(rolledBack) != CodePermissionDenied {
		t.Fatalf("rollback error %v", rolledBack)
	}
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	var sleeps []time.Duration
	c := newTestCoordinator(&sleeps)
	m := &model{}
	calls := 0
	out, err := c.Execute(context.Background(), "op1", Operation[string]{
		EntityID:   "quo_1",
		Original:   "a",
		Optimistic: "b",
		Apply:      m.apply,
		Sync: func(context.Context) error {
			calls++
			if calls < 3 {
				return NewSyncError(CodeUnavailable, "try later")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Status != StatusConfirmed || out.Attempts != 3 {
		t.Fatalf("outcome %+v", out)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(sleeps) != len(want) || sleeps[0] != want[0] || sleeps[1] != want[1] {
		t.Fatalf("sleeps %v, want %v", sleeps, want)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	c := newTestCoordinator(nil)
	m := &model{}
	calls := 0
	_, err := c.Execute(context.Background(), "op1", Operation[string]{
		Original:   "a",
		Optimistic: "b",
		Apply:      m.apply,
		Sync: func(context.Context) error {
			calls++
			return errors.New("connection reset")
		},
	})
	var rse *RetryableSyncError
	if !errors.As(err, &rse) || rse.Attempts != 3 {
		t.Fatalf("expected RetryableSyncError after 3 attempts, got %v", err)
	}
	if calls != 3 || m.state != "a" {
		t.Fatalf("calls=%d state=%s", calls, m.state)
	}
}

func TestExecuteRoutesConflicts(t *testing.T) {
	cases := []error{
		NewSyncError(CodeFailedPrecondition, "stale"),
		NewSyncError(CodeUnknown, "Version Mismatch on row"),
		errors.New("concurrent modification detected"),
	}
	for _, syncErr := range cases {
		c := newTestCoordinator(nil)
		m := &model{}
		calls := 0
		var conflict error
		_, err := c.Execute(context.Background(), "op", Operation[string]{
			Original:   "a",
			Optimistic: "b",
			Apply:      m.apply,
			Sync: func(context.Context) error {
				calls++
				return syncErr
			},
			OnConflict: func(err error) { conflict = err },
		})
		var ce *ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("%v: expected ConflictError, got %v", syncErr, err)
		}
		if calls != 1 || conflict == nil {
			t.Fatalf("%v: calls=%d conflict=%v", syncErr, calls, conflict)
		}
	}
}

func TestExecuteFatalWhenRollbackFails(t *testing.T) {
	var alerted *FatalInconsistencyError
	c := New[string](Options{
		Sleep: func(context.Context, time.Duration) error { return nil },
		Alert: func(f *FatalInconsistencyError) { alerted = f },
	})
	rollbackCalled := false
	_, err := c.Execute(context.Background(), "op1", Operation[string]{
		EntityID:   "quo_9",
		Original:   "a",
		Optimistic: "b",
		Apply: func(s string) error {
			if s == "a" {
				panic("model gone")
			}
			return nil
		},
		Sync:       func(context.Context) error { return NewSyncError(CodeNotFound, "missing") },
		OnRollback: func(error) { rollbackCalled = true },
	})
	var fatal *FatalInconsistencyError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalInconsistencyError, got %v", err)
	}
	if fatal.EntityID != "quo_9" || alerted == nil {
		t.Fatalf("fatal=%+v alerted=%v", fatal, alerted)
	}
	if rollbackCalled {
		t.Fatalf("OnRollback must not run after a failed rollback")
	}
	if c.InFlight("quo_9") {
		t.Fatalf("entity lock should be released")
	}
}

func TestExecuteRejectsConcurrentOperationOnEntity(t *testing.T) {
	c := newTestCoordinator(nil)
	m := &model{}
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), "op1", Operation[string]{
			EntityID:   "quo_1",
			Original:   "a",
			Optimistic: "b",
			Apply:      m.apply,
			Sync: func(context.Context) error {
				close(started)
				<-release
				return nil
			},
		})
		done <- err
	}()
	<-started

	if !c.InFlight("quo_1") {
		t.Fatalf("quo_1 should be in flight")
	}
	pending := c.Pending()
	if len(pending) != 1 || pending[0].Status != StatusSyncing {
		t.Fatalf("pending %+v", pending)
	}
	applied := false
	_, err := c.Execute(context.Background(), "op2", Operation[string]{
		EntityID:   "quo_1",
		Original:   "a",
		Optimistic: "c",
		Apply:      func(string) error { applied = true; return nil },
		Sync:       func(context.Context) error { return nil },
	})
	if !errors.Is(err, ErrEntityBusy) || applied {
		t.Fatalf("expected ErrEntityBusy without apply, got %v applied=%v", err, applied)
	}
	if _, err := c.Execute(context.Background(), "op3", Operation[string]{
		EntityID:   "quo_2",
		Apply:      func(string) error { return nil },
		Sync:       func(context.Context) error { return nil },
	}); err != nil {
		t.Fatalf("other entity should proceed: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first operation: %v", err)
	}
}

func TestClassification(t *testing.T) {
	if IsRetryable(NewSyncError(CodeInvalidArgument, "bad")) {
		t.Fatalf("invalid argument is not retryable")
	}
	if !IsRetryable(NewSyncError(CodeUnavailable, "down")) {
		t.Fatalf("unavailable is retryable")
	}
	if !IsConflict(errors.New("document is OUT OF DATE")) {
		t.Fatalf("out of date is a conflict")
	}
	if IsConflict(NewSyncError(CodeNotFound, "gone")) {
		t.Fatalf("not found is not a conflict")
	}
	for _, msg := range []string{
		"document is out-of-date",
		"concurrent-modification detected",
		"version-mismatch on write",
		"row already-exists",
		"PRECONDITION_FAILED",
		"precondition-failed: etag",
	} {
		err := NewSyncError(CodeUnavailable, "%s", msg)
		if !IsConflict(err) {
			t.Errorf("%q should be a conflict", msg)
		}
		if IsRetryable(err) {
			t.Errorf("%q should not be retried", msg)
		}
	}
}
