package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/ecosim/internal/jobs"
	"github.com/kalambet/ecosim/internal/lock"
	"github.com/kalambet/ecosim/internal/scenario"
	"github.com/kalambet/ecosim/internal/storage"
)

// failingQueue wraps a store and refuses to enqueue jobs.
type failingQueue struct {
	*storage.Store
}

func (failingQueue) EnqueueJob(context.Context, storage.Job) error {
	return errors.New("queue unavailable")
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestManager(t *testing.T, store Store, st *storage.Store) *Manager {
	t.Helper()
	catalog := scenario.NewCatalog(st)
	if err := catalog.Publish(context.Background(), scenario.Scenario{
		ID:            "fever",
		Title:         "Paediatric fever",
		Description:   "A parent brings a 5-year-old with fever and difficulty breathing.",
		PersonaPrompt: "You are the anxious parent of Tom, 5. He has had fever since last night.",
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return NewManager(store, catalog)
}

func countJobs(t *testing.T, st *storage.Store) int {
	t.Helper()
	counts, err := st.JobCounts(context.Background())
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	return counts[storage.JobPending]
}

func TestStart(t *testing.T) {
	st := openTestStore(t)
	m := newTestManager(t, st, st)
	ctx := context.Background()

	started, err := m.Start(ctx, "fever", "student-1", "cohort-a")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if started.SessionID == "" {
		t.Fatal("empty session id")
	}
	if !strings.Contains(started.InitialPrompt, "Paediatric fever") ||
		!strings.Contains(started.InitialPrompt, "difficulty breathing") {
		t.Errorf("InitialPrompt = %q", started.InitialPrompt)
	}

	sess, err := m.Get(ctx, started.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.Status != storage.StatusInProgress || sess.StudentID != "student-1" || sess.TrainingContextID != "cohort-a" {
		t.Errorf("session = %+v", sess)
	}
	if !sess.EndTime.IsZero() {
		t.Error("EndTime set on an in-progress session")
	}
}

func TestStart_Errors(t *testing.T) {
	st := openTestStore(t)
	m := newTestManager(t, st, st)
	ctx := context.Background()

	if _, err := m.Start(ctx, "missing", "student-1", ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := m.Start(ctx, "fever", " ", ""); !errors.Is(err, ErrInvalidStudent) {
		t.Errorf("err = %v, want ErrInvalidStudent", err)
	}
}

func TestInitialPrompt_PersonaFallback(t *testing.T) {
	got := InitialPrompt(scenario.Scenario{
		PersonaPrompt: "You are Léa, 35. You have questions about contraception.",
	})
	if !strings.HasPrefix(got, "You are Léa, 35.\n\n") {
		t.Errorf("InitialPrompt = %q", got)
	}
	if strings.Contains(got, "contraception") {
		t.Error("InitialPrompt leaked more than the first sentence")
	}
}

func TestEnd_EnqueuesOnce(t *testing.T) {
	st := openTestStore(t)
	m := newTestManager(t, st, st)
	ctx := context.Background()

	started, err := m.Start(ctx, "fever", "student-1", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := m.End(ctx, started.SessionID); err != nil {
			t.Fatalf("End #%d: %v", i+1, err)
		}
	}

	sess, _ := m.Get(ctx, started.SessionID)
	if sess.Status != storage.StatusCompleted || sess.EndTime.IsZero() {
		t.Errorf("session = %+v, want completed with end time", sess)
	}
	if n := countJobs(t, st); n != 1 {
		t.Errorf("pending jobs = %d, want 1", n)
	}

	job, err := st.ClaimNextJob(ctx, []string{jobs.TypeEvaluateSession})
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob = %v, %v", job, err)
	}
	var p jobs.EvaluatePayload
	if err := jobs.Decode(job, &p); err != nil || p.SessionID != started.SessionID {
		t.Errorf("payload = %+v, %v", p, err)
	}
}

func TestEnd_WaitsForRunningTurn(t *testing.T) {
	st := openTestStore(t)
	locks := lock.NewLocal()
	m := newTestManager(t, st, st)
	m.locks = locks
	ctx := context.Background()

	started, err := m.Start(ctx, "fever", "student-1", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Hold the session lock the way a running turn does.
	unlockTurn, err := locks.Lock(ctx, started.SessionID)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.End(ctx, started.SessionID) }()

	select {
	case err := <-done:
		t.Fatalf("End returned while a turn held the lock: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := st.AppendMessages(ctx, started.SessionID, []storage.Message{
		{Role: storage.RoleUser, Content: "Does he have a rash?"},
		{Role: storage.RoleAssistant, Content: "No rash."},
	}); err != nil {
		t.Fatalf("AppendMessages during turn: %v", err)
	}
	unlockTurn()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("End: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("End did not return after the turn released the lock")
	}

	sess, _ := m.Get(ctx, started.SessionID)
	if sess.Status != storage.StatusCompleted {
		t.Errorf("status = %s, want completed", sess.Status)
	}
	msgs, _ := m.Transcript(ctx, started.SessionID)
	if len(msgs) != 2 {
		t.Errorf("transcript = %d messages, want the turn's pair", len(msgs))
	}
}

func TestEnd_UnknownSession(t *testing.T) {
	st := openTestStore(t)
	m := newTestManager(t, st, st)

	if err := m.End(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEnd_EnqueueFailureSwallowed(t *testing.T) {
	st := openTestStore(t)
	m := newTestManager(t, failingQueue{st}, st)
	ctx := context.Background()

	started, err := m.Start(ctx, "fever", "student-1", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.End(ctx, started.SessionID); err != nil {
		t.Fatalf("End returned enqueue failure: %v", err)
	}
	if sess, _ := m.Get(ctx, started.SessionID); sess.Status != storage.StatusCompleted {
		t.Errorf("status = %q, want completed", sess.Status)
	}
}

func TestReportStates(t *testing.T) {
	st := openTestStore(t)
	m := newTestManager(t, st, st)
	ctx := context.Background()

	if _, _, err := m.Report(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown session: err = %v", err)
	}

	started, _ := m.Start(ctx, "fever", "student-1", "")
	if _, state, err := m.Report(ctx, started.SessionID); err != nil || state != ReportUnavailable {
		t.Errorf("in progress: state = %v, err = %v", state, err)
	}

	m.End(ctx, started.SessionID)
	if _, state, err := m.Report(ctx, started.SessionID); err != nil || state != ReportPending {
		t.Errorf("ended: state = %v, err = %v", state, err)
	}

	if _, err := st.PutReport(ctx, storage.Report{ID: "r1", SessionID: started.SessionID, Summary: "ok", GlobalScore: 75, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("PutReport: %v", err)
	}
	r, state, err := m.Report(ctx, started.SessionID)
	if err != nil || state != ReportReady || r.GlobalScore != 75 {
		t.Errorf("ready: report = %+v, state = %v, err = %v", r, state, err)
	}
}

func TestTranscriptAndList(t *testing.T) {
	st := openTestStore(t)
	m := newTestManager(t, st, st)
	ctx := context.Background()

	started, _ := m.Start(ctx, "fever", "student-1", "")
	if _, err := st.AppendMessages(ctx, started.SessionID, []storage.Message{
		{Role: storage.RoleUser, Content: "Hello"},
		{Role: storage.RoleAssistant, Content: "Hi doctor"},
	}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	msgs, err := m.Transcript(ctx, started.SessionID)
	if err != nil || len(msgs) != 2 {
		t.Errorf("Transcript = %d messages, %v", len(msgs), err)
	}
	if _, err := m.Transcript(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Transcript(missing) err = %v", err)
	}

	sessions, err := m.ListByStudent(ctx, "student-1", 10)
	if err != nil || len(sessions) != 1 {
		t.Errorf("ListByStudent = %d, %v", len(sessions), err)
	}
}
