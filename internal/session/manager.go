// Package session starts and ends training sessions and hands finished
// sessions to the evaluation queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/ecosim/internal/jobs"
	"github.com/kalambet/ecosim/internal/lock"
	"github.com/kalambet/ecosim/internal/scenario"
	"github.com/kalambet/ecosim/internal/storage"
)

// ErrInvalidStudent is returned when no student id is given.
var ErrInvalidStudent = errors.New("student id is required")

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	CreateSession(ctx context.Context, sess storage.Session) error
	GetSession(ctx context.Context, id string) (storage.Session, error)
	UpdateSessionStatus(ctx context.Context, id, status string, at time.Time) (bool, error)
	ListSessionsByStudent(ctx context.Context, studentID string, limit int) ([]storage.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]storage.Message, error)
	GetReport(ctx context.Context, sessionID string) (storage.Report, error)
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Scenarios resolves scenario ids. Implemented by scenario.Catalog.
type Scenarios interface {
	Get(ctx context.Context, id string) (scenario.Scenario, error)
}

// Started is the result of Start.
type Started struct {
	SessionID     string `json:"session_id"`
	InitialPrompt string `json:"initial_prompt"`
}

// Manager owns the session lifecycle.
type Manager struct {
	store     Store
	scenarios Scenarios
	locks     lock.Locker
	now       func() time.Time
	logger    *slog.Logger
}

// NewManager creates a Manager with an in-process session lock.
func NewManager(store Store, scenarios Scenarios) *Manager {
	return NewManagerWithLocks(store, scenarios, lock.NewLocal())
}

// NewManagerWithLocks creates a Manager that ends sessions under locks. Pass
// the Locker the simulator uses so End waits for an in-flight turn.
func NewManagerWithLocks(store Store, scenarios Scenarios, locks lock.Locker) *Manager {
	return &Manager{
		store:     store,
		scenarios: scenarios,
		locks:     locks,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// Start opens an in-progress session on a scenario and returns the opening
// stimulus to show the student. No model is called.
func (m *Manager) Start(ctx context.Context, scenarioID, studentID, trainingContextID string) (Started, error) {
	studentID = strings.TrimSpace(studentID)
	if studentID == "" {
		return Started{}, ErrInvalidStudent
	}

	sc, err := m.scenarios.Get(ctx, scenarioID)
	if err != nil {
		return Started{}, err
	}

	sess := storage.Session{
		ID:                uuid.New().String(),
		ScenarioID:        sc.ID,
		StudentID:         studentID,
		TrainingContextID: trainingContextID,
		Status:            storage.StatusInProgress,
		StartTime:         m.now().UTC(),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return Started{}, fmt.Errorf("creating session: %w", err)
	}

	m.logger.Info("session started", "session_id", sess.ID, "scenario_id", sc.ID, "student_id", studentID)
	return Started{SessionID: sess.ID, InitialPrompt: InitialPrompt(sc)}, nil
}

// InitialPrompt is the opening stimulus of a scenario: its title and
// description, or the first sentence of the persona prompt when there is no
// description.
func InitialPrompt(sc scenario.Scenario) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(sc.Title))

	body := strings.TrimSpace(sc.Description)
	if body == "" {
		body = sc.CoreFact()
	}
	if body != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(body)
	}
	if sb.Len() > 0 {
		sb.WriteString("\n\n")
	}
	sb.WriteString("The patient is waiting. Introduce yourself and begin the consultation.")
	return sb.String()
}

// End completes a session and schedules its evaluation. Ending a session
// that is already completed or failed does nothing. A failure to schedule
// the evaluation is logged, never returned: the session stays completed.
// A turn running on the session finishes before the status changes.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	unlock, err := m.locks.Lock(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("acquiring session lock: %w", err)
	}
	defer unlock()

	changed, err := m.store.UpdateSessionStatus(ctx, sessionID, storage.StatusCompleted, m.now().UTC())
	if err != nil {
		return fmt.Errorf("ending session %s: %w", sessionID, err)
	}
	if !changed {
		m.logger.Debug("session already ended", "session_id", sessionID)
		return nil
	}
	m.logger.Info("session completed", "session_id", sessionID)

	job, err := jobs.New(jobs.TypeEvaluateSession, jobs.EvaluatePayload{SessionID: sessionID})
	if err == nil {
		err = m.store.EnqueueJob(ctx, job)
	}
	if err != nil {
		m.logger.Error("failed to schedule evaluation", "session_id", sessionID, "error", err)
	}
	return nil
}

// Get returns a session.
func (m *Manager) Get(ctx context.Context, sessionID string) (storage.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// Transcript returns the messages of a session in order.
func (m *Manager) Transcript(ctx context.Context, sessionID string) ([]storage.Message, error) {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.store.ListMessages(ctx, sessionID)
}

// ListByStudent returns a student's sessions, newest first.
func (m *Manager) ListByStudent(ctx context.Context, studentID string, limit int) ([]storage.Session, error) {
	return m.store.ListSessionsByStudent(ctx, studentID, limit)
}

// ReportState describes the evaluation progress of a session.
type ReportState int

const (
	// ReportReady means the report exists.
	ReportReady ReportState = iota
	// ReportPending means the session ended but is not scored yet.
	ReportPending
	// ReportUnavailable means the session is still in progress or failed
	// before a report was produced.
	ReportUnavailable
)

// Report returns the report of a session and its state. The error wraps
// storage.ErrNotFound only when the session itself is unknown.
func (m *Manager) Report(ctx context.Context, sessionID string) (storage.Report, ReportState, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return storage.Report{}, ReportUnavailable, err
	}

	r, err := m.store.GetReport(ctx, sessionID)
	if err == nil {
		return r, ReportReady, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Report{}, ReportUnavailable, fmt.Errorf("loading report: %w", err)
	}
	if sess.Status == storage.StatusCompleted {
		return storage.Report{}, ReportPending, nil
	}
	return storage.Report{}, ReportUnavailable, nil
}
