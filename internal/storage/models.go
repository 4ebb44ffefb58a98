package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when inserting a record whose unique key is taken.
var ErrAlreadyExists = errors.New("already exists")

// ErrSessionClosed is returned when appending to a session that is no longer
// in progress.
var ErrSessionClosed = errors.New("session is not in progress")

// ErrReportExists is returned by PutReport when the session already has a report.
var ErrReportExists = errors.New("report already exists for session")

// Session statuses. A session only ever moves from in_progress to one of the
// terminal states.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Scenario struct {
	ID            string
	Title         string
	Description   string
	PersonaPrompt string
	RubricJSON    string // validated by the scenario catalog on read
	ContextIndex  string // optional retrieval index handle
	CreatedBy     string
	CreatedAt     time.Time
}

type Session struct {
	ID                string
	ScenarioID        string
	StudentID         string
	TrainingContextID string
	Status            string
	StartTime         time.Time
	EndTime           time.Time // zero while in progress
}

type Message struct {
	ID        string
	SessionID string
	Seq       int
	Role      string
	Content   string
	CreatedAt time.Time
}

type CriterionScore struct {
	SessionID   string
	CriterionID string
	Score       int
	Feedback    string
	CreatedAt   time.Time
}

type Report struct {
	ID                  string
	SessionID           string
	Summary             string
	Strengths           []string
	Weaknesses          []string
	Recommendations     []string
	Scores              map[string]int
	InsufficientContent bool
	GlobalScore         int
	ParseMode           string
	CreatedAt           time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// ReferenceDoc is a document indexed under a context-index handle.
type ReferenceDoc struct {
	ID          string
	IndexHandle string
	Title       string
	Content     string
	Source      string
	ChunkCount  int
	CreatedAt   time.Time
}
