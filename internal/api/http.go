package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/ecosim/internal/assessment"
	"github.com/kalambet/ecosim/internal/completion"
	"github.com/kalambet/ecosim/internal/ingest"
	"github.com/kalambet/ecosim/internal/ratelimit"
	"github.com/kalambet/ecosim/internal/scenario"
	"github.com/kalambet/ecosim/internal/session"
	"github.com/kalambet/ecosim/internal/simulator"
	"github.com/kalambet/ecosim/internal/storage"
)

const maxRequestBodySize = 1 << 20  // 1MB
const maxDocumentBodySize = 10 << 20 // 10MB

// Sessions is the session lifecycle. Implemented by session.Manager.
type Sessions interface {
	Start(ctx context.Context, scenarioID, studentID, trainingContextID string) (session.Started, error)
	End(ctx context.Context, sessionID string) error
	Get(ctx context.Context, sessionID string) (storage.Session, error)
	Transcript(ctx context.Context, sessionID string) ([]storage.Message, error)
	ListByStudent(ctx context.Context, studentID string, limit int) ([]storage.Session, error)
	Report(ctx context.Context, sessionID string) (storage.Report, session.ReportState, error)
}

// Responder runs dialogue turns. Implemented by simulator.Simulator.
type Responder interface {
	Respond(ctx context.Context, sessionID, utterance string) (string, error)
}

// Scenarios is the scenario catalog. Implemented by scenario.Catalog.
type Scenarios interface {
	Get(ctx context.Context, id string) (scenario.Scenario, error)
	List(ctx context.Context) ([]scenario.Scenario, error)
	Publish(ctx context.Context, sc scenario.Scenario) error
}

// Indexer accepts reference documents. Implemented by ingest.Indexer.
type Indexer interface {
	Submit(ctx context.Context, handle, source string, src ingest.Source) (storage.ReferenceDoc, error)
}

// DocLister lists reference documents. Implemented by storage.Store.
type DocLister interface {
	ListReferenceDocs(ctx context.Context, handle string, limit int) ([]storage.ReferenceDoc, error)
}

// Deps holds the collaborators of the HTTP API.
type Deps struct {
	Sessions  Sessions
	Simulator Responder
	Scenarios Scenarios
	Indexer   Indexer   // optional; document routes return 503 when nil
	Docs      DocLister // optional
	Limiter   *ratelimit.Limiter
	Token     string
}

// NewHandler returns the HTTP API. Everything but /health requires the bearer
// token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/scenarios", handleListScenarios(deps))
		r.Post("/scenarios", handlePublishScenario(deps))
		r.Get("/scenarios/{id}", handleGetScenario(deps))

		r.Post("/sessions", handleStartSession(deps))
		r.Get("/sessions", handleListSessions(deps))
		r.Get("/sessions/{id}", handleGetSession(deps))
		r.Get("/sessions/{id}/messages", handleTranscript(deps))
		r.Post("/sessions/{id}/respond", handleRespond(deps))
		r.Post("/sessions/{id}/end", handleEndSession(deps))
		r.Get("/sessions/{id}/report", handleReport(deps))
		r.Get("/sessions/{id}/ws", handleDialogueSocket(deps))

		r.Post("/indexes/{handle}/documents", handleSubmitDocument(deps))
		r.Get("/indexes/{handle}/documents", handleListDocuments(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// --- views ---

type criterionView struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	MaxScore int    `json:"max_score"`
}

type scenarioView struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description,omitempty"`
	PersonaPrompt string          `json:"persona_prompt,omitempty"`
	ContextIndex  string          `json:"context_index,omitempty"`
	CreatedBy     string          `json:"created_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Rubric        []criterionView `json:"rubric"`
}

func newScenarioView(sc scenario.Scenario, withPersona bool) scenarioView {
	v := scenarioView{
		ID:           sc.ID,
		Title:        sc.Title,
		Description:  sc.Description,
		ContextIndex: sc.ContextIndex,
		CreatedBy:    sc.CreatedBy,
		CreatedAt:    sc.CreatedAt,
		Rubric:       []criterionView{},
	}
	if withPersona {
		v.PersonaPrompt = sc.PersonaPrompt
	}
	for _, c := range sc.Rubric.Criteria {
		v.Rubric = append(v.Rubric, criterionView{ID: c.ID, Label: c.Label, MaxScore: c.MaxScore})
	}
	return v
}

type sessionView struct {
	ID                string     `json:"id"`
	ScenarioID        string     `json:"scenario_id"`
	StudentID         string     `json:"student_id"`
	TrainingContextID string     `json:"training_context_id,omitempty"`
	Status            string     `json:"status"`
	StartTime         time.Time  `json:"start_time"`
	EndTime           *time.Time `json:"end_time,omitempty"`
}

func newSessionView(s storage.Session) sessionView {
	v := sessionView{
		ID:                s.ID,
		ScenarioID:        s.ScenarioID,
		StudentID:         s.StudentID,
		TrainingContextID: s.TrainingContextID,
		Status:            s.Status,
		StartTime:         s.StartTime,
	}
	if !s.EndTime.IsZero() {
		end := s.EndTime
		v.EndTime = &end
	}
	return v
}

type messageView struct {
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type reportView struct {
	SessionID           string         `json:"session_id"`
	Summary             string         `json:"summary"`
	GlobalScore         int            `json:"global_score"`
	Scores              map[string]int `json:"scores"`
	Strengths           []string       `json:"strengths"`
	Weaknesses          []string       `json:"weaknesses"`
	Recommendations     []string       `json:"recommendations"`
	InsufficientContent bool           `json:"insufficient_content"`
	ParseMode           string         `json:"parse_mode,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

func newReportView(r storage.Report) reportView {
	v := reportView{
		SessionID:           r.SessionID,
		Summary:             r.Summary,
		GlobalScore:         r.GlobalScore,
		Scores:              r.Scores,
		Strengths:           r.Strengths,
		Weaknesses:          r.Weaknesses,
		Recommendations:     r.Recommendations,
		InsufficientContent: r.InsufficientContent,
		ParseMode:           r.ParseMode,
		CreatedAt:           r.CreatedAt,
	}
	if v.Scores == nil {
		v.Scores = map[string]int{}
	}
	for _, l := range []*[]string{&v.Strengths, &v.Weaknesses, &v.Recommendations} {
		if *l == nil {
			*l = []string{}
		}
	}
	return v
}

type documentView struct {
	ID          string    `json:"id"`
	IndexHandle string    `json:"index_handle"`
	Title       string    `json:"title"`
	Source      string    `json:"source,omitempty"`
	ChunkCount  int       `json:"chunk_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// --- scenarios ---

func handleListScenarios(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Scenarios.List(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list scenarios: %v", err)
			return
		}
		views := make([]scenarioView, 0, len(list))
		for _, sc := range list {
			views = append(views, newScenarioView(sc, false))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetScenario(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sc, err := deps.Scenarios.Get(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "scenario not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get scenario: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, newScenarioView(sc, true))
	}
}

// PublishRequest is the body of POST /scenarios. Rubric accepts the criterion
// list or the legacy object map.
type PublishRequest struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	PersonaPrompt string          `json:"persona_prompt"`
	ContextIndex  string          `json:"context_index"`
	CreatedBy     string          `json:"created_by"`
	Rubric        json.RawMessage `json:"rubric"`
}

func handlePublishScenario(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req PublishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		sc := scenario.Scenario{
			ID:            req.ID,
			Title:         req.Title,
			Description:   req.Description,
			PersonaPrompt: req.PersonaPrompt,
			ContextIndex:  req.ContextIndex,
			CreatedBy:     req.CreatedBy,
		}
		if raw := strings.TrimSpace(string(req.Rubric)); raw != "" && raw != "null" {
			rubric, err := assessment.ParseRubric(raw)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid rubric: %v", err)
				return
			}
			sc.Rubric = rubric
		}

		err := deps.Scenarios.Publish(r.Context(), sc)
		switch {
		case errors.Is(err, scenario.ErrInvalidScenario), errors.Is(err, assessment.ErrInvalidRubric):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case errors.Is(err, storage.ErrAlreadyExists):
			httpError(w, http.StatusConflict, "conflict", "scenario %q already exists", req.ID)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to publish scenario: %v", err)
			return
		}

		published, err := deps.Scenarios.Get(r.Context(), sc.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load published scenario: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, newScenarioView(published, true))
	}
}

// --- sessions ---

// StartRequest is the body of POST /sessions.
type StartRequest struct {
	ScenarioID        string `json:"scenario_id"`
	StudentID         string `json:"student_id"`
	TrainingContextID string `json:"training_context_id"`
}

func handleStartSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ScenarioID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "scenario_id is required")
			return
		}

		started, err := deps.Sessions.Start(r.Context(), req.ScenarioID, req.StudentID, req.TrainingContextID)
		switch {
		case errors.Is(err, session.ErrInvalidStudent):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "student_id is required")
			return
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "scenario %q not found", req.ScenarioID)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to start session: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, started)
	}
}

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		student := r.URL.Query().Get("student")
		if student == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "student query parameter is required")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		list, err := deps.Sessions.ListByStudent(r.Context(), student, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sessions: %v", err)
			return
		}
		views := make([]sessionView, 0, len(list))
		for _, s := range list {
			views = append(views, newSessionView(s))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := deps.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get session: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, newSessionView(sess))
	}
}

func handleTranscript(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := deps.Sessions.Transcript(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load transcript: %v", err)
			return
		}
		views := make([]messageView, 0, len(msgs))
		for _, m := range msgs {
			views = append(views, messageView{Seq: m.Seq, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt})
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// RespondRequest is the body of POST /sessions/{id}/respond.
type RespondRequest struct {
	Message string `json:"message"`
}

// RespondResponse carries the patient reply.
type RespondResponse struct {
	Reply string `json:"reply"`
}

func handleRespond(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RespondRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		reply, err := respond(r.Context(), deps, chi.URLParam(r, "id"), req.Message)
		if err != nil {
			code, typ := turnStatus(err)
			httpError(w, code, typ, "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, RespondResponse{Reply: reply})
	}
}

// respond applies the per-student turn throttle and runs one turn.
func respond(ctx context.Context, deps Deps, sessionID, message string) (string, error) {
	if deps.Limiter != nil {
		sess, err := deps.Sessions.Get(ctx, sessionID)
		if err != nil {
			return "", err
		}
		if err := deps.Limiter.Check(sess.StudentID); err != nil {
			return "", err
		}
	}
	return deps.Simulator.Respond(ctx, sessionID, message)
}

// turnStatus maps a dialogue turn error to an HTTP status and error type.
func turnStatus(err error) (int, string) {
	switch {
	case errors.Is(err, simulator.ErrIntegrity):
		return http.StatusInternalServerError, "api_error"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, simulator.ErrEmptyUtterance):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, simulator.ErrSessionClosed):
		return http.StatusConflict, "session_closed"
	case errors.Is(err, ratelimit.ErrLimited):
		return http.StatusTooManyRequests, "rate_limit_error"
	case errors.Is(err, completion.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout_error"
	case errors.Is(err, completion.ErrUpstream):
		return http.StatusBadGateway, "upstream_error"
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

func handleEndSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Sessions.End(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to end session: %v", err)
			return
		}
		sess, err := deps.Sessions.Get(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load session: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, newSessionView(sess))
	}
}

func handleReport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, state, err := deps.Sessions.Report(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load report: %v", err)
			return
		}

		switch state {
		case session.ReportReady:
			writeJSON(w, http.StatusOK, newReportView(rep))
		case session.ReportPending:
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		default:
			httpError(w, http.StatusNotFound, "not_found", "no report for this session")
		}
	}
}

// --- reference documents ---

// DocumentRequest is the body of POST /indexes/{handle}/documents.
type DocumentRequest struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Content string `json:"content"`
	URL     string `json:"url"`
	Source  string `json:"source"`
}

func handleSubmitDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Indexer == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "document indexing is not available")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBodySize)
		defer r.Body.Close()

		var req DocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" && req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or url is required")
			return
		}
		if req.Type == "" {
			req.Type = ingest.TypeText
			if req.Content == "" {
				req.Type = ingest.TypeURL
			}
		}
		source := req.Source
		if source == "" {
			source = "api"
		}

		doc, err := deps.Indexer.Submit(r.Context(), chi.URLParam(r, "handle"), source, ingest.Source{
			Type:    req.Type,
			Title:   req.Title,
			Content: req.Content,
			URL:     req.URL,
		})
		switch {
		case errors.Is(err, ingest.ErrInvalidHandle), errors.Is(err, ingest.ErrUnsupportedType), errors.Is(err, ingest.ErrEmptyContent):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case errors.Is(err, ingest.ErrFetch):
			httpError(w, http.StatusBadGateway, "api_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to submit document: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     doc.ID,
			"status": "queued",
		})
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Docs == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "document listing is not available")
			return
		}
		limit := parseIntParam(r, "limit", 50, 500)
		docs, err := deps.Docs.ListReferenceDocs(r.Context(), chi.URLParam(r, "handle"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}
		views := make([]documentView, 0, len(docs))
		for _, d := range docs {
			views = append(views, documentView{
				ID:          d.ID,
				IndexHandle: d.IndexHandle,
				Title:       d.Title,
				Source:      d.Source,
				ChunkCount:  d.ChunkCount,
				CreatedAt:   d.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
