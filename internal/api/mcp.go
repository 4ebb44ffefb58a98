package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/ecosim/internal/session"
	"github.com/kalambet/ecosim/internal/storage"
)

// NewMCPServer creates an MCP server exposing the training session tools.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"ecosim",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("ecosim runs simulated patient consultations for clinical training and scores them against a rubric."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_scenarios",
			mcp.WithDescription("List the published clinical scenarios a student can practise."),
		),
		mcpListScenarios(deps),
	)

	s.AddTool(
		mcp.NewTool("start_session",
			mcp.WithDescription("Start a simulated consultation. Returns the session id and the opening prompt."),
			mcp.WithString("scenario_id", mcp.Description("Scenario to play"), mcp.Required()),
			mcp.WithString("student_id", mcp.Description("Student taking the session"), mcp.Required()),
			mcp.WithString("training_context_id", mcp.Description("Optional course or cohort identifier")),
		),
		mcpStartSession(deps),
	)

	s.AddTool(
		mcp.NewTool("respond",
			mcp.WithDescription("Say something to the simulated patient and get the patient's reply."),
			mcp.WithString("session_id", mcp.Description("Session id from start_session"), mcp.Required()),
			mcp.WithString("message", mcp.Description("What the student says"), mcp.Required()),
		),
		mcpRespond(deps),
	)

	s.AddTool(
		mcp.NewTool("end_session",
			mcp.WithDescription("End the consultation and queue it for evaluation."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
		),
		mcpEndSession(deps),
	)

	s.AddTool(
		mcp.NewTool("get_report",
			mcp.WithDescription("Get the evaluation report of an ended session."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
		),
		mcpGetReport(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"ecosim://scenarios",
			"Scenario Catalog",
			mcp.WithResourceDescription("Published scenarios with their rubrics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceScenarios(deps),
	)

	return s
}

func mcpListScenarios(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := deps.Scenarios.List(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list scenarios: %v", err)), nil
		}
		views := make([]scenarioView, 0, len(list))
		for _, sc := range list {
			views = append(views, newScenarioView(sc, false))
		}
		return mcpJSON(views)
	}
}

func mcpStartSession(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		scenarioID, err := req.RequireString("scenario_id")
		if err != nil {
			return mcpError("scenario_id is required"), nil
		}
		studentID, err := req.RequireString("student_id")
		if err != nil {
			return mcpError("student_id is required"), nil
		}

		started, err := deps.Sessions.Start(ctx, scenarioID, studentID, req.GetString("training_context_id", ""))
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("scenario %q not found", scenarioID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to start session: %v", err)), nil
		}
		return mcpJSON(started)
	}
}

func mcpRespond(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		reply, err := respond(ctx, deps, sessionID, message)
		if err != nil {
			return mcpError(fmt.Sprintf("turn failed: %v", err)), nil
		}
		return mcpText(reply), nil
	}
}

func mcpEndSession(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		if err := deps.Sessions.End(ctx, sessionID); err != nil {
			return mcpError(fmt.Sprintf("failed to end session: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Session %s ended; evaluation queued.", sessionID)), nil
	}
}

func mcpGetReport(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		rep, state, err := deps.Sessions.Report(ctx, sessionID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load report: %v", err)), nil
		}
		switch state {
		case session.ReportReady:
			return mcpJSON(newReportView(rep))
		case session.ReportPending:
			return mcpText("Evaluation pending; try again shortly."), nil
		default:
			return mcpError("no report: the session has not been ended"), nil
		}
	}
}

func mcpResourceScenarios(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		list, err := deps.Scenarios.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list scenarios: %w", err)
		}
		views := make([]scenarioView, 0, len(list))
		for _, sc := range list {
			views = append(views, newScenarioView(sc, false))
		}

		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal scenarios: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
