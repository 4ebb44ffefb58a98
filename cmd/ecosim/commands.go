package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/kalambet/ecosim/internal/api"
	"github.com/kalambet/ecosim/internal/config"
	"github.com/kalambet/ecosim/internal/ingest"
	"github.com/kalambet/ecosim/internal/scenario"
)

type scenarioSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type sessionSummary struct {
	ID         string     `json:"id"`
	ScenarioID string     `json:"scenario_id"`
	StudentID  string     `json:"student_id"`
	Status     string     `json:"status"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time"`
}

type transcriptLine struct {
	Seq     int    `json:"seq"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

type reportBody struct {
	Status              string         `json:"status"`
	Summary             string         `json:"summary"`
	GlobalScore         int            `json:"global_score"`
	Scores              map[string]int `json:"scores"`
	Strengths           []string       `json:"strengths"`
	Weaknesses          []string       `json:"weaknesses"`
	Recommendations     []string       `json:"recommendations"`
	InsufficientContent bool           `json:"insufficient_content"`
}

// --- scenario ---

var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "Browse and publish scenarios",
}

var scenarioListCmd = &cobra.Command{
	Use:   "list",
	Short: "List published scenarios",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/scenarios")
		if err != nil {
			return err
		}

		var scenarios []scenarioSummary
		if err := decodeJSON(resp, &scenarios); err != nil {
			return err
		}
		if len(scenarios) == 0 {
			fmt.Println("No scenarios published.")
			return nil
		}
		for _, sc := range scenarios {
			fmt.Printf("  %-24s %s\n", colorize(colorBold, sc.ID), sc.Title)
		}
		return nil
	},
}

var scenarioShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a scenario with its persona and rubric as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/scenarios/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var sc map[string]any
		if err := decodeJSON(resp, &sc); err != nil {
			return err
		}
		return printJSON(sc)
	},
}

var scenarioImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Publish the scenarios defined in a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := scenario.LoadFile(args[0])
		if err != nil {
			return err
		}
		if len(defs) == 0 {
			return fmt.Errorf("%s defines no scenarios", args[0])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		published, failed := importScenarios(cmd.Context(), client, defs)
		printSuccess("Published %d of %d scenarios", published, len(defs))
		if failed > 0 {
			return fmt.Errorf("%d scenarios were not published", failed)
		}
		return nil
	},
}

// importScenarios publishes each definition, reporting failures without
// stopping. Existing ids count as failures.
func importScenarios(ctx context.Context, client *apiClient, defs []scenario.Definition) (published, failed int) {
	for _, d := range defs {
		sc := d.Scenario()
		req := api.PublishRequest{
			ID:            sc.ID,
			Title:         sc.Title,
			Description:   sc.Description,
			PersonaPrompt: sc.PersonaPrompt,
			ContextIndex:  sc.ContextIndex,
			CreatedBy:     sc.CreatedBy,
		}
		if len(sc.Rubric.Criteria) > 0 {
			req.Rubric = json.RawMessage(sc.Rubric.JSON())
		}

		resp, err := client.post(ctx, "/scenarios", req)
		if err == nil {
			var out map[string]any
			err = decodeJSON(resp, &out)
		}
		if err != nil {
			printError("scenario %s: %v", sc.ID, err)
			failed++
			continue
		}
		published++
	}
	return published, failed
}

func init() {
	scenarioCmd.AddCommand(scenarioListCmd)
	scenarioCmd.AddCommand(scenarioShowCmd)
	scenarioCmd.AddCommand(scenarioImportCmd)
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Run training sessions",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session on a scenario",
	Long: `Start a session on a scenario.

Examples:
  ecosim session start --scenario chest-pain --student s-042
  ecosim session start --scenario chest-pain --student s-042 --context cardio-2025`,
	RunE: func(cmd *cobra.Command, args []string) error {
		scenarioID, _ := cmd.Flags().GetString("scenario")
		student, _ := cmd.Flags().GetString("student")
		trainingCtx, _ := cmd.Flags().GetString("context")
		if scenarioID == "" || student == "" {
			return fmt.Errorf("--scenario and --student are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sessions", api.StartRequest{
			ScenarioID:        scenarioID,
			StudentID:         student,
			TrainingContextID: trainingCtx,
		})
		if err != nil {
			return err
		}

		var started struct {
			SessionID     string `json:"session_id"`
			InitialPrompt string `json:"initial_prompt"`
		}
		if err := decodeJSON(resp, &started); err != nil {
			return err
		}

		printSuccess("Started session %s", started.SessionID)
		fmt.Println(started.InitialPrompt)
		return nil
	},
}

var sessionRespondCmd = &cobra.Command{
	Use:   "respond <session-id> <message>",
	Short: "Send one student message and print the patient reply",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		reply, err := respondTurn(cmd.Context(), client, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		printTurn("assistant", reply)
		return nil
	},
}

func respondTurn(ctx context.Context, client *apiClient, sessionID, message string) (string, error) {
	resp, err := client.post(ctx, "/sessions/"+url.PathEscape(sessionID)+"/respond", api.RespondRequest{Message: message})
	if err != nil {
		return "", err
	}
	var out api.RespondResponse
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	return out.Reply, nil
}

var sessionChatCmd = &cobra.Command{
	Use:   "chat <session-id>",
	Short: "Hold a live dialogue with the patient",
	Long: `Hold a live dialogue with the patient over a WebSocket.

Each line read from stdin is one turn. Type /end to end the session.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		conn, err := client.dial(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer conn.Close()

		return chatLoop(conn, bufio.NewScanner(os.Stdin))
	},
}

// chatLoop sends each input line as a message frame and prints the frames
// that come back until the session ends or input runs out.
func chatLoop(conn *websocket.Conn, in *bufio.Scanner) error {
	var greeting api.Frame
	if err := conn.ReadJSON(&greeting); err != nil {
		return fmt.Errorf("reading greeting: %w", err)
	}
	if greeting.Type == "session" {
		printStatus("Session", "%s (%s)", greeting.SessionID, greeting.Status)
	}

	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		out := api.Frame{Type: "message", Text: line}
		if line == "/end" {
			out = api.Frame{Type: "end"}
		}
		if err := conn.WriteJSON(out); err != nil {
			return fmt.Errorf("sending: %w", err)
		}

		var f api.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("reading: %w", err)
		}
		switch f.Type {
		case "reply":
			printTurn("assistant", f.Text)
		case "error":
			printError("%s (%d)", f.Error, f.Code)
		case "ended":
			printSuccess("Session ended, the report is being prepared")
			return nil
		}
	}
	return in.Err()
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <session-id>",
	Short: "End a session and queue its evaluation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sessions/"+url.PathEscape(args[0])+"/end", nil)
		if err != nil {
			return err
		}
		var sess sessionSummary
		if err := decodeJSON(resp, &sess); err != nil {
			return err
		}
		printSuccess("Session %s is %s", sess.ID, sess.Status)
		return nil
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print the transcript of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sessions/"+url.PathEscape(args[0])+"/messages")
		if err != nil {
			return err
		}
		var lines []transcriptLine
		if err := decodeJSON(resp, &lines); err != nil {
			return err
		}
		if len(lines) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		for _, l := range lines {
			printTurn(l.Role, l.Content)
		}
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the sessions of a student, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		student, _ := cmd.Flags().GetString("student")
		limit, _ := cmd.Flags().GetInt("limit")
		if student == "" {
			return fmt.Errorf("--student is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/sessions?student=%s&limit=%d", url.QueryEscape(student), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var sessions []sessionSummary
		if err := decodeJSON(resp, &sessions); err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		for _, s := range sessions {
			fmt.Printf("  %s  %-20s %-12s %s\n", s.ID, s.ScenarioID, s.Status, s.StartTime.Local().Format(time.DateTime))
		}
		return nil
	},
}

func init() {
	sessionStartCmd.Flags().String("scenario", "", "scenario id")
	sessionStartCmd.Flags().String("student", "", "student id")
	sessionStartCmd.Flags().String("context", "", "training context id")
	sessionListCmd.Flags().String("student", "", "student id")
	sessionListCmd.Flags().Int("limit", 20, "maximum number of sessions")
	sessionCmd.AddCommand(sessionStartCmd)
	sessionCmd.AddCommand(sessionRespondCmd)
	sessionCmd.AddCommand(sessionChatCmd)
	sessionCmd.AddCommand(sessionEndCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionListCmd)
}

// --- report ---

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Read evaluation reports",
}

var errReportPending = errors.New("report is still being prepared")

var reportShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show the evaluation report of an ended session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		rep, err := fetchReport(cmd.Context(), client, args[0])
		if errors.Is(err, errReportPending) {
			printWarning("Report for %s is still being prepared, try again shortly", args[0])
			return nil
		}
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return printJSON(rep)
		}
		printReport(rep)
		return nil
	},
}

func fetchReport(ctx context.Context, client *apiClient, sessionID string) (reportBody, error) {
	resp, err := client.get(ctx, "/sessions/"+url.PathEscape(sessionID)+"/report")
	if err != nil {
		return reportBody{}, err
	}
	var rep reportBody
	if err := decodeJSON(resp, &rep); err != nil {
		return reportBody{}, err
	}
	if resp.StatusCode == http.StatusAccepted {
		return reportBody{}, errReportPending
	}
	return rep, nil
}

func printReport(rep reportBody) {
	printStatus("Global score", "%d/100", rep.GlobalScore)
	if rep.InsufficientContent {
		printWarning("The dialogue was too short to evaluate")
	}
	fmt.Println(rep.Summary)

	if len(rep.Scores) > 0 {
		fmt.Println(colorize(colorBold, "Scores"))
		for id, score := range rep.Scores {
			fmt.Printf("  %-22s %d\n", id, score)
		}
	}
	printList("Strengths", rep.Strengths)
	printList("Weaknesses", rep.Weaknesses)
	printList("Recommendations", rep.Recommendations)
}

func printList(title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Println(colorize(colorBold, title))
	for _, it := range items {
		fmt.Printf("  - %s\n", it)
	}
}

func init() {
	reportShowCmd.Flags().Bool("json", false, "print the raw report JSON")
	reportCmd.AddCommand(reportShowCmd)
}

// --- index ---

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage reference document indexes",
}

var indexAddCmd = &cobra.Command{
	Use:   "add <handle>",
	Short: "Add a reference document to an index",
	Long: `Add a reference document to an index.

Examples:
  ecosim index add cardiology --text "Chest pain radiating to the left arm..."
  ecosim index add cardiology --url https://example.com/guideline.html
  ecosim index add cardiology --file ./acs-guideline.pdf --title "ACS guideline"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		link, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")

		req, err := documentRequest(text, link, file, title)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/indexes/"+url.PathEscape(args[0])+"/documents", req)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued doc %s", result["id"])
		return nil
	},
}

// documentRequest builds the submission body from exactly one of text, url
// or file. PDF files are sent base64 encoded.
func documentRequest(text, link, file, title string) (api.DocumentRequest, error) {
	req := api.DocumentRequest{Title: title, Source: "cli"}
	switch {
	case text != "":
		req.Type = ingest.TypeText
		req.Content = text
	case link != "":
		req.Type = ingest.TypeURL
		req.URL = link
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return req, fmt.Errorf("reading file: %w", err)
		}
		req.Type = ingest.TypeText
		req.Content = string(data)
		switch strings.ToLower(filepath.Ext(file)) {
		case ".pdf":
			req.Type = ingest.TypePDF
			req.Content = base64.StdEncoding.EncodeToString(data)
		case ".html", ".htm":
			req.Type = ingest.TypeHTML
		}
		if title == "" {
			req.Title = file
		}
	default:
		return req, fmt.Errorf("one of --text, --url, or --file is required")
	}
	return req, nil
}

var indexListCmd = &cobra.Command{
	Use:   "list <handle>",
	Short: "List the documents of an index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/indexes/"+url.PathEscape(args[0])+"/documents")
		if err != nil {
			return err
		}
		var docs []struct {
			ID         string `json:"id"`
			Title      string `json:"title"`
			ChunkCount int    `json:"chunk_count"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}
		if len(docs) == 0 {
			fmt.Println("No documents indexed.")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("  %s  %-40s %d chunks\n", d.ID, d.Title, d.ChunkCount)
		}
		return nil
	},
}

func init() {
	indexAddCmd.Flags().String("text", "", "text content to index")
	indexAddCmd.Flags().String("url", "", "URL to fetch and index")
	indexAddCmd.Flags().String("file", "", "file path to index (text or PDF)")
	indexAddCmd.Flags().String("title", "", "title for the document")
	indexCmd.AddCommand(indexAddCmd)
	indexCmd.AddCommand(indexListCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration key",
	Long: `Set a configuration key. API keys are written to the secrets file,
never to config.json.

Valid keys:
  ` + strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Set %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	rootCmd.AddCommand(scenarioCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(configCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
