package api

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kalambet/ecosim/internal/storage"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 64 << 10
)

var dialogueUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Frame is a dialogue channel message, in both directions.
//
// Client frames: {"type":"message","text":"..."} and {"type":"end"}.
// Server frames: "session", "reply", "error" (with code) and "ended".
type Frame struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Code      int    `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

type dialogueConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *dialogueConn) send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(f)
}

func (c *dialogueConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// handleDialogueSocket runs a live dialogue over a WebSocket. Every message
// frame is one turn, answered in order.
func handleDialogueSocket(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sess, err := deps.Sessions.Get(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get session: %v", err)
			return
		}

		ws, err := dialogueUpgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "session_id", id, "error", err)
			return
		}
		c := &dialogueConn{conn: ws}
		defer ws.Close()

		ws.SetReadLimit(wsMaxMessage)
		ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wsPongWait))
		})

		done := make(chan struct{})
		defer close(done)
		go func() {
			ticker := time.NewTicker(wsPingPeriod)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := c.ping(); err != nil {
						return
					}
				}
			}
		}()

		if err := c.send(Frame{Type: "session", SessionID: sess.ID, Status: sess.Status}); err != nil {
			return
		}

		ctx := r.Context()
		for {
			var in Frame
			if err := ws.ReadJSON(&in); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Debug("dialogue socket closed", "session_id", id, "error", err)
				}
				return
			}

			switch in.Type {
			case "message":
				reply, err := respond(ctx, deps, id, in.Text)
				if err != nil {
					code, _ := turnStatus(err)
					if c.send(Frame{Type: "error", Code: code, Error: err.Error()}) != nil {
						return
					}
					continue
				}
				if c.send(Frame{Type: "reply", Text: reply}) != nil {
					return
				}

			case "end":
				if err := deps.Sessions.End(ctx, id); err != nil {
					c.send(Frame{Type: "error", Code: http.StatusInternalServerError, Error: err.Error()})
					return
				}
				c.send(Frame{Type: "ended", SessionID: id, Status: storage.StatusCompleted})
				c.writeMu.Lock()
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(wsWriteWait))
				c.writeMu.Unlock()
				return

			default:
				if c.send(Frame{Type: "error", Code: http.StatusBadRequest, Error: "unknown frame type " + in.Type}) != nil {
					return
				}
			}
		}
	}
}
