package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/branchbox/branchbox/internal/apperr"
	"github.com/branchbox/branchbox/internal/recording"
	"github.com/branchbox/branchbox/internal/runtime"
	"github.com/branchbox/branchbox/pkg/types"
)

// terminalStart is the first (text) frame the client sends after the
// upgrade. Command defaults to the runtime's login shell.
type terminalStart struct {
	Type    string   `json:"type,omitempty"` // "start"
	Command []string `json:"command,omitempty"`
	Rows    uint     `json:"rows,omitempty"`
	Cols    uint     `json:"cols,omitempty"`
}

// terminalControl is any later text frame; binary frames are stdin.
type terminalControl struct {
	Type string `json:"type"` // "resize"
	Rows uint   `json:"rows,omitempty"`
	Cols uint   `json:"cols,omitempty"`
}

type terminalExit struct {
	Type       string `json:"type"` // "exit"
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

// attachTerminal proxies a websocket to an interactive shell inside the
// session container. Binary frames carry terminal bytes both ways; text
// frames carry the start handshake, resize control, and the final exit
// notice. Gated on the caller's terminal grant and recorded when
// recording is enabled.
func (a *App) attachTerminal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, apperr.Validation("user_id query parameter is required"))
		return
	}

	sess, err := a.sessStore.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.State != types.SessionStateRunning {
		writeError(w, apperr.Conflict("session "+id, "is "+string(sess.State)))
		return
	}
	grant, _ := a.lookupGrant(userID, sess.RepositoryID)
	if !grant.AllowTerminal {
		writeError(w, apperr.PermissionDenied("user %d has no terminal access to repository %d", userID, sess.RepositoryID))
		return
	}
	if a.terminal == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "runtime does not support terminal attach"})
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "websocket upgrade required"})
		return
	}

	up := websocket.Upgrader{
		// Auth middleware already ran; IDE frontends connect from any origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	// First message must be a JSON start frame (text).
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if mt != websocket.TextMessage {
		_ = conn.WriteMessage(websocket.TextMessage, mustJSON(map[string]any{"type": "error", "message": "first message must be a text start frame"}))
		return
	}
	var start terminalStart
	if err := json.Unmarshal(data, &start); err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, mustJSON(map[string]any{"type": "error", "message": "invalid start json"}))
		return
	}
	if start.Type != "" && start.Type != "start" {
		_ = conn.WriteMessage(websocket.TextMessage, mustJSON(map[string]any{"type": "error", "message": "expected type=start"}))
		return
	}

	term, err := a.terminal.OpenTerminal(r.Context(), sess.ID, runtime.TerminalOptions{
		Command: start.Command,
		Rows:    start.Rows,
		Cols:    start.Cols,
	})
	if err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, mustJSON(map[string]any{"type": "error", "message": apperr.Scrub(err.Error())}))
		return
	}
	defer term.Close()

	// Recording is an audit trail: when it is enabled but cannot start,
	// the attach is refused rather than allowed to run unrecorded.
	var rec *recording.Writer
	if a.recordings != nil {
		rec, err = a.recordings.Open(r.Context(), sess.ID)
		if err != nil {
			_ = conn.WriteMessage(websocket.TextMessage, mustJSON(map[string]any{"type": "error", "message": "recording unavailable"}))
			return
		}
		defer rec.Close()
	}

	opened := time.Now()
	a.recorder.Emit(r.Context(), types.Event{
		Type:         types.EventTerminalOpened,
		SessionID:    sess.ID,
		UserID:       userID,
		RepositoryID: sess.RepositoryID,
		Branch:       sess.Branch,
	})

	// An open terminal counts as activity: keep the session out of the
	// idle sweep while the attach lasts.
	_ = a.sessions.Heartbeat(r.Context(), sess.ID)
	hbCtx, hbCancel := context.WithCancel(r.Context())
	defer hbCancel()
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				_ = a.sessions.Heartbeat(hbCtx, sess.ID)
			}
		}
	}()

	// Reader loop: stdin bytes (binary) + control (text).
	go func() {
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				term.Close()
				return
			}
			switch mt {
			case websocket.BinaryMessage:
				if rec != nil {
					_ = rec.RecordInput(msg)
				}
				if _, err := term.Input.Write(msg); err != nil {
					return
				}
			case websocket.TextMessage:
				var ctl terminalControl
				if err := json.Unmarshal(msg, &ctl); err != nil {
					continue
				}
				if ctl.Type == "resize" {
					_ = term.Resize(r.Context(), ctl.Rows, ctl.Cols)
				}
			}
		}
	}()

	// Writer loop: container output bytes as binary frames.
	buf := make([]byte, 32*1024)
	for {
		n, err := term.Output.Read(buf)
		if n > 0 {
			if rec != nil {
				_ = rec.RecordOutput(buf[:n])
			}
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				_ = conn.WriteMessage(websocket.TextMessage, mustJSON(map[string]any{"type": "error", "message": apperr.Scrub(err.Error())}))
			}
			break
		}
	}

	exitCode, err := term.ExitCode(r.Context())
	if err != nil {
		slog.Debug("terminal exit code unavailable", "session_id", sess.ID, "error", err)
		exitCode = 0
	}

	fields := map[string]any{
		"duration_ms": time.Since(opened).Milliseconds(),
		"exit_code":   exitCode,
	}
	if rec != nil {
		fields["recording"] = rec.Path()
	}
	a.recorder.Emit(r.Context(), types.Event{
		Type:         types.EventTerminalClosed,
		SessionID:    sess.ID,
		UserID:       userID,
		RepositoryID: sess.RepositoryID,
		Branch:       sess.Branch,
		Fields:       fields,
	})

	_ = conn.WriteMessage(websocket.TextMessage, mustJSON(terminalExit{
		Type:       "exit",
		ExitCode:   exitCode,
		DurationMs: time.Since(opened).Milliseconds(),
	}))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(500*time.Millisecond))
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
