package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type termState struct {
	state *term.State
}

// termDeps wraps the terminal syscalls so tests can fake a TTY.
type termDeps struct {
	isTTY   func(fd int) bool
	makeRaw func(fd int) (*termState, error)
	restore func(fd int, st *termState) error
	getSize func(fd int) (cols int, rows int, err error)
}

func defaultTermDeps() termDeps {
	return termDeps{
		isTTY: term.IsTerminal,
		makeRaw: func(fd int) (*termState, error) {
			st, err := term.MakeRaw(fd)
			if err != nil {
				return nil, err
			}
			return &termState{state: st}, nil
		},
		restore: func(fd int, st *termState) error {
			if st == nil || st.state == nil {
				return nil
			}
			return term.Restore(fd, st.state)
		},
		getSize: term.GetSize,
	}
}

var attachRunner = attachWS

func newSessionAttachCmd() *cobra.Command {
	var userID int64
	var command []string
	cmd := &cobra.Command{
		Use:   "attach SESSION_ID",
		Short: "Attach an interactive terminal to a session container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return attachRunner(ctx, getClientConfig(cmd), args[0], userID, command, defaultTermDeps())
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "User id (must hold a terminal grant)")
	cmd.Flags().StringSliceVar(&command, "command", nil, "Command to run instead of the default shell")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// Wire frames for /v1/sessions/{id}/terminal. Binary frames carry terminal
// bytes both ways; text frames carry start, resize, and the final exit or
// error notice.
type terminalStartFrame struct {
	Type    string   `json:"type"`
	Command []string `json:"command,omitempty"`
	Rows    uint     `json:"rows,omitempty"`
	Cols    uint     `json:"cols,omitempty"`
}

type terminalResizeFrame struct {
	Type string `json:"type"`
	Rows uint   `json:"rows,omitempty"`
	Cols uint   `json:"cols,omitempty"`
}

func attachWS(ctx context.Context, cfg *clientConfig, sessionID string, userID int64, command []string, deps termDeps) error {
	if userID <= 0 {
		return fmt.Errorf("--user is required")
	}

	restore, rows, cols, isTTY, err := maybeRawTerminal(deps)
	if err != nil {
		return err
	}
	defer restore()

	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/terminal?user_id=" + strconv.FormatInt(userID, 10)
	wsURL, dialer, err := wsURLAndDialer(cfg.serverAddr, path)
	if err != nil {
		return err
	}
	h := http.Header{}
	if key := strings.TrimSpace(cfg.apiKey); key != "" {
		h.Set("X-API-Key", key)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, h)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("attach %s: %s", sessionID, resp.Status)
		}
		return err
	}
	defer conn.Close()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var writeMu sync.Mutex
	writeBin := func(b []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.BinaryMessage, b)
	}
	writeText := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		b, _ := json.Marshal(v)
		return conn.WriteMessage(websocket.TextMessage, b)
	}

	go func() {
		<-runCtx.Done()
		writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(250*time.Millisecond))
		writeMu.Unlock()
		_ = conn.Close()
	}()

	if err := writeText(terminalStartFrame{
		Type:    "start",
		Command: command,
		Rows:    rows,
		Cols:    cols,
	}); err != nil {
		return err
	}

	// Window resizes -> resize control frames.
	if isTTY {
		sigCh := make(chan os.Signal, 4)
		notifyResize(sigCh)
		defer signal.Stop(sigCh)
		go func() {
			for {
				select {
				case <-runCtx.Done():
					return
				case <-sigCh:
					colsI, rowsI, gerr := deps.getSize(int(os.Stdout.Fd()))
					if gerr != nil {
						continue
					}
					_ = writeText(terminalResizeFrame{Type: "resize", Rows: uint(rowsI), Cols: uint(colsI)})
				}
			}
		}()
	}

	// Stdin -> binary frames.
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := os.Stdin.Read(buf)
			if n > 0 {
				b := make([]byte, n)
				copy(b, buf[:n])
				if werr := writeBin(b); werr != nil {
					return
				}
			}
			if rerr != nil {
				return
			}
		}
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if runCtx.Err() != nil {
				return runCtx.Err()
			}
			return err
		}
		switch mt {
		case websocket.BinaryMessage:
			_, _ = os.Stdout.Write(data)
		case websocket.TextMessage:
			var base struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &base) != nil {
				continue
			}
			switch base.Type {
			case "exit":
				var ef struct {
					ExitCode int `json:"exit_code"`
				}
				_ = json.Unmarshal(data, &ef)
				cancelRun()
				if ef.ExitCode != 0 {
					// Mirror the remote shell's exit status.
					return &ExitError{code: ef.ExitCode}
				}
				return nil
			case "error":
				var ef struct {
					Message string `json:"message"`
				}
				_ = json.Unmarshal(data, &ef)
				cancelRun()
				msg := strings.TrimSpace(ef.Message)
				if msg == "" {
					msg = "terminal closed by server"
				}
				return fmt.Errorf("%s", msg)
			}
		}
	}
}

func maybeRawTerminal(deps termDeps) (restore func(), rows, cols uint, isTTY bool, err error) {
	stdinFD := int(os.Stdin.Fd())
	stdoutFD := int(os.Stdout.Fd())
	isTTY = deps.isTTY(stdinFD) && deps.isTTY(stdoutFD)
	if !isTTY {
		return func() {}, 0, 0, false, nil
	}
	st, err := deps.makeRaw(stdinFD)
	if err != nil {
		return func() {}, 0, 0, false, err
	}
	colsI, rowsI, _ := deps.getSize(stdoutFD)
	restore = func() { _ = deps.restore(stdinFD, st) }
	return restore, uint(rowsI), uint(colsI), true, nil
}

func wsURLAndDialer(baseURL, path string) (string, *websocket.Dialer, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return "", nil, fmt.Errorf("server base url is empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", nil, err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		wsScheme := "ws"
		if strings.EqualFold(u.Scheme, "https") {
			wsScheme = "wss"
		}
		host := u.Host
		if host == "" {
			host = u.Path
		}
		if host == "" {
			return "", nil, fmt.Errorf("server host is empty")
		}
		prefix := ""
		if u.Host != "" {
			prefix = strings.TrimRight(u.Path, "/")
		}
		return wsScheme + "://" + host + prefix + path, &websocket.Dialer{}, nil
	default:
		return "", nil, fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
}
