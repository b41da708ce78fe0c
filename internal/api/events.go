package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/branchbox/branchbox/internal/apperr"
	"github.com/branchbox/branchbox/pkg/types"
)

// streamSessionEvents pushes the session's live events over SSE until
// the client disconnects.
func (a *App) streamSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.sessStore.GetSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := a.broker.Subscribe(id, 200)
	defer a.broker.Unsubscribe(id, ch)

	_, _ = fmt.Fprint(w, "event: ready\ndata: {}\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			_, _ = fmt.Fprint(w, "data: ")
			if err := json.NewEncoder(w).Encode(ev); err != nil {
				return
			}
			_, _ = fmt.Fprint(w, "\n")
			flusher.Flush()
		}
	}
}

func (a *App) queryEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseEventQuery(r)
	if err != nil {
		writeError(w, apperr.Validation("%s", err))
		return
	}
	evs, err := a.eventStore.QueryEvents(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if evs == nil {
		evs = []types.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func parseEventQuery(r *http.Request) (types.EventQuery, error) {
	var q types.EventQuery
	vals := r.URL.Query()

	q.SessionID = vals.Get("session_id")
	if s := vals.Get("user_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return q, fmt.Errorf("invalid user_id %q", s)
		}
		q.UserID = id
	}
	if s := vals.Get("repository_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return q, fmt.Errorf("invalid repository_id %q", s)
		}
		q.RepositoryID = id
	}
	if s := vals.Get("type"); s != "" {
		q.Types = strings.Split(s, ",")
	}
	if s := vals.Get("since"); s != "" {
		t, err := parseTimeOrAgo(s)
		if err != nil {
			return q, err
		}
		q.Since = &t
	}
	if s := vals.Get("until"); s != "" {
		t, err := parseTimeOrAgo(s)
		if err != nil {
			return q, err
		}
		q.Until = &t
	}
	if s := vals.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid limit %q", s)
		}
		q.Limit = n
	}
	if s := vals.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid offset %q", s)
		}
		q.Offset = n
	}
	q.Asc = vals.Get("order") == "asc"
	return q, nil
}

// parseTimeOrAgo accepts RFC3339 ("2026-08-25T10:00:00Z") or a duration
// meaning that long ago ("5m", "2h").
func parseTimeOrAgo(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().UTC().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (want RFC3339 or a duration like 5m)", s)
	}
	return t.UTC(), nil
}
