package diag

import (
	"context"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"treebuild/internal/storage"
	"treebuild/internal/uithread"
)

const (
	defaultRecent = 50
	maxRecent     = 1000
	maxBudgetMS   = 10_000
)

// Loop is the view of the UI loop the handlers need.
type Loop interface {
	Snapshot() uithread.Snapshot
	SetBudget(d time.Duration)
}

// Deps are the sources served by the diagnostics endpoints. Store and Extra
// are optional.
type Deps struct {
	Loop  Loop
	Store storage.Store
	// Extra adds named sections to GET /debug/buildtree.
	Extra func() map[string]any
}

type buildtreeView struct {
	Loop   uithread.Snapshot    `json:"loop"`
	Recent []storage.PassRecord `json:"recent,omitempty"`
	Error  string               `json:"recent_error,omitempty"`
	Extra  map[string]any       `json:"extra,omitempty"`
}

// NewHandler builds the diagnostics mux. A non-empty token is required on
// every route, as a bearer header or ?token= query parameter.
func NewHandler(deps Deps, token string) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("GET /healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	mux.HandleFunc("GET /debug/buildtree", wrap(func(w http.ResponseWriter, r *http.Request) {
		limit := defaultRecent
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			limit = min(n, maxRecent)
		}
		view := buildtreeView{Loop: deps.Loop.Snapshot()}
		if deps.Store != nil && limit > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			recent, err := deps.Store.RecentPasses(ctx, limit)
			cancel()
			if err != nil {
				view.Error = err.Error()
			}
			view.Recent = recent
		}
		if deps.Extra != nil {
			view.Extra = deps.Extra()
		}
		writeJSON(w, http.StatusOK, view)
	}))

	mux.HandleFunc("POST /debug/buildtree/budget", wrap(func(w http.ResponseWriter, r *http.Request) {
		ms, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("ms")))
		if err != nil || ms < 0 || ms > maxBudgetMS {
			http.Error(w, "ms must be an integer between 0 and 10000", http.StatusBadRequest)
			return
		}
		deps.Loop.SetBudget(time.Duration(ms) * time.Millisecond)
		writeJSON(w, http.StatusOK, map[string]int64{"budget_ms": deps.Loop.Snapshot().Scheduler.Budget.Milliseconds()})
	}))

	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && strings.TrimSpace(got) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
