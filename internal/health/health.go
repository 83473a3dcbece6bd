// Package health provides HTTP liveness and readiness handlers.
//
// Two endpoints are exposed:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when all registered
//     checks pass. Checks run concurrently, each with its own timeout.
//
// Responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map carrying each check's result and duration.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check must return nil when the dependency
// is usable and respect context cancellation.
type Checker struct {
	// Name labels the check in the JSON response ("card_source",
	// "stt", "history", ...).
	Name string

	Check func(ctx context.Context) error
}

// CheckerFunc wraps a bare function as a named [Checker].
func CheckerFunc(name string, fn func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: fn}
}

// checkResult is one entry in the readiness response.
type checkResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// result is the JSON response body for both endpoints.
type result struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version,omitempty"`
	Checks  map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the /healthz and /readyz endpoints. The checker list is
// fixed at construction time; the handler is safe for concurrent use.
type Handler struct {
	version  string
	checkers []Checker
}

// New creates a [Handler] evaluating the given checkers on each /readyz
// request. version is included in responses when non-empty.
func New(version string, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{version: version, checkers: c}
}

// Healthz always returns 200 OK. A process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok", Version: h.version})
}

// Readyz returns 200 only when every registered check passes. Checks run
// concurrently, each under its own [checkTimeout] derived from the request
// context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]checkResult, len(h.checkers))
		allOK  = true
	)

	g, gctx := errgroup.WithContext(r.Context())
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(gctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(ctx)
			res := checkResult{
				Status:   "ok",
				Duration: time.Since(start).Round(time.Millisecond).String(),
			}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}

			mu.Lock()
			checks[c.Name] = res
			if err != nil {
				allOK = false
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // checks report failures through the map, never abort

	res := result{Status: "ok", Version: h.version, Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
