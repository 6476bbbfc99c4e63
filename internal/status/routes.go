// Package status serves the scheduler, engine and run history over HTTP.
package status

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dispatchd/internal/dispatcher"
	"dispatchd/internal/periodic"
	"dispatchd/internal/storage"
	"dispatchd/internal/task/engine"
	logx "dispatchd/pkg/logx"
)

type SchedulerSource interface {
	Status() periodic.Status
}

type DispatchSource interface {
	Counters() dispatcher.Counters
}

type EngineSource interface {
	Snapshot() engine.Snapshot
}

// Sources feeds the handlers. Runs may be nil when storage is disabled.
type Sources struct {
	Scheduler SchedulerSource
	Dispatch  DispatchSource
	Engine    EngineSource
	Runs      storage.Store
}

// NewRouter builds the HTTP handler tree.
func NewRouter(src Sources, token string, pprof bool, log logx.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLog(log))
	r.Use(middleware.Recoverer)
	r.Use(tokenAuth(token))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", handleStatus(src.Scheduler))
	r.Get("/dispatcher", handleDispatch(src.Dispatch))
	r.Get("/engine", handleEngine(src.Engine))
	r.Get("/runs", handleRuns(src.Runs))
	if pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func handleStatus(src SchedulerSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if src == nil {
			http.Error(w, "dispatcher disabled", http.StatusServiceUnavailable)
			return
		}
		st := src.Status()
		if strings.EqualFold(r.URL.Query().Get("format"), "yaml") {
			b, err := st.YAML()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(b)
			return
		}
		writeJSON(w, st)
	}
}

func handleDispatch(src DispatchSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if src == nil {
			http.Error(w, "dispatcher disabled", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, src.Counters())
	}
}

func handleEngine(src EngineSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if src == nil {
			http.Error(w, "task engine disabled", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, src.Snapshot())
	}
}

func handleRuns(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, storage.ErrDisabled.Error(), http.StatusServiceUnavailable)
			return
		}
		q := r.URL.Query()
		limit := 0
		if raw := q.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			limit = n
		}
		runs, err := store.RecentRuns(r.Context(), strings.TrimSpace(q.Get("schedule")), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []storage.RunRecord{}
		}
		writeJSON(w, runs)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// tokenAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func tokenAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
