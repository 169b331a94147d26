package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/frontdesk/internal/escalation"
	"github.com/kalambet/frontdesk/internal/metrics"
	"github.com/kalambet/frontdesk/internal/storage"
)

// Lifecycle is the part of the escalation controller the HTTP and MCP
// surfaces drive.
type Lifecycle interface {
	HandleInbound(ctx context.Context, caller json.RawMessage, question string) (escalation.Outcome, error)
	Resolve(ctx context.Context, id, answer string, resolved bool) (storage.HelpRequest, error)
	Get(ctx context.Context, id string) (storage.HelpRequest, error)
	List(ctx context.Context) ([]storage.HelpRequest, error)
	Knowledge(ctx context.Context) ([]storage.KnowledgeEntry, error)
}

type AppDeps struct {
	Lifecycle Lifecycle
	Metrics   *metrics.Metrics
	// AgentToken, when non-empty, is required as a bearer token on /webhook.
	AgentToken string
}

// NewAppHandler returns the full HTTP surface: the agent webhook, the
// notification sink, the supervisor UI, the JSON API and /metrics.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	pages := mustParsePages()

	r.Get("/", handleIndex)
	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if deps.AgentToken != "" {
			r.Use(BearerAuth(deps.AgentToken))
		}
		r.Post("/webhook", handleWebhook(deps))
	})
	r.Post("/simulate_notification", handleSimulateNotification)

	r.Get("/supervisor", handleSupervisorIndex(deps, pages))
	r.Get("/request/{id}", handleRequestDetail(deps, pages))
	r.Post("/request/{id}/resolve", handleResolveForm(deps))
	r.Get("/learned", handleLearned(deps, pages))

	r.Route("/api", func(r chi.Router) {
		r.Get("/requests", handleListRequests(deps))
		r.Get("/requests/{id}", handleGetRequest(deps))
		r.Post("/requests/{id}/resolve", handleResolveJSON(deps))
		r.Get("/knowledge", handleListKnowledge(deps))
	})

	return r
}

func handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("frontdesk escalation service - supervisor UI available at /supervisor\n"))
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"req_id", middleware.GetReqID(r.Context()),
		)
	})
}
