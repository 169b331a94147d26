package api

import (
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/frontdesk/internal/escalation"
	"github.com/kalambet/frontdesk/internal/storage"
)

//go:embed templates/*.html
var templateFS embed.FS

const flashCookie = "frontdesk_flash"

type flash struct {
	Kind    string // "success" or "error"
	Message string
}

type pageSet map[string]*template.Template

var templateFuncs = template.FuncMap{
	"ts": func(t time.Time) string {
		return t.UTC().Format("2006-01-02 15:04:05 UTC")
	},
	"tsPtr": func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.UTC().Format("2006-01-02 15:04:05 UTC")
	},
}

func mustParsePages() pageSet {
	pages := pageSet{}
	for _, name := range []string{"supervisor.html", "request.html", "learned.html"} {
		pages[name] = template.Must(template.New("layout.html").Funcs(templateFuncs).
			ParseFS(templateFS, "templates/layout.html", "templates/"+name))
	}
	return pages
}

func (p pageSet) render(w http.ResponseWriter, name string, data map[string]any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := p[name].Execute(w, data); err != nil {
		slog.Error("rendering page", "page", name, "error", err)
	}
}

func setFlash(w http.ResponseWriter, kind, msg string) {
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookie,
		Value:    url.QueryEscape(kind + ":" + msg),
		Path:     "/",
		MaxAge:   60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// popFlash reads and clears the pending flash message, if any.
func popFlash(w http.ResponseWriter, r *http.Request) *flash {
	c, err := r.Cookie(flashCookie)
	if err != nil {
		return nil
	}
	http.SetCookie(w, &http.Cookie{Name: flashCookie, Path: "/", MaxAge: -1})

	raw, err := url.QueryUnescape(c.Value)
	if err != nil {
		return nil
	}
	kind, msg, ok := strings.Cut(raw, ":")
	if !ok {
		return nil
	}
	return &flash{Kind: kind, Message: msg}
}

func redirectWithFlash(w http.ResponseWriter, r *http.Request, kind, msg string) {
	setFlash(w, kind, msg)
	http.Redirect(w, r, "/supervisor", http.StatusSeeOther)
}

func handleSupervisorIndex(deps AppDeps, pages pageSet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Lifecycle.List(r.Context())
		if err != nil {
			slog.Error("listing help requests", "error", err)
			http.Error(w, "could not load help requests", http.StatusInternalServerError)
			return
		}
		pages.render(w, "supervisor.html", map[string]any{
			"Flash":    popFlash(w, r),
			"Requests": list,
		})
	}
}

func handleRequestDetail(deps AppDeps, pages pageSet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hr, err := deps.Lifecycle.Get(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, escalation.ErrNotFound) {
			redirectWithFlash(w, r, "error", "Request not found")
			return
		}
		if err != nil {
			slog.Error("loading help request", "error", err)
			redirectWithFlash(w, r, "error", "Could not load request.")
			return
		}
		pages.render(w, "request.html", map[string]any{
			"Flash":   popFlash(w, r),
			"Request": hr,
			"Pending": hr.Status == storage.StatusPending,
			"Caller":  string(hr.Caller),
		})
	}
}

func handleResolveForm(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		if err := r.ParseForm(); err != nil {
			redirectWithFlash(w, r, "error", "Invalid form submission.")
			return
		}

		id := chi.URLParam(r, "id")
		answer := strings.TrimSpace(r.PostForm.Get("answer"))
		resolved := r.PostForm.Get("resolved")
		if resolved == "" {
			resolved = "true"
		}

		_, err := deps.Lifecycle.Resolve(r.Context(), id, answer, resolved == "true")
		switch {
		case errors.Is(err, escalation.ErrNotFound):
			redirectWithFlash(w, r, "error", "Request not found")
		case errors.Is(err, escalation.ErrAlreadyResolved):
			redirectWithFlash(w, r, "error", "Request was already closed.")
		case err != nil:
			slog.Error("resolving help request", "request_id", id, "error", err)
			redirectWithFlash(w, r, "error", "Could not update request.")
		default:
			redirectWithFlash(w, r, "success", "Request updated and caller notified.")
		}
	}
}

func handleLearned(deps AppDeps, pages pageSet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Lifecycle.Knowledge(r.Context())
		if err != nil {
			slog.Error("listing knowledge", "error", err)
			http.Error(w, "could not load knowledge base", http.StatusInternalServerError)
			return
		}
		pages.render(w, "learned.html", map[string]any{
			"Flash":   popFlash(w, r),
			"Entries": entries,
		})
	}
}
