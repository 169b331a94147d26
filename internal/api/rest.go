package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/frontdesk/internal/escalation"
	"github.com/kalambet/frontdesk/internal/storage"
)

// ResolveRequest is the body of POST /api/requests/{id}/resolve. Resolved
// accepts a JSON bool or the strings "true"/"false"; it defaults to true.
type ResolveRequest struct {
	Answer   string          `json:"answer"`
	Resolved json.RawMessage `json:"resolved,omitempty"`
}

func (rr ResolveRequest) resolved() (bool, error) {
	raw := strings.TrimSpace(string(rr.Resolved))
	switch raw {
	case "", "null", "true", `"true"`:
		return true, nil
	case "false", `"false"`:
		return false, nil
	}
	return false, fmt.Errorf("resolved must be true or false, got %s", raw)
}

type requestList struct {
	Requests []storage.HelpRequest `json:"requests"`
}

type knowledgeList struct {
	Entries []storage.KnowledgeEntry `json:"entries"`
}

func handleListRequests(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Lifecycle.List(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing help requests: %v", err)
			return
		}

		if status := r.URL.Query().Get("status"); status != "" {
			filtered := list[:0]
			for _, hr := range list {
				if strings.EqualFold(string(hr.Status), status) {
					filtered = append(filtered, hr)
				}
			}
			list = filtered
		}
		if list == nil {
			list = []storage.HelpRequest{}
		}
		writeJSON(w, http.StatusOK, requestList{Requests: list})
	}
}

func handleGetRequest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		hr, err := deps.Lifecycle.Get(r.Context(), id)
		if errors.Is(err, escalation.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "help request %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading help request: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, hr)
	}
}

func handleResolveJSON(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ResolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		resolved, err := req.resolved()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		id := chi.URLParam(r, "id")
		hr, err := deps.Lifecycle.Resolve(r.Context(), id, strings.TrimSpace(req.Answer), resolved)
		switch {
		case errors.Is(err, escalation.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found_error", "help request %s not found", id)
		case errors.Is(err, escalation.ErrAlreadyResolved):
			httpError(w, http.StatusConflict, "conflict_error", "help request %s is already closed", id)
		case err != nil:
			slog.Error("resolving help request", "request_id", id, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "resolving help request: %v", err)
		default:
			writeJSON(w, http.StatusOK, hr)
		}
	}
}

func handleListKnowledge(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Lifecycle.Knowledge(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing knowledge: %v", err)
			return
		}
		if entries == nil {
			entries = []storage.KnowledgeEntry{}
		}
		writeJSON(w, http.StatusOK, knowledgeList{Entries: entries})
	}
}
