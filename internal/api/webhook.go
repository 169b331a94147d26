package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kalambet/frontdesk/internal/escalation"
)

const eventInboundCall = "inbound_call"

// WebhookEvent is an event posted by the voice agent.
type WebhookEvent struct {
	Type     string          `json:"type"`
	Caller   json.RawMessage `json:"caller"`
	Question string          `json:"question"`
}

// WebhookResponse is the synchronous reply to a WebhookEvent.
type WebhookResponse struct {
	Status    string `json:"status"`
	Answer    string `json:"answer,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Message   string `json:"message,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

func handleWebhook(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading request body: %v", err)
			return
		}

		var ev WebhookEvent
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &ev); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		if ev.Type != eventInboundCall {
			writeJSON(w, http.StatusOK, WebhookResponse{Status: "ignored", Detail: "unsupported event"})
			return
		}

		caller := ev.Caller
		if len(caller) == 0 || string(caller) == "null" {
			caller = json.RawMessage(`{}`)
		}

		out, err := deps.Lifecycle.HandleInbound(r.Context(), caller, strings.TrimSpace(ev.Question))
		if err != nil {
			slog.Error("handling inbound call", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "handling inbound call: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toWebhookResponse(out))
	}
}

func toWebhookResponse(out escalation.Outcome) WebhookResponse {
	if out.Answered {
		return WebhookResponse{Status: "answered", Answer: out.Answer}
	}
	return WebhookResponse{Status: "escalated", RequestID: out.RequestID, Message: out.Message}
}

// handleSimulateNotification is the built-in notification sink. It logs
// whatever it receives.
func handleSimulateNotification(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && err != io.EOF {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid notification payload: %v", err)
		return
	}
	slog.Info("notification received", "payload", payload)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
