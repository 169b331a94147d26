// Package notify delivers best-effort notifications to the supervisor channel
// and back to callers. Notifications are queued in the store's job table and
// posted by a background Worker, so a slow or unreachable target never holds
// up a state transition.
package notify

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job types used in the outbox.
const (
	JobSupervisor = "notify_supervisor"
	JobCaller     = "notify_caller"
)

// NoAnswerText replaces an empty answer in caller messages.
const NoAnswerText = "No answer provided."

// SupervisorNotice announces a new pending help request.
type SupervisorNotice struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Question  string          `json:"question"`
	Caller    json.RawMessage `json:"caller"`
	CreatedAt time.Time       `json:"created_at"`
}

// CallerNotice relays the outcome of a help request to the caller.
type CallerNotice struct {
	To        json.RawMessage `json:"to"`
	Message   string          `json:"message"`
	RequestID string          `json:"request_id"`
	TS        time.Time       `json:"ts"`
}

// CallerMessage formats the text sent back to a caller.
func CallerMessage(requestID, answer string) string {
	if answer == "" {
		answer = NoAnswerText
	}
	return fmt.Sprintf("Update to your question (request %s): %s", requestID, answer)
}

// jobPayload is what the outbox stores per notification.
type jobPayload struct {
	URL  string          `json:"url"`
	Body json.RawMessage `json:"body"`
}

func kindOf(jobType string) string {
	switch jobType {
	case JobSupervisor:
		return "supervisor"
	case JobCaller:
		return "caller"
	default:
		return "unknown"
	}
}
