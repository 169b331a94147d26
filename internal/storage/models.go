package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotPending is returned when a terminal transition is attempted on a
// help request that has already left the Pending state.
var ErrNotPending = errors.New("help request is not pending")

// Status is the lifecycle state of a HelpRequest.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusResolved   Status = "Resolved"
	StatusUnresolved Status = "Unresolved"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusUnresolved
}

// Who closed a request.
const (
	ResolvedBySupervisor = "supervisor"
	ResolvedByTimeout    = "timeout"
)

// HelpRequest is one escalated caller question.
type HelpRequest struct {
	ID               string          `json:"request_id"`
	Status           Status          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy       string          `json:"resolved_by,omitempty"`
	Caller           json.RawMessage `json:"caller"`
	Question         string          `json:"question"`
	SupervisorAnswer string          `json:"supervisor_answer,omitempty"`
}

// Resolution describes a terminal transition for a pending HelpRequest.
type Resolution struct {
	Status     Status
	Answer     string
	ResolvedBy string
	ResolvedAt time.Time
}

// KnowledgeEntry is an answer learned from a resolved HelpRequest.
type KnowledgeEntry struct {
	Key           string    `json:"kb_key"`
	Question      string    `json:"question"`
	Answer        string    `json:"answer"`
	CreatedAt     time.Time `json:"created_at"`
	SourceRequest string    `json:"source_request"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// MalformedRecordsError is returned alongside the well-formed rows of a
// listing when some stored rows could not be decoded.
type MalformedRecordsError struct {
	IDs  []string
	Errs []error
}

func (e *MalformedRecordsError) Error() string {
	return fmt.Sprintf("skipped %d malformed record(s): %s", len(e.IDs), strings.Join(e.IDs, ", "))
}

func (e *MalformedRecordsError) Unwrap() []error {
	return e.Errs
}

func (e *MalformedRecordsError) add(id string, err error) {
	e.IDs = append(e.IDs, id)
	e.Errs = append(e.Errs, fmt.Errorf("record %s: %w", id, err))
}

func (e *MalformedRecordsError) orNil() error {
	if e == nil || len(e.IDs) == 0 {
		return nil
	}
	return e
}
