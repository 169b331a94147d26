package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/frontdesk/internal/storage"
)

// JobEnqueuer is the part of the store the outbox writes to.
type JobEnqueuer interface {
	EnqueueJob(job storage.Job) error
}

// OutboxConfig configures where notifications go and how often delivery is tried.
type OutboxConfig struct {
	SupervisorURL string
	CallerURL     string // empty means SupervisorURL
	MaxAttempts   int    // <= 0 means 3
}

// Outbox queues notifications for the Worker.
type Outbox struct {
	store         JobEnqueuer
	supervisorURL string
	callerURL     string
	maxAttempts   int
	now           func() time.Time
}

// NewOutbox creates an Outbox writing to store.
func NewOutbox(store JobEnqueuer, cfg OutboxConfig) *Outbox {
	callerURL := cfg.CallerURL
	if callerURL == "" {
		callerURL = cfg.SupervisorURL
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Outbox{
		store:         store,
		supervisorURL: cfg.SupervisorURL,
		callerURL:     callerURL,
		maxAttempts:   maxAttempts,
		now:           time.Now,
	}
}

// HelpRequested queues a help_request notice for the supervisor channel.
func (o *Outbox) HelpRequested(ctx context.Context, hr storage.HelpRequest) error {
	return o.enqueue(JobSupervisor, o.supervisorURL, SupervisorNotice{
		Type:      "help_request",
		RequestID: hr.ID,
		Question:  hr.Question,
		Caller:    callerOrEmpty(hr.Caller),
		CreatedAt: hr.CreatedAt.UTC(),
	})
}

// CallerUpdate queues the outcome message for the caller of hr.
func (o *Outbox) CallerUpdate(ctx context.Context, hr storage.HelpRequest, answer string) error {
	return o.enqueue(JobCaller, o.callerURL, CallerNotice{
		To:        callerOrEmpty(hr.Caller),
		Message:   CallerMessage(hr.ID, answer),
		RequestID: hr.ID,
		TS:        o.now().UTC(),
	})
}

func (o *Outbox) enqueue(jobType, url string, notice any) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshaling %s notice: %w", kindOf(jobType), err)
	}
	payload, err := json.Marshal(jobPayload{URL: url, Body: body})
	if err != nil {
		return fmt.Errorf("marshaling job payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		PayloadJSON: string(payload),
		MaxAttempts: o.maxAttempts,
	}
	if err := o.store.EnqueueJob(job); err != nil {
		return fmt.Errorf("enqueueing %s notice: %w", kindOf(jobType), err)
	}
	return nil
}

func callerOrEmpty(caller json.RawMessage) json.RawMessage {
	if len(caller) == 0 {
		return json.RawMessage(`{}`)
	}
	return caller
}
