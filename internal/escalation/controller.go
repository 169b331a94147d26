// Package escalation implements the help request lifecycle: an inbound
// question is either answered from learned knowledge or escalated to a
// supervisor; an escalated request ends exactly once, resolved by the
// supervisor or expired by the timeout sweeper, and resolved answers are
// learned for reuse.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/frontdesk/internal/knowledge"
	"github.com/kalambet/frontdesk/internal/metrics"
	"github.com/kalambet/frontdesk/internal/storage"
)

var (
	// ErrNotFound is returned for an unknown request id.
	ErrNotFound = fmt.Errorf("help request %w", storage.ErrNotFound)
	// ErrAlreadyResolved is returned when the request has already left Pending.
	ErrAlreadyResolved = fmt.Errorf("help request already resolved: %w", storage.ErrNotPending)
)

const (
	// AcknowledgeMessage is spoken to the caller when a question is escalated.
	AcknowledgeMessage = "Let me check with my supervisor and get back to you."
	// TimeoutMessage is sent to the caller when nobody answered in time.
	TimeoutMessage = "Sorry, we couldn't get an answer in time. We'll follow up soon."
)

// RequestStore is the durable home of help requests.
type RequestStore interface {
	CreateHelpRequest(hr storage.HelpRequest) error
	GetHelpRequest(id string) (storage.HelpRequest, error)
	ListHelpRequests() ([]storage.HelpRequest, error)
	ResolveHelpRequest(id string, res storage.Resolution) (storage.HelpRequest, error)
}

// KnowledgeStore is the durable home of learned answers.
type KnowledgeStore interface {
	PutKnowledge(entry storage.KnowledgeEntry) error
	ListKnowledge() ([]storage.KnowledgeEntry, error)
}

// Notifier is the best-effort side channel. Errors are logged by the
// controller and never affect the outcome of an operation.
type Notifier interface {
	HelpRequested(ctx context.Context, hr storage.HelpRequest) error
	CallerUpdate(ctx context.Context, hr storage.HelpRequest, answer string) error
}

// Outcome is the result of HandleInbound. Exactly one of Answer or RequestID is set.
type Outcome struct {
	Answered  bool
	Answer    string
	RequestID string
	Message   string
}

// Deps holds the controller's collaborators. Metrics and Now are optional.
type Deps struct {
	Requests  RequestStore
	Knowledge KnowledgeStore
	Matcher   knowledge.Matcher
	Notifier  Notifier
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Controller orchestrates the help request lifecycle.
type Controller struct {
	requests  RequestStore
	knowledge KnowledgeStore
	matcher   knowledge.Matcher
	notifier  Notifier
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// NewController creates a Controller.
func NewController(deps Deps) *Controller {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Controller{
		requests:  deps.Requests,
		knowledge: deps.Knowledge,
		matcher:   deps.Matcher,
		notifier:  deps.Notifier,
		metrics:   m,
		now:       now,
		logger:    slog.Default(),
	}
}

// HandleInbound answers question from learned knowledge when possible and
// otherwise escalates it as a new Pending help request.
func (c *Controller) HandleInbound(ctx context.Context, caller json.RawMessage, question string) (Outcome, error) {
	answer, ok, err := c.matcher.Match(ctx, question)
	if err != nil {
		return Outcome{}, fmt.Errorf("matching knowledge: %w", err)
	}
	if ok {
		c.metrics.KnowledgeHits.Inc()
		c.logger.Info("answered from knowledge", "question", question)
		return Outcome{Answered: true, Answer: answer}, nil
	}

	hr := storage.HelpRequest{
		ID:        uuid.New().String(),
		Status:    storage.StatusPending,
		CreatedAt: c.now().UTC(),
		Caller:    caller,
		Question:  question,
	}
	if err := c.requests.CreateHelpRequest(hr); err != nil {
		return Outcome{}, fmt.Errorf("creating help request: %w", err)
	}
	c.metrics.Escalations.Inc()
	c.logger.Info("escalated to supervisor", "request_id", hr.ID, "question", question)

	if err := c.notifier.HelpRequested(ctx, hr); err != nil {
		c.logger.Warn("supervisor notification failed", "request_id", hr.ID, "error", err)
	}

	return Outcome{RequestID: hr.ID, Message: AcknowledgeMessage}, nil
}

// Resolve records the supervisor's decision for a pending request. When
// resolved is true and answer is non-empty the answer is learned. The caller
// is notified either way.
func (c *Controller) Resolve(ctx context.Context, id, answer string, resolved bool) (storage.HelpRequest, error) {
	status := storage.StatusUnresolved
	if resolved {
		status = storage.StatusResolved
	}
	return c.finish(ctx, id, storage.Resolution{
		Status:     status,
		Answer:     answer,
		ResolvedBy: storage.ResolvedBySupervisor,
		ResolvedAt: c.now().UTC(),
	})
}

// Expire closes a pending request that nobody answered in time.
func (c *Controller) Expire(ctx context.Context, id string) (storage.HelpRequest, error) {
	return c.finish(ctx, id, storage.Resolution{
		Status:     storage.StatusUnresolved,
		Answer:     TimeoutMessage,
		ResolvedBy: storage.ResolvedByTimeout,
		ResolvedAt: c.now().UTC(),
	})
}

// finish runs the terminal transition in its fixed order: the conditional
// request update (authoritative, errors returned), then the knowledge write
// and the caller notification (both best-effort, logged only). A crash
// between the steps leaves a terminal request without learned knowledge or
// notification.
func (c *Controller) finish(ctx context.Context, id string, res storage.Resolution) (storage.HelpRequest, error) {
	hr, err := c.requests.ResolveHelpRequest(id, res)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return storage.HelpRequest{}, ErrNotFound
	case errors.Is(err, storage.ErrNotPending):
		c.metrics.ResolveConflicts.Inc()
		return storage.HelpRequest{}, ErrAlreadyResolved
	case err != nil:
		return storage.HelpRequest{}, fmt.Errorf("resolving help request %s: %w", id, err)
	}

	c.metrics.Resolutions.WithLabelValues(string(hr.Status), res.ResolvedBy).Inc()
	c.metrics.TimeToResolution.WithLabelValues(res.ResolvedBy).Observe(res.ResolvedAt.Sub(hr.CreatedAt).Seconds())
	c.logger.Info("help request closed", "request_id", id, "status", hr.Status, "resolved_by", res.ResolvedBy)

	if res.Status == storage.StatusResolved && res.Answer != "" {
		c.learn(hr, res)
	}

	if err := c.notifier.CallerUpdate(ctx, hr, res.Answer); err != nil {
		c.logger.Warn("caller notification failed", "request_id", id, "error", err)
	}
	return hr, nil
}

func (c *Controller) learn(hr storage.HelpRequest, res storage.Resolution) {
	entry := storage.KnowledgeEntry{
		Key:           knowledge.Key(hr.ID),
		Question:      hr.Question,
		Answer:        res.Answer,
		CreatedAt:     res.ResolvedAt,
		SourceRequest: hr.ID,
	}
	if err := c.knowledge.PutKnowledge(entry); err != nil {
		c.metrics.KnowledgeWriteErrors.Inc()
		c.logger.Error("learning answer failed", "request_id", hr.ID, "error", err)
	}
}

// Get returns a single help request.
func (c *Controller) Get(ctx context.Context, id string) (storage.HelpRequest, error) {
	hr, err := c.requests.GetHelpRequest(id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.HelpRequest{}, ErrNotFound
	}
	return hr, err
}

// List returns every help request, newest first. Records that cannot be
// decoded are left out and logged.
func (c *Controller) List(ctx context.Context) ([]storage.HelpRequest, error) {
	list, err := c.requests.ListHelpRequests()
	var malformed *storage.MalformedRecordsError
	if errors.As(err, &malformed) {
		c.logger.Warn("skipping malformed help requests", "ids", malformed.IDs)
		return list, nil
	}
	return list, err
}

// Knowledge returns every learned entry.
func (c *Controller) Knowledge(ctx context.Context) ([]storage.KnowledgeEntry, error) {
	entries, err := c.knowledge.ListKnowledge()
	var malformed *storage.MalformedRecordsError
	if errors.As(err, &malformed) {
		c.logger.Warn("knowledge entries with malformed fields", "ids", malformed.IDs)
		return entries, nil
	}
	return entries, err
}
