package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kalambet/frontdesk/internal/metrics"
	"github.com/kalambet/frontdesk/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type received struct {
	Path string
	Body map[string]any
}

type sink struct {
	mu     sync.Mutex
	got    []received
	status int
}

func newSink(t *testing.T, status int) (*sink, *httptest.Server) {
	t.Helper()
	s := &sink{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		json.Unmarshal(data, &body)
		s.mu.Lock()
		s.got = append(s.got, received{Path: r.URL.Path, Body: body})
		s.mu.Unlock()
		w.WriteHeader(s.status)
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *sink) all() []received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]received(nil), s.got...)
}

func sampleRequest() storage.HelpRequest {
	return storage.HelpRequest{
		ID:        "req-1",
		Status:    storage.StatusPending,
		CreatedAt: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		Caller:    json.RawMessage(`{"phone":"+15550100"}`),
		Question:  "do you have parking",
	}
}

func TestCallerMessage(t *testing.T) {
	assert.Equal(t, "Update to your question (request r1): Yes, free parking", CallerMessage("r1", "Yes, free parking"))
	assert.Equal(t, "Update to your question (request r1): No answer provided.", CallerMessage("r1", ""))
}

func TestClient_Post(t *testing.T) {
	s, srv := newSink(t, http.StatusOK)
	c := NewClient(time.Second)

	require.NoError(t, c.Post(context.Background(), srv.URL+"/hook", []byte(`{"a":1}`)))
	got := s.all()
	require.Len(t, got, 1)
	assert.Equal(t, "/hook", got[0].Path)
	assert.Equal(t, 1.0, got[0].Body["a"])
}

func TestClient_PostNon2xx(t *testing.T) {
	_, srv := newSink(t, http.StatusBadGateway)
	err := NewClient(time.Second).Post(context.Background(), srv.URL, []byte(`{}`))
	var se *StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusBadGateway, se.Code)
}

func TestClient_PostTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	start := time.Now()
	err := NewClient(50*time.Millisecond).Post(context.Background(), srv.URL, []byte(`{}`))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestOutbox_HelpRequested(t *testing.T) {
	store := openTestStore(t)
	o := NewOutbox(store, OutboxConfig{SupervisorURL: "http://sup.example/hook"})

	require.NoError(t, o.HelpRequested(context.Background(), sampleRequest()))

	jobs, err := store.ListJobsByType(JobSupervisor)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 3, jobs[0].MaxAttempts)

	var p jobPayload
	require.NoError(t, json.Unmarshal([]byte(jobs[0].PayloadJSON), &p))
	assert.Equal(t, "http://sup.example/hook", p.URL)
	assert.JSONEq(t, `{
		"type": "help_request",
		"request_id": "req-1",
		"question": "do you have parking",
		"caller": {"phone": "+15550100"},
		"created_at": "2026-03-01T09:30:00Z"
	}`, string(p.Body))
}

func TestOutbox_CallerUpdate(t *testing.T) {
	store := openTestStore(t)
	o := NewOutbox(store, OutboxConfig{SupervisorURL: "http://sup.example/hook", CallerURL: "http://sms.example/send", MaxAttempts: 1})
	o.now = func() time.Time { return time.Date(2026, 3, 1, 9, 31, 0, 0, time.UTC) }

	require.NoError(t, o.CallerUpdate(context.Background(), sampleRequest(), "Yes, free parking"))

	jobs, err := store.ListJobsByType(JobCaller)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].MaxAttempts)

	var p jobPayload
	require.NoError(t, json.Unmarshal([]byte(jobs[0].PayloadJSON), &p))
	assert.Equal(t, "http://sms.example/send", p.URL)
	assert.JSONEq(t, `{
		"to": {"phone": "+15550100"},
		"message": "Update to your question (request req-1): Yes, free parking",
		"request_id": "req-1",
		"ts": "2026-03-01T09:31:00Z"
	}`, string(p.Body))
}

func TestOutbox_CallerURLDefaultsToSupervisorURL(t *testing.T) {
	store := openTestStore(t)
	o := NewOutbox(store, OutboxConfig{SupervisorURL: "http://sup.example/hook"})
	require.NoError(t, o.CallerUpdate(context.Background(), sampleRequest(), ""))

	jobs, err := store.ListJobsByType(JobCaller)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	var p jobPayload
	require.NoError(t, json.Unmarshal([]byte(jobs[0].PayloadJSON), &p))
	assert.Equal(t, "http://sup.example/hook", p.URL)
}

type failingEnqueuer struct{}

func (failingEnqueuer) EnqueueJob(storage.Job) error { return errors.New("database is locked") }

func TestOutbox_EnqueueError(t *testing.T) {
	o := NewOutbox(failingEnqueuer{}, OutboxConfig{SupervisorURL: "http://x"})
	assert.Error(t, o.HelpRequested(context.Background(), sampleRequest()))
}

func TestWorker_Delivers(t *testing.T) {
	store := openTestStore(t)
	s, srv := newSink(t, http.StatusOK)
	m := metrics.New()

	o := NewOutbox(store, OutboxConfig{SupervisorURL: srv.URL + "/simulate_notification"})
	require.NoError(t, o.HelpRequested(context.Background(), sampleRequest()))
	require.NoError(t, o.CallerUpdate(context.Background(), sampleRequest(), "Yes, free parking"))

	w := NewWorker(store, NewClient(time.Second), m, 0)
	for range 2 {
		did, err := w.RunOnce(context.Background())
		require.NoError(t, err)
		require.True(t, did)
	}
	did, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, did, "queue should be drained")

	got := s.all()
	require.Len(t, got, 2)
	assert.Equal(t, "help_request", got[0].Body["type"])
	assert.Contains(t, got[1].Body["message"], "Yes, free parking")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("supervisor", "delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("caller", "delivered")))
}

func TestWorker_DropsAfterMaxAttempts(t *testing.T) {
	store := openTestStore(t)
	_, srv := newSink(t, http.StatusInternalServerError)
	m := metrics.New()

	o := NewOutbox(store, OutboxConfig{SupervisorURL: srv.URL, MaxAttempts: 1})
	require.NoError(t, o.CallerUpdate(context.Background(), sampleRequest(), "x"))

	w := NewWorker(store, NewClient(time.Second), m, 0)
	did, err := w.RunOnce(context.Background())
	require.NoError(t, err, "delivery failures are not worker errors")
	assert.True(t, did)

	jobs, err := store.ListJobsByType(JobCaller)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "failed", jobs[0].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("caller", "dropped")))
}

func TestWorker_RetriesWithBackoff(t *testing.T) {
	store := openTestStore(t)
	_, srv := newSink(t, http.StatusServiceUnavailable)
	m := metrics.New()

	o := NewOutbox(store, OutboxConfig{SupervisorURL: srv.URL, MaxAttempts: 3})
	require.NoError(t, o.HelpRequested(context.Background(), sampleRequest()))

	w := NewWorker(store, NewClient(time.Second), m, 0)
	did, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, did)

	did, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, did, "retry is scheduled in the future")

	jobs, err := store.ListJobsByType(JobSupervisor)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "pending", jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("supervisor", "retry")))
}

func TestWorker_BadPayloadIsFailedNotFatal(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.EnqueueJob(storage.Job{ID: "bad", Type: JobCaller, PayloadJSON: "{", MaxAttempts: 1}))

	w := NewWorker(store, NewClient(time.Second), nil, 0)
	did, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, did)

	job, err := store.GetJob("bad")
	require.NoError(t, err)
	assert.Equal(t, "failed", job.Status)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, NewClient(time.Second), nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWorker_RedeliversAfterRestart(t *testing.T) {
	dir := t.TempDir()
	s, srv := newSink(t, http.StatusOK)

	store, err := storage.Open(dir)
	require.NoError(t, err)
	o := NewOutbox(store, OutboxConfig{SupervisorURL: srv.URL})
	require.NoError(t, o.HelpRequested(context.Background(), sampleRequest()))
	claimed, err := store.ClaimNextJob(jobTypes)
	require.NoError(t, err)
	require.NotNil(t, claimed, "job claimed, then the process stops before delivering")
	require.NoError(t, store.Close())

	store, err = storage.Open(dir)
	require.NoError(t, err)
	defer store.Close()

	w := NewWorker(store, NewClient(time.Second), metrics.New(), 0)
	did, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, did)

	got := s.all()
	require.Len(t, got, 1)
	assert.Equal(t, "help_request", got[0].Body["type"])
}
