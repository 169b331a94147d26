package api

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/kalambet/frontdesk/internal/knowledge"
	"github.com/kalambet/frontdesk/internal/storage"
)

func (a *testApp) postForm(path string, form url.Values, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func (a *testApp) getWithCookies(path string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func flashFrom(rr *httptest.ResponseRecorder) []*http.Cookie {
	var out []*http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == flashCookie && c.MaxAge > 0 {
			out = append(out, c)
		}
	}
	return out
}

func TestSupervisorIndex_NewestFirst(t *testing.T) {
	app := setupApp(t, "")
	app.escalate(t, "first question about hours")
	app.escalate(t, "second question about prices")

	rr := app.do(http.MethodGet, "/supervisor", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	first := strings.Index(body, "first question about hours")
	second := strings.Index(body, "second question about prices")
	if first < 0 || second < 0 {
		t.Fatalf("listing is missing requests:\n%s", body)
	}
	if second > first {
		t.Errorf("expected newest request first")
	}
}

func TestSupervisorIndex_EscapesQuestion(t *testing.T) {
	app := setupApp(t, "")
	app.escalate(t, "<script>alert(1)</script>")

	rr := app.do(http.MethodGet, "/supervisor", "", "")
	if strings.Contains(rr.Body.String(), "<script>alert(1)</script>") {
		t.Error("question rendered without escaping")
	}
}

func TestRequestDetail(t *testing.T) {
	app := setupApp(t, "")
	id := app.escalate(t, "do you do nails")

	rr := app.do(http.MethodGet, "/request/"+id, "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "do you do nails") {
		t.Error("detail page missing question")
	}
	if !strings.Contains(body, `action="/request/`+id+`/resolve"`) {
		t.Error("pending request should show the resolve form")
	}
}

func TestRequestDetail_NotFoundFlashes(t *testing.T) {
	app := setupApp(t, "")

	rr := app.do(http.MethodGet, "/request/nope", "", "")
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "/supervisor" {
		t.Errorf("Location = %q", loc)
	}

	cookies := flashFrom(rr)
	if len(cookies) != 1 {
		t.Fatalf("expected a flash cookie, got %v", rr.Result().Cookies())
	}
	page := app.getWithCookies("/supervisor", cookies)
	if !strings.Contains(page.Body.String(), "Request not found") {
		t.Errorf("flash not rendered:\n%s", page.Body.String())
	}

	// The flash is cleared once shown.
	var cleared bool
	for _, c := range page.Result().Cookies() {
		if c.Name == flashCookie && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Error("flash cookie was not cleared")
	}
}

func TestResolveForm_ResolvedLearnsAnswer(t *testing.T) {
	app := setupApp(t, "")
	id := app.escalate(t, "do you have parking")

	rr := app.postForm("/request/"+id+"/resolve", url.Values{"answer": {"  Yes, free parking  "}})
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rr.Code)
	}

	hr, err := app.store.GetHelpRequest(id)
	if err != nil {
		t.Fatal(err)
	}
	if hr.Status != storage.StatusResolved || hr.SupervisorAnswer != "Yes, free parking" {
		t.Errorf("request = %+v, want Resolved with trimmed answer", hr)
	}
	if _, err := app.store.GetKnowledge(knowledge.Key(id)); err != nil {
		t.Errorf("knowledge not written: %v", err)
	}
	if got := app.notifier.caller[id]; got != "Yes, free parking" {
		t.Errorf("caller notified with %q", got)
	}

	page := app.getWithCookies("/supervisor", flashFrom(rr))
	if !strings.Contains(page.Body.String(), "Request updated and caller notified.") {
		t.Error("success flash not rendered")
	}

	learned := app.do(http.MethodGet, "/learned", "", "")
	if !strings.Contains(learned.Body.String(), "Yes, free parking") {
		t.Error("learned page missing entry")
	}
}

func TestResolveForm_Unresolved(t *testing.T) {
	app := setupApp(t, "")
	id := app.escalate(t, "do you do weddings")

	app.postForm("/request/"+id+"/resolve", url.Values{"answer": {"Not here"}, "resolved": {"false"}})

	hr, err := app.store.GetHelpRequest(id)
	if err != nil {
		t.Fatal(err)
	}
	if hr.Status != storage.StatusUnresolved {
		t.Errorf("status = %s, want Unresolved", hr.Status)
	}
	entries, err := app.store.ListKnowledge()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("unresolved request produced %d knowledge entries", len(entries))
	}
}

func TestResolveForm_UnknownAndAlreadyClosed(t *testing.T) {
	app := setupApp(t, "")

	rr := app.postForm("/request/ghost/resolve", url.Values{"answer": {"x"}})
	page := app.getWithCookies("/supervisor", flashFrom(rr))
	if !strings.Contains(page.Body.String(), "Request not found") {
		t.Error("not-found flash missing")
	}
	if len(app.notifier.caller) != 0 {
		t.Error("unknown request must not notify anyone")
	}

	id := app.escalate(t, "q")
	app.postForm("/request/"+id+"/resolve", url.Values{"answer": {"a"}})
	rr = app.postForm("/request/"+id+"/resolve", url.Values{"answer": {"b"}})
	page = app.getWithCookies("/supervisor", flashFrom(rr))
	if !strings.Contains(page.Body.String(), "already closed") {
		t.Error("conflict flash missing")
	}

	hr, err := app.store.GetHelpRequest(id)
	if err != nil {
		t.Fatal(err)
	}
	if hr.SupervisorAnswer != "a" {
		t.Errorf("answer = %q, second resolve must not overwrite", hr.SupervisorAnswer)
	}
}

func TestLearned_Empty(t *testing.T) {
	app := setupApp(t, "")
	rr := app.do(http.MethodGet, "/learned", "", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "Nothing learned yet.") {
		t.Errorf("GET /learned = %d\n%s", rr.Code, rr.Body.String())
	}
}
