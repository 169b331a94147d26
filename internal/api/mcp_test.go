package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/frontdesk/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *testApp) {
	t.Helper()
	app := setupApp(t, "")
	return MCPDeps{Lifecycle: app.ctrl, Version: "test"}, app
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_AskSupervisor_Escalates(t *testing.T) {
	deps, app := newTestMCPDeps(t)
	handler := mcpAskSupervisor(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask_supervisor", map[string]interface{}{
		"question": " do you sell gift cards ",
		"caller":   `{"session":"abc"}`,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var resp WebhookResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if resp.Status != "escalated" || resp.RequestID == "" {
		t.Fatalf("response = %+v", resp)
	}

	hr, err := app.store.GetHelpRequest(resp.RequestID)
	if err != nil {
		t.Fatalf("GetHelpRequest: %v", err)
	}
	if hr.Question != "do you sell gift cards" {
		t.Errorf("question = %q", hr.Question)
	}
	if string(hr.Caller) != `{"session":"abc"}` {
		t.Errorf("caller = %s", hr.Caller)
	}
}

func TestMCPTool_AskSupervisor_Answers(t *testing.T) {
	deps, app := newTestMCPDeps(t)
	id := app.escalate(t, "do you sell gift cards")
	if _, err := app.ctrl.Resolve(context.Background(), id, "Yes, at the front desk", true); err != nil {
		t.Fatal(err)
	}

	result, err := mcpAskSupervisor(deps)(context.Background(), makeCallToolRequest("ask_supervisor", map[string]interface{}{
		"question": "Do you sell gift cards online?",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(toolText(t, result), `"status":"answered"`) {
		t.Errorf("result = %s", toolText(t, result))
	}
}

func TestMCPTool_AskSupervisor_Validation(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpAskSupervisor(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask_supervisor", map[string]interface{}{}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("expected error for missing question")
	}

	result, err = handler(context.Background(), makeCallToolRequest("ask_supervisor", map[string]interface{}{
		"question": "q",
		"caller":   "{not json",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("expected error for invalid caller JSON")
	}
}

func TestMCPTool_RequestStatus(t *testing.T) {
	deps, app := newTestMCPDeps(t)
	id := app.escalate(t, "are dogs allowed")
	handler := mcpRequestStatus(deps)

	result, err := handler(context.Background(), makeCallToolRequest("request_status", map[string]interface{}{"request_id": id}))
	if err != nil {
		t.Fatal(err)
	}
	var hr storage.HelpRequest
	if err := json.Unmarshal([]byte(toolText(t, result)), &hr); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if hr.ID != id || hr.Status != storage.StatusPending {
		t.Errorf("request = %+v", hr)
	}

	result, err = handler(context.Background(), makeCallToolRequest("request_status", map[string]interface{}{"request_id": "missing"}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("expected not-found tool error, got %s", toolText(t, result))
	}
}

func TestMCPTool_ListLearned(t *testing.T) {
	deps, app := newTestMCPDeps(t)
	handler := mcpListLearned(deps)

	result, err := handler(context.Background(), makeCallToolRequest("list_learned", map[string]interface{}{}))
	if err != nil {
		t.Fatal(err)
	}
	if toolText(t, result) != "[]" {
		t.Errorf("empty store: got %s", toolText(t, result))
	}

	for _, q := range []string{"alpha question", "beta question", "gamma question"} {
		id := app.escalate(t, q)
		if _, err := app.ctrl.Resolve(context.Background(), id, "answer to "+q, true); err != nil {
			t.Fatal(err)
		}
	}

	result, err = handler(context.Background(), makeCallToolRequest("list_learned", map[string]interface{}{"limit": float64(2)}))
	if err != nil {
		t.Fatal(err)
	}
	var entries []storage.KnowledgeEntry
	if err := json.Unmarshal([]byte(toolText(t, result)), &entries); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("len(entries) = %d, want 2", len(entries))
	}
}

func TestMCPResource_Pending(t *testing.T) {
	deps, app := newTestMCPDeps(t)
	open := app.escalate(t, "still waiting")
	done := app.escalate(t, "already handled")
	if _, err := app.ctrl.Resolve(context.Background(), done, "ok", false); err != nil {
		t.Fatal(err)
	}

	contents, err := mcpResourcePending(deps)(context.Background(), makeReadResourceRequest("frontdesk://pending"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("len(contents) = %d, want 1", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if tc.URI != "frontdesk://pending" || tc.MIMEType != "application/json" {
		t.Errorf("contents = %+v", tc)
	}

	var pending []storage.HelpRequest
	if err := json.Unmarshal([]byte(tc.Text), &pending); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != open {
		t.Errorf("pending = %+v", pending)
	}
}
