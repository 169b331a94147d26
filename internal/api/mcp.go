package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/frontdesk/internal/escalation"
	"github.com/kalambet/frontdesk/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Lifecycle Lifecycle
	Version   string
}

// NewMCPServer creates an MCP server exposing the escalation lifecycle to a
// voice or chat agent.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"frontdesk",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("frontdesk answers caller questions from learned knowledge and escalates the rest to a human supervisor."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("ask_supervisor",
			mcp.WithDescription("Answer a caller's question from learned knowledge, or escalate it to a supervisor and return the request id."),
			mcp.WithString("question", mcp.Description("The caller's question"), mcp.Required()),
			mcp.WithString("caller", mcp.Description("Optional JSON object identifying the caller, e.g. {\"phone\":\"+15550100\"}")),
		),
		mcpAskSupervisor(deps),
	)

	s.AddTool(
		mcp.NewTool("request_status",
			mcp.WithDescription("Look up an escalated help request by id."),
			mcp.WithString("request_id", mcp.Description("Help request id returned by ask_supervisor"), mcp.Required()),
		),
		mcpRequestStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("list_learned",
			mcp.WithDescription("List answers learned from resolved help requests."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 20)")),
		),
		mcpListLearned(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"frontdesk://pending",
			"Pending help requests",
			mcp.WithResourceDescription("Help requests still waiting for a supervisor, newest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePending(deps),
	)

	return s
}

func mcpAskSupervisor(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		question = strings.TrimSpace(question)

		caller := json.RawMessage(`{}`)
		if raw := strings.TrimSpace(req.GetString("caller", "")); raw != "" {
			if !json.Valid([]byte(raw)) {
				return mcpError("caller must be valid JSON"), nil
			}
			caller = json.RawMessage(raw)
		}

		out, err := deps.Lifecycle.HandleInbound(ctx, caller, question)
		if err != nil {
			return mcpError(fmt.Sprintf("handling question failed: %v", err)), nil
		}

		b, err := json.Marshal(toWebhookResponse(out))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRequestStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("request_id")
		if err != nil {
			return mcpError("request_id is required"), nil
		}

		hr, err := deps.Lifecycle.Get(ctx, id)
		if errors.Is(err, escalation.ErrNotFound) {
			return mcpError(fmt.Sprintf("help request %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}

		b, err := json.Marshal(hr)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal request: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListLearned(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		entries, err := deps.Lifecycle.Knowledge(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("listing knowledge failed: %v", err)), nil
		}
		if len(entries) > limit {
			entries = entries[:limit]
		}
		if len(entries) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal entries: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourcePending(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		list, err := deps.Lifecycle.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list help requests: %w", err)
		}

		pending := []storage.HelpRequest{}
		for _, hr := range list {
			if hr.Status == storage.StatusPending {
				pending = append(pending, hr)
			}
		}

		b, err := json.Marshal(pending)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pending requests: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
