package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jkaninda/jenga/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestComplete_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify request structure.
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("expected X-API-Key test-key, got %q", r.Header.Get("X-API-Key"))
		}
		if r.Header.Get("Anthropic-Version") != apiVersion {
			t.Errorf("expected version header %q, got %q", apiVersion, r.Header.Get("Anthropic-Version"))
		}

		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if req.Model != "claude-test" {
			t.Errorf("expected model claude-test, got %q", req.Model)
		}
		if req.System != "You are a build agent." {
			t.Errorf("unexpected system prompt %q", req.System)
		}
		if req.MaxTokens != defaultMaxToken {
			t.Errorf("expected default max tokens %d, got %d", defaultMaxToken, req.MaxTokens)
		}

		resp := apiResponse{
			Content:    []apiContentBlock{{Type: "text", Text: "Hello!"}},
			StopReason: "end_turn",
			Usage:      apiUsage{InputTokens: 10, OutputTokens: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient("test-key", "claude-test", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.Complete(context.Background(), &llm.Request{
		System:   "You are a build agent.",
		Messages: []llm.Message{llm.UserText("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello!" {
		t.Errorf("expected text Hello!, got %q", resp.Text())
	}
	if resp.StopReason != llm.StopEndTurn {
		t.Errorf("expected stop reason end_turn, got %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestComplete_ToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}

		// Verify tools are sent.
		if len(req.Tools) != 1 {
			t.Fatalf("expected 1 tool, got %d", len(req.Tools))
		}
		if req.Tools[0].Name != "run_command" {
			t.Errorf("expected tool run_command, got %q", req.Tools[0].Name)
		}

		resp := apiResponse{
			Content: []apiContentBlock{{
				Type:  "tool_use",
				ID:    "toolu_123",
				Name:  "run_command",
				Input: map[string]any{"command": "ls -la"},
			}},
			StopReason: "tool_use",
			Usage:      apiUsage{InputTokens: 20, OutputTokens: 15},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient("test-key", "claude-test", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.Complete(context.Background(), &llm.Request{
		Messages: []llm.Message{llm.UserText("list files")},
		Tools: []llm.ToolDefinition{{
			Name:        "run_command",
			Description: "Execute a shell command",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StopReason != llm.StopToolUse {
		t.Errorf("expected stop reason tool_use, got %q", resp.StopReason)
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if calls[0].ID != "toolu_123" || calls[0].Name != "run_command" {
		t.Errorf("unexpected tool call: %+v", calls[0])
	}
	if calls[0].Input["command"] != "ls -la" {
		t.Errorf("unexpected tool input: %+v", calls[0].Input)
	}
}

func TestComplete_ToolResultRoundTrip(t *testing.T) {
	var capturedReq apiRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&capturedReq); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		resp := apiResponse{
			Content:    []apiContentBlock{{Type: "text", Text: "Done."}},
			StopReason: "end_turn",
			Usage:      apiUsage{InputTokens: 30, OutputTokens: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewClient("test-key", "claude-test", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.Complete(context.Background(), &llm.Request{
		Messages: []llm.Message{
			llm.UserText("list files"),
			{
				Role: llm.RoleAssistant,
				Blocks: []llm.Block{
					llm.ToolUse("toolu_1", "run_command", map[string]any{"command": "ls"}),
				},
			},
			{
				Role: llm.RoleUser,
				Blocks: []llm.Block{
					llm.ToolResult("toolu_1", "file1.txt\nfile2.txt", false),
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(capturedReq.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(capturedReq.Messages))
	}

	// Assistant turn carries the tool_use block.
	assistant := capturedReq.Messages[1]
	if assistant.Role != "assistant" {
		t.Errorf("expected assistant role, got %q", assistant.Role)
	}
	if len(assistant.Content) != 1 || assistant.Content[0].Type != "tool_use" {
		t.Fatalf("unexpected assistant content: %+v", assistant.Content)
	}

	// Tool results go back as user content blocks.
	result := capturedReq.Messages[2]
	if result.Role != "user" {
		t.Errorf("expected user role, got %q", result.Role)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "tool_result" {
		t.Fatalf("unexpected result content: %+v", result.Content)
	}
	if result.Content[0].ToolUseID != "toolu_1" {
		t.Errorf("expected tool_use_id toolu_1, got %q", result.Content[0].ToolUseID)
	}
}

func TestComplete_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"rate limit exceeded"}}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", "claude-test", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.Complete(context.Background(), &llm.Request{
		Messages: []llm.Message{llm.UserText("Hi")},
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}
