// Package chat talks to the external agent-orchestration collaborator.
// The engine hands it plain transcribed or typed text and takes back the
// routed agent's textual reply; it never inspects orchestration internals.
package chat

import (
	"context"
	"fmt"
	"strings"
)

// HistoryEntry is one prior turn passed along for context.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one routed chat call.
type Request struct {
	UserID  string         `json:"userId"`
	Message string         `json:"message"`
	AgentID string         `json:"agentId,omitempty"`
	History []HistoryEntry `json:"conversationHistory,omitempty"`
}

// Response is the orchestrator's reply.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Agent   string `json:"agent"`
	Error   string `json:"error,omitempty"`
}

// Client routes a user message to a domain agent and returns its reply.
type Client interface {
	Chat(ctx context.Context, req Request) (Response, error)
}

// Config selects and configures a client implementation.
type Config struct {
	// URL of the orchestration endpoint; empty selects the mock.
	URL    string
	APIKey string
}

// New builds an HTTP client when a URL is configured, otherwise a mock
// suitable for local development.
func New(cfg Config) (Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return NewMock(), nil
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("chat orchestrator URL must be http(s), got %q", url)
	}
	return NewHTTPClient(url, cfg.APIKey), nil
}
