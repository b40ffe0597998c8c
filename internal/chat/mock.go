package chat

import (
	"context"
	"strings"
)

// Mock is the local-development orchestrator. It answers every message
// with a canned routing so the engine can run without the real service.
type Mock struct {
	// Reply overrides the canned answer when set.
	Reply func(req Request) Response
}

// NewMock returns a Mock with the default canned routing.
func NewMock() *Mock { return &Mock{} }

func (m *Mock) Chat(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if m.Reply != nil {
		return m.Reply(req), nil
	}
	return Response{
		Success: true,
		Agent:   routeAgent(req.Message),
		Message: "I heard: " + req.Message,
	}, nil
}

func routeAgent(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "bank"), strings.Contains(lower, "money"), strings.Contains(lower, "pay"):
		return "finance-guide"
	case strings.Contains(lower, "doctor"), strings.Contains(lower, "health"), strings.Contains(lower, "nhs"):
		return "health-guide"
	default:
		return "digital-guide"
	}
}
