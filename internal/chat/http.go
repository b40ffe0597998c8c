package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/smartlyte-ai/voicekit/internal/reliability"
)

// HTTPClient calls a remote orchestration service over JSON/HTTP.
type HTTPClient struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPClient returns a client for the orchestrator at url.
func NewHTTPClient(url, apiKey string) *HTTPClient {
	return &HTTPClient{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) Chat(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, reliability.NewError(reliability.KindNetwork, "chat orchestrator unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, reliability.NewError(reliability.KindNetwork, "read chat response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := reliability.KindForHTTPStatus(resp.StatusCode)
		return Response{}, reliability.NewError(kind, fmt.Sprintf("chat orchestrator returned %d", resp.StatusCode), nil)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, reliability.NewError(reliability.KindAPI, "decode chat response", err)
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "chat orchestrator reported failure"
		}
		return Response{}, reliability.NewError(reliability.KindAPI, msg, nil)
	}
	return out, nil
}
