package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// LogExecutor records each run without side effects. Used when no wake
// endpoint is configured, so heartbeats still advance their schedule.
type LogExecutor struct{}

func (LogExecutor) Execute(_ context.Context, req Request) (map[string]int64, error) {
	log.Printf("heartbeat %s/%s: %d checklist bytes, no executor configured", req.UserID, req.AgentID, len(req.Checklist))
	return nil, nil
}

// WebhookExecutor wakes the agent process by POSTing the heartbeat request
// to an HTTP endpoint. A non-2xx response counts as a failed run.
type WebhookExecutor struct {
	URL    string
	client *http.Client
}

// NewWebhookExecutor creates an executor targeting the given URL.
func NewWebhookExecutor(url string) *WebhookExecutor {
	return &WebhookExecutor{
		URL:    url,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (w *WebhookExecutor) Execute(ctx context.Context, req Request) (map[string]int64, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal heartbeat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", w.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create heartbeat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("wake agent: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read wake response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("wake agent status %d: %s", resp.StatusCode, respBody)
	}

	// The agent may report which checks it completed.
	var result struct {
		Checks map[string]int64 `json:"checks"`
	}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			// A non-JSON 2xx body still counts as success.
			return nil, nil
		}
	}
	return result.Checks, nil
}
