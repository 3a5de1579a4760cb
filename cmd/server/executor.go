package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"agentmesh/internal/common"
	"agentmesh/internal/domain/entities"
)

// httpTaskExecutor dispatches tasks to the integrator's worker gateway. The
// gateway owns the actual execution protocol (container exec, stdio, REPL);
// this side only speaks request/response JSON.
type httpTaskExecutor struct {
	endpoint string
	client   *http.Client
	logger   common.Logger

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
}

func newHTTPTaskExecutor(endpoint string, logger common.Logger) *httpTaskExecutor {
	return &httpTaskExecutor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Minute},
		logger:   logger,
		inFlight: make(map[string]context.CancelFunc),
	}
}

type executeRequest struct {
	AgentID string         `json:"agent_id"`
	Task    *entities.Task `json:"task"`
}

type executeResponse struct {
	Result map[string]interface{} `json:"result"`
	Error  string                 `json:"error,omitempty"`
}

// Execute blocks until the gateway reports the attempt's outcome
func (e *httpTaskExecutor) Execute(ctx context.Context, agentID string, task *entities.Task) (map[string]interface{}, error) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.inFlight[task.ID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.inFlight, task.ID)
		e.mu.Unlock()
	}()

	body, err := json.Marshal(&executeRequest{AgentID: agentID, Task: task})
	if err != nil {
		return nil, fmt.Errorf("failed to encode task %q: %w", task.ID, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := e.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("task dispatch failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker gateway returned status %d for task %q", response.StatusCode, task.ID)
	}
	decoded := &executeResponse{}
	if err := json.NewDecoder(response.Body).Decode(decoded); err != nil {
		return nil, fmt.Errorf("failed to decode result for task %q: %w", task.ID, err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("task %q failed on agent %q: %s", task.ID, agentID, decoded.Error)
	}
	return decoded.Result, nil
}

// Cancel aborts an in-flight dispatch
func (e *httpTaskExecutor) Cancel(ctx context.Context, taskID string) error {
	e.mu.Lock()
	cancel, ok := e.inFlight[taskID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %q is not in flight", taskID)
	}
	cancel()
	return nil
}
