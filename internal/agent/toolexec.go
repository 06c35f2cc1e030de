package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/palaverhq/palaver/pkg/models"
)

// ToolExecutionResult is the outcome of one tool invocation. A failed
// tool is a normal result, not an error; transport failures are also
// folded in so the loop treats both identically.
type ToolExecutionResult struct {
	Success         bool   `json:"success"`
	Result          any    `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
}

// ToolExecutor invokes one tool call on behalf of a user.
type ToolExecutor interface {
	Execute(ctx context.Context, call models.ToolCall, accessToken string) *ToolExecutionResult
}

// ToolInfo describes one remotely-available tool.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// HTTPToolExecutorConfig points at the remote tools service.
type HTTPToolExecutorConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPToolExecutor calls the remote tools service over HTTP with the
// user's exchanged bearer token.
type HTTPToolExecutor struct {
	baseURL string
	client  *http.Client
}

// NewHTTPToolExecutor builds an executor for the tools service.
func NewHTTPToolExecutor(config HTTPToolExecutorConfig) *HTTPToolExecutor {
	client := config.HTTPClient
	if client == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPToolExecutor{baseURL: config.BaseURL, client: client}
}

type toolCallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type toolCallResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Execute POSTs the call to /api/agent/tools/call. A body-level
// {success:false} and a transport failure surface identically.
func (e *HTTPToolExecutor) Execute(ctx context.Context, call models.ToolCall, accessToken string) *ToolExecutionResult {
	start := time.Now()
	fail := func(msg string) *ToolExecutionResult {
		return &ToolExecutionResult{
			Success:         false,
			Error:           msg,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}
	}

	if accessToken == "" {
		return fail("Tool execution not available")
	}

	body, err := json.Marshal(toolCallRequest{Name: call.Name, Arguments: call.Input})
	if err != nil {
		return fail("encode tool call: " + err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/api/agent/tools/call", bytes.NewReader(body))
	if err != nil {
		return fail(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := e.client.Do(req)
	if err != nil {
		return fail("tools service unreachable: " + err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fail("read tools response: " + err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail(fmt.Sprintf("tools service returned %d", resp.StatusCode))
	}

	var decoded toolCallResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fail("decode tools response: " + err.Error())
	}
	if !decoded.Success {
		msg := decoded.Error
		if msg == "" {
			msg = "tool reported failure"
		}
		return fail(msg)
	}

	var result any
	if len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, &result); err != nil {
			result = string(decoded.Result)
		}
	}
	return &ToolExecutionResult{
		Success:         true,
		Result:          result,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
}

// ListTools fetches the remote tool catalog.
func (e *HTTPToolExecutor) ListTools(ctx context.Context, accessToken string) ([]ToolInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		e.baseURL+"/api/agent/tools", nil)
	if err != nil {
		return nil, err
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tools service unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tools service returned %d", resp.StatusCode)
	}

	var listing struct {
		Data []ToolInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode tool listing: %w", err)
	}
	return listing.Data, nil
}

// unavailableResult is returned when no executor or token is configured.
func unavailableResult() *ToolExecutionResult {
	return &ToolExecutionResult{Success: false, Error: "Tool execution not available"}
}
