package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beam-cloud/handoff/pkg/types"
)

// Part is one piece of a runtime response: text narrative or a tool call
type Part struct {
	Type  string    `json:"type"`
	Text  string    `json:"text,omitempty"`
	Tool  string    `json:"tool,omitempty"`
	State PartState `json:"state"`
}

type PartState struct {
	Status string `json:"status"`
}

// PromptInfo carries the runtime's usage accounting for one prompt
type PromptInfo struct {
	Tokens types.TokenUsage `json:"tokens"`
	Cost   float64          `json:"cost"`
}

// PromptResponse is the synchronous result of one prompt submission
type PromptResponse struct {
	Parts []Part     `json:"parts"`
	Info  PromptInfo `json:"info"`
	Error string     `json:"error,omitempty"`
}

// RuntimeClient is the in-sandbox task runtime's control API
type RuntimeClient interface {
	CreateSession(ctx context.Context, title string) (string, error)
	Prompt(ctx context.Context, sessionID, text string, mode types.AgentMode) (*PromptResponse, error)
	AddToolServer(ctx context.Context, name string, cfg types.ToolServerConfig) error
}

// Client talks to the task runtime exposed by a sandbox instance
type Client struct {
	httpClient *http.Client
	baseURL    string
}

var _ RuntimeClient = (*Client)(nil)

func NewClient(baseURL string) *Client {
	return &Client{
		// Prompts run a full agent turn; give them room
		httpClient: &http.Client{Timeout: 30 * time.Minute},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("runtime error (%d): %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode runtime response: %w", err)
		}
	}
	return nil
}

// CreateSession opens a fresh runtime session for one delegated task
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/session", map[string]any{"title": title}, &out); err != nil {
		return "", fmt.Errorf("create runtime session: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("runtime returned empty session id")
	}
	return out.ID, nil
}

// Prompt submits the task prompt and blocks until the runtime finishes the
// turn.
func (c *Client) Prompt(ctx context.Context, sessionID, text string, mode types.AgentMode) (*PromptResponse, error) {
	body := map[string]any{
		"parts": []map[string]any{{"type": "text", "text": text}},
	}
	if mode != "" {
		body["mode"] = string(mode)
	}

	var out PromptResponse
	path := fmt.Sprintf("/session/%s/message", sessionID)
	if err := c.doRequest(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, fmt.Errorf("prompt runtime session %s: %w", sessionID, err)
	}
	return &out, nil
}

// AddToolServer registers one tool-integration server with the runtime
func (c *Client) AddToolServer(ctx context.Context, name string, cfg types.ToolServerConfig) error {
	body := map[string]any{"name": name}
	if cfg.URL != "" {
		body["type"] = "remote"
		body["url"] = cfg.URL
	} else {
		body["type"] = "local"
		body["command"] = append([]string{cfg.Command}, cfg.Args...)
		if len(cfg.Env) > 0 {
			body["environment"] = cfg.Env
		}
	}

	if err := c.doRequest(ctx, http.MethodPost, "/mcp", body, nil); err != nil {
		return fmt.Errorf("register tool server %s: %w", name, err)
	}
	return nil
}
