package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/beam-cloud/handoff/pkg/types"
)

const pollInterval = 2 * time.Second

// NamedService is one http service exposed by an instance
type NamedService struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// InstanceNetworking carries the instance's exposed services
type InstanceNetworking struct {
	HTTPServices []NamedService `json:"httpServices"`
}

// Instance is the provider's view of one sandbox
type Instance struct {
	ID         string             `json:"id"`
	Status     string             `json:"status"`
	SnapshotID string             `json:"snapshotId,omitempty"`
	Networking InstanceNetworking `json:"networking"`
}

// Service returns the URL of a named http service, or "" if absent
func (i *Instance) Service(name string) string {
	for _, svc := range i.Networking.HTTPServices {
		if svc.Name == name {
			return svc.URL
		}
	}
	return ""
}

// ExecResult is the output of a command run inside an instance
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Provider is the sandbox provisioning service
type Provider interface {
	Start(ctx context.Context, snapshotID string, ttlSeconds int) (*Instance, error)
	Get(ctx context.Context, instanceID string) (*Instance, error)
	Stop(ctx context.Context, instanceID string) error
	WaitUntilReady(ctx context.Context, instanceID string, timeout time.Duration) (*Instance, error)
	Exec(ctx context.Context, instanceID string, command string) (*ExecResult, error)
}

// Client talks to the provisioning service over HTTP JSON
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiToken   string
}

var _ Provider = (*Client)(nil)

func NewClient(cfg types.SandboxConfig) *Client {
	return &Client{
		// Provider start/stop calls can be slow
		httpClient: &http.Client{Timeout: 180 * time.Second},
		baseURL:    cfg.BaseURL,
		apiToken:   cfg.APIToken,
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
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider error (%d): %s", resp.StatusCode, readErrorBody(resp.Body))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode provider response: %w", err)
		}
	}
	return nil
}

func readErrorBody(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return "(no response body)"
	}
	return string(data)
}

// Start spawns a new instance from the given golden snapshot
func (c *Client) Start(ctx context.Context, snapshotID string, ttlSeconds int) (*Instance, error) {
	body := map[string]any{"snapshotId": snapshotID}
	if ttlSeconds > 0 {
		body["ttlSeconds"] = ttlSeconds
	}

	var instance Instance
	if err := c.doRequest(ctx, http.MethodPost, "/v1/instances", body, &instance); err != nil {
		return nil, fmt.Errorf("start instance: %w", err)
	}
	return &instance, nil
}

// Get fetches the current state of an instance
func (c *Client) Get(ctx context.Context, instanceID string) (*Instance, error) {
	var instance Instance
	path := fmt.Sprintf("/v1/instances/%s", instanceID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &instance); err != nil {
		return nil, fmt.Errorf("get instance %s: %w", instanceID, err)
	}
	return &instance, nil
}

// Stop tears down an instance
func (c *Client) Stop(ctx context.Context, instanceID string) error {
	path := fmt.Sprintf("/v1/instances/%s/stop", instanceID)
	if err := c.doRequest(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("stop instance %s: %w", instanceID, err)
	}
	return nil
}

// WaitUntilReady polls the instance until the provider reports it running.
// An instance that lands in stopped or error state fails immediately
// instead of waiting out the timeout.
func (c *Client) WaitUntilReady(ctx context.Context, instanceID string, timeout time.Duration) (*Instance, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		instance, err := c.Get(ctx, instanceID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// Transient provider errors; keep polling
		} else {
			switch instance.Status {
			case "running":
				return instance, nil
			case "stopped", "error":
				return nil, fmt.Errorf("instance %s failed with status %s", instanceID, instance.Status)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	return nil, fmt.Errorf("timeout waiting for instance %s to become ready", instanceID)
}

// Exec runs a shell command inside the instance
func (c *Client) Exec(ctx context.Context, instanceID string, command string) (*ExecResult, error) {
	body := map[string]any{"command": command}

	var result ExecResult
	path := fmt.Sprintf("/v1/instances/%s/exec", instanceID)
	if err := c.doRequest(ctx, http.MethodPost, path, body, &result); err != nil {
		return nil, fmt.Errorf("exec in instance %s: %w", instanceID, err)
	}
	return &result, nil
}
