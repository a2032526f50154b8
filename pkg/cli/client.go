package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/beam-cloud/handoff/pkg/types"
)

// apiResponse mirrors the gateway's response envelope with raw data so each
// command can decode its own payload.
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// gatewayClient is a small HTTP client for the gateway API
type gatewayClient struct {
	httpClient *http.Client
	baseURL    string
}

func newGatewayClient() *gatewayClient {
	return &gatewayClient{
		// Delegations run synchronously; give them room
		httpClient: &http.Client{Timeout: 45 * time.Minute},
		baseURL:    gatewayAddr,
	}
}

func (c *gatewayClient) do(method, path string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode gateway response (%d): %w", resp.StatusCode, err)
	}
	if !envelope.Success {
		if envelope.Error != "" {
			return fmt.Errorf("%s", envelope.Error)
		}
		return fmt.Errorf("gateway error (%d)", resp.StatusCode)
	}
	if out != nil && envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode gateway payload: %w", err)
		}
	}
	return nil
}

func (c *gatewayClient) delegate(req *types.DelegationRequest) (*types.DelegationResult, error) {
	var result types.DelegationResult
	if err := c.do(http.MethodPost, "/api/v1/delegations", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *gatewayClient) getSession(sessionID string) (*types.DelegationSession, error) {
	var session types.DelegationSession
	if err := c.do(http.MethodGet, "/api/v1/delegations/"+sessionID, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}
