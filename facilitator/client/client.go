// Package client is the HTTP client resource servers use to talk to an x402
// facilitator. Calls inherit the request's context, so a protected request
// hitting its deadline cancels the in-flight verify or settle instead of
// holding the handler open.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/worldcoin/agentkit/types"
)

// DefaultTimeout bounds a single facilitator call when the caller's context
// carries no earlier deadline.
const DefaultTimeout = 30 * time.Second

type FacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewFacilitatorClient(facilitatorURL string) *FacilitatorClient {
	return &FacilitatorClient{
		baseURL:    strings.TrimRight(facilitatorURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// Verify asks the facilitator to validate a payment authorization. A
// non-valid response is not an error; the coded reason travels in
// VerifyResponse.InvalidReason for the discount recovery path to inspect.
func (fc *FacilitatorClient) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error) {
	var resp types.VerifyResponse
	if err := fc.call(ctx, http.MethodPost, "/verify", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle executes a verified payment. In discount mode the requirements
// carried here may already be adjusted to the recovered amount.
func (fc *FacilitatorClient) Settle(ctx context.Context, req *types.SettleRequest) (*types.SettleResponse, error) {
	var resp types.SettleResponse
	if err := fc.call(ctx, http.MethodPost, "/settle", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Supported queries the scheme/network pairs the facilitator accepts.
func (fc *FacilitatorClient) Supported(ctx context.Context) (*types.SupportedResponse, error) {
	var resp types.SupportedResponse
	if err := fc.call(ctx, http.MethodGet, "/supported", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (fc *FacilitatorClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fc.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := fc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator %s returned %d: %s", path, resp.StatusCode, errorBody(resp.Body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// errorBody extracts the facilitator's {"error": ...} message, falling back
// to the raw body when the shape differs.
func errorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no response body"
	}

	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return string(bytes.TrimSpace(raw))
}
