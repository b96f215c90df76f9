package network

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ripleyk/conclave/internal/model"
	"github.com/ripleyk/conclave/internal/pipeline"
)

const (
	submitPath   = "/v1/computations"
	dispatchPath = "/v1/dispatch"
	statusPath   = "/v1/computations/status"
	resultPath   = "/v1/computations/result"

	pollInterval = 2 * time.Second
	maxBodySize  = 8 << 20
)

// Client talks to the gateway over HTTP. It implements Submitter, Finalizer,
// and the engine's per-block Dispatcher.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

var (
	_ Submitter           = (*Client)(nil)
	_ Finalizer           = (*Client)(nil)
	_ BlockDispatcher     = (*Client)(nil)
	_ pipeline.Dispatcher = (*Client)(nil)
)

// NewClient creates a gateway client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

type submitRequest struct {
	CircuitID string   `json:"circuit_id"`
	Payload   string   `json:"payload"`
	Accounts  []string `json:"accounts,omitempty"`
}

type submitResponse struct {
	ExternalRef       string `json:"external_ref"`
	ComputationOffset int64  `json:"computation_offset"`
	Encryption        *struct {
		Nonce     string `json:"nonce"`
		PublicKey string `json:"public_key"`
	} `json:"encryption,omitempty"`
}

// Submit sends an opaque payload for the given circuit to the network.
func (c *Client) Submit(ctx context.Context, circuitID string, payload []byte, accounts []string) (*SubmitResult, error) {
	req := submitRequest{
		CircuitID: circuitID,
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Accounts:  accounts,
	}

	var resp submitResponse
	if err := c.post(ctx, submitPath, req, &resp); err != nil {
		return nil, &SubmissionError{CircuitID: circuitID, Err: err}
	}

	out := &SubmitResult{
		ExternalRef:       resp.ExternalRef,
		ComputationOffset: resp.ComputationOffset,
	}
	if resp.Encryption != nil {
		out.Encryption = &model.EncryptionContext{
			Nonce:           resp.Encryption.Nonce,
			ClientPublicKey: resp.Encryption.PublicKey,
		}
	}
	return out, nil
}

type dispatchRequest struct {
	CircuitID string         `json:"circuit_id"`
	Inputs    map[string]any `json:"inputs"`
}

type dispatchResponse struct {
	Outputs           map[string]any `json:"outputs"`
	ExternalRef       string         `json:"external_ref,omitempty"`
	ComputationOffset int64          `json:"computation_offset,omitempty"`
}

// DispatchResult is one block dispatch's outputs plus the network's
// correlation metadata for it.
type DispatchResult struct {
	Outputs           map[string]any
	ExternalRef       string
	ComputationOffset int64
}

// BlockDispatcher dispatches a single block circuit and reports the network
// correlation metadata alongside the outputs.
type BlockDispatcher interface {
	DispatchBlock(ctx context.Context, circuitID string, inputs map[string]any) (*DispatchResult, error)
}

// DispatchBlock runs one block circuit and returns its outputs together with
// the external ref and computation offset the gateway assigned to it.
func (c *Client) DispatchBlock(ctx context.Context, circuitID string, inputs map[string]any) (*DispatchResult, error) {
	// Raw bytes don't survive JSON cleanly; ship ciphertext base64-encoded.
	enc := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if b, ok := v.([]byte); ok {
			enc[k] = base64.StdEncoding.EncodeToString(b)
			continue
		}
		enc[k] = v
	}

	var resp dispatchResponse
	if err := c.post(ctx, dispatchPath, dispatchRequest{CircuitID: circuitID, Inputs: enc}, &resp); err != nil {
		return nil, &SubmissionError{CircuitID: circuitID, Err: err}
	}
	return &DispatchResult{
		Outputs:           resp.Outputs,
		ExternalRef:       resp.ExternalRef,
		ComputationOffset: resp.ComputationOffset,
	}, nil
}

// Dispatch implements the engine's Dispatcher by discarding the correlation
// metadata.
func (c *Client) Dispatch(ctx context.Context, circuitID string, inputs map[string]any) (map[string]any, error) {
	res, err := c.DispatchBlock(ctx, circuitID, inputs)
	if err != nil {
		return nil, err
	}
	return res.Outputs, nil
}

type statusResponse struct {
	Finalized       bool   `json:"finalized"`
	FinalizationRef string `json:"finalization_ref,omitempty"`
}

// AwaitFinalization polls the gateway until the computation is confirmed or
// the timeout elapses.
func (c *Client) AwaitFinalization(ctx context.Context, offset int64, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		var resp statusResponse
		url := fmt.Sprintf("%s?offset=%d", statusPath, offset)
		if err := c.get(ctx, url, &resp); err != nil {
			c.logger.Warn("finalization status check failed", "offset", offset, "error", err)
		} else if resp.Finalized {
			return resp.FinalizationRef, nil
		}

		if time.Now().After(deadline) {
			return "", &FinalizationTimeoutError{Offset: offset, Timeout: timeout}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

type resultResponse struct {
	Ciphertext json.RawMessage `json:"ciphertext"`
}

// FetchResult retrieves the ciphertext result of a finalized computation.
func (c *Client) FetchResult(ctx context.Context, offset int64) (json.RawMessage, error) {
	var resp resultResponse
	url := fmt.Sprintf("%s?offset=%d", resultPath, offset)
	if err := c.get(ctx, url, &resp); err != nil {
		return nil, fmt.Errorf("fetch result at offset %d: %w", offset, err)
	}
	if len(resp.Ciphertext) == 0 {
		return nil, fmt.Errorf("fetch result at offset %d: empty ciphertext", offset)
	}
	return resp.Ciphertext, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.New(gatewayErrorMessage(resp.StatusCode, body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// gatewayErrorMessage prefers the gateway's own error text when it sends one.
func gatewayErrorMessage(status int, body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return fmt.Sprintf("gateway returned status %d", status)
}
