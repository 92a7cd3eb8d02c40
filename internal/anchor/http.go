package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/roach88/medchain/internal/clock"
	"github.com/roach88/medchain/internal/ir"
)

// HTTPClient posts {"subject_id", "hash"} as JSON to an anchoring gateway
// and expects {"tx_ref", "block_height"} back with status 200 or 201.
type HTTPClient struct {
	URL        string
	HTTPClient *http.Client
	Clock      clock.Clock
}

// NewHTTPClient creates a client for url. A nil httpClient gets one with
// DefaultTimeout.
func NewHTTPClient(url string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPClient{URL: url, HTTPClient: httpClient, Clock: clock.System{}}
}

type submitRequest struct {
	SubjectID string `json:"subject_id"`
	Hash      string `json:"hash"`
}

type submitResponse struct {
	TxRef       string `json:"tx_ref"`
	BlockHeight uint64 `json:"block_height"`
}

// Submit posts the hash to the gateway.
func (c *HTTPClient) Submit(ctx context.Context, subject ir.SubjectID, hash string) (ir.AnchorReceipt, error) {
	if c.URL == "" {
		return ir.AnchorReceipt{}, &Error{Kind: ErrNotConfigured, Subject: subject, Hash: hash}
	}
	fail := func(err error) (ir.AnchorReceipt, error) {
		kind := ErrUnreachable
		if errors.Is(err, context.DeadlineExceeded) {
			kind = ErrTimeout
		}
		return ir.AnchorReceipt{}, &Error{Kind: kind, Subject: subject, Hash: hash, Err: err}
	}

	body, err := json.Marshal(submitRequest{SubjectID: string(subject), Hash: hash})
	if err != nil {
		return fail(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fail(err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fail(fmt.Errorf("anchor_http_status_%d", resp.StatusCode))
	}

	var out submitResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return fail(fmt.Errorf("decode response: %w", err))
	}
	if out.TxRef == "" {
		return fail(fmt.Errorf("anchor_empty_tx_ref"))
	}

	now := clock.Clock(clock.System{})
	if c.Clock != nil {
		now = c.Clock
	}
	return ir.AnchorReceipt{TxRef: out.TxRef, BlockHeight: out.BlockHeight, AnchoredAt: now.Now().UTC()}, nil
}
