// Package authority is the HTTP client for the fiscal authority's document sync API.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/erp/fiscalsync/internal/domain/fiscal"
	"github.com/erp/fiscalsync/internal/infrastructure/config"
)

// maxResponseSize bounds the body read from the authority
const maxResponseSize = 1 << 20

var (
	// ErrUnavailable is returned when the authority cannot be reached or answers 5xx
	ErrUnavailable = errors.New("fiscal authority unavailable")
	// ErrRejected is returned when the authority refuses a document
	ErrRejected = errors.New("fiscal authority rejected document")
)

type syncRequest struct {
	DocumentID string `json:"document_id"`
	Family     string `json:"family"`
}

type syncResponse struct {
	Accepted   bool   `json:"accepted"`
	TrackingID string `json:"tracking_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// Client posts documents to {base}/v1/documents/{family}/{id}/sync
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client from configuration
func NewClient(cfg config.FiscalConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("fiscal: base_url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("fiscal: invalid base_url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Syncer returns the DocumentSyncer for one family
func (c *Client) Syncer(family fiscal.Family) fiscal.DocumentSyncer {
	return fiscal.SyncerFunc(func(ctx context.Context, externalID string) (fiscal.SyncResult, error) {
		return c.Sync(ctx, family, externalID)
	})
}

// Sync submits one document. A non-2xx answer or accepted=false is an error
// carrying the authority's message.
func (c *Client) Sync(ctx context.Context, family fiscal.Family, externalID string) (fiscal.SyncResult, error) {
	body, err := json.Marshal(syncRequest{DocumentID: externalID, Family: string(family)})
	if err != nil {
		return fiscal.SyncResult{}, fmt.Errorf("fiscal: failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/documents/%s/%s/sync", c.baseURL, url.PathEscape(string(family)), url.PathEscape(externalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fiscal.SyncResult{}, fmt.Errorf("fiscal: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fiscal.SyncResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fiscal.SyncResult{}, fmt.Errorf("fiscal: failed to read response: %w", err)
	}

	var out syncResponse
	decodeErr := json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode >= 500:
		return fiscal.SyncResult{}, fmt.Errorf("%w: HTTP %d %s", ErrUnavailable, resp.StatusCode, messageOf(out, raw))
	case resp.StatusCode >= 300:
		return fiscal.SyncResult{}, fmt.Errorf("%w: HTTP %d %s", ErrRejected, resp.StatusCode, messageOf(out, raw))
	case decodeErr != nil:
		return fiscal.SyncResult{}, fmt.Errorf("fiscal: invalid response: %w", decodeErr)
	case !out.Accepted:
		return fiscal.SyncResult{}, fmt.Errorf("%w: %s", ErrRejected, messageOf(out, raw))
	}

	return fiscal.SyncResult{TrackingID: out.TrackingID, Status: out.Status, Message: out.Message}, nil
}

func messageOf(out syncResponse, raw []byte) string {
	if out.Message != "" {
		return out.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
