package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// apiClient is the shared HTTP plumbing of the vendor adapters: one POST
// helper that classifies failures into retriable / permanent and maintains
// the health flag.
type apiClient struct {
	kind Kind
	http *http.Client
	health
}

func newAPIClient(kind Kind) apiClient {
	return apiClient{kind: kind, http: &http.Client{Timeout: 60 * time.Second}}
}

func (c *apiClient) postJSON(ctx context.Context, url string, headers map[string]string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", c.kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		c.markDown()
		return &Error{Provider: c.kind, Reason: err.Error(), Retriable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{
			Provider:  c.kind,
			Reason:    fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet)),
			Retriable: retriableStatus(resp.StatusCode),
		}
	}

	c.markUp()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Provider: c.kind, Reason: "unreadable response: " + err.Error(), Retriable: true}
	}
	return nil
}
