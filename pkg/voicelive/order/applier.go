package order

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPApplier posts resolved mutations to the platform order service. The
// response body is relayed verbatim as the function-call output.
type HTTPApplier struct {
	baseURL string
	client  *http.Client
}

func NewHTTPApplier(baseURL string, client *http.Client) *HTTPApplier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPApplier{baseURL: baseURL, client: client}
}

func (a *HTTPApplier) Apply(ctx context.Context, sessionID string, mutation CartMutation) (json.RawMessage, error) {
	body, err := json.Marshal(mutation)
	if err != nil {
		return nil, fmt.Errorf("cart apply: encode mutation: %w", err)
	}
	url := fmt.Sprintf("%s/v1/sessions/%s/cart/mutations", a.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cart apply: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cart apply: order service unreachable: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("cart apply: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("cart apply: order service returned %d", resp.StatusCode)
	}
	if len(out) == 0 {
		out = []byte(`{"ok":true}`)
	}
	return out, nil
}
