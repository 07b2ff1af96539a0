// Package netx wraps the small amount of outbound HTTP the service does.
package netx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds outbound calls when the caller supplies no client.
const DefaultTimeout = 10 * time.Second

var defaultClient = &http.Client{Timeout: DefaultTimeout}

// PostJSON marshals payload and POSTs it to url. A non-empty bearer is sent
// as an Authorization header. Any non-2xx status is an error carrying a
// bounded slice of the response body.
func PostJSON(ctx context.Context, client *http.Client, url, bearer string, payload any) error {
	if client == nil {
		client = defaultClient
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post failed: %s; body: %s", resp.Status, string(b))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
