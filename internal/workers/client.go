// Package workers holds HTTP clients for the external processing services:
// sheet metadata extraction, marker detection and tile rendering. All three
// are containerized services that may cold start slowly, so every call
// carries a bounded timeout and failures are classified as retryable or not.
package workers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
)

// DefaultTimeout bounds a single service call, cold starts included
const DefaultTimeout = 2 * time.Minute

// ServiceError represents a non-2xx response from a processing service.
type ServiceError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s service error: %s (status %d)", e.Service, e.Message, e.StatusCode)
}

// Retryable reports whether the failure is worth redelivering: server-side
// errors and throttling are transient, other 4xx responses are not.
func (e *ServiceError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// serviceClient is the shared base for the processing service clients.
type serviceClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	logger     arbor.ILogger
}

func newServiceClient(name, baseURL string, timeout time.Duration, logger arbor.ILogger) serviceClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return serviceClient{
		name:    name,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// postPDF sends a one-page PDF as the raw request body and returns the
// response body on 2xx. Extra headers carry per-call parameters.
func (c *serviceClient) postPDF(ctx context.Context, path string, pdf []byte, headers map[string]string) ([]byte, error) {
	reqURL := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(pdf))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failures and timeouts are always retryable
		return nil, fmt.Errorf("%s service request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s service response: %w", c.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ServiceError{
			Service:    c.name,
			StatusCode: resp.StatusCode,
			Message:    truncate(string(body), 200),
		}
	}

	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
