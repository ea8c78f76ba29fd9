// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// UserAgent is sent with every Sink request.
const UserAgent = "Absmach-Relay/1.0"

// maxResponseBody caps how much of a Sink response is kept for logging.
const maxResponseBody = 4096

// Sender delivers a payload to a Sink endpoint.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte) error
}

// StatusError is returned when the Sink answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("sink returned non-2xx status: %d", e.StatusCode)
	}
	return fmt.Sprintf("sink returned non-2xx status: %d: %s", e.StatusCode, e.Body)
}

// HTTPSender implements the Sender interface over HTTP.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender creates a new HTTP sink sender. Per-call deadlines come from
// the context; the client timeout is only an upper bound.
func NewHTTPSender() *HTTPSender {
	return &HTTPSender{
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Send POSTs payload to url.
func (s *HTTPSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return nil
}
