package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ppiankov/abacus/internal/util"
)

// maxResponseBytes caps how much of a provider answer is read
const maxResponseBytes = 1 << 20

// ErrResponseTooLarge is returned when a provider answer exceeds maxResponseBytes
var ErrResponseTooLarge = errors.New("provider response too large")

// StatusError is a non-200 answer from a provider API
type StatusError struct {
	Provider string
	Status   int
	Message  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (%d): %s", e.Provider, e.Status, e.Message)
}

// newHTTPClient builds a client honoring the configured timeout and proxies
func newHTTPClient(config Config, fallback time.Duration) *http.Client {
	return &http.Client{
		Timeout: config.timeout(fallback),
		Transport: &http.Transport{
			Proxy: util.NewProxyFunc(config.HTTPProxy, config.HTTPSProxy, config.NoProxy),
		},
	}
}

// jsonCall is one POST of a JSON body expecting a JSON answer
type jsonCall struct {
	provider string
	url      string
	headers  map[string]string
	// errorMessage extracts a readable message from an error body, "" if it can't
	errorMessage func(body []byte) string
}

func (c jsonCall) do(ctx context.Context, client *http.Client, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", c.provider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(raw) > maxResponseBytes {
		return fmt.Errorf("%s: %w", c.provider, ErrResponseTooLarge)
	}

	if resp.StatusCode != http.StatusOK {
		msg := ""
		if c.errorMessage != nil {
			msg = c.errorMessage(raw)
		}
		if msg == "" {
			msg = string(raw)
		}
		return &StatusError{Provider: c.provider, Status: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
