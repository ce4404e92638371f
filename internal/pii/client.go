// Package pii resolves PII tokens through the detokenization service.
package pii

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"colldialer/internal/config"
	"colldialer/internal/errs"
	"colldialer/internal/logging"
	"colldialer/internal/metrics"

	"github.com/rs/zerolog"
)

const detokenizePath = "/v1/detokenize"

type Client struct {
	baseURL    string
	token      string
	batchSize  int
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(cfg config.PIIConfig, httpClient *http.Client, logger *zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		batchSize:  batch,
		httpClient: httpClient,
		logger:     logging.Component(logger, "pii"),
	}
}

type detokenizeRequest struct {
	Tokens []string `json:"tokens"`
}

type detokenizeResponse struct {
	Values map[string]string `json:"values"`
}

// Detokenize resolves tokens in sub-batches. A failed sub-batch is retried token
// by token; tokens that still fail are left out of the result. An error is
// returned only when nothing at all could be resolved.
func (c *Client) Detokenize(ctx context.Context, tokens []string) (map[string]string, error) {
	out := make(map[string]string, len(tokens))
	unique := dedupe(tokens)
	if len(unique) == 0 {
		return out, nil
	}

	var lastErr error
	failed := 0
	for start := 0; start < len(unique); start += c.batchSize {
		end := start + c.batchSize
		if end > len(unique) {
			end = len(unique)
		}
		batch := unique[start:end]

		values, err := c.call(ctx, batch)
		if err == nil {
			for k, v := range values {
				out[k] = v
			}
			continue
		}
		if ctx.Err() != nil {
			return nil, errs.Transient(ctx.Err())
		}
		c.logger.Warn().Err(err).Int("batch", len(batch)).Msg("detokenize batch failed, falling back to single tokens")

		for _, tok := range batch {
			values, err := c.call(ctx, []string{tok})
			if err != nil {
				lastErr = err
				failed++
				continue
			}
			for k, v := range values {
				out[k] = v
			}
		}
	}

	if len(out) == 0 && failed > 0 {
		return nil, errs.Wrapf(lastErr, "detokenize %d tokens", len(unique))
	}
	if failed > 0 {
		c.logger.Warn().Int("failed", failed).Int("resolved", len(out)).Msg("detokenize partially failed")
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, tokens []string) (map[string]string, error) {
	body, err := json.Marshal(detokenizeRequest{Tokens: tokens})
	if err != nil {
		return nil, errs.Structural(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+detokenizePath, bytes.NewReader(body))
	if err != nil {
		return nil, errs.Structural(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.IncVendor("detokenize", "error")
		return nil, errs.Transient(errs.Wrap(err, "detokenize request"))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		metrics.IncVendor("detokenize", "error")
		return nil, errs.Transient(errs.Wrap(err, "read detokenize response"))
	}
	if resp.StatusCode != http.StatusOK {
		metrics.IncVendor("detokenize", "error")
		err := fmt.Errorf("detokenize status %d: %s", resp.StatusCode, truncate(raw, 200))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, errs.Transient(err)
		}
		return nil, errs.Structural(err)
	}

	var decoded detokenizeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		metrics.IncVendor("detokenize", "error")
		return nil, errs.Structural(errs.Wrap(err, "decode detokenize response"))
	}
	metrics.IncVendor("detokenize", "ok")
	return decoded.Values, nil
}

// MaskVA hides all but the last four characters of a virtual account number.
func MaskVA(va string) string {
	va = strings.TrimSpace(va)
	if len(va) <= 4 {
		return va
	}
	return strings.Repeat("*", len(va)-4) + va[len(va)-4:]
}

func dedupe(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
