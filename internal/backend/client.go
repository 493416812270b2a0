// Package backend is the HTTP client for the question-answering service.
// Both operations are single-attempt: any transport error or non-2xx status
// surfaces as ErrBackendUnavailable and the caller decides the user-facing
// fallback. Retrying is deliberately left to the backend's own callers.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"qabridge/internal/domain"
)

// ErrBackendUnavailable wraps every transport/HTTP failure talking to the
// backend. Callers match it with errors.Is.
var ErrBackendUnavailable = errors.New("backend unavailable")

// Client talks to the QA backend.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8000"
	}
	return &Client{
		baseURL: cfg.BaseURL,
		client:  sharedHTTPClient(cfg.Timeout),
		logger:  cfg.Logger,
	}
}

// sharedHTTPClient returns an HTTP client with connection pooling and an
// explicit overall timeout.
func sharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

type chatRequest struct {
	Question    string `json:"question"`
	PhoneNumber string `json:"phone_number"`
}

type priceResponseRequest struct {
	QueryID   string `json:"query_id"`
	PriceInfo string `json:"price_info"`
}

// Answer submits an ordinary question for the given sender.
func (c *Client) Answer(ctx context.Context, question, senderID string) (*domain.QuestionResult, error) {
	var result domain.QuestionResult
	if err := c.post(ctx, "/chat", chatRequest{Question: question, PhoneNumber: senderID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SubmitPriceResponse relays a sales agent's price reply for a tracked query.
func (c *Client) SubmitPriceResponse(ctx context.Context, queryID, priceInfo string) (*domain.PriceResponseResult, error) {
	var result domain.PriceResponseResult
	if err := c.post(ctx, "/price-response", priceResponseRequest{QueryID: queryID, PriceInfo: priceInfo}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Healthy probes the backend base URL. Used by the status and doctor commands.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("backend returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s returned %d: %s", ErrBackendUnavailable, path, resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrBackendUnavailable, path, err)
	}
	return nil
}
