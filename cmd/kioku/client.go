package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/warmer"
)

// apiClient talks to a running kioku server.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type apiError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *apiError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("server returned %d: %s (request %s)", e.Status, e.Message, e.RequestID)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error     string `json:"error"`
			RequestID string `json:"request_id"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &errBody) != nil || errBody.Error == "" {
			errBody.Error = strings.TrimSpace(string(raw))
		}
		return &apiError{Status: resp.StatusCode, Message: errBody.Error, RequestID: errBody.RequestID}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *apiClient) Ask(ctx context.Context, question string) (*models.AskResponse, error) {
	var resp models.AskResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/ask", models.AskRequest{Question: question}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) Status(ctx context.Context) (*models.CacheStats, error) {
	var stats models.CacheStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *apiClient) Entries(ctx context.Context, q models.EntryListQuery) (*models.EntryList, error) {
	params := url.Values{}
	if q.Query != "" {
		params.Set("q", q.Query)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Fuzzy {
		params.Set("fuzzy", "true")
	}
	path := "/api/v1/entries"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var list models.EntryList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

func (c *apiClient) Entry(ctx context.Context, position int) (*models.CacheEntry, error) {
	var entry models.CacheEntry
	if err := c.do(ctx, http.MethodGet, "/api/v1/entries/"+strconv.Itoa(position), nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

type clearResponse struct {
	Status    string `json:"status"`
	Persisted bool   `json:"persisted"`
	Warning   string `json:"warning,omitempty"`
}

func (c *apiClient) Clear(ctx context.Context) (*clearResponse, error) {
	var resp clearResponse
	if err := c.do(ctx, http.MethodDelete, "/api/v1/cache", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) Warm(ctx context.Context, questions []string) (*warmer.Report, error) {
	var report warmer.Report
	body := map[string][]string{"questions": questions}
	if err := c.do(ctx, http.MethodPost, "/api/v1/warm", body, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
