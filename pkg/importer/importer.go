// Package importer pulls agent traces from external observability
// platforms so they can be labeled and used for eval generation.
package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iofold/iofold/pkg/job"
	"github.com/iofold/iofold/pkg/storage"
)

// Options configures an HTTPSource.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPSource fetches traces from a trace-query HTTP API. It implements
// handler.TraceSource.
type HTTPSource struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPSource creates a source for the given endpoint.
func NewHTTPSource(opts Options) (*HTTPSource, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("importer: base URL is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &HTTPSource{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}, nil
}

type queryRequest struct {
	AgentID   string     `json:"agent_id"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

type remoteTrace struct {
	ID        string          `json:"id"`
	Input     json.RawMessage `json:"input"`
	Output    json.RawMessage `json:"output"`
	Steps     json.RawMessage `json:"steps,omitempty"`
	HasErrors bool            `json:"has_errors,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type queryResponse struct {
	Traces []remoteTrace `json:"traces"`
}

// FetchTraces queries the platform for the agent's runs. Time filters
// are forwarded; the caller enforces the limit, though it is also sent
// so well-behaved servers do not over-fetch.
func (s *HTTPSource) FetchTraces(ctx context.Context, agentID string, filters job.ImportFilters) ([]storage.Trace, error) {
	body, err := json.Marshal(queryRequest{
		AgentID:   agentID,
		StartTime: filters.StartTime,
		EndTime:   filters.EndTime,
		Limit:     filters.Limit,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/traces/query", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read trace response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trace source returned %d", resp.StatusCode)
	}

	var parsed queryResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("malformed trace response: %w", err)
	}

	traces := make([]storage.Trace, 0, len(parsed.Traces))
	for _, rt := range parsed.Traces {
		traces = append(traces, storage.Trace{
			ID:        rt.ID,
			Input:     rawString(rt.Input),
			Output:    rawString(rt.Output),
			Steps:     rawString(rt.Steps),
			HasErrors: rt.HasErrors,
			CreatedAt: rt.CreatedAt,
		})
	}
	return traces, nil
}

// rawString keeps structured payloads as their JSON text and unwraps
// plain JSON strings.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
