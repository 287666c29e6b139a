// Package provider implements the generation provider client: an
// OpenRouter-compatible chat API used to extract task descriptions from
// labeled traces and to generate candidate eval functions.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/iofold/iofold/pkg/logging"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultModel   = "anthropic/claude-sonnet-4-5"
	defaultTimeout = 2 * time.Minute

	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second

	defaultRateLimit = rate.Limit(2)
	defaultBurstSize = 5
)

// VariationTypes are the prompting strategies used for one generation
// round, in the order candidates are produced.
var VariationTypes = []string{
	"baseline",
	"strict",
	"lenient",
	"step_aware",
	"contrastive",
}

// LabeledExample is one labeled trace shown to the provider.
type LabeledExample struct {
	Input  string `json:"input"`
	Output string `json:"output"`
	Label  bool   `json:"label"` // true = positive feedback
}

// GenerationContext carries everything one candidate generation needs.
// Model, when set, overrides the client's configured model for this
// round only.
type GenerationContext struct {
	AgentID  string
	Tasks    []string
	Examples []LabeledExample
	Model    string
}

// Candidate is one generated eval function source, tagged with the
// strategy that produced it.
type Candidate struct {
	Variation string `json:"variation_type"`
	Code      string `json:"code"`
}

// Generator is the contract the pipeline consumes.
type Generator interface {
	ExtractTasks(ctx context.Context, examples []LabeledExample) ([]string, error)
	GenerateCandidates(ctx context.Context, gc GenerationContext, n int) ([]Candidate, error)
	Model() string
}

// Options configures the client.
type Options struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	RateLimit   float64 // requests per second, 0 = default
	MaxRetries  int
	MaxParallel int // concurrent generation calls, 0 = n
	Logger      *logging.Logger
}

// Client is an OpenRouter-compatible chat API client.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	maxRetries  int
	maxParallel int
	logger      *logging.Logger
}

// NewClient creates a provider client.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	limit := defaultRateLimit
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		apiKey:      opts.APIKey,
		model:       opts.Model,
		httpClient:  &http.Client{Timeout: opts.Timeout},
		rateLimiter: rate.NewLimiter(limit, defaultBurstSize),
		maxRetries:  opts.MaxRetries,
		maxParallel: opts.MaxParallel,
		logger:      opts.Logger,
	}
}

// Model returns the model identifier used for generation.
func (c *Client) Model() string {
	return c.model
}

// ExtractTasks asks the provider to list the distinct tasks the agent is
// expected to perform, based on labeled example traces.
func (c *Client) ExtractTasks(ctx context.Context, examples []LabeledExample) ([]string, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("provider: no labeled examples to extract tasks from")
	}

	content, err := c.chat(ctx, c.model, extractTasksPrompt(examples))
	if err != nil {
		return nil, fmt.Errorf("extract tasks: %w", err)
	}

	tasks, err := parseTaskList(content)
	if err != nil {
		return nil, fmt.Errorf("extract tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("extract tasks: provider returned an empty task list")
	}

	c.logger.Info(logging.CategoryProvider, "tasks_extracted", "", map[string]any{
		"count": len(tasks),
		"model": c.model,
	})
	return tasks, nil
}

// GenerateCandidates produces n candidate eval functions, each call
// tagged with a distinct variation strategy. Calls run concurrently; any
// candidate that fails to generate or comes back empty fails the whole
// round, because downstream selection assumes a known candidate count.
func (c *Client) GenerateCandidates(ctx context.Context, gc GenerationContext, n int) ([]Candidate, error) {
	if n <= 0 {
		n = len(VariationTypes)
	}
	if n > len(VariationTypes) {
		// Each candidate carries a distinct variation tag, so the batch
		// cannot exceed the strategy set.
		return nil, fmt.Errorf("candidate count %d exceeds %d variation strategies", n, len(VariationTypes))
	}
	model := gc.Model
	if model == "" {
		model = c.model
	}

	candidates := make([]Candidate, n)
	g, gctx := errgroup.WithContext(ctx)
	limit := c.maxParallel
	if limit <= 0 {
		limit = n
	}
	g.SetLimit(limit)

	for i := 0; i < n; i++ {
		i := i
		variation := VariationTypes[i]
		g.Go(func() error {
			content, err := c.chat(gctx, model, generateCandidatePrompt(gc, variation))
			if err != nil {
				return fmt.Errorf("candidate %d (%s): %w", i, variation, err)
			}
			code := extractCode(content)
			if strings.TrimSpace(code) == "" {
				return fmt.Errorf("candidate %d (%s): provider returned empty code", i, variation)
			}
			candidates[i] = Candidate{Variation: variation, Code: code}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.logger.Info(logging.CategoryProvider, "candidates_generated", "", map[string]any{
		"count": n,
		"model": model,
	})
	return candidates, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// chat sends one completion request and returns the assistant content.
// Retries with exponential backoff on 429 and 5xx responses.
func (c *Client) chat(ctx context.Context, model, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoffDelay(attempt)):
			}
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}

		content, retryable, err := c.doChat(ctx, body)
		if err == nil {
			return content, nil
		}
		lastErr = err
		recordProviderFailure()
		if !retryable {
			return "", err
		}
		c.logger.Warn(logging.CategoryProvider, "request_retry", err.Error(), map[string]any{
			"attempt": attempt + 1,
		})
	}
	return "", fmt.Errorf("provider request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) doChat(ctx context.Context, body []byte) (content string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()
	recordProviderRequest(time.Since(start))

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return "", true, fmt.Errorf("read provider response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncateBody(data))
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncateBody(data))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", false, fmt.Errorf("malformed provider response: %w", err)
	}
	if parsed.Error != nil {
		return "", false, fmt.Errorf("provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", false, fmt.Errorf("provider response has no choices")
	}
	return parsed.Choices[0].Message.Content, false, nil
}

func backoffDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Jitter spreads concurrent retries out
	return delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
}

func truncateBody(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 256 {
		return s[:256] + "..."
	}
	return s
}

// parseTaskList reads a JSON string array out of the assistant content,
// tolerating code fences around it.
func parseTaskList(content string) ([]string, error) {
	cleaned := stripFences(content)

	var tasks []string
	if err := json.Unmarshal([]byte(cleaned), &tasks); err == nil {
		return compactTasks(tasks), nil
	}

	// Fall back to scanning for the first JSON array in the content.
	start := strings.Index(cleaned, "[")
	end := strings.LastIndex(cleaned, "]")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), &tasks); err == nil {
			return compactTasks(tasks), nil
		}
	}
	return nil, fmt.Errorf("could not parse task list from provider content")
}

func compactTasks(tasks []string) []string {
	out := tasks[:0]
	for _, t := range tasks {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// extractCode pulls the code body out of the assistant content, removing
// a surrounding markdown fence when present.
func extractCode(content string) string {
	return stripFences(content)
}

func stripFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	// Drop the opening fence line and the closing fence.
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	} else {
		return strings.Trim(trimmed, "`")
	}
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
