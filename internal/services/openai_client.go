package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

// OpenAIClient is the LLM surface clustering and summarization lean on.
// Embed returns one vector per input text, index-aligned. GenerateJSON
// asks for a strict-schema JSON object and decodes it into out.
type OpenAIClient interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any, out any) error
}

type openAIClient struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
	embedModel string
	maxRetries int
	log        *logger.Logger
}

// NewOpenAIClient reads its configuration from the environment:
// OPENAI_API_KEY, OPENAI_BASE_URL, OPENAI_MODEL, OPENAI_EMBED_MODEL,
// OPENAI_TIMEOUT_SECONDS, OPENAI_MAX_RETRIES.
func NewOpenAIClient(baseLog *logger.Logger) (OpenAIClient, error) {
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	model := strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	if model == "" {
		model = "gpt-4o-mini"
	}
	embedModel := strings.TrimSpace(os.Getenv("OPENAI_EMBED_MODEL"))
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
	}

	timeoutSecs := 60
	if v := strings.TrimSpace(os.Getenv("OPENAI_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeoutSecs = n
		}
	}
	maxRetries := 3
	if v := strings.TrimSpace(os.Getenv("OPENAI_MAX_RETRIES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			maxRetries = n
		}
	}

	return &openAIClient{
		httpClient: &http.Client{Timeout: time.Duration(timeoutSecs) * time.Second},
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		embedModel: embedModel,
		maxRetries: maxRetries,
		log:        baseLog.With("service", "OpenAIClient"),
	}, nil
}

type openAIHTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *openAIHTTPError) Error() string {
	return fmt.Sprintf("openai http %d: %s", e.StatusCode, truncate(e.Body, 300))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func isRetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// faultFromHTTP translates a provider response into the failure taxonomy
// the stage router acts on.
func faultFromHTTP(he *openAIHTTPError) error {
	switch {
	case he.StatusCode == http.StatusUnauthorized || he.StatusCode == http.StatusForbidden:
		return faults.New(faults.KindNotAuthorized, he)
	case he.StatusCode == http.StatusTooManyRequests && strings.Contains(he.Body, "insufficient_quota"):
		return faults.New(faults.KindQuotaExceeded, he).WithRetryAfter(he.RetryAfter)
	case he.StatusCode == http.StatusTooManyRequests:
		return faults.New(faults.KindRateLimited, he).WithRetryAfter(he.RetryAfter)
	case he.StatusCode == http.StatusRequestTimeout:
		return faults.New(faults.KindTimeout, he)
	case he.StatusCode >= 500:
		return faults.New(faults.KindUpstreamUnavailable, he)
	default:
		return faults.New(faults.KindInternal, he)
	}
}

func jitter(d time.Duration) time.Duration {
	// +-20%
	f := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * f)
}

// do posts the payload and retries transient failures with exponential
// backoff, honoring Retry-After when the provider sends one.
func (c *openAIClient) do(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return faults.New(faults.KindInternal, err)
	}

	backoff := time.Second
	const backoffCap = 10 * time.Second

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := jitter(backoff)
			var he *openAIHTTPError
			if errors.As(lastErr, &he) && he.RetryAfter > 0 {
				wait = he.RetryAfter
				if wait > backoffCap {
					wait = backoffCap
				}
			}
			select {
			case <-ctx.Done():
				return faults.New(faults.KindTimeout, ctx.Err())
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		}

		err := c.once(ctx, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var he *openAIHTTPError
		if errors.As(err, &he) {
			if !isRetryableStatus(he.StatusCode) {
				return faultFromHTTP(he)
			}
			c.log.Warn("openai request retrying", "path", path, "status", he.StatusCode, "attempt", attempt+1)
			continue
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			lastErr = faults.New(faults.KindTimeout, err)
			continue
		}
		// transport-level failure
		lastErr = faults.New(faults.KindNetwork, err)
		c.log.Warn("openai request failed", "path", path, "attempt", attempt+1, "error", err)
	}

	var he *openAIHTTPError
	if errors.As(lastErr, &he) {
		return faultFromHTTP(he)
	}
	var fe *faults.Error
	if errors.As(lastErr, &fe) {
		return lastErr
	}
	return faults.New(faults.KindUpstreamUnavailable, lastErr)
}

func (c *openAIClient) once(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		he := &openAIHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
		if ra := strings.TrimSpace(resp.Header.Get("Retry-After")); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				he.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return he
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode openai response: %w", err)
		}
	}
	return nil
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *openAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp embeddingsResponse
	if err := c.do(ctx, "/v1/embeddings", embeddingsRequest{Model: c.embedModel, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, faults.Newf(faults.KindSchemaMismatch, "embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, faults.Newf(faults.KindSchemaMismatch, "embeddings: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

type responsesRequest struct {
	Model       string              `json:"model"`
	Input       []responsesMessage  `json:"input"`
	Text        responsesTextFormat `json:"text"`
	Temperature float64             `json:"temperature"`
}

type responsesMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesTextFormat struct {
	Format struct {
		Type   string         `json:"type"`
		Name   string         `json:"name"`
		Schema map[string]any `json:"schema"`
		Strict bool           `json:"strict"`
	} `json:"format"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

func (c *openAIClient) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any, out any) error {
	req := responsesRequest{
		Model: c.model,
		Input: []responsesMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	}
	req.Text.Format.Type = "json_schema"
	req.Text.Format.Name = schemaName
	req.Text.Format.Schema = schema
	req.Text.Format.Strict = true

	var resp responsesResponse
	if err := c.do(ctx, "/v1/responses", req, &resp); err != nil {
		return err
	}

	var sb strings.Builder
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				sb.WriteString(part.Text)
			}
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return faults.Newf(faults.KindSchemaMismatch, "openai: empty structured output for schema %s", schemaName)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return faults.Newf(faults.KindSchemaMismatch, "openai: output does not match schema %s: %v", schemaName, err)
	}
	return nil
}
