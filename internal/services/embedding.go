package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/personakit/personakit-backend/internal/apierr"
	"github.com/personakit/personakit-backend/internal/logger"
	"github.com/personakit/personakit-backend/internal/utils"
)

// EmbeddingClient turns narrative text into vectors. Implementations must
// honor ctx deadlines; persona generation runs searches under a short
// timeout and degrades when the provider is slow.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// ErrProviderTimeout marks an embedding call that ran out of time. Rule
// evaluation treats it as a degraded-mode signal, not a hard failure.
var ErrProviderTimeout = apierr.New(http.StatusGatewayTimeout, apierr.CodeProviderTimeout, errors.New("embedding provider timed out"))

type openAIEmbeddingClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	maxRetries int
	log        *logger.Logger
}

// NewOpenAIEmbeddingClient builds a client for any OpenAI-compatible
// embeddings endpoint.
func NewOpenAIEmbeddingClient(log *logger.Logger) EmbeddingClient {
	timeoutSeconds := utils.GetEnvAsInt("EMBED_TIMEOUT_SECONDS", 5, log)
	return &openAIEmbeddingClient{
		httpClient: &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second},
		baseURL:    utils.GetEnv("EMBED_BASE_URL", "https://api.openai.com/v1", log),
		apiKey:     utils.GetEnv("EMBED_API_KEY", "", log),
		model:      utils.GetEnv("EMBED_MODEL", "text-embedding-3-small", log),
		dimensions: utils.GetEnvAsInt("EMBED_DIM", 1536, log),
		maxRetries: utils.GetEnvAsInt("EMBED_MAX_RETRIES", 2, log),
		log:        log.With("service", "EmbeddingClient"),
	}
}

func (c *openAIEmbeddingClient) Dimensions() int { return c.dimensions }

func (c *openAIEmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *openAIEmbeddingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("no texts to embed")
	}

	body, err := json.Marshal(embeddingRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, c.classify(ctx.Err())
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		vectors, retryable, err := c.doRequest(ctx, body, len(texts))
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		c.log.Warn("embedding request failed, retrying", "attempt", attempt+1, "error", err)
	}
	return nil, c.classify(lastErr)
}

func (c *openAIEmbeddingClient) doRequest(ctx context.Context, body []byte, want int) ([][]float32, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, true, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("embedding endpoint returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, string(raw))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, false, fmt.Errorf("decode embedding response: %w", err)
	}
	if parsed.Error != nil {
		return nil, false, fmt.Errorf("embedding endpoint error: %s", parsed.Error.Message)
	}
	if len(parsed.Data) != want {
		return nil, false, fmt.Errorf("embedding response has %d vectors, want %d", len(parsed.Data), want)
	}

	vectors := make([][]float32, want)
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= want {
			return nil, false, fmt.Errorf("embedding response index %d out of range", item.Index)
		}
		if len(item.Embedding) != c.dimensions {
			return nil, false, fmt.Errorf("embedding has %d dimensions, want %d", len(item.Embedding), c.dimensions)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, false, nil
}

func (c *openAIEmbeddingClient) classify(err error) error {
	if err == nil {
		return ErrProviderTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}
	return err
}

func isClientTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
