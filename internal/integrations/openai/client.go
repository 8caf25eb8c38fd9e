package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/vetalok777/instaAgent/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

// TokenSource resolves the API key parameter.
type TokenSource interface {
	Token(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is the OpenAI-compatible completion and embedding backend.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokens      TokenSource
	paramPrefix string
	chatModel   string
	embedModel  string
	dimensions  int

	mu     sync.Mutex
	apiKey string
	api    *goopenai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if b := strings.TrimSpace(baseURL); b != "" {
			c.baseURL = b
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithDimensions(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.dimensions = n
		}
	}
}

// NewClient creates a Client. The API key is read through tokens from
// "<paramPrefix>/open-ai-token" on first use.
func NewClient(tokens TokenSource, paramPrefix, chatModel, embedModel string, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("openai: token source must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	if strings.TrimSpace(chatModel) == "" || strings.TrimSpace(embedModel) == "" {
		return nil, errors.New("openai: chat and embedding models are required")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		tokens:      tokens,
		paramPrefix: paramPrefix,
		chatModel:   chatModel,
		embedModel:  embedModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

// client returns the SDK client for the current key, rebuilding it if the
// stored key changed.
func (c *Client) client(ctx context.Context) (*goopenai.Client, error) {
	key, err := c.tokens.Token(ctx, c.tokenParameterName())
	if err != nil {
		return nil, fmt.Errorf("openai: resolve api key: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil && c.apiKey == key {
		return c.api, nil
	}
	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = c.baseURL
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	c.api = goopenai.NewClientWithConfig(cfg)
	c.apiKey = key
	return c.api, nil
}

// Complete generates the next assistant turn.
func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	api, err := c.client(ctx)
	if err != nil {
		return "", err
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.chatModel
	}

	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		role := goopenai.ChatMessageRoleUser
		if m.Role == domain.RoleAssistant {
			role = goopenai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	resp, err := api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
	})
	if err != nil {
		return "", wrapError("chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("openai: empty completion")
	}
	return text, nil
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("openai: text to embed must not be empty")
	}
	api, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := api.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input:      []string{text},
		Model:      goopenai.EmbeddingModel(c.embedModel),
		Dimensions: c.dimensions,
	})
	if err != nil {
		return nil, wrapError("embeddings", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("openai: empty embedding")
	}
	vec := resp.Data[0].Embedding
	if c.dimensions > 0 && len(vec) != c.dimensions {
		return nil, fmt.Errorf("openai: embedding has %d dimensions, want %d", len(vec), c.dimensions)
	}
	return vec, nil
}

// wrapError converts SDK status errors into *HTTPStatusError so callers can
// inspect the upstream status without importing the SDK.
func wrapError(op string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("openai: %s: %w", op, &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message})
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("openai: %s: %w", op, &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error()})
	}
	return fmt.Errorf("openai: %s: %w", op, err)
}
