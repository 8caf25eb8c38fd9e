package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vetalok777/instaAgent/internal/domain"
)

const (
	defaultBaseURL    = "https://generativelanguage.googleapis.com/v1beta"
	defaultDimensions = 3072
)

// ErrEmptyCompletion is returned when the model answered without any text.
var ErrEmptyCompletion = errors.New("gemini: empty completion")

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type fileSearchTool struct {
	FileSearchStoreNames []string `json:"fileSearchStoreNames"`
}

type tool struct {
	FileSearch *fileSearchTool `json:"fileSearch,omitempty"`
}

type generateRequest struct {
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
	Contents          []content `json:"contents"`
	Tools             []tool    `json:"tools,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
}

type embedRequest struct {
	Model                string  `json:"model"`
	Content              content `json:"content"`
	OutputDimensionality int     `json:"outputDimensionality,omitempty"`
}

type embedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

// TokenSource resolves the API key parameter.
type TokenSource interface {
	Token(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("gemini: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to the Gemini REST API for both generation and embeddings.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokens      TokenSource
	paramPrefix string
	chatModel   string
	embedModel  string
	dimensions  int
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if b := strings.TrimSpace(baseURL); b != "" {
			c.baseURL = strings.TrimRight(b, "/")
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

// NewClient creates a Gemini client. The API key is read through tokens from
// "<paramPrefix>/gemini-api-key" on first use.
func NewClient(tokens TokenSource, paramPrefix, chatModel, embedModel string, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("gemini: token source must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("gemini: parameter prefix must not be empty")
	}
	if strings.TrimSpace(chatModel) == "" || strings.TrimSpace(embedModel) == "" {
		return nil, errors.New("gemini: chat and embedding models are required")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		tokens:      tokens,
		paramPrefix: paramPrefix,
		chatModel:   chatModel,
		embedModel:  embedModel,
		dimensions:  defaultDimensions,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) apiKey(ctx context.Context) (string, error) {
	key, err := c.tokens.Token(ctx, c.paramPrefix+"/gemini-api-key")
	if err != nil {
		return "", fmt.Errorf("gemini: resolve api key: %w", err)
	}
	return key, nil
}

// Complete generates the next assistant turn.
func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.chatModel
	}
	contents := toContents(req.Messages)
	if len(contents) == 0 {
		return "", errors.New("gemini: at least one message is required")
	}

	body := generateRequest{Contents: contents}
	if strings.TrimSpace(req.System) != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}
	if len(req.KnowledgeStores) > 0 {
		body.Tools = []tool{{FileSearch: &fileSearchTool{FileSearchStoreNames: req.KnowledgeStores}}}
	}

	var out generateResponse
	if err := c.post(ctx, c.baseURL+"/models/"+model+":generateContent", body, &out); err != nil {
		return "", err
	}
	if len(out.Candidates) == 0 {
		return "", ErrEmptyCompletion
	}
	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("gemini: text to embed must not be empty")
	}
	body := embedRequest{
		Model:                "models/" + c.embedModel,
		Content:              content{Parts: []part{{Text: text}}},
		OutputDimensionality: c.dimensions,
	}
	var out embedResponse
	if err := c.post(ctx, c.baseURL+"/models/"+c.embedModel+":embedContent", body, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding.Values) == 0 {
		return nil, errors.New("gemini: empty embedding")
	}
	if c.dimensions > 0 && len(out.Embedding.Values) != c.dimensions {
		return nil, fmt.Errorf("gemini: embedding has %d dimensions, want %d", len(out.Embedding.Values), c.dimensions)
	}
	return out.Embedding.Values, nil
}

// toContents maps chat messages onto Gemini roles and merges consecutive
// turns of the same role, since the API expects alternating turns.
func toContents(msgs []domain.ChatMessage) []content {
	out := make([]content, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "model"
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, part{Text: m.Content})
			continue
		}
		out = append(out, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	return out
}

func (c *Client) post(ctx context.Context, url string, in, out any) error {
	key, err := c.apiKey(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("gemini: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gemini: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", key)

	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gemini: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	raw, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("gemini: read response body: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("gemini: decode response: %w", err)
	}
	return nil
}
