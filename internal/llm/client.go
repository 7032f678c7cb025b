package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultCallTimeout = 120 * time.Second

// HTTPClient talks to any OpenAI-compatible chat-completions endpoint.
type HTTPClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	timeout    time.Duration
}

var _ Client = (*HTTPClient)(nil)

type HTTPOption func(*HTTPClient)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) { c.timeout = d }
}

// WithHTTPClient substitutes the underlying transport.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.httpClient = hc }
}

func NewHTTPClient(logger *slog.Logger, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		httpClient: http.DefaultClient,
		logger:     logger,
		timeout:    defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Message        string `json:"message"`
	Type           string `json:"type"`
	Code           any    `json:"code"`
	HTTPStatusCode int    `json:"-"`
}

func (e apiError) Error() string {
	return fmt.Sprintf("api error (status %d, type %s): %s", e.HTTPStatusCode, e.Type, e.Message)
}

// Call performs one blocking chat-completion round trip.
func (c *HTTPClient) Call(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := buildMessages(req)

	body := chatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.Format == FormatJSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	baseURL := ResolveBaseURL(req.Provider, req.BaseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(baseURL, "/")+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	}

	c.logger.Debug("llm call", "model", req.Model, "provider", req.Provider, "format", req.Format)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading chat completion response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if err := json.Unmarshal(raw, &errResp); err != nil || errResp.Error.Message == "" {
			return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(raw))
		}
		errResp.Error.HTTPStatusCode = resp.StatusCode
		return nil, errResp.Error
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decoding chat completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	text := parsed.Choices[0].Message.Content
	out := &Response{
		Text:     text,
		Messages: append(messages, Message{Role: RoleAssistant, Content: text}),
	}
	if req.Format == FormatJSON {
		out.JSON = parseJSONObject(text)
	}
	return out, nil
}

func buildMessages(req Request) []Message {
	var messages []Message
	if req.System != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: req.System})
	}
	messages = append(messages, req.Messages...)
	if req.Prompt != "" {
		messages = append(messages, Message{Role: RoleUser, Content: req.Prompt})
	}
	return messages
}

// parseJSONObject tolerates replies wrapped in markdown fences. A reply
// that still fails to parse yields nil; callers treat that as an
// indeterminate structured result.
func parseJSONObject(text string) map[string]any {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil
	}
	return obj
}
