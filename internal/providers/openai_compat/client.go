package openai_compat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"clarity/internal/providers"
)

type Config struct {
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	Endpoint    string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "chat_completions"
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

var (
	_ providers.Provider      = (*Client)(nil)
	_ providers.ImageProvider = (*Client)(nil)
	_ providers.VideoProvider = (*Client)(nil)
)

func (c *Client) Generate(ctx context.Context, req providers.GenerateRequest) (providers.GenerateResponse, error) {
	body, endpointURL, err := c.buildPayload(req)
	if err != nil {
		return providers.GenerateResponse{}, err
	}

	var out providers.GenerateResponse
	err = c.withRetry(ctx, func() (bool, error) {
		respBody, retry, err := c.do(ctx, http.MethodPost, endpointURL, "application/json", body)
		if err != nil {
			return retry, err
		}
		if isResponsesEndpoint(c.cfg.Endpoint) {
			out, err = parseResponsesAPI(respBody)
		} else {
			out, err = parseChatCompletions(respBody)
		}
		return false, err
	})
	if err != nil {
		return providers.GenerateResponse{}, err
	}
	return out, nil
}

func (c *Client) withRetry(ctx context.Context, call func() (retry bool, err error)) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		retry, err := call()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func (c *Client) buildPayload(req providers.GenerateRequest) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return nil, "", err
	}

	messages := make([]map[string]any, 0, len(req.History)+2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.SystemPrompt})
	}
	for _, turn := range req.History {
		if strings.TrimSpace(turn.Text) == "" {
			continue
		}
		role := turn.Role
		if role != providers.RoleAssistant {
			role = providers.RoleUser
		}
		messages = append(messages, map[string]any{"role": string(role), "content": turn.Text})
	}
	messages = append(messages, map[string]any{"role": "user", "content": req.Prompt})

	payload := map[string]any{"model": req.Model}
	if isResponsesEndpoint(c.cfg.Endpoint) {
		payload["input"] = messages
		if req.MaxTokens > 0 {
			payload["max_output_tokens"] = req.MaxTokens
		}
	} else {
		payload["messages"] = messages
		if req.MaxTokens > 0 {
			payload["max_tokens"] = req.MaxTokens
		}
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal generate payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) do(ctx context.Context, method, endpointURL, contentType string, body []byte) (respBody []byte, retry bool, err error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpointURL, reader)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err = io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, false, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, fmt.Errorf("provider temporary status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, fmt.Errorf("provider status %d", resp.StatusCode)
	}
	return respBody, false, nil
}

func (c *Client) baseURL() (*url.URL, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("base url is empty")
	}
	base = strings.TrimSuffix(base, "/chat/completions")
	base = strings.TrimSuffix(base, "/responses")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u, nil
}

func (c *Client) resolve(path string) (string, error) {
	u, err := c.baseURL()
	if err != nil {
		return "", err
	}
	u.Path += path
	return u.String(), nil
}

func (c *Client) buildEndpointURL() (string, error) {
	if isResponsesEndpoint(c.cfg.Endpoint) {
		return c.resolve("/responses")
	}
	return c.resolve("/chat/completions")
}

type urlCitation struct {
	Type        string `json:"type"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	URLCitation *struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	} `json:"url_citation"`
}

func citationsToSources(annotations []urlCitation) []providers.Source {
	out := make([]providers.Source, 0, len(annotations))
	seen := map[string]bool{}
	for _, a := range annotations {
		if a.Type != "" && a.Type != "url_citation" {
			continue
		}
		src := providers.Source{URI: a.URL, Title: a.Title}
		if a.URLCitation != nil {
			src = providers.Source{URI: a.URLCitation.URL, Title: a.URLCitation.Title}
		}
		if strings.TrimSpace(src.URI) == "" || seen[src.URI] {
			continue
		}
		seen[src.URI] = true
		out = append(out, src)
	}
	return out
}

func parseChatCompletions(body []byte) (providers.GenerateResponse, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content     any           `json:"content"`
				Annotations []urlCitation `json:"annotations"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.GenerateResponse{}, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return providers.GenerateResponse{}, fmt.Errorf("empty choices in chat completion response")
	}
	choice := resp.Choices[0]
	sources := citationsToSources(choice.Message.Annotations)
	if choice.Text != "" {
		return providers.GenerateResponse{Text: choice.Text, Sources: sources}, nil
	}
	if content := anyToText(choice.Message.Content); strings.TrimSpace(content) != "" {
		return providers.GenerateResponse{Text: content, Sources: sources}, nil
	}
	return providers.GenerateResponse{}, fmt.Errorf("missing message content in chat completion response")
}

func parseResponsesAPI(body []byte) (providers.GenerateResponse, error) {
	var resp struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Text        string        `json:"text"`
				Annotations []urlCitation `json:"annotations"`
			} `json:"content"`
		} `json:"output"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.GenerateResponse{}, fmt.Errorf("decode responses api response: %w", err)
	}

	var parts []string
	var annotations []urlCitation
	for _, o := range resp.Output {
		for _, c := range o.Content {
			if strings.TrimSpace(c.Text) != "" {
				parts = append(parts, c.Text)
			}
			annotations = append(annotations, c.Annotations...)
		}
	}
	text := resp.OutputText
	if strings.TrimSpace(text) == "" {
		text = strings.Join(parts, "\n")
	}
	if strings.TrimSpace(text) == "" {
		return providers.GenerateResponse{}, fmt.Errorf("missing output text in responses api response")
	}
	return providers.GenerateResponse{Text: text, Sources: citationsToSources(annotations)}, nil
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func isResponsesEndpoint(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "responses" || v == "/v1/responses"
}
