package custom_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"clarity/internal/providers"
)

type Config struct {
	URL          string
	APIKey       string
	Headers      map[string]string
	BodyTemplate string
	Method       string
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Generate(ctx context.Context, req providers.GenerateRequest) (providers.GenerateResponse, error) {
	body, err := c.renderBody(req)
	if err != nil {
		return providers.GenerateResponse{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, retry, err := c.callOnce(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return providers.GenerateResponse{}, ctx.Err()
		case <-time.After(c.cfg.BackoffBase * (1 << attempt)):
		}
	}

	return providers.GenerateResponse{}, lastErr
}

func (c *Client) renderBody(req providers.GenerateRequest) ([]byte, error) {
	history := req.History
	if history == nil {
		history = []providers.Turn{}
	}
	if strings.TrimSpace(c.cfg.BodyTemplate) == "" {
		payload := map[string]any{
			"model":         req.Model,
			"system_prompt": req.SystemPrompt,
			"prompt":        req.Prompt,
			"history":       history,
			"max_tokens":    req.MaxTokens,
			"temperature":   req.Temperature,
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal custom payload: %w", err)
		}
		return b, nil
	}

	tpl, err := template.New("custom_http_body").Option("missingkey=zero").Funcs(template.FuncMap{
		"json": func(v any) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
	}).Parse(c.cfg.BodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, map[string]any{
		"Model":        req.Model,
		"SystemPrompt": req.SystemPrompt,
		"Prompt":       req.Prompt,
		"History":      history,
		"MaxTokens":    req.MaxTokens,
		"Temperature":  req.Temperature,
		"APIKey":       c.cfg.APIKey,
	}); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Client) callOnce(ctx context.Context, body []byte) (resp providers.GenerateResponse, retry bool, err error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return resp, false, fmt.Errorf("custom http url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return resp, false, fmt.Errorf("build custom request: %w", err)
	}
	if len(c.cfg.Headers) == 0 {
		req.Header.Set("Content-Type", "application/json")
	} else {
		for k, v := range c.cfg.Headers {
			req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
		}
	}

	httpResp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return resp, true, fmt.Errorf("custom request failed: %w", err)
	}
	defer httpResp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return resp, false, fmt.Errorf("read custom response: %w", err)
	}

	if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
		return resp, true, fmt.Errorf("custom provider temporary status %d", httpResp.StatusCode)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return resp, false, fmt.Errorf("custom provider status %d", httpResp.StatusCode)
	}

	resp, err = extractResponse(b)
	if err != nil {
		return resp, false, err
	}
	return resp, false, nil
}

func extractResponse(body []byte) (providers.GenerateResponse, error) {
	var simple map[string]any
	if err := json.Unmarshal(body, &simple); err != nil {
		trimmed := strings.TrimSpace(string(body))
		if trimmed != "" {
			return providers.GenerateResponse{Text: trimmed}, nil
		}
		return providers.GenerateResponse{}, fmt.Errorf("decode custom response: %w", err)
	}

	text := extractText(simple)
	if text == "" {
		return providers.GenerateResponse{}, fmt.Errorf("custom response does not contain text field")
	}
	return providers.GenerateResponse{Text: text, Sources: extractSources(simple)}, nil
}

func extractText(simple map[string]any) string {
	for _, key := range []string{"text", "response", "answer", "output_text"} {
		if v, ok := simple[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}

	if choices, ok := simple["choices"].([]any); ok && len(choices) > 0 {
		if c0, ok := choices[0].(map[string]any); ok {
			if msg, ok := c0["message"].(map[string]any); ok {
				if content, ok := msg["content"].(string); ok && strings.TrimSpace(content) != "" {
					return content
				}
			}
			if text, ok := c0["text"].(string); ok && strings.TrimSpace(text) != "" {
				return text
			}
		}
	}

	// Gemini style: candidates[0].content.parts[].text
	if cands, ok := simple["candidates"].([]any); ok && len(cands) > 0 {
		if c0, ok := cands[0].(map[string]any); ok {
			if content, ok := c0["content"].(map[string]any); ok {
				if parts, ok := content["parts"].([]any); ok {
					texts := make([]string, 0, len(parts))
					for _, p := range parts {
						if pm, ok := p.(map[string]any); ok {
							if t, ok := pm["text"].(string); ok && strings.TrimSpace(t) != "" {
								texts = append(texts, t)
							}
						}
					}
					if len(texts) > 0 {
						return strings.Join(texts, "")
					}
				}
			}
		}
	}
	return ""
}

// extractSources accepts a flat "sources" list or Gemini groundingChunks.
func extractSources(simple map[string]any) []providers.Source {
	var raw []any
	if v, ok := simple["sources"].([]any); ok {
		raw = v
	} else if cands, ok := simple["candidates"].([]any); ok && len(cands) > 0 {
		if c0, ok := cands[0].(map[string]any); ok {
			if gm, ok := c0["groundingMetadata"].(map[string]any); ok {
				raw, _ = gm["groundingChunks"].([]any)
			}
		}
	}

	out := make([]providers.Source, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if web, ok := m["web"].(map[string]any); ok {
			m = web
		}
		uri, _ := m["uri"].(string)
		if uri == "" {
			uri, _ = m["url"].(string)
		}
		if strings.TrimSpace(uri) == "" {
			continue
		}
		title, _ := m["title"].(string)
		out = append(out, providers.Source{URI: uri, Title: title})
	}
	return out
}
