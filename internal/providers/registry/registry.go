package registry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"clarity/internal/providers"
	"clarity/internal/providers/custom_http"
	"clarity/internal/providers/openai_compat"
)

type BuildOptions struct {
	Kind        string
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	Config      map[string]any
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

// Set bundles the capabilities of one remote backend. Image and Video are
// nil when the kind cannot produce media.
type Set struct {
	Text  providers.Provider
	Image providers.ImageProvider
	Video providers.VideoProvider
}

func Build(opts BuildOptions) (Set, error) {
	if opts.Config == nil {
		opts.Config = map[string]any{}
	}
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "openai_compat", "openai-compatible", "openai":
		endpoint := "chat_completions"
		if v, ok := opts.Config["endpoint"].(string); ok && v != "" {
			endpoint = v
		}
		c := openai_compat.New(openai_compat.Config{
			BaseURL:     opts.BaseURL,
			APIKey:      opts.APIKey,
			Headers:     opts.Headers,
			Endpoint:    endpoint,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		})
		return Set{Text: c, Image: c, Video: c}, nil

	case "custom_http", "custom-http":
		bodyTemplate := ""
		if v, ok := opts.Config["body_template"].(string); ok {
			bodyTemplate = v
		}
		method := "POST"
		if v, ok := opts.Config["method"].(string); ok && v != "" {
			method = v
		}
		return Set{Text: custom_http.New(custom_http.Config{
			URL:          opts.BaseURL,
			APIKey:       opts.APIKey,
			Headers:      opts.Headers,
			BodyTemplate: bodyTemplate,
			Method:       method,
			HTTPClient:   opts.HTTPClient,
			MaxRetries:   opts.MaxRetries,
			BackoffBase:  opts.BackoffBase,
		})}, nil

	case "", "none":
		return Set{}, nil

	default:
		return Set{}, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}
