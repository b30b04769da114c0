// Package orchestrator decides, per call, whether a request goes to the remote
// model or to the local engine, and always hands back a usable Result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"clarity/internal/connectivity"
	"clarity/internal/localai"
	"clarity/internal/metrics"
	"clarity/internal/providers"
)

// DegradedMarker prefixes local answers served after a remote failure.
const DegradedMarker = "[MODE HORS LIGNE / GRATUIT] \n\n"

var (
	ErrNoProvider  = errors.New("no remote provider configured")
	ErrEmptyAnswer = errors.New("remote returned empty text")
	ErrRateLimited = errors.New("remote rate limit reached")
)

type Mode string

const (
	ModeRemote   Mode = "remote"
	ModeOffline  Mode = "offline"
	ModeFallback Mode = "fallback"
)

type Result struct {
	Text     string             `json:"text"`
	Sources  []providers.Source `json:"sources"`
	Degraded bool               `json:"degraded"`
	Mode     Mode               `json:"mode"`
}

// RemoteCall performs one remote generation. It may fail in any way,
// including a panic.
type RemoteCall func(ctx context.Context) (providers.GenerateResponse, error)

// Limiter bounds remote usage per client. A denial sends the call to the
// local engine.
type Limiter interface {
	Allow(ctx context.Context, clientID string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error)
}

type Models struct {
	Pro       string
	Flash     string
	Image     string
	ImageEdit string
	Video     string
}

func (m Models) withDefaults() Models {
	if m.Pro == "" {
		m.Pro = "gemini-3-pro-preview"
	}
	if m.Flash == "" {
		m.Flash = "gemini-3-flash-preview"
	}
	if m.Image == "" {
		m.Image = "gemini-3-pro-image-preview"
	}
	if m.ImageEdit == "" {
		m.ImageEdit = "gemini-2.5-flash-image"
	}
	if m.Video == "" {
		m.Video = "veo-3.1-fast-generate-preview"
	}
	return m
}

type Orchestrator struct {
	state         *connectivity.State
	engine        *localai.Engine
	text          providers.Provider
	image         providers.ImageProvider
	video         providers.VideoProvider
	limiter       Limiter
	models        Models
	media         MediaConfig
	remoteTimeout time.Duration
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

type Config struct {
	State         *connectivity.State
	Engine        *localai.Engine
	Text          providers.Provider
	Image         providers.ImageProvider
	Video         providers.VideoProvider
	Limiter       Limiter
	Models        Models
	Media         MediaConfig
	RemoteTimeout time.Duration
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Orchestrator {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	state := cfg.State
	if state == nil {
		state = connectivity.NewState(nil)
	}
	engine := cfg.Engine
	if engine == nil {
		engine = localai.New(localai.DefaultDelay)
	}
	return &Orchestrator{
		state:         state,
		engine:        engine,
		text:          cfg.Text,
		image:         cfg.Image,
		video:         cfg.Video,
		limiter:       cfg.Limiter,
		models:        cfg.Models.withDefaults(),
		media:         cfg.Media.withDefaults(),
		remoteTimeout: cfg.RemoteTimeout,
		logger:        cfg.Logger.With().Str("component", "orchestrator").Logger(),
		metrics:       m,
		now:           time.Now,
	}
}

func (o *Orchestrator) State() *connectivity.State {
	return o.state
}

// Orchestrate runs remote unless the connectivity state says offline, and
// falls back to the local engine on any remote failure. It never fails and
// never returns blank text.
func (o *Orchestrator) Orchestrate(ctx context.Context, remote RemoteCall, task localai.Task, rawInput string) Result {
	label := task.String()
	if o.state.IsOffline() {
		o.metrics.OfflineSkips.WithLabelValues(label).Inc()
		return Result{
			Text:     o.engine.Process(ctx, rawInput, task),
			Sources:  []providers.Source{},
			Degraded: true,
			Mode:     ModeOffline,
		}
	}

	resp, err := o.callRemote(ctx, remote, label)
	if err == nil {
		sources := resp.Sources
		if sources == nil {
			sources = []providers.Source{}
		}
		return Result{Text: resp.Text, Sources: sources, Mode: ModeRemote}
	}

	o.logger.Warn().Err(err).Str("task", label).Msg("remote call failed, serving local answer")
	o.metrics.FallbackResults.WithLabelValues(label).Inc()
	return Result{
		Text:     DegradedMarker + o.engine.Process(ctx, rawInput, task),
		Sources:  []providers.Source{},
		Degraded: true,
		Mode:     ModeFallback,
	}
}

func (o *Orchestrator) callRemote(ctx context.Context, remote RemoteCall, label string) (resp providers.GenerateResponse, err error) {
	if remote == nil {
		return resp, ErrNoProvider
	}
	if err := o.admit(ctx); err != nil {
		return resp, err
	}

	o.metrics.RemoteCalls.WithLabelValues(label).Inc()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("remote call panicked: %v", r)
		}
		if err != nil {
			o.metrics.RemoteFailures.WithLabelValues(label).Inc()
		}
	}()

	if o.remoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.remoteTimeout)
		defer cancel()
	}
	resp, err = remote(ctx)
	if err != nil {
		return resp, err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return resp, ErrEmptyAnswer
	}
	return resp, nil
}

// admit consults the limiter. Limiter errors let the call through.
func (o *Orchestrator) admit(ctx context.Context) error {
	if o.limiter == nil {
		return nil
	}
	client := ClientID(ctx)
	allowed, used, resetAt, err := o.limiter.Allow(ctx, client, o.now())
	if err != nil {
		o.logger.Error().Err(err).Str("client", client).Msg("rate limiter unavailable")
		return nil
	}
	if !allowed {
		return fmt.Errorf("%w: client %s used %d, resets at %s", ErrRateLimited, client, used, resetAt.Format(time.RFC3339))
	}
	return nil
}

type clientKey struct{}

// WithClientID tags ctx with the caller identity used for rate limiting.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientKey{}, id)
}

func ClientID(ctx context.Context) string {
	if v, ok := ctx.Value(clientKey{}).(string); ok && v != "" {
		return v
	}
	return "anonymous"
}
