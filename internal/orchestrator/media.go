package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"clarity/internal/providers"
)

const (
	labelImage     = "IMAGE"
	labelImageEdit = "IMAGE_EDIT"
	labelVideo     = "VIDEO"
)

var DefaultPlaceholderImages = []string{
	"https://images.unsplash.com/photo-1620641788421-7a1c342ea42e?q=80&w=1974&auto=format&fit=crop",
	"https://images.unsplash.com/photo-1550751827-4bd374c3f58b?q=80&w=2070&auto=format&fit=crop",
	"https://images.unsplash.com/photo-1535378437327-10f5af706020?q=80&w=2070&auto=format&fit=crop",
	"https://images.unsplash.com/photo-1614728263952-84ea256f9679?q=80&w=2008&auto=format&fit=crop",
}

const DefaultPlaceholderVideo = "https://storage.googleapis.com/gtv-videos-bucket/sample/ForBiggerEscapes.mp4"

var ErrVideoTimeout = errors.New("video job did not finish in time")

type MediaConfig struct {
	// ImageDelay and VideoDelay pace offline placeholders.
	ImageDelay        time.Duration
	VideoDelay        time.Duration
	PollInterval      time.Duration
	MaxPolls          int
	PlaceholderImages []string
	PlaceholderVideo  string
}

func (c MediaConfig) withDefaults() MediaConfig {
	if c.ImageDelay < 0 {
		c.ImageDelay = 0
	}
	if c.VideoDelay < 0 {
		c.VideoDelay = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 60
	}
	if len(c.PlaceholderImages) == 0 {
		c.PlaceholderImages = DefaultPlaceholderImages
	}
	if c.PlaceholderVideo == "" {
		c.PlaceholderVideo = DefaultPlaceholderVideo
	}
	return c
}

type MediaResult struct {
	URI      string `json:"uri"`
	Degraded bool   `json:"degraded"`
	Mode     Mode   `json:"mode"`
}

// GenerateImage returns a data URI of the generated image, or a placeholder
// picture when offline or when the remote call fails.
func (o *Orchestrator) GenerateImage(ctx context.Context, prompt, size string) MediaResult {
	placeholder := o.placeholderImage(prompt)
	if o.state.IsOffline() {
		o.metrics.OfflineSkips.WithLabelValues(labelImage).Inc()
		sleepCtx(ctx, o.media.ImageDelay)
		return MediaResult{URI: placeholder, Degraded: true, Mode: ModeOffline}
	}

	uri, err := o.remoteMedia(ctx, labelImage, func(ctx context.Context) (string, error) {
		if o.image == nil {
			return "", ErrNoProvider
		}
		img, err := o.image.GenerateImage(ctx, providers.ImageRequest{
			Model:       o.models.Image,
			Prompt:      prompt,
			Size:        size,
			AspectRatio: "1:1",
		})
		if err != nil {
			return "", err
		}
		if len(img.Data) == 0 {
			return "", fmt.Errorf("no image data in response")
		}
		return img.DataURI(), nil
	})
	if err != nil {
		return MediaResult{URI: placeholder, Degraded: true, Mode: ModeFallback}
	}
	return MediaResult{URI: uri, Mode: ModeRemote}
}

// EditImage returns the edited image, or the input image unchanged when
// offline or when the remote call fails.
func (o *Orchestrator) EditImage(ctx context.Context, imageDataURI, prompt string) MediaResult {
	if o.state.IsOffline() {
		o.metrics.OfflineSkips.WithLabelValues(labelImageEdit).Inc()
		sleepCtx(ctx, o.media.ImageDelay)
		return MediaResult{URI: imageDataURI, Degraded: true, Mode: ModeOffline}
	}

	uri, err := o.remoteMedia(ctx, labelImageEdit, func(ctx context.Context) (string, error) {
		if o.image == nil {
			return "", ErrNoProvider
		}
		mime, data, err := parseDataURI(imageDataURI)
		if err != nil {
			return "", err
		}
		img, err := o.image.EditImage(ctx, providers.ImageEditRequest{
			Model:    o.models.ImageEdit,
			Prompt:   prompt,
			Image:    data,
			MIMEType: mime,
		})
		if err != nil {
			return "", err
		}
		if len(img.Data) == 0 {
			return "", fmt.Errorf("no edited image returned")
		}
		return img.DataURI(), nil
	})
	if err != nil {
		return MediaResult{URI: imageDataURI, Degraded: true, Mode: ModeFallback}
	}
	return MediaResult{URI: uri, Mode: ModeRemote}
}

// GenerateVideo animates an image. The job is polled every PollInterval at
// most MaxPolls times; past that the placeholder video is returned.
func (o *Orchestrator) GenerateVideo(ctx context.Context, imageDataURI, prompt, aspectRatio string) MediaResult {
	placeholder := o.media.PlaceholderVideo
	if o.state.IsOffline() {
		o.metrics.OfflineSkips.WithLabelValues(labelVideo).Inc()
		sleepCtx(ctx, o.media.VideoDelay)
		return MediaResult{URI: placeholder, Degraded: true, Mode: ModeOffline}
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = "Animate this"
	}
	if aspectRatio != "9:16" {
		aspectRatio = "16:9"
	}

	uri, err := o.remoteMedia(ctx, labelVideo, func(ctx context.Context) (string, error) {
		if o.video == nil {
			return "", ErrNoProvider
		}
		mime, data, err := parseDataURI(imageDataURI)
		if err != nil {
			return "", err
		}
		job, err := o.video.SubmitVideo(ctx, providers.VideoRequest{
			Model:       o.models.Video,
			Prompt:      prompt,
			Image:       data,
			MIMEType:    mime,
			AspectRatio: aspectRatio,
		})
		if err != nil {
			return "", fmt.Errorf("submit video: %w", err)
		}
		job, err = o.awaitVideo(ctx, job)
		if err != nil {
			return "", err
		}
		if job.Status == providers.VideoFailed {
			return "", fmt.Errorf("video job %s failed: %s", job.ID, job.Error)
		}
		if job.URI == "" {
			return "", fmt.Errorf("video job %s has no uri", job.ID)
		}
		return job.URI, nil
	})
	if err != nil {
		return MediaResult{URI: placeholder, Degraded: true, Mode: ModeFallback}
	}
	return MediaResult{URI: uri, Mode: ModeRemote}
}

func (o *Orchestrator) awaitVideo(ctx context.Context, job providers.VideoJob) (providers.VideoJob, error) {
	ticker := time.NewTicker(o.media.PollInterval)
	defer ticker.Stop()

	for polls := 0; !job.Done(); polls++ {
		if polls >= o.media.MaxPolls {
			return job, fmt.Errorf("%w: %d polls", ErrVideoTimeout, polls)
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
		next, err := o.video.PollVideo(ctx, job.ID)
		if err != nil {
			return job, fmt.Errorf("poll video %s: %w", job.ID, err)
		}
		if next.ID == "" {
			next.ID = job.ID
		}
		job = next
	}
	return job, nil
}

// remoteMedia runs call with the same admission, panic and failure
// accounting as text calls.
func (o *Orchestrator) remoteMedia(ctx context.Context, label string, call func(context.Context) (string, error)) (uri string, err error) {
	defer func() {
		if err != nil {
			o.logger.Warn().Err(err).Str("task", label).Msg("remote media failed, serving placeholder")
			o.metrics.FallbackResults.WithLabelValues(label).Inc()
		}
	}()
	if err := o.admit(ctx); err != nil {
		return "", err
	}

	o.metrics.RemoteCalls.WithLabelValues(label).Inc()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("remote media panicked: %v", r)
		}
		if err != nil {
			o.metrics.RemoteFailures.WithLabelValues(label).Inc()
		}
	}()
	return call(ctx)
}

func (o *Orchestrator) placeholderImage(prompt string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	list := o.media.PlaceholderImages
	return list[h.Sum32()%uint32(len(list))]
}

// parseDataURI accepts "data:<mime>;base64,<payload>" or a bare base64
// payload, which is assumed to be PNG.
func parseDataURI(s string) (string, []byte, error) {
	mime, payload := "image/png", s
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if !found {
			return "", nil, fmt.Errorf("malformed data uri")
		}
		if m := strings.TrimSuffix(meta, ";base64"); m != "" {
			mime = m
		}
		payload = data
	}
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode image: %w", err)
	}
	return mime, b, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
