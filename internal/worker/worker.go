package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"clarity/internal/metrics"
	"clarity/internal/orchestrator"
	"clarity/internal/queue"
)

// MediaRunner produces media results. It never fails; degraded results carry
// placeholders.
type MediaRunner interface {
	GenerateImage(ctx context.Context, prompt, size string) orchestrator.MediaResult
	EditImage(ctx context.Context, imageDataURI, prompt string) orchestrator.MediaResult
	GenerateVideo(ctx context.Context, imageDataURI, prompt, aspectRatio string) orchestrator.MediaResult
}

// ResultWriter stores the outcome of a finished job.
type ResultWriter interface {
	Put(ctx context.Context, out queue.MediaOutcome) error
}

type Worker struct {
	queue         *queue.StreamQueue
	results       ResultWriter
	media         MediaRunner
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Queue         *queue.StreamQueue
	Results       ResultWriter
	Media         MediaRunner
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		queue:         cfg.Queue,
		results:       cfg.Results,
		media:         cfg.Media,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger.With().Str("component", "worker").Logger(),
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

	if msg.Job.Attempts < w.maxJobRetries {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}

func (w *Worker) processJob(ctx context.Context, job queue.MediaJob) error {
	if job.ClientID != "" {
		ctx = orchestrator.WithClientID(ctx, job.ClientID)
	}

	var res orchestrator.MediaResult
	switch job.Kind {
	case queue.KindImage:
		res = w.media.GenerateImage(ctx, job.Prompt, job.Size)
	case queue.KindImageEdit:
		res = w.media.EditImage(ctx, job.Image, job.Prompt)
	case queue.KindVideo:
		res = w.media.GenerateVideo(ctx, job.Image, job.Prompt, job.AspectRatio)
	default:
		return fmt.Errorf("unknown media kind %q", job.Kind)
	}

	w.logger.Debug().Str("job_id", job.JobID).Str("kind", string(job.Kind)).Str("mode", string(res.Mode)).Msg("media job done")
	return w.results.Put(ctx, queue.MediaOutcome{
		JobID:    job.JobID,
		Kind:     job.Kind,
		URI:      res.URI,
		Degraded: res.Degraded,
		Mode:     string(res.Mode),
	})
}
