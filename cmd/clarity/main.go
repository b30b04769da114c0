package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"clarity/internal/api"
	"clarity/internal/config"
	"clarity/internal/connectivity"
	"clarity/internal/crypto"
	"clarity/internal/files"
	"clarity/internal/history"
	"clarity/internal/localai"
	"clarity/internal/metrics"
	"clarity/internal/orchestrator"
	"clarity/internal/providers/registry"
	"clarity/internal/queue"
	"clarity/internal/storage"
	"clarity/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("storage", cfg.Storage.Backend).
		Str("remote", cfg.Remote.Kind).
		Bool("force_offline", cfg.Offline.ForceOffline).
		Bool("encrypted", cfg.Crypto.Enabled()).
		Msg("starting clarity")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("runtime error")
	}
	log.Info().Msg("stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.Global()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
	}

	kv, closeKV, err := openKV(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer closeKV()

	if cfg.Crypto.Enabled() {
		keyring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			return fmt.Errorf("init keyring: %w", err)
		}
		sealed := crypto.NewSealedKV(kv, keyring)
		n, err := sealed.Rotate(ctx, history.StudentLog, history.SMELog, cfg.Storage.FilesKey)
		if err != nil {
			return fmt.Errorf("rotate sealed values: %w", err)
		}
		if n > 0 {
			log.Info().Int("values", n).Str("key_id", cfg.Crypto.CurrentKeyID).Msg("stored values resealed")
		}
		kv = sealed
	}

	remote, err := registry.Build(registry.BuildOptions{
		Kind:    cfg.Remote.Kind,
		BaseURL: cfg.Remote.BaseURL,
		APIKey:  cfg.Remote.APIKey,
		Headers: cfg.Remote.Headers,
		Config: map[string]any{
			"endpoint":      cfg.Remote.Endpoint,
			"body_template": cfg.Remote.BodyTemplate,
		},
		HTTPClient:  &http.Client{Timeout: cfg.Remote.ClientTimeout},
		MaxRetries:  cfg.Remote.MaxRetries,
		BackoffBase: cfg.Remote.BackoffBase,
	})
	if err != nil {
		return fmt.Errorf("build remote provider: %w", err)
	}
	if remote.Text == nil {
		log.Warn().Msg("no remote provider configured, every answer will come from the local engine")
	}

	g, ctx := errgroup.WithContext(ctx)

	online := connectivity.NewFlag(true)
	state := connectivity.NewState(online)
	state.SetForceOffline(cfg.Offline.ForceOffline)
	if addr := probeTarget(cfg); addr != "" {
		prober := connectivity.NewProber(online, connectivity.ProberConfig{
			Addr:     addr,
			Interval: cfg.Offline.ProbeInterval,
			Timeout:  cfg.Offline.ProbeTimeout,
			Logger:   log.Logger,
		})
		g.Go(func() error {
			prober.Run(ctx)
			return nil
		})
		log.Info().Str("addr", addr).Dur("interval", cfg.Offline.ProbeInterval).Msg("connectivity probe started")
	}

	g.Go(func() error {
		online.Watch(ctx, func(up bool) {
			if up {
				m.RemoteReachable.Set(1)
				return
			}
			m.RemoteReachable.Set(0)
		})
		return nil
	})

	orchCfg := orchestrator.Config{
		State:  state,
		Engine: localai.New(cfg.Offline.LocalDelay),
		Text:   remote.Text,
		Image:  remote.Image,
		Video:  remote.Video,
		Models: orchestrator.Models{
			Pro:       cfg.Remote.ProModel,
			Flash:     cfg.Remote.FlashModel,
			Image:     cfg.Remote.ImageModel,
			ImageEdit: cfg.Remote.ImageEditModel,
			Video:     cfg.Remote.VideoModel,
		},
		Media: orchestrator.MediaConfig{
			ImageDelay:        cfg.Media.ImageDelay,
			VideoDelay:        cfg.Media.VideoDelay,
			PollInterval:      cfg.Media.PollInterval,
			MaxPolls:          cfg.Media.MaxPolls,
			PlaceholderImages: cfg.Media.PlaceholderImages,
			PlaceholderVideo:  cfg.Media.PlaceholderVideo,
		},
		RemoteTimeout: cfg.Remote.Timeout,
		Logger:        log.Logger,
		Metrics:       m,
	}
	if rdb != nil && cfg.Rate.PerHour > 0 {
		orchCfg.Limiter = queue.NewRateLimiter(rdb, cfg.Rate.PerHour)
	}
	orch := orchestrator.New(orchCfg)

	deps := api.Deps{
		Orchestrator:   orch,
		History:        history.New(history.Config{KV: kv, Logger: log.Logger, Metrics: m}),
		Files:          files.New(files.Config{KV: kv, Key: cfg.Storage.FilesKey, Logger: log.Logger, Metrics: m}),
		Token:          cfg.HTTP.APIToken,
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		Logger:         log.Logger,
		Metrics:        m,
	}

	var jobQueue *queue.StreamQueue
	if rdb != nil {
		jobQueue = queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
		results := queue.NewResultStore(rdb, cfg.Media.ResultTTL)
		deps.Media = jobQueue
		deps.Results = results
		deps.Dedupe = queue.NewSubmissionDeduplicator(rdb, cfg.Media.DedupeTTL)

		if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
			w := worker.New(worker.Config{
				Queue:         jobQueue,
				Results:       results,
				Media:         orch,
				MaxJobRetries: cfg.Worker.MaxRetries,
				Logger:        log.Logger,
				Metrics:       m,
			})
			g.Go(func() error {
				if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
					return fmt.Errorf("worker failed: %w", err)
				}
				return nil
			})
			log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
		}
	} else if cfg.AppMode == config.ModeWorker {
		return errors.New("APP_MODE=WORKER requires REDIS_ADDR")
	}

	router := chi.NewRouter()
	router.Get(cfg.HTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())
	if cfg.AppMode != config.ModeWorker {
		router.Mount("/", api.NewHandler(deps))
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop http server")
		}
		return nil
	})

	return g.Wait()
}

func openKV(ctx context.Context, cfg *config.Config, rdb *redis.Client) (storage.KV, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		if rdb == nil {
			return nil, nil, errors.New("STORAGE_BACKEND=redis requires REDIS_ADDR")
		}
		return storage.NewRedisKV(rdb, cfg.Storage.RedisPrefix, cfg.Storage.Budget), func() {}, nil
	case config.BackendMemory:
		log.Warn().Msg("memory storage backend selected, history and files are lost on restart")
		return storage.NewMemoryKV(cfg.Storage.Budget), func() {}, nil
	default:
		store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN, cfg.Storage.AutoMigrate, cfg.Storage.Budget)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize storage: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	}
}

// probeTarget is the configured probe address, or the remote host on its
// default port.
func probeTarget(cfg *config.Config) string {
	if cfg.Offline.ProbeAddr != "" {
		return cfg.Offline.ProbeAddr
	}
	if cfg.Remote.BaseURL == "" {
		return ""
	}
	u, err := url.Parse(cfg.Remote.BaseURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
