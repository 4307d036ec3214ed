// Package main runs the Ghosler service: it receives post.published webhooks from Ghost,
// sends the post as an email newsletter and records opens and clicks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"

	"github.com/ItzNotABug/ghosler/config"
	"github.com/ItzNotABug/ghosler/delivery"
	"github.com/ItzNotABug/ghosler/email"
	"github.com/ItzNotABug/ghosler/ghost"
	"github.com/ItzNotABug/ghosler/newsletter"
	"github.com/ItzNotABug/ghosler/render"
	"github.com/ItzNotABug/ghosler/server"
	"github.com/ItzNotABug/ghosler/storage"
	"github.com/ItzNotABug/ghosler/track"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Ghosler stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	env, err := config.LoadEnv()
	if err != nil {
		return err
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.SlogLevel(),
	}))
	slog.SetDefault(logger)

	settings, err := config.NewProvider(env.ConfigFile, logger)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	store, closeStore, err := openStore(ctx, env, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	opens := track.NewOpenQueue(store, logger, track.WithDelay(env.TrackDebounce))
	links := track.NewLinkQueue(store, logger, track.WithDelay(env.TrackDebounce))

	httpClient := &http.Client{Timeout: 30 * time.Second}
	ghostClient := ghost.New(settings, httpClient, logger)
	transformer := render.New(settings,
		render.NewHTTPProber(httpClient, logger),
		render.NewOEmbedThumbnailer(httpClient, logger),
		logger)
	engine := delivery.NewEngine(store,
		email.NewFactory(env.GoogleCredentialsJSON, logger),
		delivery.NewPersonalizer(settings),
		settings, logger, env.SendTimeout)
	news := newsletter.New(settings, ghostClient, transformer, engine, logger)

	registerWithGhost(ctx, settings.Settings(), ghostClient, logger)

	srv := server.New(&server.Config{
		Store:      store,
		Newsletter: news,
		Ghost:      ghostClient,
		Opens:      opens,
		Links:      links,
		Settings:   settings,
		Logger:     logger,
	})
	serveErr := srv.ListenAndServe(ctx, env.Port)

	// Buffered opens and clicks are written before exit.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer flushCancel()
	opens.Close(flushCtx)
	links.Close(flushCtx)
	logger.Info("Tracking queues flushed")

	return serveErr
}

// openStore builds the configured storage backend and a cleanup func for its client.
func openStore(ctx context.Context, env *config.Env, logger *slog.Logger) (*storage.Store, func(), error) {
	noop := func() {}
	switch env.StorageBackend {
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("initialize storage client: %w", err)
		}
		logger.Info("Using Cloud Storage", "bucket", env.StorageBucket)
		return storage.NewGCS(client, env.StorageBucket, logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil
	case "s3":
		store, err := storage.NewS3(storage.S3Config{
			Bucket:    env.StorageBucket,
			Region:    env.S3Region,
			Endpoint:  env.S3Endpoint,
			AccessKey: env.S3AccessKey,
			SecretKey: env.S3SecretKey,
			PathStyle: env.S3PathStyle,
		}, logger)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("Using S3 storage", "bucket", env.StorageBucket, "endpoint", env.S3Endpoint)
		return store, noop, nil
	default:
		store, err := storage.NewLocal(env.LocalStorage, logger)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("Using local storage", "storage_path", env.LocalStorage)
		return store, noop, nil
	}
}

type ghostRegistrar interface {
	RegisterWebhook(ctx context.Context, targetURL, secret string) error
	RegisterIgnoreTag(ctx context.Context) error
}

// registerWithGhost installs the publish webhook and the ignore tag. Ghost cannot call back
// into a local address, so both are skipped there.
func registerWithGhost(ctx context.Context, s *config.Settings, g ghostRegistrar, logger *slog.Logger) {
	if isLocalURL(s.Ghosler.URL) {
		logger.Info("Ghosler URL is local, skipping webhook registration", "url", s.Ghosler.URL)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if err := g.RegisterWebhook(ctx, s.Ghosler.URL+"/published", s.Ghost.Secret); err != nil {
		logger.Warn("Failed to register webhook", "error", err)
	}
	if err := g.RegisterIgnoreTag(ctx); err != nil {
		logger.Warn("Failed to register ignore tag", "error", err)
	}
}

func isLocalURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified())
}
