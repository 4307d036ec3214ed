// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ItzNotABug/ghosler/config"
	"github.com/ItzNotABug/ghosler/delivery"
	"github.com/ItzNotABug/ghosler/pkg/ghosler"
)

const (
	maxBodyBytes = 5 << 20
	adminRealm   = "ghosler"
)

// Store interface for post persistence.
type Store interface {
	Get(ctx context.Context, id string) (*ghosler.Post, error)
	Create(ctx context.Context, post *ghosler.Post, update bool) (bool, error)
}

// Newsletter interface for building and sending newsletters.
type Newsletter interface {
	Send(ctx context.Context, post *ghosler.Post, target *ghosler.Newsletter) (delivery.Report, error)
	Preview(ctx context.Context) (string, error)
}

// Ghost interface for reading the configured newsletters.
type Ghost interface {
	Newsletters(ctx context.Context) ([]ghosler.Newsletter, error)
}

// OpenTracker records email opens.
type OpenTracker interface {
	Add(token string) error
}

// LinkTracker records link clicks.
type LinkTracker interface {
	Add(postID, url string)
}

// Server handles HTTP requests.
type Server struct {
	store      Store
	newsletter Newsletter
	ghost      Ghost
	opens      OpenTracker
	links      LinkTracker
	settings   *config.Provider
	limiter    *ipLimiter
	logger     *slog.Logger
	now        func() time.Time

	sends sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	Store      Store
	Newsletter Newsletter
	Ghost      Ghost
	Opens      OpenTracker
	Links      LinkTracker
	Settings   *config.Provider
	Logger     *slog.Logger
	RateLimit  float64 // requests per second per client IP on the webhook route
	RateBurst  int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	rps, burst := cfg.RateLimit, cfg.RateBurst
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	return &Server{
		store:      cfg.Store,
		newsletter: cfg.Newsletter,
		ghost:      cfg.Ghost,
		opens:      cfg.Opens,
		links:      cfg.Links,
		settings:   cfg.Settings,
		limiter:    newIPLimiter(rps, burst),
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	// Mail image proxies fetch pixels for many recipients from a few addresses,
	// so tracking hits are never throttled.
	r.Get("/track/pixel.png", s.handlePixel)
	r.Get("/track/link", s.handleLink)

	r.With(s.limiter.middleware).Post("/published", s.handlePublished)

	r.Group(func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Get("/preview", s.handlePreview)
		r.Post("/settings/reload", s.handleReload)
		r.Post("/newsletters/send", s.handleSend)
	})
	return r
}

// adminAuth guards the admin routes with basic auth against the current ghosler.auth settings.
// Requests are refused outright while no credentials are configured.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := s.settings.Settings().Ghosler.Auth
		if auth.User == "" || auth.Pass == "" {
			s.logger.Warn("Admin request refused, ghosler.auth is not configured", "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Basic realm="`+adminRealm+`"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		middleware.BasicAuth(adminRealm, map[string]string{auth.User: auth.Pass})(next).ServeHTTP(w, r)
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully and waits for
// background newsletter sends to finish.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      30 * time.Second,  // Time to write response
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := server.Shutdown(shutdownCtx)
	s.Wait()
	return err
}

// Wait blocks until every background send has finished.
func (s *Server) Wait() {
	s.sends.Wait()
}

// sendInBackground runs a newsletter send detached from the triggering request.
func (s *Server) sendInBackground(ctx context.Context, post *ghosler.Post, target *ghosler.Newsletter) {
	ctx = context.WithoutCancel(ctx)
	s.sends.Go(func() {
		report, err := s.newsletter.Send(ctx, post, target)
		if err != nil {
			s.logger.Error("Newsletter send failed", "post_id", post.ID, "error", err)
			return
		}
		s.logger.Info("Newsletter delivered",
			"post_id", post.ID,
			"run_id", report.RunID,
			"sent", report.Sent,
			"failed", report.Failed)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	html, err := s.newsletter.Preview(r.Context())
	if err != nil {
		s.logger.Error("Failed to render preview", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := w.Write([]byte(html)); err != nil {
		s.logger.Warn("Failed to write preview response", "error", err)
	}
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	if err := s.settings.Reload(); err != nil {
		s.logger.Warn("Settings reload rejected, keeping current settings", "error", err)
		s.writeJSON(w, http.StatusBadRequest, message(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, message("Settings reloaded."))
}

type messageResponse struct {
	Message string `json:"message"`
}

func message(m string) messageResponse {
	return messageResponse{Message: m}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
