// Package server orchestrates all components: access policy, classifier, executors,
// run history, COMMS transport and the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/taskrunner/internal/config"
	"github.com/morezero/taskrunner/pkg/access"
	"github.com/morezero/taskrunner/pkg/db"
	"github.com/morezero/taskrunner/pkg/pipeline"
)

const (
	logPrefix = "server:server"

	shutdownTimeout = 10 * time.Second
)

// taskRunner runs one task request end to end.
type taskRunner interface {
	Run(ctx context.Context, description string) (*pipeline.Result, error)
}

// runLister reads recorded runs. *db.Repository satisfies it.
type runLister interface {
	ListRecentRuns(ctx context.Context, params db.ListRunsParams) ([]db.TaskRun, int, error)
	GetRun(ctx context.Context, id string) (*db.TaskRun, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

var _ runLister = (*db.Repository)(nil)

// pinger checks a dependency. *pgxpool.Pool satisfies it.
type pinger interface {
	Ping(ctx context.Context) error
}

// Server serves the HTTP API and the COMMS task subject.
type Server struct {
	cfg       *config.Config
	access    *access.Policy
	runner    taskRunner
	runs      runLister
	database  pinger
	comms     *comms.Conn
	taskTypes []string
	limiter   *rateLimiter
	now       func() time.Time
}

// New creates a Server over built components.
func New(cfg *config.Config, app *App) *Server {
	s := &Server{
		cfg:    cfg,
		access: app.Access,
		runner: app.Pipeline,
		comms:  app.NC,
		now:    time.Now,
	}
	if app.Dispatcher != nil {
		s.taskTypes = app.Dispatcher.TaskTypes()
	}
	if app.Repo != nil {
		s.runs = app.Repo
	}
	if app.Pool != nil {
		s.database = app.Pool
	}
	if cfg.RateLimitEnabled {
		s.limiter = newRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPeriod)
	}
	return s
}

// Handler returns the HTTP handler with CORS and rate limiting applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/run", s.handleRun)
	mux.HandleFunc("/read", s.handleRead)
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/runs/", s.handleRunByID)
	mux.HandleFunc("/health", s.handleHealth)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.middleware(h)
	}
	return corsMiddleware(s.cfg.CORSOrigins, h)
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Starting taskrunner", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := Build(ctx, cfg, BuildOptions{})
	if err != nil {
		return fmt.Errorf("%s - failed to build components: %w", logPrefix, err)
	}
	defer app.Close()

	s := New(cfg, app)

	if app.NC != nil {
		sub, err := s.SubscribeTasks(ctx, app.NC)
		if err != nil {
			return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, cfg.TaskSubject, err)
		}
		defer sub.Unsubscribe()
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, cfg.Addr()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info(fmt.Sprintf("%s - Taskrunner is ready", logPrefix))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))
	case err := <-errCh:
		return fmt.Errorf("%s - HTTP server error: %w", logPrefix, err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", logPrefix, err))
	}
	cancel()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// SetupLogging installs the process-wide text logger at the given level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}
