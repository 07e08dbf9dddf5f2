package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/taskrunner/internal/config"
	"github.com/morezero/taskrunner/pkg/access"
	"github.com/morezero/taskrunner/pkg/classifier"
	"github.com/morezero/taskrunner/pkg/commsutil"
	"github.com/morezero/taskrunner/pkg/db"
	"github.com/morezero/taskrunner/pkg/dispatcher"
	"github.com/morezero/taskrunner/pkg/events"
	"github.com/morezero/taskrunner/pkg/executor"
	"github.com/morezero/taskrunner/pkg/llm"
	"github.com/morezero/taskrunner/pkg/pipeline"
)

const appLogPrefix = "server:app"

// App holds the components built once at startup and shared read-only by every request.
type App struct {
	Access     *access.Policy
	Dispatcher *dispatcher.Dispatcher
	Pipeline   *pipeline.Service
	// Repo and Pool are nil when DATABASE_URL is empty.
	Repo *db.Repository
	Pool *pgxpool.Pool
	// NC is nil when COMMS_URL is empty.
	NC *comms.Conn
}

// BuildOptions overrides collaborators (tests). Zero values use the real implementations.
type BuildOptions struct {
	HTTP   *http.Client
	Runner executor.CommandRunner
}

// Build constructs every component from cfg. The database and COMMS are optional and
// only connected when configured.
func Build(ctx context.Context, cfg *config.Config, opts BuildOptions) (*App, error) {
	app := &App{}

	// Step 1: Access policy and working directories
	policy, err := access.NewPolicy(cfg.RootDir, cfg.AllowedDirs, cfg.AllowedExtensions)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create access policy: %w", appLogPrefix, err)
	}
	if err := policy.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("%s - failed to create working directories: %w", appLogPrefix, err)
	}
	app.Access = policy
	slog.Info(fmt.Sprintf("%s - Allowed directories: %v", appLogPrefix, policy.AllowedRoots()))

	// Step 2: LLM gateway client
	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	llmPolicy := llm.DefaultPolicy()
	llmPolicy.MaxAttempts = cfg.LLMMaxAttempts
	llmPolicy.BaseTimeout = cfg.LLMBaseTimeout
	llmPolicy.MaxTimeout = cfg.LLMMaxTimeout
	client, err := llm.NewClient(llm.Config{
		URL:    cfg.LLMAPIURL,
		Token:  cfg.AIProxyToken,
		Model:  cfg.LLMModel,
		Policy: llmPolicy,
		HTTP:   httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create LLM client: %w", appLogPrefix, err)
	}

	// Step 3: Classifier, executors and dispatcher
	parser := classifier.New(client, classifier.DefaultRules(classifier.Defaults{
		ScriptURL: cfg.ScriptURL,
		Email:     cfg.UserEmail,
	}))
	downloader := executor.NewDownloader(httpClient, executor.DefaultDownloadPolicy(cfg.DownloadTimeout))
	runner := opts.Runner
	if runner == nil {
		runner = executor.ExecRunner{}
	}
	executors, err := executor.NewRegistry(executor.Deps{
		Access:     policy,
		Downloader: downloader,
		Runner:     runner,
		Text:       client,
		Vision:     client,
		Install: executor.InstallScriptConfig{
			PythonBin:      cfg.PythonBin,
			Tool:           cfg.HelperTool,
			ToolConstraint: cfg.HelperToolMinVersion,
			InstallPolicy:  executor.DefaultInstallPolicy(),
			ScriptTimeout:  cfg.ScriptTimeout,
			DefaultEmail:   cfg.UserEmail,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create executors: %w", appLogPrefix, err)
	}
	app.Dispatcher = dispatcher.NewDispatcher(executors)
	slog.Info(fmt.Sprintf("%s - Registered executors: %v", appLogPrefix, app.Dispatcher.TaskTypes()))

	// Step 4: Run history (optional)
	var recorder pipeline.RunRecorder
	if cfg.HistoryEnabled() {
		pool, err := connectDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		app.Pool = pool
		app.Repo = db.NewRepository(pool)
		recorder = app.Repo
	} else {
		slog.Info(fmt.Sprintf("%s - DATABASE_URL not set, run history disabled", appLogPrefix))
	}

	// Step 5: COMMS events (optional)
	var publisher events.EventPublisher = &events.NoOpPublisher{}
	if cfg.CommsEnabled() {
		nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", appLogPrefix, err)
		}
		app.NC = nc
		publisher = events.NewCommsPublisher(nc, &events.CommsPublisherOpts{EventSubject: cfg.TaskEventSubject})
	} else {
		slog.Info(fmt.Sprintf("%s - COMMS_URL not set, events and COMMS transport disabled", appLogPrefix))
	}

	app.Pipeline = pipeline.NewService(pipeline.NewServiceParams{
		Classifier: parser,
		Dispatcher: app.Dispatcher,
		Recorder:   recorder,
		Publisher:  publisher,
	})
	return app, nil
}

func connectDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.RunMigrations {
		if err := db.EnsureDatabase(ctx, cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("%s - failed to ensure database: %w", appLogPrefix, err)
		}
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", appLogPrefix, err)
	}
	if cfg.RunMigrations {
		migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to load migrations: %w", appLogPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, migrations); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to run migrations: %w", appLogPrefix, err)
		}
	}
	return pool, nil
}

// Close releases the database pool and drains the COMMS connection.
func (a *App) Close() {
	if a.NC != nil {
		if err := a.NC.Drain(); err != nil {
			a.NC.Close()
		}
		waitClosed(a.NC, 5*time.Second)
		a.NC = nil
	}
	if a.Pool != nil {
		a.Pool.Close()
		a.Pool = nil
	}
}

// waitClosed waits for a draining connection to finish.
func waitClosed(nc *comms.Conn, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for !nc.IsClosed() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
}
