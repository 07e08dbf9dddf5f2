// Package main is the entrypoint for the taskrunner.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/morezero/taskrunner/internal/config"
	"github.com/morezero/taskrunner/internal/server"
	"github.com/morezero/taskrunner/pkg/db"
	"github.com/morezero/taskrunner/pkg/pipeline"
	"github.com/morezero/taskrunner/pkg/taskerr"
	"github.com/morezero/taskrunner/pkg/tasks"
)

const usage = `Usage: taskrunner [command]
       taskrunner serve                Start the task API (HTTP, optional COMMS and run history).
       taskrunner run <description>    Classify and execute one task, then print the outcome as JSON.
       taskrunner migrate up           Run database migrations.
       taskrunner migrate status       Show migration status.
       taskrunner ensure-db [name]     Create the database if missing (default: name in DATABASE_URL).

Commands:
  serve           (default) Start the taskrunner.
  run             Run a single task description without starting the server.
  migrate up      Run database migrations only.
  migrate status  Show current migration status.
  ensure-db       Create the database on the DATABASE_URL host.

Environment: AIPROXY_TOKEN (required for serve and run), ROOT_DIR, API_PORT (default 8000),
DATABASE_URL (run history and migrate), COMMS_URL (COMMS transport and events). See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "run":
		description := strings.TrimSpace(strings.Join(args[1:], " "))
		if description == "" {
			log.Fatalf("taskrunner run: require a task description")
		}
		ok, err := runTask(description, os.Stdout)
		if err != nil {
			log.Fatalf("taskrunner run: %v", err)
		}
		if !ok {
			os.Exit(1)
		}
		return
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("taskrunner migrate: require subcommand (up, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("taskrunner migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("taskrunner migrate status: %v", err)
			}
		default:
			log.Fatalf("taskrunner migrate: unknown subcommand %q (use up, status)", sub)
		}
		return
	case "ensure-db":
		dbName := ""
		if len(args) > 1 {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("taskrunner ensure-db: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("taskrunner: %v", err)
	}
}

// runOutput is the JSON printed by "taskrunner run".
type runOutput struct {
	Status    string            `json:"status"`
	RunID     string            `json:"run_id"`
	TaskInfo  *tasks.ParsedTask `json:"task_info,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// runTask builds the components, runs description once and writes the outcome. A task
// failure is reported in the output, not as an error.
func runTask(description string, out io.Writer) (bool, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return false, fmt.Errorf("load config: %w", err)
	}
	server.SetupLogging(cfg.LogLevel)
	if err := cfg.ValidateForRun(); err != nil {
		return false, err
	}

	ctx := context.Background()
	app, err := server.Build(ctx, cfg, server.BuildOptions{})
	if err != nil {
		return false, err
	}
	defer app.Close()

	res, runErr := app.Pipeline.Run(ctx, description)
	if err := writeRunOutput(out, res, runErr, time.Now()); err != nil {
		return false, err
	}
	return runErr == nil, nil
}

func writeRunOutput(out io.Writer, res *pipeline.Result, runErr error, now time.Time) error {
	o := runOutput{Status: "success", Timestamp: now.UTC().Format(time.RFC3339)}
	if res != nil {
		o.RunID = res.ID
		if res.Task.TaskType != "" {
			task := res.Task
			o.TaskInfo = &task
		}
	}
	if runErr != nil {
		o.Status = "failed"
		o.ErrorCode = taskerr.CodeOf(runErr)
		o.Detail = runErr.Error()
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(o)
}

func runMigrateUp() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	if err := db.EnsureDatabase(ctx, cfg.DatabaseURL); err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrations, err := db.LoadMigrationFiles(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := db.RunMigrations(ctx, pool, migrations); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runMigrateStatus() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return db.MigrationStatus(ctx, pool, cfg.MigrationPath, os.Stdout)
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	targetURL, err := withDatabaseName(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Println("Database is ready.")
	return nil
}

// withDatabaseName replaces the database in databaseURL when name is set; the query
// (e.g. sslmode) is kept.
func withDatabaseName(databaseURL, name string) (string, error) {
	if name == "" {
		return databaseURL, nil
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + name
	return u.String(), nil
}
