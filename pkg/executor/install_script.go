package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/morezero/taskrunner/pkg/access"
	"github.com/morezero/taskrunner/pkg/retry"
	"github.com/morezero/taskrunner/pkg/semver"
	"github.com/morezero/taskrunner/pkg/taskerr"
	"github.com/morezero/taskrunner/pkg/tasks"
)

const (
	installLogPrefix = "executor:install_script"
	installStage     = "install_script"

	// Defaults for InstallScriptConfig.
	DefaultScriptTimeout  = 300 * time.Second
	DefaultPythonBin      = "python3"
	DefaultHelperTool     = "uv"
	DefaultToolConstraint = ">=0.1.0"

	scriptFileName = "datagen.py"
	maxOutputChars = 4096
)

// DefaultInstallPolicy is 3 attempts with a fixed 1s pause.
func DefaultInstallPolicy() retry.Policy {
	return retry.Policy{
		Name:        "tool-install",
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Second,
	}
}

// InstallScriptConfig configures InstallScript. Zero values use the defaults.
type InstallScriptConfig struct {
	Access         *access.Policy
	Downloader     *Downloader
	Runner         CommandRunner
	PythonBin      string
	Tool           string
	ToolConstraint string
	InstallPolicy  retry.Policy
	ScriptTimeout  time.Duration
	DefaultEmail   string
}

// InstallScript downloads a data-generation script and runs it against the data directory.
type InstallScript struct {
	access        *access.Policy
	downloader    *Downloader
	runner        CommandRunner
	python        string
	tool          string
	requirement   *semver.Requirement
	installPolicy retry.Policy
	timeout       time.Duration
	defaultEmail  string
}

// NewInstallScript creates an InstallScript. Access is required.
func NewInstallScript(cfg InstallScriptConfig) (*InstallScript, error) {
	if cfg.Access == nil {
		return nil, fmt.Errorf("%s - access policy is required", installLogPrefix)
	}
	constraint := cfg.ToolConstraint
	if constraint == "" {
		constraint = DefaultToolConstraint
	}
	req, err := semver.NewRequirement(constraint)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.CodeValidation, installStage, "invalid helper tool constraint", err)
	}

	s := &InstallScript{
		access:        cfg.Access,
		downloader:    cfg.Downloader,
		runner:        cfg.Runner,
		python:        cfg.PythonBin,
		tool:          cfg.Tool,
		requirement:   req,
		installPolicy: cfg.InstallPolicy,
		timeout:       cfg.ScriptTimeout,
		defaultEmail:  cfg.DefaultEmail,
	}
	if s.downloader == nil {
		s.downloader = NewDownloader(nil, DefaultDownloadPolicy(0))
	}
	if s.runner == nil {
		s.runner = ExecRunner{}
	}
	if s.python == "" {
		s.python = DefaultPythonBin
	}
	if s.tool == "" {
		s.tool = DefaultHelperTool
	}
	if s.installPolicy.MaxAttempts == 0 {
		s.installPolicy = DefaultInstallPolicy()
	}
	if s.timeout <= 0 {
		s.timeout = DefaultScriptTimeout
	}
	if s.defaultEmail == "" {
		s.defaultEmail = tasks.DefaultEmail
	}
	return s, nil
}

// Execute ensures the helper tool, downloads script_url, marks it executable, merges
// input_dir and output_file into params, and runs the script with the email and --root.
func (s *InstallScript) Execute(ctx context.Context, params tasks.Parameters) (bool, error) {
	if params == nil {
		return false, taskerr.New(taskerr.CodeValidation, installStage, "parameters must be an object")
	}
	if err := params.Require("script_url"); err != nil {
		return false, taskerr.Wrap(taskerr.CodeValidation, installStage, "invalid parameters", err)
	}
	scriptURL := params.String("script_url")
	email := params.StringOr("email", s.defaultEmail)

	dataDir := s.access.Dir("data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return false, taskerr.Wrap(taskerr.CodeExecution, installStage, "failed to create data directory", err)
	}

	if err := s.ensureTool(ctx); err != nil {
		return false, err
	}

	scriptPath, err := s.download(ctx, scriptURL)
	if err != nil {
		return false, err
	}

	if err := os.Chmod(scriptPath, 0o755); err != nil {
		return false, taskerr.Wrap(taskerr.CodeExecution, installStage, "failed to mark script executable", err)
	}

	params["input_dir"] = filepath.Join(dataDir, "docs")
	params["output_file"] = filepath.Join(dataDir, "docs", "index.json")

	if err := s.runScript(ctx, scriptPath, email, dataDir); err != nil {
		return false, err
	}
	return true, nil
}

// ensureTool checks the helper tool version and installs it when missing or too old.
func (s *InstallScript) ensureTool(ctx context.Context) error {
	version, err := s.toolVersion(ctx)
	if err == nil {
		slog.Info(fmt.Sprintf("%s - %s %s is already installed", installLogPrefix, s.tool, version))
		return nil
	}
	slog.Info(fmt.Sprintf("%s - Installing %s: %v", installLogPrefix, s.tool, err))

	err = s.installPolicy.Do(ctx, func(ctx context.Context, attempt int) error {
		res, err := s.runner.Run(ctx, s.python, "-m", "pip", "install", "--upgrade", s.tool)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Stop(ctx.Err())
			}
			return fmt.Errorf("pip install exited with code %d: %s", res.ExitCode, truncateOutput(res.Stderr))
		}
		if _, err := s.toolVersion(ctx); err != nil {
			return err
		}
		return nil
	})
	if err == nil {
		slog.Info(fmt.Sprintf("%s - Installed %s", installLogPrefix, s.tool))
		return nil
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		return taskerr.Wrap(taskerr.CodeExecution, installStage,
			fmt.Sprintf("failed to install %s after %d attempts", s.tool, exhausted.Attempts), exhausted.Err)
	}
	return taskerr.Wrap(taskerr.CodeExecution, installStage, fmt.Sprintf("failed to install %s", s.tool), err)
}

// toolVersion returns the installed version when it satisfies the requirement.
func (s *InstallScript) toolVersion(ctx context.Context) (string, error) {
	res, err := s.runner.Run(ctx, s.tool, "--version")
	if err != nil {
		if IsNotFound(err) {
			return "", fmt.Errorf("%s not found", s.tool)
		}
		return "", fmt.Errorf("%s --version failed: %w", s.tool, err)
	}
	version, ok, err := s.requirement.CheckOutput(res.Stdout + " " + res.Stderr)
	if err != nil {
		return "", err
	}
	if !ok {
		return version, fmt.Errorf("%s %s does not satisfy %s", s.tool, version, s.requirement)
	}
	return version, nil
}

// download fetches the script and writes it to the data directory.
func (s *InstallScript) download(ctx context.Context, scriptURL string) (string, error) {
	body, err := s.downloader.Fetch(ctx, scriptURL)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - Script download failed: %v", installLogPrefix, err))
		return "", err
	}

	rel := "/data/" + scriptFileName
	if err := s.access.WriteFile(rel, body, 0o644); err != nil {
		return "", err
	}
	path, err := s.access.Resolve(rel)
	if err != nil {
		return "", err
	}
	slog.Info(fmt.Sprintf("%s - Successfully downloaded script to %s", installLogPrefix, path))
	return path, nil
}

// runScript runs the script under a single hard timeout covering the whole call.
func (s *InstallScript) runScript(ctx context.Context, scriptPath, email, dataDir string) error {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.runner.Run(runCtx, s.python, scriptPath, email, "--root", dataDir)
	elapsed := time.Since(start)

	if err == nil {
		slog.Info(fmt.Sprintf("%s - Script completed in %s: %s", installLogPrefix, elapsed.Round(time.Millisecond), truncateOutput(res.Stdout)))
		return nil
	}

	timedOut := errors.Is(err, ErrCommandTimeout) || errors.Is(runCtx.Err(), context.DeadlineExceeded)
	if timedOut && ctx.Err() == nil {
		slog.Error(fmt.Sprintf("%s - Script timed out after %s", installLogPrefix, s.timeout))
		return taskerr.Newf(taskerr.CodeExecution, installStage,
			"script execution timed out after %s; stdout: %s; stderr: %s",
			s.timeout, truncateOutput(res.Stdout), truncateOutput(res.Stderr))
	}
	if ctx.Err() != nil {
		return taskerr.Wrap(taskerr.CodeExecution, installStage, "script execution canceled", ctx.Err())
	}
	if res.ExitCode > 0 {
		slog.Error(fmt.Sprintf("%s - Script failed with return code %d", installLogPrefix, res.ExitCode))
		slog.Error(fmt.Sprintf("%s - stdout: %s", installLogPrefix, truncateOutput(res.Stdout)))
		slog.Error(fmt.Sprintf("%s - stderr: %s", installLogPrefix, truncateOutput(res.Stderr)))
		return taskerr.Newf(taskerr.CodeExecution, installStage,
			"script execution failed with code %d; stdout: %s; stderr: %s",
			res.ExitCode, truncateOutput(res.Stdout), truncateOutput(res.Stderr))
	}
	return taskerr.Wrap(taskerr.CodeExecution, installStage, "script execution failed", err)
}

func truncateOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxOutputChars {
		return s[:maxOutputChars] + "...(truncated)"
	}
	return s
}
