// Package config provides taskrunner configuration loaded from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds taskrunner configuration.
type Config struct {
	// HTTP API
	APIHost string `envconfig:"API_HOST" default:"0.0.0.0"`
	APIPort int    `envconfig:"API_PORT" default:"8000"`

	// LLM gateway. The token is never logged.
	AIProxyToken   string        `envconfig:"AIPROXY_TOKEN"`
	LLMAPIURL      string        `envconfig:"LLM_API_URL" default:"https://aiproxy.sanand.workers.dev/openai/v1/chat/completions"`
	LLMModel       string        `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
	LLMMaxAttempts int           `envconfig:"LLM_MAX_ATTEMPTS" default:"3"`
	LLMBaseTimeout time.Duration `envconfig:"LLM_BASE_TIMEOUT" default:"30s"`
	LLMMaxTimeout  time.Duration `envconfig:"LLM_MAX_TIMEOUT" default:"90s"`

	// Filesystem access policy
	RootDir           string   `envconfig:"ROOT_DIR" default:"."`
	AllowedDirs       []string `envconfig:"ALLOWED_DIRS" default:"data,logs,temp"`
	AllowedExtensions []string `envconfig:"ALLOWED_EXTENSIONS" default:".txt,.json,.csv,.md,.py,.jpg,.jpeg,.png,.gif,.log"`

	// Script installer
	ScriptURL            string        `envconfig:"SCRIPT_URL" default:"https://raw.githubusercontent.com/sanand0/tools-in-data-science-public/tds-2025-01/project-1/datagen.py"`
	UserEmail            string        `envconfig:"USER_EMAIL" default:"user@example.com"`
	PythonBin            string        `envconfig:"PYTHON_BIN" default:"python3"`
	HelperTool           string        `envconfig:"HELPER_TOOL" default:"uv"`
	HelperToolMinVersion string        `envconfig:"HELPER_TOOL_MIN_VERSION" default:">=0.1.0"`
	ScriptTimeout        time.Duration `envconfig:"SCRIPT_TIMEOUT" default:"300s"`
	DownloadTimeout      time.Duration `envconfig:"DOWNLOAD_TIMEOUT" default:"30s"`

	// Security middleware
	CORSOrigins       []string      `envconfig:"CORS_ORIGINS" default:"*"`
	RateLimitEnabled  bool          `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"100"`
	RateLimitPeriod   time.Duration `envconfig:"RATE_LIMIT_PERIOD" default:"1h"`

	// Database (empty = run history disabled)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// COMMS: NATS at COMMSURL (empty = events and NATS transport disabled).
	COMMSURL         string `envconfig:"COMMS_URL"`
	COMMSName        string `envconfig:"SERVICE_NAME" default:"taskrunner"`
	TaskSubject      string `envconfig:"TASK_SUBJECT" default:"cap.tasks.run.v1"`
	TaskEventSubject string `envconfig:"TASK_EVENT_SUBJECT" default:"tasks.completed"`

	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

// HistoryEnabled reports whether task runs are recorded in the database.
func (c *Config) HistoryEnabled() bool {
	return strings.TrimSpace(c.DatabaseURL) != ""
}

// CommsEnabled reports whether NATS is configured.
func (c *Config) CommsEnabled() bool {
	return strings.TrimSpace(c.COMMSURL) != ""
}

// ValidateForRun checks required config for classifying and executing a task.
func (c *Config) ValidateForRun() error {
	if strings.TrimSpace(c.AIProxyToken) == "" {
		return fmt.Errorf("%s - AIPROXY_TOKEN environment variable is not set", logPrefix)
	}
	if strings.TrimSpace(c.LLMAPIURL) == "" {
		return fmt.Errorf("%s - LLM_API_URL is required", logPrefix)
	}
	if c.LLMMaxAttempts < 1 {
		return fmt.Errorf("%s - LLM_MAX_ATTEMPTS must be at least 1", logPrefix)
	}
	if c.LLMBaseTimeout <= 0 || c.LLMMaxTimeout <= 0 {
		return fmt.Errorf("%s - LLM_BASE_TIMEOUT and LLM_MAX_TIMEOUT must be positive", logPrefix)
	}
	if c.LLMMaxTimeout < c.LLMBaseTimeout {
		return fmt.Errorf("%s - LLM_MAX_TIMEOUT must not be less than LLM_BASE_TIMEOUT", logPrefix)
	}
	if c.ScriptTimeout <= 0 {
		return fmt.Errorf("%s - SCRIPT_TIMEOUT must be positive", logPrefix)
	}
	if c.DownloadTimeout <= 0 {
		return fmt.Errorf("%s - DOWNLOAD_TIMEOUT must be positive", logPrefix)
	}
	if len(nonEmpty(c.AllowedDirs)) == 0 {
		return fmt.Errorf("%s - ALLOWED_DIRS must name at least one directory", logPrefix)
	}
	return nil
}

// ValidateForServe checks required config when running the HTTP server.
func (c *Config) ValidateForServe() error {
	if err := c.ValidateForRun(); err != nil {
		return err
	}
	if c.APIPort < 1024 || c.APIPort > 65535 {
		return fmt.Errorf("%s - API_PORT must be between 1024 and 65535", logPrefix)
	}
	if c.RateLimitEnabled {
		if c.RateLimitRequests <= 0 {
			return fmt.Errorf("%s - RATE_LIMIT_REQUESTS must be positive", logPrefix)
		}
		if c.RateLimitPeriod <= 0 {
			return fmt.Errorf("%s - RATE_LIMIT_PERIOD must be positive", logPrefix)
		}
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.CommsEnabled() && strings.TrimSpace(c.TaskSubject) == "" {
		return fmt.Errorf("%s - TASK_SUBJECT is required when COMMS_URL is set", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate).
func (c *Config) ValidateForDB() error {
	if !c.HistoryEnabled() {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, strings.TrimSpace(v))
		}
	}
	return out
}
