package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	Env      string
	HTTPAddr string

	DBDSN string

	LogLevel string

	// GitHub App credentials.
	GitHubAppID          int64
	GitHubPrivateKeyFile string
	GitHubAPIBaseURL     string

	// Webhook intake.
	WebhookSecret      string
	SlackSigningSecret string
	AllowedEvents      []string
	RateLimitRPM       int

	// Artifact processing caps.
	MaxEntryBytes   int64
	MaxArchiveBytes int64
	MaxOutputBytes  int

	// Scoring.
	WindowSize           int
	QuarantineThreshold  float64
	WarnThreshold        float64
	MinRunsForQuarantine int
	MinRecentFailures    int
	LookbackDays         int
	ClusterGapMinutes    int

	// Renderer.
	MaxSummaryBytes int

	// Queue workers.
	MaxAttempts        int
	DrainDeadlineSecs  int
	HeartbeatSecs      int
	IngestConcurrency  int
	AnalyzeConcurrency int
	EventsConcurrency  int

	// Poller.
	PollIntervalMinutes int
	PollBatchSize       int
	RateReservePercent  int

	RequestTimeoutSecs int
}

var defaultAllowedEvents = []string{
	"workflow_run", "workflow_job", "check_run", "check_suite",
	"pull_request", "installation", "installation_repositories", "push",
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Env = strings.TrimSpace(os.Getenv("FG_ENV"))
	if cfg.Env == "" {
		return nil, fmt.Errorf("FG_ENV is required")
	}
	if cfg.Env != "dev" && cfg.Env != "prod" {
		return nil, fmt.Errorf("FG_ENV must be one of: dev, prod (got: %s)", cfg.Env)
	}

	cfg.HTTPAddr = getEnvOrDefault("FG_HTTP_ADDR", ":8080")

	cfg.DBDSN = strings.TrimSpace(os.Getenv("FG_DB_DSN"))
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("FG_DB_DSN is required")
	}

	cfg.LogLevel = getEnvOrDefault("FG_LOG_LEVEL", "info")
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("FG_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", cfg.LogLevel)
	}

	var err error
	cfg.GitHubAppID, err = getEnvInt64OrDefault("FG_GITHUB_APP_ID", 0)
	if err != nil {
		return nil, err
	}
	if cfg.GitHubAppID <= 0 {
		return nil, fmt.Errorf("FG_GITHUB_APP_ID is required")
	}

	cfg.GitHubPrivateKeyFile = strings.TrimSpace(os.Getenv("FG_GITHUB_PRIVATE_KEY_FILE"))
	if cfg.GitHubPrivateKeyFile == "" {
		return nil, fmt.Errorf("FG_GITHUB_PRIVATE_KEY_FILE is required")
	}

	cfg.GitHubAPIBaseURL = strings.TrimSpace(os.Getenv("FG_GITHUB_API_BASE_URL"))

	cfg.WebhookSecret = os.Getenv("FG_WEBHOOK_SECRET")
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("FG_WEBHOOK_SECRET is required")
	}
	if cfg.Env == "prod" && len(cfg.WebhookSecret) < 16 {
		return nil, fmt.Errorf("FG_WEBHOOK_SECRET must be at least 16 characters (currently %d)", len(cfg.WebhookSecret))
	}

	cfg.SlackSigningSecret = os.Getenv("FG_SLACK_SIGNING_SECRET")

	if raw := strings.TrimSpace(os.Getenv("FG_ALLOWED_EVENTS")); raw != "" {
		for _, ev := range strings.Split(raw, ",") {
			if ev = strings.TrimSpace(ev); ev != "" {
				cfg.AllowedEvents = append(cfg.AllowedEvents, ev)
			}
		}
	} else {
		cfg.AllowedEvents = defaultAllowedEvents
	}

	cfg.RateLimitRPM, err = getEnvIntOrDefault("FG_RATE_LIMIT_RPM", 300)
	if err != nil {
		return nil, err
	}

	cfg.MaxEntryBytes, err = getEnvInt64OrDefault("FG_MAX_ENTRY_BYTES", 128*1024*1024)
	if err != nil {
		return nil, err
	}

	cfg.MaxArchiveBytes, err = getEnvInt64OrDefault("FG_MAX_ARCHIVE_BYTES", 512*1024*1024)
	if err != nil {
		return nil, err
	}

	cfg.MaxOutputBytes, err = getEnvIntOrDefault("FG_MAX_OUTPUT_BYTES", 64*1024)
	if err != nil {
		return nil, err
	}

	cfg.WindowSize, err = getEnvIntOrDefault("FG_WINDOW_SIZE", 50)
	if err != nil {
		return nil, err
	}
	if cfg.WindowSize < 1 {
		return nil, fmt.Errorf("FG_WINDOW_SIZE must be positive (got: %d)", cfg.WindowSize)
	}

	cfg.QuarantineThreshold, err = getEnvFloatOrDefault("FG_QUARANTINE_THRESHOLD", 0.6)
	if err != nil {
		return nil, err
	}

	cfg.WarnThreshold, err = getEnvFloatOrDefault("FG_WARN_THRESHOLD", 0.3)
	if err != nil {
		return nil, err
	}

	cfg.MinRunsForQuarantine, err = getEnvIntOrDefault("FG_MIN_RUNS_FOR_QUARANTINE", 5)
	if err != nil {
		return nil, err
	}

	cfg.MinRecentFailures, err = getEnvIntOrDefault("FG_MIN_RECENT_FAILURES", 2)
	if err != nil {
		return nil, err
	}

	cfg.LookbackDays, err = getEnvIntOrDefault("FG_LOOKBACK_DAYS", 7)
	if err != nil {
		return nil, err
	}

	cfg.ClusterGapMinutes, err = getEnvIntOrDefault("FG_CLUSTER_GAP_MINUTES", 120)
	if err != nil {
		return nil, err
	}

	cfg.MaxSummaryBytes, err = getEnvIntOrDefault("FG_MAX_SUMMARY_BYTES", 60*1024)
	if err != nil {
		return nil, err
	}

	cfg.MaxAttempts, err = getEnvIntOrDefault("FG_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}

	cfg.DrainDeadlineSecs, err = getEnvIntOrDefault("FG_DRAIN_DEADLINE_SECS", 30)
	if err != nil {
		return nil, err
	}

	cfg.HeartbeatSecs, err = getEnvIntOrDefault("FG_HEARTBEAT_SECS", 30)
	if err != nil {
		return nil, err
	}

	cfg.IngestConcurrency, err = getEnvIntOrDefault("FG_INGEST_CONCURRENCY", 3)
	if err != nil {
		return nil, err
	}

	cfg.AnalyzeConcurrency, err = getEnvIntOrDefault("FG_ANALYZE_CONCURRENCY", 5)
	if err != nil {
		return nil, err
	}

	cfg.EventsConcurrency, err = getEnvIntOrDefault("FG_EVENTS_CONCURRENCY", 10)
	if err != nil {
		return nil, err
	}

	cfg.PollIntervalMinutes, err = getEnvIntOrDefault("FG_POLL_INTERVAL_MINUTES", 15)
	if err != nil {
		return nil, err
	}

	cfg.PollBatchSize, err = getEnvIntOrDefault("FG_POLL_BATCH_SIZE", 10)
	if err != nil {
		return nil, err
	}

	cfg.RateReservePercent, err = getEnvIntOrDefault("FG_RATE_RESERVE_PERCENT", 15)
	if err != nil {
		return nil, err
	}
	if cfg.RateReservePercent < 0 || cfg.RateReservePercent > 100 {
		return nil, fmt.Errorf("FG_RATE_RESERVE_PERCENT must be between 0 and 100 (got: %d)", cfg.RateReservePercent)
	}

	cfg.RequestTimeoutSecs, err = getEnvIntOrDefault("FG_REQUEST_TIMEOUT_SECS", 30)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDev returns true if running in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

// EventAllowed reports whether an inbound webhook event type is on the allow-list.
func (c *Config) EventAllowed(event string) bool {
	for _, ev := range c.AllowedEvents {
		if ev == event {
			return true
		}
	}
	return false
}

// RedactedValues returns a map of config values with secrets redacted.
func (c *Config) RedactedValues() map[string]string {
	return map[string]string{
		"FG_ENV":                     c.Env,
		"FG_HTTP_ADDR":               c.HTTPAddr,
		"FG_DB_DSN":                  redactDSN(c.DBDSN),
		"FG_LOG_LEVEL":               c.LogLevel,
		"FG_GITHUB_APP_ID":           fmt.Sprintf("%d", c.GitHubAppID),
		"FG_GITHUB_PRIVATE_KEY_FILE": c.GitHubPrivateKeyFile,
		"FG_WEBHOOK_SECRET":          "[REDACTED]",
		"FG_SLACK_SIGNING_SECRET":    "[REDACTED]",
		"FG_ALLOWED_EVENTS":          strings.Join(c.AllowedEvents, ","),
		"FG_RATE_LIMIT_RPM":          fmt.Sprintf("%d", c.RateLimitRPM),
		"FG_MAX_ENTRY_BYTES":         fmt.Sprintf("%d", c.MaxEntryBytes),
		"FG_MAX_ARCHIVE_BYTES":       fmt.Sprintf("%d", c.MaxArchiveBytes),
		"FG_WINDOW_SIZE":             fmt.Sprintf("%d", c.WindowSize),
		"FG_QUARANTINE_THRESHOLD":    fmt.Sprintf("%g", c.QuarantineThreshold),
		"FG_WARN_THRESHOLD":          fmt.Sprintf("%g", c.WarnThreshold),
		"FG_POLL_INTERVAL_MINUTES":   fmt.Sprintf("%d", c.PollIntervalMinutes),
	}
}

func redactDSN(dsn string) string {
	if start := strings.Index(dsn, "://"); start != -1 {
		if end := strings.Index(dsn[start+3:], "@"); end != -1 {
			return dsn[:start+3] + "[REDACTED]" + dsn[start+3+end:]
		}
	}
	return dsn
}

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvIntOrDefault(key string, defaultValue int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer (got: %q)", key, value)
	}
	return parsed, nil
}

func getEnvInt64OrDefault(key string, defaultValue int64) (int64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer (got: %q)", key, value)
	}
	return parsed, nil
}

func getEnvFloatOrDefault(key string, defaultValue float64) (float64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number (got: %q)", key, value)
	}
	return parsed, nil
}
