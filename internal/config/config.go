// Package config provides environment-driven configuration for the bot,
// with an optional YAML overlay file for non-secret settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects the context-store implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendFile     Backend = "file"
	BackendDatabase Backend = "database"
	BackendRedis    Backend = "redis"
	BackendDynamo   Backend = "dynamodb"
)

// Config is the full runtime configuration.
type Config struct {
	// Slack credentials and connection mode.
	SlackBotToken      string `yaml:"-"`
	SlackSigningSecret string `yaml:"-"`
	SlackAppToken      string `yaml:"-"`
	SocketMode         bool   `yaml:"socket_mode"`
	Port               int    `yaml:"port"`

	// Generative service.
	GeminiAPIKey string `yaml:"-"`
	GeminiModel  string `yaml:"gemini_model"`

	// Context storage.
	StorageBackend Backend `yaml:"storage_backend"`
	StorageDir     string  `yaml:"storage_dir"`
	DatabaseDSN    string  `yaml:"database_dsn"`
	RedisAddr      string  `yaml:"redis_addr"`
	RedisPassword  string  `yaml:"-"`
	DynamoTable    string  `yaml:"dynamo_table"`
	DynamoRegion   string  `yaml:"dynamo_region"`

	// Conversation behavior.
	HistoryLimit   int           `yaml:"history_limit"`
	ContextTTL     time.Duration `yaml:"-"`
	ContextTTLHrs  int           `yaml:"context_ttl_hours"`
	QuestionLimit  int           `yaml:"question_retry_limit"`
	PollInterval   time.Duration `yaml:"-"`
	PollIntervalS  int           `yaml:"poll_interval_seconds"`
	PollMaxChecks  int           `yaml:"poll_max_checks"`
	AnalysisChecks int           `yaml:"analysis_max_checks"`

	// Statistical environment.
	RscriptPath string `yaml:"rscript_path"`
	WorkDir     string `yaml:"work_dir"`

	LogLevel string `yaml:"log_level"`
}

// FromEnv builds a Config from the environment, then applies the optional
// overlay file named by METABOT_CONFIG (YAML), then defaults and validation.
// Environment values win over overlay values; secrets only come from env.
func FromEnv() (*Config, error) {
	cfg := &Config{
		SlackBotToken:      os.Getenv("SLACK_BOT_TOKEN"),
		SlackSigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),
		SlackAppToken:      os.Getenv("SLACK_APP_TOKEN"),
		SocketMode:         envBool("SOCKET_MODE", true),
		Port:               envInt("PORT", 0),
		GeminiAPIKey:       os.Getenv("GEMINI_API_KEY"),
		GeminiModel:        os.Getenv("GEMINI_MODEL"),
		StorageBackend:     Backend(strings.ToLower(os.Getenv("STORAGE_BACKEND"))),
		StorageDir:         os.Getenv("STORAGE_DIR"),
		DatabaseDSN:        os.Getenv("DATABASE_DSN"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		DynamoTable:        os.Getenv("DYNAMO_TABLE"),
		DynamoRegion:       os.Getenv("DYNAMO_REGION"),
		HistoryLimit:       envInt("HISTORY_LIMIT", 0),
		ContextTTLHrs:      envInt("CONTEXT_TTL_HOURS", 0),
		QuestionLimit:      envInt("QUESTION_RETRY_LIMIT", 0),
		PollIntervalS:      envInt("POLL_INTERVAL_SECONDS", 0),
		PollMaxChecks:      envInt("POLL_MAX_CHECKS", 0),
		AnalysisChecks:     envInt("ANALYSIS_MAX_CHECKS", 0),
		RscriptPath:        os.Getenv("RSCRIPT_PATH"),
		WorkDir:            os.Getenv("WORK_DIR"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
	}

	if path := os.Getenv("METABOT_CONFIG"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlay fills zero-valued fields from a YAML file.
func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if c.Port == 0 {
		c.Port = file.Port
	}
	if c.GeminiModel == "" {
		c.GeminiModel = file.GeminiModel
	}
	if c.StorageBackend == "" {
		c.StorageBackend = file.StorageBackend
	}
	if c.StorageDir == "" {
		c.StorageDir = file.StorageDir
	}
	if c.DatabaseDSN == "" {
		c.DatabaseDSN = file.DatabaseDSN
	}
	if c.RedisAddr == "" {
		c.RedisAddr = file.RedisAddr
	}
	if c.DynamoTable == "" {
		c.DynamoTable = file.DynamoTable
	}
	if c.DynamoRegion == "" {
		c.DynamoRegion = file.DynamoRegion
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = file.HistoryLimit
	}
	if c.ContextTTLHrs == 0 {
		c.ContextTTLHrs = file.ContextTTLHrs
	}
	if c.QuestionLimit == 0 {
		c.QuestionLimit = file.QuestionLimit
	}
	if c.PollIntervalS == 0 {
		c.PollIntervalS = file.PollIntervalS
	}
	if c.PollMaxChecks == 0 {
		c.PollMaxChecks = file.PollMaxChecks
	}
	if c.AnalysisChecks == 0 {
		c.AnalysisChecks = file.AnalysisChecks
	}
	if c.RscriptPath == "" {
		c.RscriptPath = file.RscriptPath
	}
	if c.WorkDir == "" {
		c.WorkDir = file.WorkDir
	}
	if c.LogLevel == "" {
		c.LogLevel = file.LogLevel
	}
	return nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.GeminiModel == "" {
		c.GeminiModel = "gemini-2.0-flash"
	}
	if c.StorageBackend == "" {
		c.StorageBackend = BackendMemory
	}
	if c.StorageDir == "" {
		c.StorageDir = "data/contexts"
	}
	if c.Port == 0 {
		c.Port = 3000
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 50
	}
	if c.ContextTTLHrs == 0 {
		c.ContextTTLHrs = 72
	}
	c.ContextTTL = time.Duration(c.ContextTTLHrs) * time.Hour
	if c.QuestionLimit == 0 {
		c.QuestionLimit = 5
	}
	if c.PollIntervalS == 0 {
		c.PollIntervalS = 10
	}
	c.PollInterval = time.Duration(c.PollIntervalS) * time.Second
	if c.PollMaxChecks == 0 {
		c.PollMaxChecks = 60
	}
	if c.AnalysisChecks == 0 {
		c.AnalysisChecks = 60
	}
	if c.RscriptPath == "" {
		c.RscriptPath = "Rscript"
	}
	if c.WorkDir == "" {
		c.WorkDir = "data/work"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// validate checks that all required credentials and backend settings are
// present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.SlackBotToken == "" {
		errs = append(errs, "SLACK_BOT_TOKEN is required")
	}
	if c.SlackSigningSecret == "" {
		errs = append(errs, "SLACK_SIGNING_SECRET is required")
	}
	if c.SocketMode && c.SlackAppToken == "" {
		errs = append(errs, "SLACK_APP_TOKEN is required in socket mode")
	}
	if c.GeminiAPIKey == "" {
		errs = append(errs, "GEMINI_API_KEY is required")
	}
	switch c.StorageBackend {
	case BackendMemory, BackendFile:
	case BackendDatabase:
		if c.DatabaseDSN == "" {
			errs = append(errs, "DATABASE_DSN is required for the database backend")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, "REDIS_ADDR is required for the redis backend")
		}
	case BackendDynamo:
		if c.DynamoTable == "" {
			errs = append(errs, "DYNAMO_TABLE is required for the dynamodb backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
