package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSeedLastRun seeds marketplaces that have never completed a day.
const DefaultSeedLastRun = "2023-11-01T23:59:59Z"

// SinkConfig holds one SQL warehouse connection.
type SinkConfig struct {
	DSN         string
	TableSuffix string // appended to marketplace table names, e.g. "_test"
}

// Config is the runtime configuration of the connector daemon.
type Config struct {
	CredentialsPath string
	StateDBPath     string
	AdminAddr       string

	LogLevel string
	LogFile  string

	SeedLastRun time.Time
	EndDate     time.Time // zero means "up to yesterday"

	MarketplaceFetchDelay    time.Duration
	SameCredentialGroupDelay time.Duration
	FetchConnectTimeout      time.Duration
	FetchReadTimeout         time.Duration

	EnabledMarketplaces []string // marketplace codes, e.g. ["UK","DE","IT","ES"]

	MSSQL SinkConfig
	Azure SinkConfig
}

// ConfigFile mirrors the YAML config file layout.
type ConfigFile struct {
	CredentialsPath string `yaml:"credentials_path"`
	StateDBPath     string `yaml:"state_db_path"`
	AdminAddr       string `yaml:"admin_addr"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	SeedLastRun string `yaml:"seed_last_run"`
	EndDate     string `yaml:"end_date"`

	MarketplaceFetchDelaySeconds    int `yaml:"marketplace_fetch_delay_seconds"`
	SameCredentialGroupDelaySeconds int `yaml:"same_credential_group_delay_seconds"`
	FetchConnectTimeoutSeconds      int `yaml:"fetch_connect_timeout_seconds"`
	FetchReadTimeoutSeconds         int `yaml:"fetch_read_timeout_seconds"`

	EnabledMarketplaces []string `yaml:"enabled_marketplaces"`

	MSSQL struct {
		DSN         string `yaml:"dsn"`
		TableSuffix string `yaml:"table_suffix"`
	} `yaml:"mssql"`
	Azure struct {
		DSN         string `yaml:"dsn"`
		TableSuffix string `yaml:"table_suffix"`
	} `yaml:"azure"`
}

// Load builds the runtime config. Precedence: config file > environment >
// defaults. filePath may be empty.
func Load(filePath string) (*Config, error) {
	var cf *ConfigFile
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", filePath, err)
		}
		cf = &ConfigFile{}
		if err := yaml.Unmarshal(data, cf); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", filePath, err)
		}
	}

	cfg := &Config{
		CredentialsPath: pickString(cfString(cf, func(c *ConfigFile) string { return c.CredentialsPath }), getEnv("CONNECTOR_CREDENTIALS_PATH", "data/creds.json")),
		StateDBPath:     pickString(cfString(cf, func(c *ConfigFile) string { return c.StateDBPath }), getEnv("CONNECTOR_STATE_DB", "data/connector.db")),
		AdminAddr:       pickString(cfString(cf, func(c *ConfigFile) string { return c.AdminAddr }), getEnv("CONNECTOR_ADMIN_ADDR", ":8000")),
		LogLevel:        pickString(cfString(cf, func(c *ConfigFile) string { return c.LogLevel }), getEnv("LOG_LEVEL", "info")),
		LogFile:         pickString(cfString(cf, func(c *ConfigFile) string { return c.LogFile }), getEnv("LOG_FILE", "logs/connector.log")),

		MarketplaceFetchDelay:    pickSeconds(cfInt(cf, func(c *ConfigFile) int { return c.MarketplaceFetchDelaySeconds }), parseDurationEnv("MARKETPLACE_FETCH_DELAY", 120*time.Second)),
		SameCredentialGroupDelay: pickSeconds(cfInt(cf, func(c *ConfigFile) int { return c.SameCredentialGroupDelaySeconds }), parseDurationEnv("SAME_CREDENTIAL_GROUP_DELAY", 60*time.Second)),
		FetchConnectTimeout:      pickSeconds(cfInt(cf, func(c *ConfigFile) int { return c.FetchConnectTimeoutSeconds }), parseDurationEnv("FETCH_CONNECT_TIMEOUT", 5*time.Second)),
		FetchReadTimeout:         pickSeconds(cfInt(cf, func(c *ConfigFile) int { return c.FetchReadTimeoutSeconds }), parseDurationEnv("FETCH_READ_TIMEOUT", 60*time.Second)),
	}

	seedStr := pickString(cfString(cf, func(c *ConfigFile) string { return c.SeedLastRun }), getEnv("SEED_LAST_RUN", DefaultSeedLastRun))
	seed, err := time.Parse(time.RFC3339, seedStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SEED_LAST_RUN %q: %w", seedStr, err)
	}
	cfg.SeedLastRun = seed.UTC()

	endStr := pickString(cfString(cf, func(c *ConfigFile) string { return c.EndDate }), getEnv("END_DATE", ""))
	if endStr != "" {
		end, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return nil, fmt.Errorf("invalid END_DATE %q: %w", endStr, err)
		}
		cfg.EndDate = end.UTC()
	}

	if cf != nil && len(cf.EnabledMarketplaces) > 0 {
		cfg.EnabledMarketplaces = cf.EnabledMarketplaces
	} else {
		cfg.EnabledMarketplaces = parseListEnv("ENABLED_MARKETPLACES", []string{"UK", "DE", "IT", "ES"})
	}

	cfg.MSSQL = SinkConfig{
		DSN:         pickString(cfString(cf, func(c *ConfigFile) string { return c.MSSQL.DSN }), getEnv("MSSQL_DSN", "")),
		TableSuffix: pickString(cfString(cf, func(c *ConfigFile) string { return c.MSSQL.TableSuffix }), getEnv("MSSQL_TABLE_SUFFIX", "")),
	}
	cfg.Azure = SinkConfig{
		DSN:         pickString(cfString(cf, func(c *ConfigFile) string { return c.Azure.DSN }), getEnv("AZURE_DSN", "")),
		TableSuffix: pickString(cfString(cf, func(c *ConfigFile) string { return c.Azure.TableSuffix }), getEnv("AZURE_TABLE_SUFFIX", "")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the daemon relies on.
func (c *Config) Validate() error {
	if c.CredentialsPath == "" {
		return fmt.Errorf("credentials path is required")
	}
	if c.StateDBPath == "" {
		return fmt.Errorf("state db path is required")
	}
	if len(c.EnabledMarketplaces) == 0 {
		return fmt.Errorf("at least one marketplace must be enabled")
	}
	if !c.EndDate.IsZero() && c.EndDate.Before(c.SeedLastRun) {
		return fmt.Errorf("END_DATE %s precedes SEED_LAST_RUN %s", c.EndDate, c.SeedLastRun)
	}
	return nil
}

// EffectiveEndDate resolves the zero EndDate to yesterday 23:59:59 UTC so
// the pipeline never chases the current, still-open day.
func (c *Config) EffectiveEndDate(now time.Time) time.Time {
	if !c.EndDate.IsZero() {
		return c.EndDate
	}
	y := now.UTC().AddDate(0, 0, -1)
	return time.Date(y.Year(), y.Month(), y.Day(), 23, 59, 59, 0, time.UTC)
}

func cfString(cf *ConfigFile, getter func(*ConfigFile) string) string {
	if cf == nil {
		return ""
	}
	return getter(cf)
}

func cfInt(cf *ConfigFile, getter func(*ConfigFile) int) int {
	if cf == nil {
		return 0
	}
	return getter(cf)
}

func pickString(fileValue, fallback string) string {
	if fileValue != "" {
		return fileValue
	}
	return fallback
}

func pickSeconds(fileSeconds int, fallback time.Duration) time.Duration {
	if fileSeconds > 0 {
		return time.Duration(fileSeconds) * time.Second
	}
	return fallback
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseListEnv(key string, defaultValue []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// plain numbers are treated as seconds
		if n, err2 := strconv.Atoi(v); err2 == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
		return def
	}
	return d
}
