// Package config loads the server configuration from an optional YAML file
// and the process environment.
//
// Precedence, lowest to highest: built-in defaults, the YAML file (with
// ${VAR} expansion), then the environment variables listed on [ApplyEnv].
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transports accepted by Server.Transport.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Re-login policies accepted by Ivanti.ReloginPolicy.
const (
	ReloginOverwrite = "overwrite"
	ReloginReject    = "reject"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Ivanti   IvantiConfig   `yaml:"ivanti"`
	RAG      RAGConfig      `yaml:"rag"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig selects the MCP transport.
type ServerConfig struct {
	Transport string `yaml:"transport"`
	Port      int    `yaml:"port"`
}

// DatabaseConfig holds the MySQL connection settings and pool bounds.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	PoolMin  int    `yaml:"pool_min"`
	PoolMax  int    `yaml:"pool_max"`

	QueryTimeout    time.Duration `yaml:"-"`
	QueryTimeoutRaw string        `yaml:"query_timeout"`
}

// IvantiConfig configures the ITSM API client.
type IvantiConfig struct {
	ReloginPolicy string `yaml:"relogin_policy"`

	// For on-prem tenants with self-signed certificates.
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify"`

	RequestTimeout    time.Duration `yaml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
}

// RAGConfig configures the built-in document index.
type RAGConfig struct {
	EmbedURL      string `yaml:"embed_url"`
	EmbedModel    string `yaml:"embed_model"`
	GenerateModel string `yaml:"generate_model"`
	ChunkSize     int    `yaml:"chunk_size"`
	TopK          int    `yaml:"top_k"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every optional field populated.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: TransportStdio,
			Port:      8000,
		},
		Database: DatabaseConfig{
			Port:         3306,
			PoolMin:      1,
			PoolMax:      10,
			QueryTimeout: 30 * time.Second,
		},
		Ivanti: IvantiConfig{
			ReloginPolicy:  ReloginOverwrite,
			RequestTimeout: 30 * time.Second,
		},
		RAG: RAGConfig{
			EmbedURL:   "http://localhost:11434",
			EmbedModel: "nomic-embed-text",
			ChunkSize:  1000,
			TopK:       4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		if err := parseDurations(cfg); err != nil {
			return nil, fmt.Errorf("parsing durations: %w", err)
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or the empty
// string when it is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	var err error
	if cfg.Database.QueryTimeoutRaw != "" {
		cfg.Database.QueryTimeout, err = time.ParseDuration(cfg.Database.QueryTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing database.query_timeout %q: %w", cfg.Database.QueryTimeoutRaw, err)
		}
	}
	if cfg.Ivanti.RequestTimeoutRaw != "" {
		cfg.Ivanti.RequestTimeout, err = time.ParseDuration(cfg.Ivanti.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing ivanti.request_timeout %q: %w", cfg.Ivanti.RequestTimeoutRaw, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg with the environment variables that are set:
//
//	DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME  – MySQL connection
//	PORT                                             – HTTP transport port
//	MCP_TRANSPORT                                    – stdio or http
//	LOG_LEVEL                                        – debug, info, warn, error
//	IVANTI_RELOGIN_POLICY                            – overwrite or reject
//	IVANTI_TLS_INSECURE_SKIP_VERIFY                  – true to skip cert checks
//	RAG_EMBED_URL, RAG_EMBED_MODEL                   – embedding service
//	RAG_GENERATE_MODEL                               – answer synthesis model
//
// lookup is normally os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: expected integer, got %q", key, v))
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: expected boolean, got %q", key, v))
			return
		}
		*dst = b
	}

	str("DB_HOST", &cfg.Database.Host)
	num("DB_PORT", &cfg.Database.Port)
	str("DB_USER", &cfg.Database.User)
	str("DB_PASSWORD", &cfg.Database.Password)
	str("DB_NAME", &cfg.Database.Name)
	num("PORT", &cfg.Server.Port)
	str("MCP_TRANSPORT", &cfg.Server.Transport)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("IVANTI_RELOGIN_POLICY", &cfg.Ivanti.ReloginPolicy)
	flag("IVANTI_TLS_INSECURE_SKIP_VERIFY", &cfg.Ivanti.TLSInsecureSkipVerify)
	str("RAG_EMBED_URL", &cfg.RAG.EmbedURL)
	str("RAG_EMBED_MODEL", &cfg.RAG.EmbedModel)
	str("RAG_GENERATE_MODEL", &cfg.RAG.GenerateModel)

	return errors.Join(errs...)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Server.Transport {
	case TransportStdio, TransportHTTP:
	default:
		errs = append(errs, fmt.Errorf("server.transport must be %q or %q, got %q",
			TransportStdio, TransportHTTP, c.Server.Transport))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port is invalid: %d", c.Server.Port))
	}

	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errs = append(errs, fmt.Errorf("database.port is invalid: %d", c.Database.Port))
	}
	if c.Database.PoolMin < 0 {
		errs = append(errs, fmt.Errorf("database.pool_min must not be negative"))
	}
	if c.Database.PoolMax < 1 {
		errs = append(errs, fmt.Errorf("database.pool_max must be at least 1"))
	}
	if c.Database.PoolMin > c.Database.PoolMax {
		errs = append(errs, fmt.Errorf("database.pool_min (%d) exceeds pool_max (%d)",
			c.Database.PoolMin, c.Database.PoolMax))
	}

	switch c.Ivanti.ReloginPolicy {
	case ReloginOverwrite, ReloginReject:
	default:
		errs = append(errs, fmt.Errorf("ivanti.relogin_policy must be %q or %q, got %q",
			ReloginOverwrite, ReloginReject, c.Ivanti.ReloginPolicy))
	}
	if c.Ivanti.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ivanti.request_timeout must be positive"))
	}

	if c.RAG.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("rag.chunk_size must be positive"))
	}
	if c.RAG.TopK <= 0 {
		errs = append(errs, fmt.Errorf("rag.top_k must be positive"))
	}

	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Missing returns the names of the environment variables backing required
// connection settings that are still empty. The database is optional at
// startup; the SQL gateway calls this when it first opens the pool.
func (d DatabaseConfig) Missing() []string {
	var missing []string
	if d.Host == "" {
		missing = append(missing, "DB_HOST")
	}
	if d.User == "" {
		missing = append(missing, "DB_USER")
	}
	if d.Name == "" {
		missing = append(missing, "DB_NAME")
	}
	return missing
}
