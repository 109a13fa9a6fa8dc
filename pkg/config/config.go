package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig holds the complete configuration for both chatload processes
type AppConfig struct {
	Environment string         `mapstructure:"environment"`
	LogLevel    string         `mapstructure:"log_level"`
	ServiceName string         `mapstructure:"service_name"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
	Intake      IntakeConfig   `mapstructure:"intake"`
	Enricher    EnricherConfig `mapstructure:"enricher"`
	EVEAPI      EVEAPIConfig   `mapstructure:"eveapi"`
	Lock        LockConfig     `mapstructure:"lock"`
}

type PostgresConfig struct {
	URI             string `mapstructure:"uri"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnectAttempts int    `mapstructure:"connect_attempts"`
}

// IntakeConfig is the listener of the intake service. An empty host means
// all interfaces.
type IntakeConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Addr returns the host:port pair for net/http.
func (c IntakeConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type EnricherConfig struct {
	ChunkSize   int           `mapstructure:"chunk_size"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	ChunkDelay  time.Duration `mapstructure:"chunk_delay"`
	Interval    time.Duration `mapstructure:"interval"`
	MetricsAddr string        `mapstructure:"metrics_addr"`
}

type EVEAPIConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	UserAgent          string        `mapstructure:"user_agent"`
	NameTimeout        time.Duration `mapstructure:"name_timeout"`
	AffiliationTimeout time.Duration `mapstructure:"affiliation_timeout"`
}

// LockConfig selects the optional run lock of the enrichment job.
type LockConfig struct {
	Backend   string        `mapstructure:"backend"` // none, file or redis
	Path      string        `mapstructure:"path"`
	RedisAddr string        `mapstructure:"redis_addr"`
	Key       string        `mapstructure:"key"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// MaxChunkSize is the largest batch the EVE API handles reliably.
const MaxChunkSize = 200

// Load loads configuration from file and environment variables
func Load(path string) (*AppConfig, error) {
	v := viper.New()

	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("service_name", "chatload")
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("postgres.min_conns", 1)
	v.SetDefault("postgres.connect_attempts", 5)
	v.SetDefault("intake.host", "")
	v.SetDefault("intake.port", 8080)
	v.SetDefault("intake.metrics_addr", ":9101")
	v.SetDefault("enricher.chunk_size", MaxChunkSize)
	v.SetDefault("enricher.stale_after", 30*24*time.Hour)
	v.SetDefault("enricher.chunk_delay", 250*time.Millisecond)
	v.SetDefault("enricher.interval", time.Duration(0))
	v.SetDefault("enricher.metrics_addr", ":9102")
	v.SetDefault("eveapi.base_url", "https://api.eveonline.com")
	v.SetDefault("eveapi.user_agent", "chatload Scraper")
	v.SetDefault("eveapi.name_timeout", 5*time.Second)
	v.SetDefault("eveapi.affiliation_timeout", 10*time.Second)
	v.SetDefault("lock.backend", "none")
	v.SetDefault("lock.path", "chatload-enricher.lock")
	v.SetDefault("lock.key", "chatload:enricher:lock")
	v.SetDefault("lock.ttl", time.Hour)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	// Unmarshal only sees env vars for keys viper already knows about.
	for _, key := range []string{
		"postgres.uri",
		"lock.redis_addr",
	} {
		_ = v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	}

	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks if the configuration is valid
func (c *AppConfig) Validate() error {
	if c.ServiceName == "" {
		return errors.New("service_name is required")
	}
	if c.Postgres.URI == "" {
		return errors.New("postgres.uri is required")
	}
	if c.Intake.Port < 0 || c.Intake.Port > 65535 {
		return fmt.Errorf("intake.port %d out of range", c.Intake.Port)
	}
	if c.Enricher.ChunkSize < 1 || c.Enricher.ChunkSize > MaxChunkSize {
		return fmt.Errorf("enricher.chunk_size must be between 1 and %d", MaxChunkSize)
	}
	if c.Enricher.StaleAfter <= 0 {
		return errors.New("enricher.stale_after must be positive")
	}
	if c.Enricher.ChunkDelay < 0 {
		return errors.New("enricher.chunk_delay must not be negative")
	}
	if c.EVEAPI.BaseURL == "" {
		return errors.New("eveapi.base_url is required")
	}
	switch c.Lock.Backend {
	case "none", "":
	case "file":
		if c.Lock.Path == "" {
			return errors.New("lock.path is required for the file backend")
		}
	case "redis":
		if c.Lock.RedisAddr == "" {
			return errors.New("lock.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown lock.backend %q", c.Lock.Backend)
	}
	return nil
}
