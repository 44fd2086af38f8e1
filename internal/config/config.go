// Package config carrega a configuração do daemon usando viper.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config mapeia a chave raiz `policyd:` do YAML.
type Config struct {
	Listen          string        `mapstructure:"listen"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	MaxConnections  int           `mapstructure:"max_connections"`
	AcquireTimeout  time.Duration `mapstructure:"acquire_timeout"`
	MaxRequestBytes int64         `mapstructure:"max_request_bytes"`

	Store   StoreConfig   `mapstructure:"store"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Reset   ResetConfig   `mapstructure:"reset"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Stats   StatsConfig   `mapstructure:"stats"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// ─── Contadores ───

type StoreConfig struct {
	Type string `mapstructure:"type"` // redis | memory
}

type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	DB       int           `mapstructure:"db"`
	Password string        `mapstructure:"password"`
	Hash     string        `mapstructure:"hash"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ─── Limites ───

type LimitsConfig struct {
	File string          `mapstructure:"file"`
	SQL  SQLLimitsConfig `mapstructure:"sql"`
	Feed FeedConfig      `mapstructure:"feed"`
}

type SQLLimitsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	DomainQuery  string `mapstructure:"domain_query"`
	AccountQuery string `mapstructure:"account_query"`
}

type FeedConfig struct {
	Kafka KafkaFeedConfig `mapstructure:"kafka"`
}

type KafkaFeedConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// ─── Reset ───

type ResetConfig struct {
	Schedule    string `mapstructure:"schedule"`
	Timezone    string `mapstructure:"timezone"`
	SeedOnStart bool   `mapstructure:"seed_on_start"`
}

// Location resolve o fuso do agendamento; "" e "Local" usam o do processo.
func (r ResetConfig) Location() (*time.Location, error) {
	if r.Timezone == "" || r.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(r.Timezone)
}

// ─── Avisos ───

type NotifyConfig struct {
	Enabled   bool              `mapstructure:"enabled"`
	QueueSize int               `mapstructure:"queue_size"`
	Rate      float64           `mapstructure:"rate"`
	Burst     int               `mapstructure:"burst"`
	SMTP      SMTPNotifyConfig  `mapstructure:"smtp"`
	Kafka     KafkaNotifyConfig `mapstructure:"kafka"`
}

type SMTPNotifyConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Addr    string   `mapstructure:"addr"`
	From    string   `mapstructure:"from"`
	To      []string `mapstructure:"to"`
}

type KafkaNotifyConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ─── Observabilidade ───

type StatsConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Prefix    string        `mapstructure:"prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
	Bucket    string        `mapstructure:"bucket"`
	TrackKeys bool          `mapstructure:"track_keys"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	File   LogFileConfig `mapstructure:"file"`
}

type LogFileConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

type configRoot struct {
	Policyd Config `mapstructure:"policyd"`
}

// Load lê o arquivo de configuração. A raiz do YAML é `policyd:`; variáveis
// de ambiente sobrescrevem com o prefixo POLICYD_ (ex.: POLICYD_REDIS_HOST).
// path vazio usa apenas defaults e ambiente.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// "policyd.redis.host" -> POLICYD_REDIS_HOST
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Policyd

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("policyd.listen", "127.0.0.1:9999")
	v.SetDefault("policyd.read_timeout", "30s")
	v.SetDefault("policyd.max_connections", 1000)
	v.SetDefault("policyd.acquire_timeout", "0s")
	v.SetDefault("policyd.max_request_bytes", 65536)

	v.SetDefault("policyd.store.type", "redis")
	v.SetDefault("policyd.redis.host", "127.0.0.1")
	v.SetDefault("policyd.redis.port", 6379)
	v.SetDefault("policyd.redis.db", 0)
	v.SetDefault("policyd.redis.password", "")
	v.SetDefault("policyd.redis.hash", "policyd:counters")
	v.SetDefault("policyd.redis.timeout", "2s")

	v.SetDefault("policyd.limits.file", "")
	v.SetDefault("policyd.limits.sql.enabled", false)
	v.SetDefault("policyd.limits.sql.driver", "mysql")
	v.SetDefault("policyd.limits.sql.dsn", "")
	v.SetDefault("policyd.limits.sql.domain_query", "")
	v.SetDefault("policyd.limits.sql.account_query", "")
	v.SetDefault("policyd.limits.feed.kafka.enabled", false)
	v.SetDefault("policyd.limits.feed.kafka.brokers", []string{})
	v.SetDefault("policyd.limits.feed.kafka.topic", "")
	v.SetDefault("policyd.limits.feed.kafka.group_id", "policyd")

	v.SetDefault("policyd.reset.schedule", "1 0 * * *")
	v.SetDefault("policyd.reset.timezone", "Local")
	v.SetDefault("policyd.reset.seed_on_start", true)

	v.SetDefault("policyd.notify.enabled", true)
	v.SetDefault("policyd.notify.queue_size", 256)
	v.SetDefault("policyd.notify.rate", 5.0)
	v.SetDefault("policyd.notify.burst", 10)
	v.SetDefault("policyd.notify.smtp.enabled", false)
	v.SetDefault("policyd.notify.smtp.addr", "")
	v.SetDefault("policyd.notify.smtp.from", "")
	v.SetDefault("policyd.notify.smtp.to", []string{})
	v.SetDefault("policyd.notify.kafka.enabled", false)
	v.SetDefault("policyd.notify.kafka.brokers", []string{})
	v.SetDefault("policyd.notify.kafka.topic", "")

	v.SetDefault("policyd.stats.enabled", false)
	v.SetDefault("policyd.stats.prefix", "policyd:stats")
	v.SetDefault("policyd.stats.ttl", "192h")
	v.SetDefault("policyd.stats.bucket", "day")
	v.SetDefault("policyd.stats.track_keys", false)

	v.SetDefault("policyd.metrics.enabled", false)
	v.SetDefault("policyd.metrics.listen", "127.0.0.1:9191")
	v.SetDefault("policyd.metrics.path", "/metrics")

	v.SetDefault("policyd.log.level", "info")
	v.SetDefault("policyd.log.format", "text")
	v.SetDefault("policyd.log.file.enabled", false)
	v.SetDefault("policyd.log.file.path", "/var/log/policyd/policyd.log")
	v.SetDefault("policyd.log.file.max_size_mb", 100)
	v.SetDefault("policyd.log.file.max_age_days", 30)
	v.SetDefault("policyd.log.file.max_backups", 5)
	v.SetDefault("policyd.log.file.compress", true)
}

// ValidateAndApplyDefaults valida a configuração já carregada.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Listener ──
	if _, _, err := net.SplitHostPort(cfg.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", cfg.Listen, err)
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("max_connections must be >= 0")
	}
	if cfg.MaxRequestBytes <= 0 {
		return fmt.Errorf("max_request_bytes must be > 0")
	}

	// ── Log ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	// ── Store ──
	switch cfg.Store.Type {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported store.type: %s (must be redis/memory)", cfg.Store.Type)
	}

	// ── Reset ──
	if strings.TrimSpace(cfg.Reset.Schedule) == "" {
		return fmt.Errorf("reset.schedule is required")
	}
	if _, err := cfg.Reset.Location(); err != nil {
		return fmt.Errorf("invalid reset.timezone %q: %w", cfg.Reset.Timezone, err)
	}

	// ── Limites ──
	if cfg.Limits.SQL.Enabled && cfg.Limits.SQL.DSN == "" {
		return fmt.Errorf("limits.sql.dsn is required when limits.sql.enabled=true")
	}
	if k := cfg.Limits.Feed.Kafka; k.Enabled {
		if len(k.Brokers) == 0 {
			return fmt.Errorf("limits.feed.kafka.brokers is required when limits.feed.kafka.enabled=true")
		}
		if k.Topic == "" {
			return fmt.Errorf("limits.feed.kafka.topic is required when limits.feed.kafka.enabled=true")
		}
	}

	// ── Estatísticas ──
	switch cfg.Stats.Bucket {
	case "day", "hour", "minute", "none":
	default:
		return fmt.Errorf("invalid stats.bucket: %s (must be day/hour/minute/none)", cfg.Stats.Bucket)
	}

	// ── Avisos ──
	if s := cfg.Notify.SMTP; s.Enabled && (s.Addr == "" || s.From == "" || len(s.To) == 0) {
		return fmt.Errorf("notify.smtp.addr, from and to are required when notify.smtp.enabled=true")
	}
	if k := cfg.Notify.Kafka; k.Enabled && (len(k.Brokers) == 0 || k.Topic == "") {
		return fmt.Errorf("notify.kafka.brokers and topic are required when notify.kafka.enabled=true")
	}

	return nil
}

// HasLimitSource informa se algum lugar define os limites para o reset.
func (cfg *Config) HasLimitSource() bool {
	return cfg.Limits.File != "" || cfg.Limits.SQL.Enabled
}
