package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"
)

// Config holds the main configuration for the notifier.
type Config struct {
	Server   Server         `mapstructure:"server"`
	Database Database       `mapstructure:"database"`
	Redis    Redis          `mapstructure:"redis"`
	Email    Email          `mapstructure:"email"`
	Telegram Telegram       `mapstructure:"telegram"`
	Notifier Notifier       `mapstructure:"notifier"`
	Queue    Queue          `mapstructure:"queue"`
	Fanout   Fanout         `mapstructure:"fanout"`
	Retry    retry.Strategy `mapstructure:"retry"`
}

// Server holds HTTP server-related configuration.
type Server struct {
	HTTPPort string `mapstructure:"http_port"` // HTTP port to listen on
}

// Database holds database master and slave configuration.
type Database struct {
	Master DatabaseNode   `mapstructure:"master"`
	Slaves []DatabaseNode `mapstructure:"slaves"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DatabaseNode holds connection parameters for a single database node.
type DatabaseNode struct {
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
	User    string `mapstructure:"user"`
	Pass    string `mapstructure:"pass"`
	Name    string `mapstructure:"name"`
	SSLMode string `mapstructure:"ssl_mode"`
}

// Redis holds Redis connection parameters.
type Redis struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
}

// Email holds SMTP configuration for sending emails.
type Email struct {
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// Telegram holds configuration for sending Telegram messages.
type Telegram struct {
	Token string `mapstructure:"token"`
}

// Notifier selects the outbound transport.
type Notifier struct {
	Channel string `mapstructure:"channel"` // "email" or "telegram"
}

// Queue holds the delivery queue and processor settings.
type Queue struct {
	DelayMinutes             int `mapstructure:"delay_minutes"` // 0 bypasses the queue entirely
	ProcessorIntervalSeconds int `mapstructure:"processor_interval_seconds"`
	BatchSize                int `mapstructure:"batch_size"`
	MaxRetries               int `mapstructure:"max_retries"`
	RetryBackoffMinutes      int `mapstructure:"retry_backoff_minutes"`
	RetentionDays            int `mapstructure:"retention_days"`
	ClaimTimeoutSeconds      int `mapstructure:"claim_timeout_seconds"`
	SendTimeoutSeconds       int `mapstructure:"send_timeout_seconds"`
}

// Fanout holds the live pub/sub broadcast settings.
type Fanout struct {
	Backend         string `mapstructure:"backend"` // "redis" or "postgres"
	MultiTenant     bool   `mapstructure:"multi_tenant"`
	MaxPayloadBytes int    `mapstructure:"max_payload_bytes"`
	Channel         string `mapstructure:"channel"`
}

// Delay returns the coalescing delay as a duration.
func (q Queue) Delay() time.Duration {
	return time.Duration(q.DelayMinutes) * time.Minute
}

// ProcessorInterval returns the tick interval of the periodic processor.
func (q Queue) ProcessorInterval() time.Duration {
	return time.Duration(q.ProcessorIntervalSeconds) * time.Second
}

// RetryBackoff returns the fixed interval between delivery retries.
func (q Queue) RetryBackoff() time.Duration {
	return time.Duration(q.RetryBackoffMinutes) * time.Minute
}

// Retention returns the age past which terminal rows are deleted.
func (q Queue) Retention() time.Duration {
	return time.Duration(q.RetentionDays) * 24 * time.Hour
}

// ClaimTimeout returns the age past which a processing claim is considered
// abandoned and released back to pending.
func (q Queue) ClaimTimeout() time.Duration {
	return time.Duration(q.ClaimTimeoutSeconds) * time.Second
}

// SendTimeout returns the per-delivery deadline for one Notifier call.
func (q Queue) SendTimeout() time.Duration {
	return time.Duration(q.SendTimeoutSeconds) * time.Second
}

// DSN returns the PostgreSQL DSN string for connecting to this database node.
func (n DatabaseNode) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		n.User, n.Pass, n.Host, n.Port, n.Name, n.SSLMode,
	)
}

// mustBindEnv binds critical environment variables to Viper keys.
//
// It panics if any environment variable cannot be bound.
func mustBindEnv() {
	bindings := map[string]string{
		"database.master.host": "DB_HOST",
		"database.master.port": "DB_PORT",
		"database.master.user": "DB_USER",
		"database.master.pass": "DB_PASSWORD",
		"database.master.name": "DB_NAME",

		"redis.address":  "REDIS_ADDRESS",
		"redis.password": "REDIS_PASSWORD",
		"redis.database": "REDIS_DATABASE",

		"email.smtp_host": "SMTP_HOST",
		"email.smtp_port": "SMTP_PORT",
		"email.username":  "SMTP_USER",
		"email.password":  "SMTP_PASS",
		"email.from":      "SMTP_FROM",

		"telegram.token": "TELEGRAM_TOKEN",
	}

	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			zlog.Logger.Panic().Err(err).Msgf("failed to bind env %s", env)
		}
	}
}

// setDefaults registers fallbacks for queue, fanout and retry settings so a
// missing or partial config file never prevents startup.
func setDefaults() {
	viper.SetDefault("server.http_port", ":8080")

	viper.SetDefault("queue.delay_minutes", 5)
	viper.SetDefault("queue.processor_interval_seconds", 60)
	viper.SetDefault("queue.batch_size", 50)
	viper.SetDefault("queue.max_retries", 3)
	viper.SetDefault("queue.retry_backoff_minutes", 5)
	viper.SetDefault("queue.retention_days", 30)
	viper.SetDefault("queue.claim_timeout_seconds", 300)
	viper.SetDefault("queue.send_timeout_seconds", 30)

	viper.SetDefault("fanout.backend", "redis")
	viper.SetDefault("fanout.multi_tenant", false)
	viper.SetDefault("fanout.max_payload_bytes", 7500)
	viper.SetDefault("fanout.channel", "board-events")

	viper.SetDefault("notifier.channel", "email")

	viper.SetDefault("retry.attempts", 3)
	viper.SetDefault("retry.delay", 100*time.Millisecond)
	viper.SetDefault("retry.backoff", 2.0)
}

// sanitize replaces invalid queue values with their defaults. The queue must
// keep running on a bad config, not crash the process that embeds it.
func (c *Config) sanitize() {
	if c.Queue.DelayMinutes < 0 {
		zlog.Logger.Warn().Int("delay_minutes", c.Queue.DelayMinutes).Msg("invalid delay, using default")
		c.Queue.DelayMinutes = 5
	}
	if c.Queue.ProcessorIntervalSeconds <= 0 {
		c.Queue.ProcessorIntervalSeconds = 60
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = 50
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.RetryBackoffMinutes <= 0 {
		c.Queue.RetryBackoffMinutes = 5
	}
	if c.Queue.RetentionDays <= 0 {
		c.Queue.RetentionDays = 30
	}
	if c.Queue.ClaimTimeoutSeconds <= 0 {
		c.Queue.ClaimTimeoutSeconds = 300
	}
	if c.Queue.SendTimeoutSeconds <= 0 {
		c.Queue.SendTimeoutSeconds = 30
	}
	if c.Fanout.Backend != "redis" && c.Fanout.Backend != "postgres" {
		zlog.Logger.Warn().Str("backend", c.Fanout.Backend).Msg("unknown fanout backend, using redis")
		c.Fanout.Backend = "redis"
	}
	if c.Fanout.Channel == "" {
		c.Fanout.Channel = "board-events"
	}
}

// Must loads and validates the configuration from file and environment variables.
//
// It panics if configuration cannot be read or unmarshalled.
func Must() *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to read config")
	}

	mustBindEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		zlog.Logger.Panic().Err(err).Msgf("failed to unmarshal config: %v", err)
	}

	cfg.sanitize()

	return &cfg
}
