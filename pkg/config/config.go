// Package config loads service settings from defaults, an optional config file and
// CRM_-prefixed environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/msa-sandbox/crm/pkg/hardening"
	"github.com/msa-sandbox/crm/pkg/statebus"
	"github.com/msa-sandbox/crm/pkg/store"
	"github.com/msa-sandbox/crm/pkg/telemetry"
)

const EnvPrefix = "CRM"

type Config struct {
	Environment        string `mapstructure:"environment"`
	StrictProdSecurity bool   `mapstructure:"strict_prod_security"`

	HTTP         HTTPConfig         `mapstructure:"http"`
	Auth         AuthConfig         `mapstructure:"auth"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Invalidation InvalidationConfig `mapstructure:"invalidation"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Consumer     ConsumerConfig     `mapstructure:"consumer"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Log          LogConfig          `mapstructure:"log"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

type HTTPConfig struct {
	Addr                string        `mapstructure:"addr" validate:"required"`
	ReadHeaderTimeout   time.Duration `mapstructure:"read_header_timeout" validate:"gt=0"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	CORSAllowedOrigins  []string      `mapstructure:"cors_allowed_origins"`
	MaxRequestBodyBytes int64         `mapstructure:"max_request_body_bytes" validate:"gt=0"`
}

type AuthConfig struct {
	// AccountID is the single tenant this deployment serves.
	AccountID     int64  `mapstructure:"account_id" validate:"gt=0"`
	FreshnessMode string `mapstructure:"freshness_mode" validate:"oneof=any_record issued_at"`
	// FailOpen lets requests through when the invalidation store cannot be reached.
	FailOpen bool `mapstructure:"fail_open"`
}

type JWTConfig struct {
	Algorithm     string        `mapstructure:"algorithm" validate:"oneof=HS256 RS256"`
	Secret        string        `mapstructure:"secret"`
	PublicKeyFile string        `mapstructure:"public_key_file"`
	Issuer        string        `mapstructure:"issuer"`
	Audience      string        `mapstructure:"audience"`
	Leeway        time.Duration `mapstructure:"leeway" validate:"gte=0"`
}

type RedisTLSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Insecure      bool   `mapstructure:"insecure"`
	AllowInsecure bool   `mapstructure:"allow_insecure"`
	ServerName    string `mapstructure:"server_name"`
	CACertFile    string `mapstructure:"ca_cert_file"`
	CertFile      string `mapstructure:"cert_file"`
	KeyFile       string `mapstructure:"key_file"`
}

type RedisConfig struct {
	Addr        string         `mapstructure:"addr" validate:"required,hostname_port"`
	Password    string         `mapstructure:"password"`
	DB          int            `mapstructure:"db" validate:"gte=0"`
	RequireTLS  bool           `mapstructure:"require_tls"`
	TLS         RedisTLSConfig `mapstructure:"tls"`
	PingTimeout time.Duration  `mapstructure:"ping_timeout" validate:"gt=0"`
}

type InvalidationConfig struct {
	KeyPrefix string        `mapstructure:"key_prefix"`
	OpTimeout time.Duration `mapstructure:"op_timeout" validate:"gt=0"`
	Monotonic bool          `mapstructure:"monotonic"`
}

type KafkaConfig struct {
	Brokers     []string      `mapstructure:"brokers" validate:"min=1,dive,required"`
	Topic       string        `mapstructure:"topic" validate:"required"`
	GroupID     string        `mapstructure:"group_id" validate:"required"`
	PollTimeout time.Duration `mapstructure:"poll_timeout" validate:"gt=0"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
}

type ConsumerConfig struct {
	MetricsAddr   string        `mapstructure:"metrics_addr"`
	ErrorBackoff  time.Duration `mapstructure:"error_backoff" validate:"gt=0"`
	WriteRetryMax time.Duration `mapstructure:"write_retry_max" validate:"gt=0"`
}

type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Backend string        `mapstructure:"backend" validate:"oneof=memory redis"`
	Limit   int           `mapstructure:"limit" validate:"gt=0"`
	Window  time.Duration `mapstructure:"window" validate:"gt=0"`
}

type DatabaseConfig struct {
	// DSN is optional; without it the health endpoint skips the database check.
	DSN            string `mapstructure:"dsn"`
	RequireTLS     bool   `mapstructure:"require_tls"`
	MaxConns       int32  `mapstructure:"max_conns" validate:"gt=0"`
	ConnectRetries int    `mapstructure:"connect_retries" validate:"gte=1"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json text"`
	Output     string `mapstructure:"output" validate:"oneof=stdout file both"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gt=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

type TelemetryConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	Headers    string        `mapstructure:"headers"`
	Insecure   bool          `mapstructure:"insecure"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Required   bool          `mapstructure:"required"`
	Sampler    string        `mapstructure:"sampler"`
	SamplerArg string        `mapstructure:"sampler_arg"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("strict_prod_security", true)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 120*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.cors_allowed_origins", []string{})
	v.SetDefault("http.max_request_body_bytes", 1<<20)

	v.SetDefault("auth.account_id", 1)
	v.SetDefault("auth.freshness_mode", "any_record")
	v.SetDefault("auth.fail_open", false)

	v.SetDefault("jwt.algorithm", "HS256")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.public_key_file", "")
	v.SetDefault("jwt.issuer", "")
	v.SetDefault("jwt.audience", "")
	v.SetDefault("jwt.leeway", 30*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.require_tls", false)
	v.SetDefault("redis.tls.enabled", false)
	v.SetDefault("redis.tls.insecure", false)
	v.SetDefault("redis.tls.allow_insecure", false)
	v.SetDefault("redis.tls.server_name", "")
	v.SetDefault("redis.tls.ca_cert_file", "")
	v.SetDefault("redis.tls.cert_file", "")
	v.SetDefault("redis.tls.key_file", "")
	v.SetDefault("redis.ping_timeout", 3*time.Second)

	v.SetDefault("invalidation.key_prefix", store.DefaultKeyPrefix)
	v.SetDefault("invalidation.op_timeout", 300*time.Millisecond)
	v.SetDefault("invalidation.monotonic", false)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "crm.user.permissions")
	v.SetDefault("kafka.group_id", "crm-auth-consumer")
	v.SetDefault("kafka.poll_timeout", 2*time.Second)
	v.SetDefault("kafka.dial_timeout", 5*time.Second)

	v.SetDefault("consumer.metrics_addr", ":9102")
	v.SetDefault("consumer.error_backoff", 500*time.Millisecond)
	v.SetDefault("consumer.write_retry_max", time.Minute)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.limit", 10)
	v.SetDefault("ratelimit.window", time.Second)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.require_tls", false)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.connect_retries", 3)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "var/log/crm.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.headers", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.timeout", 5*time.Second)
	v.SetDefault("telemetry.required", false)
	v.SetDefault("telemetry.sampler", "parentbased_traceidratio")
	v.SetDefault("telemetry.sampler_arg", "1")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads configPath when it is non-empty and returns the validated result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if path := strings.TrimSpace(configPath); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.HTTP.CORSAllowedOrigins = splitList(cfg.HTTP.CORSAllowedOrigins)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the rules that span several fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.JWT.Algorithm {
	case "HS256":
		if c.JWT.Secret == "" {
			return errors.New("invalid config: jwt.secret is required for HS256")
		}
	case "RS256":
		if c.JWT.PublicKeyFile == "" {
			return errors.New("invalid config: jwt.public_key_file is required for RS256")
		}
	}
	if c.Redis.TLS.Insecure && !c.Redis.TLS.AllowInsecure {
		return errors.New("invalid config: redis.tls.insecure requires redis.tls.allow_insecure")
	}
	if c.Redis.RequireTLS && !c.Redis.TLS.Enabled {
		return errors.New("invalid config: redis.require_tls requires redis.tls.enabled")
	}
	if c.Log.Output != "stdout" && strings.TrimSpace(c.Log.FilePath) == "" {
		return errors.New("invalid config: log.file_path is required for file output")
	}
	return nil
}

// Hardening maps the config onto production checks for one binary.
func (c *Config) Hardening(service string, servesBrowsers bool) hardening.Options {
	return hardening.Options{
		Service:               service,
		Environment:           c.Environment,
		StrictProdSecurity:    c.StrictProdSecurity,
		DatabaseDSN:           c.Database.DSN,
		DatabaseRequireTLS:    c.Database.RequireTLS,
		RedisAddr:             c.Redis.Addr,
		RedisRequireTLS:       c.Redis.RequireTLS,
		RedisTLSInsecure:      c.Redis.TLS.Insecure,
		RedisAllowInsecureTLS: c.Redis.TLS.AllowInsecure,
		CORSAllowedOrigins:    c.HTTP.CORSAllowedOrigins,
		CheckCORS:             servesBrowsers,
		JWTAlgorithm:          c.JWT.Algorithm,
		JWTSecret:             c.JWT.Secret,
	}
}

func (c *Config) StoreRedis() store.RedisConfig {
	return store.RedisConfig{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		RequireTLS:  c.Redis.RequireTLS,
		TLS:         store.RedisTLSConfig(c.Redis.TLS),
		PingTimeout: c.Redis.PingTimeout,
	}
}

func (c *Config) StoreInvalidations() store.InvalidationConfig {
	return store.InvalidationConfig{
		KeyPrefix: c.Invalidation.KeyPrefix,
		OpTimeout: c.Invalidation.OpTimeout,
		Monotonic: c.Invalidation.Monotonic,
	}
}

func (c *Config) StorePostgres() store.PostgresConfig {
	return store.PostgresConfig{
		DSN:            c.Database.DSN,
		RequireTLS:     c.Database.RequireTLS,
		MaxConns:       c.Database.MaxConns,
		ConnectRetries: c.Database.ConnectRetries,
	}
}

func (c *Config) KafkaSource(replay bool) statebus.KafkaConfig {
	return statebus.KafkaConfig{
		Brokers:     c.Kafka.Brokers,
		Topic:       c.Kafka.Topic,
		GroupID:     c.Kafka.GroupID,
		Replay:      replay,
		DialTimeout: c.Kafka.DialTimeout,
	}
}

func (c *Config) ConsumerSettings() statebus.ConsumerConfig {
	return statebus.ConsumerConfig{
		PollTimeout:   c.Kafka.PollTimeout,
		ErrorBackoff:  c.Consumer.ErrorBackoff,
		WriteRetryMax: c.Consumer.WriteRetryMax,
		TTL:           store.InvalidationTTL,
	}
}

func (c *Config) TelemetrySettings(service string) telemetry.Config {
	return telemetry.Config{
		ServiceName: service,
		Endpoint:    c.Telemetry.Endpoint,
		Headers:     c.Telemetry.Headers,
		Insecure:    c.Telemetry.Insecure,
		Timeout:     c.Telemetry.Timeout,
		Required:    c.Telemetry.Required,
		Sampler:     c.Telemetry.Sampler,
		SamplerArg:  c.Telemetry.SamplerArg,
	}
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
