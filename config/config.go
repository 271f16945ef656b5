package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"servicechat/internal/models"
)

// Config holds all configuration fields for the chat client.
type Config struct {
	APIBaseURL string          `yaml:"api_base_url"`
	WSURL      string          `yaml:"ws_url"`
	AuthToken  string          `yaml:"auth_token"`
	Identity   models.Identity `yaml:"identity"`

	PageSize             int           `yaml:"page_size"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	SubscribeReceipts    bool          `yaml:"subscribe_receipts"`
	CatalogTTL           time.Duration `yaml:"catalog_ttl"`

	DatabaseURL       string `yaml:"database_url"`
	WebhookURL        string `yaml:"webhook_url"`
	RabbitMQURL       string `yaml:"rabbitmq_url"`
	RabbitMQQueue     string `yaml:"rabbitmq_queue"`
	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`
	StatusAddr        string `yaml:"status_addr"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Defaults used when neither the YAML file nor the environment set a value.
const (
	DefaultPageSize             = 20
	DefaultRequestTimeout       = 30 * time.Second
	DefaultConnectTimeout       = 10 * time.Second
	DefaultHeartbeatInterval    = 4 * time.Second
	DefaultReconnectDelay       = time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultCatalogTTL           = 10 * time.Minute
	DefaultRabbitMQQueue        = "chat_events"
	DefaultNATSSubjectPrefix    = "chat.events"
)

// LoadConfig loads configuration from an optional YAML file and the
// environment. It attempts to load a .env file if present; environment
// variables take precedence over the YAML file.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if path := os.Getenv("CHAT_CONFIG_FILE"); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
		log.Info().Str("path", path).Msg("Loaded configuration file")
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Info().
		Str("apiBaseURL", cfg.APIBaseURL).
		Str("wsURL", cfg.WSURL).
		Int64("userID", cfg.Identity.ID).
		Msg("Configuration loaded")
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.APIBaseURL, "CHAT_API_BASE_URL")
	setString(&c.WSURL, "CHAT_WS_URL")
	setString(&c.AuthToken, "CHAT_AUTH_TOKEN")
	setString(&c.Identity.Name, "CHAT_USER_NAME")
	setString(&c.Identity.Email, "CHAT_USER_EMAIL")
	setString(&c.Identity.Role, "CHAT_USER_ROLE")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.WebhookURL, "WEBHOOK_URL")
	setString(&c.RabbitMQURL, "RABBITMQ_URL")
	setString(&c.RabbitMQQueue, "RABBITMQ_QUEUE")
	setString(&c.NATSURL, "NATS_URL")
	setString(&c.NATSSubjectPrefix, "NATS_SUBJECT_PREFIX")
	setString(&c.StatusAddr, "STATUS_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")

	if v := os.Getenv("CHAT_USER_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CHAT_USER_ID %q: %w", v, err)
		}
		c.Identity.ID = id
	}
	for key, dst := range map[string]*int{
		"CHAT_PAGE_SIZE":              &c.PageSize,
		"CHAT_RECONNECT_MAX_ATTEMPTS": &c.MaxReconnectAttempts,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = n
		}
	}
	for key, dst := range map[string]*time.Duration{
		"CHAT_REQUEST_TIMEOUT":    &c.RequestTimeout,
		"CHAT_CONNECT_TIMEOUT":    &c.ConnectTimeout,
		"CHAT_HEARTBEAT_INTERVAL": &c.HeartbeatInterval,
		"CHAT_RECONNECT_DELAY":    &c.ReconnectDelay,
		"CHAT_CATALOG_TTL":        &c.CatalogTTL,
	} {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = d
		}
	}
	if v := os.Getenv("CHAT_SUBSCRIBE_RECEIPTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CHAT_SUBSCRIBE_RECEIPTS %q: %w", v, err)
		}
		c.SubscribeReceipts = b
	}
	return nil
}

// ApplyDefaults fills every unset tunable with its default.
func (c *Config) ApplyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.CatalogTTL <= 0 {
		c.CatalogTTL = DefaultCatalogTTL
	}
	if c.RabbitMQQueue == "" {
		c.RabbitMQQueue = DefaultRabbitMQQueue
	}
	if c.NATSSubjectPrefix == "" {
		c.NATSSubjectPrefix = DefaultNATSSubjectPrefix
	}
	if c.Identity.Role == "" {
		c.Identity.Role = models.RoleCustomer
	}
	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")
}

// Validate checks the settings the chat core cannot run without.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("CHAT_API_BASE_URL cannot be empty")
	}
	if c.WSURL == "" {
		return fmt.Errorf("CHAT_WS_URL cannot be empty")
	}
	if !strings.HasPrefix(c.WSURL, "ws://") && !strings.HasPrefix(c.WSURL, "wss://") {
		return fmt.Errorf("CHAT_WS_URL must use ws:// or wss://, got %q", c.WSURL)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
