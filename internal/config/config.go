package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the gateway process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Webhook  WebhookConfig
	Realtime RealtimeConfig
	Stream   StreamConfig
	Business BusinessConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// OperatorKey is the shared credential exchanged for an operator JWT.
	OperatorKey string
}

// BusinessConfig is the profile the AI receptionist speaks from.
type BusinessConfig struct {
	Name        string
	Description string
	Hours       string
}

// WebhookConfig covers inbound control-plane event verification.
type WebhookConfig struct {
	// SigningSecret is the shared webhook secret, "whsec_"-prefixed base64.
	SigningSecret string
}

// RealtimeConfig covers the outbound call-control API and the realtime
// event-stream endpoint.
type RealtimeConfig struct {
	// APIKey authenticates outbound accept/transfer requests and stream dials.
	APIKey string

	// BaseURL is the call-control REST API root (https).
	BaseURL string

	// StreamURL is the realtime event-stream root (wss).
	StreamURL string

	Model string
	Voice string

	// Accept handshake retry policy for not-ready (404) responses.
	AcceptRetryAttempts int
	AcceptRetryDelay    time.Duration
}

// StreamConfig tunes per-call stream supervision.
type StreamConfig struct {
	ConnectTimeout    time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	MaxReconnects     int
	HeartbeatInterval time.Duration

	// Greeting stream pacing and delivery grace; single best-effort attempt.
	GreetingDelay time.Duration
	GreetingGrace time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")
	c.Auth.OperatorKey = os.Getenv("OPERATOR_KEY")

	c.Webhook.SigningSecret = os.Getenv("WEBHOOK_SIGNING_SECRET")

	c.Realtime.APIKey = os.Getenv("REALTIME_API_KEY")
	c.Realtime.BaseURL = strings.TrimSpace(os.Getenv("REALTIME_BASE_URL"))
	c.Realtime.StreamURL = strings.TrimSpace(os.Getenv("REALTIME_STREAM_URL"))
	c.Realtime.Model = strings.TrimSpace(os.Getenv("REALTIME_MODEL"))
	c.Realtime.Voice = strings.TrimSpace(os.Getenv("REALTIME_VOICE"))
	c.Realtime.AcceptRetryAttempts = optionalInt("ACCEPT_RETRY_ATTEMPTS")
	c.Realtime.AcceptRetryDelay = mustDuration("ACCEPT_RETRY_DELAY")

	c.Stream.ConnectTimeout = mustDuration("STREAM_CONNECT_TIMEOUT")
	c.Stream.ReconnectBase = mustDuration("STREAM_RECONNECT_BASE")
	c.Stream.ReconnectCap = mustDuration("STREAM_RECONNECT_CAP")
	c.Stream.MaxReconnects = optionalInt("STREAM_MAX_RECONNECTS")
	c.Stream.HeartbeatInterval = mustDuration("STREAM_HEARTBEAT_INTERVAL")
	c.Stream.GreetingDelay = mustDuration("GREETING_DELAY")
	c.Stream.GreetingGrace = mustDuration("GREETING_GRACE")

	c.Business.Name = strings.TrimSpace(os.Getenv("BUSINESS_NAME"))
	c.Business.Description = strings.TrimSpace(os.Getenv("BUSINESS_DESCRIPTION"))
	c.Business.Hours = strings.TrimSpace(os.Getenv("BUSINESS_HOURS"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}
	if c.Auth.OperatorKey == "" {
		errs = append(errs, errors.New("OPERATOR_KEY is required"))
	}

	// Missing control-plane secrets are process-fatal, never silently bypassed.
	if c.Webhook.SigningSecret == "" {
		errs = append(errs, errors.New("WEBHOOK_SIGNING_SECRET is required"))
	}
	if c.Realtime.APIKey == "" {
		errs = append(errs, errors.New("REALTIME_API_KEY is required"))
	}
	if c.Realtime.BaseURL == "" {
		errs = append(errs, errors.New("REALTIME_BASE_URL is required"))
	}
	if c.Realtime.StreamURL == "" {
		errs = append(errs, errors.New("REALTIME_STREAM_URL is required"))
	}
	if c.Realtime.Model == "" {
		c.Realtime.Model = "gpt-realtime"
	}
	if c.Realtime.Voice == "" {
		c.Realtime.Voice = "alloy"
	}
	if c.Realtime.AcceptRetryAttempts <= 0 {
		c.Realtime.AcceptRetryAttempts = 3
	}
	if c.Realtime.AcceptRetryDelay <= 0 {
		c.Realtime.AcceptRetryDelay = 500 * time.Millisecond
	}

	if c.Stream.ConnectTimeout <= 0 {
		c.Stream.ConnectTimeout = 10 * time.Second
	}
	if c.Stream.ReconnectBase <= 0 {
		c.Stream.ReconnectBase = time.Second
	}
	if c.Stream.ReconnectCap <= 0 {
		c.Stream.ReconnectCap = 30 * time.Second
	}
	if c.Stream.ReconnectCap < c.Stream.ReconnectBase {
		errs = append(errs, errors.New("STREAM_RECONNECT_CAP must be >= STREAM_RECONNECT_BASE"))
	}
	if c.Stream.MaxReconnects <= 0 {
		c.Stream.MaxReconnects = 5
	}
	if c.Stream.HeartbeatInterval <= 0 {
		c.Stream.HeartbeatInterval = 15 * time.Second
	}
	if c.Stream.GreetingDelay <= 0 {
		c.Stream.GreetingDelay = time.Second
	}
	if c.Stream.GreetingGrace <= 0 {
		c.Stream.GreetingGrace = 2 * time.Second
	}

	return joinErrors(errs)
}

func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c *Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
