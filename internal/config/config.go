package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or an env file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Session  SessionConfig
	Outbox   OutboxConfig
	WhatsApp WhatsAppConfig
	Notify   NotifyConfig
	Assist   AssistConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// DBConfig is optional. With no DB_HOST every repository runs in memory.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

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

	// Operator logins. An empty password disables that account.
	AdminUser     string
	AdminPassword string
	AgentUser     string
	AgentPassword string
}

const (
	SessionBackendMemory   = "memory"
	SessionBackendPostgres = "postgres"
	SessionBackendRedis    = "redis"
)

type SessionConfig struct {
	Backend         string
	TTL             time.Duration
	CleanupInterval time.Duration
}

type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	SendTimeout  time.Duration
}

type WhatsAppConfig struct {
	Driver            string
	AccessToken       string
	PhoneNumberID     string
	APIVersion        string
	BaseURL           string
	VerifyToken       string
	AppSecret         string
	AllowMockFallback bool
}

type NotifyConfig struct {
	AMQPURL      string
	Exchange     string
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	From         string
	StaffEmails  []string
}

type AssistConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
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
	if c.DB.Host != "" {
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
		n, err := optionalInt("REDIS_PORT", 6379)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")
	c.Auth.AdminUser = envOr("ADMIN_USER", "admin")
	c.Auth.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	c.Auth.AgentUser = envOr("AGENT_USER", "agent")
	c.Auth.AgentPassword = os.Getenv("AGENT_PASSWORD")

	c.Session.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("SESSION_BACKEND")))
	{
		n, err := optionalInt("SESSION_TTL_MINUTES", 30)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Session.TTL = time.Duration(n) * time.Minute
	}
	{
		n, err := optionalInt("SESSION_CLEANUP_INTERVAL_MINUTES", 5)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Session.CleanupInterval = time.Duration(n) * time.Minute
	}

	{
		n, err := optionalInt("OUTBOX_POLL_INTERVAL_MS", 3000)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Outbox.PollInterval = time.Duration(n) * time.Millisecond
	}
	{
		n, err := optionalInt("OUTBOX_BATCH_SIZE", 10)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Outbox.BatchSize = n
	}
	{
		n, err := optionalInt("OUTBOX_MAX_RETRIES", 3)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Outbox.MaxRetries = n
	}
	{
		n, err := optionalInt("OUTBOX_BACKOFF_BASE_MS", 2000)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Outbox.BackoffBase = time.Duration(n) * time.Millisecond
	}
	{
		n, err := optionalInt("OUTBOX_BACKOFF_MAX_MS", 300000)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Outbox.BackoffMax = time.Duration(n) * time.Millisecond
	}
	{
		n, err := optionalInt("OUTBOX_SEND_TIMEOUT_MS", 10000)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Outbox.SendTimeout = time.Duration(n) * time.Millisecond
	}

	c.WhatsApp.Driver = strings.ToLower(strings.TrimSpace(os.Getenv("WHATSAPP_DRIVER")))
	c.WhatsApp.AccessToken = os.Getenv("WHATSAPP_ACCESS_TOKEN")
	c.WhatsApp.PhoneNumberID = strings.TrimSpace(os.Getenv("WHATSAPP_PHONE_NUMBER_ID"))
	c.WhatsApp.APIVersion = strings.TrimSpace(os.Getenv("WHATSAPP_API_VERSION"))
	c.WhatsApp.BaseURL = strings.TrimSpace(os.Getenv("WHATSAPP_BASE_URL"))
	c.WhatsApp.VerifyToken = os.Getenv("WHATSAPP_VERIFY_TOKEN")
	c.WhatsApp.AppSecret = os.Getenv("WHATSAPP_APP_SECRET")
	{
		b, err := optionalBool("WHATSAPP_ALLOW_MOCK_FALLBACK", false)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.WhatsApp.AllowMockFallback = b
	}

	c.Notify.AMQPURL = strings.TrimSpace(os.Getenv("NOTIFY_AMQP_URL"))
	c.Notify.Exchange = envOr("NOTIFY_AMQP_EXCHANGE", "ex.engagement")
	c.Notify.SMTPHost = strings.TrimSpace(os.Getenv("SMTP_HOST"))
	{
		n, err := optionalInt("SMTP_PORT", 587)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Notify.SMTPPort = n
	}
	c.Notify.SMTPUser = strings.TrimSpace(os.Getenv("SMTP_USER"))
	c.Notify.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	c.Notify.From = strings.TrimSpace(os.Getenv("SMTP_FROM"))
	c.Notify.StaffEmails = splitList(os.Getenv("STAFF_EMAILS"))

	c.Assist.URL = strings.TrimSpace(os.Getenv("ASSIST_URL"))
	c.Assist.APIKey = os.Getenv("ASSIST_API_KEY")
	{
		n, err := optionalInt("ASSIST_TIMEOUT_MS", 8000)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Assist.Timeout = time.Duration(n) * time.Millisecond
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the config and fills defaults that depend on other fields.
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

	if c.HasDB() {
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
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	} else if c.IsProduction() {
		errs = append(errs, errors.New("DB_HOST is required in production"))
	}

	if c.HasRedis() && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
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
		if c.Auth.AdminPassword == "" {
			errs = append(errs, errors.New("ADMIN_PASSWORD is required in production"))
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

	if c.Session.Backend == "" {
		switch {
		case c.HasRedis():
			c.Session.Backend = SessionBackendRedis
		case c.HasDB():
			c.Session.Backend = SessionBackendPostgres
		default:
			c.Session.Backend = SessionBackendMemory
		}
	}
	switch c.Session.Backend {
	case SessionBackendMemory:
	case SessionBackendPostgres:
		if !c.HasDB() {
			errs = append(errs, errors.New("SESSION_BACKEND=postgres requires DB_HOST"))
		}
	case SessionBackendRedis:
		if !c.HasRedis() {
			errs = append(errs, errors.New("SESSION_BACKEND=redis requires REDIS_HOST"))
		}
	default:
		errs = append(errs, fmt.Errorf("SESSION_BACKEND must be one of memory, postgres, redis, got %q", c.Session.Backend))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL_MINUTES must be positive"))
	}
	if c.Session.CleanupInterval <= 0 {
		errs = append(errs, errors.New("SESSION_CLEANUP_INTERVAL_MINUTES must be positive"))
	}

	if c.Outbox.PollInterval <= 0 {
		errs = append(errs, errors.New("OUTBOX_POLL_INTERVAL_MS must be positive"))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("OUTBOX_BATCH_SIZE must be positive"))
	}
	if c.Outbox.MaxRetries <= 0 {
		errs = append(errs, errors.New("OUTBOX_MAX_RETRIES must be positive"))
	}
	if c.Outbox.SendTimeout <= 0 {
		errs = append(errs, errors.New("OUTBOX_SEND_TIMEOUT_MS must be positive"))
	}
	if c.Outbox.BackoffMax < c.Outbox.BackoffBase {
		errs = append(errs, errors.New("OUTBOX_BACKOFF_MAX_MS must not be lower than OUTBOX_BACKOFF_BASE_MS"))
	}

	switch c.WhatsApp.Driver {
	case "":
		c.WhatsApp.Driver = "mock"
	case "mock", "cloud":
	default:
		errs = append(errs, fmt.Errorf("WHATSAPP_DRIVER must be one of mock, cloud, got %q", c.WhatsApp.Driver))
	}
	if c.WhatsApp.Driver == "cloud" && !c.WhatsApp.AllowMockFallback {
		if c.WhatsApp.AccessToken == "" {
			errs = append(errs, errors.New("WHATSAPP_ACCESS_TOKEN is required for the cloud driver"))
		}
		if c.WhatsApp.PhoneNumberID == "" {
			errs = append(errs, errors.New("WHATSAPP_PHONE_NUMBER_ID is required for the cloud driver"))
		}
	}
	if c.IsProduction() {
		if c.WhatsApp.Driver != "cloud" {
			errs = append(errs, errors.New("WHATSAPP_DRIVER=cloud is required in production"))
		}
		if c.WhatsApp.AppSecret == "" {
			errs = append(errs, errors.New("WHATSAPP_APP_SECRET is required in production"))
		}
	}

	if c.Notify.SMTPHost != "" {
		if c.Notify.From == "" {
			errs = append(errs, errors.New("SMTP_FROM is required when SMTP_HOST is set"))
		}
		if len(c.Notify.StaffEmails) == 0 {
			errs = append(errs, errors.New("STAFF_EMAILS is required when SMTP_HOST is set"))
		}
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HasDB() bool { return c.DB.Host != "" }

func (c Config) HasRedis() bool { return c.Redis.Host != "" }

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
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

func (c Config) RedisAddr() string {
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

func optionalInt(key string, def int) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return def, nil
	}
	return mustInt(key)
}

func optionalBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
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

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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
