package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API, worker and CLI processes.
// All values come from env (optionally seeded from a .env file).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	Log      LogConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Vapi     VapiConfig
	Webhook  WebhookConfig
	Calls    CallsConfig
	Places   PlacesConfig
	Twilio   TwilioConfig
	Workflow WorkflowConfig
	Worker   WorkerConfig
}

type AppConfig struct {
	Env  string
	Port int

	// BaseURL is the public UI origin used in notification links.
	BaseURL string
}

type LogConfig struct {
	File string
}

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
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type VapiConfig struct {
	APIKey            string
	PhoneNumberID     string
	BaseURL           string
	WebhookSecret     string
	RequestsPerSecond float64
	EnrichAttempts    int
	EnrichBaseDelay   time.Duration
}

// WebhookConfig switches the outbound call client into hybrid mode when CallbackBaseURL is set.
type WebhookConfig struct {
	CallbackBaseURL string
}

// CallbackURL is the vendor-facing webhook endpoint, or "" in poll-only mode.
func (w WebhookConfig) CallbackURL() string {
	if w.CallbackBaseURL == "" {
		return ""
	}
	return strings.TrimRight(w.CallbackBaseURL, "/") + "/webhooks/vapi"
}

type CallsConfig struct {
	MaxConcurrent int
	GroupDelay    time.Duration

	PollInterval time.Duration
	Timeout      time.Duration

	CachePollInterval time.Duration
	CacheTimeout      time.Duration
	CacheMaxFetching  int
	CacheMaxNotFound  int
	CacheTTL          time.Duration

	BatchTimeout time.Duration

	LiveCallsEnabled bool
	TestPhoneNumbers []string

	// GlobalConcurrency caps in-flight calls across all processes; 0 disables the cap.
	GlobalConcurrency int
}

type PlacesConfig struct {
	APIKey     string
	BaseURL    string
	MaxResults int
	MinRating  float64
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
}

type WorkflowConfig struct {
	BaseURL      string
	Username     string
	Password     string
	Token        string
	Namespace    string
	Strict       bool
	PollInterval time.Duration
	Timeout      time.Duration
}

// Enabled reports whether delegation to the workflow engine is configured.
func (w WorkflowConfig) Enabled() bool { return w.BaseURL != "" }

type WorkerConfig struct {
	Embedded    bool
	Concurrency int
	Queue       string
}

// Load reads configuration from the environment, applies defaults and validates.
func Load() (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	c := Config{}
	p := &envParser{}

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port = p.requiredInt("APP_PORT")
	c.App.BaseURL = strings.TrimSpace(os.Getenv("APP_BASE_URL"))
	c.Log.File = strings.TrimSpace(os.Getenv("LOG_FILE"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = p.requiredInt("DB_PORT")
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port = p.requiredInt("REDIS_PORT")
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = optDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = optDuration("JWT_REFRESH_TTL")

	c.Vapi.APIKey = os.Getenv("VAPI_API_KEY")
	c.Vapi.PhoneNumberID = strings.TrimSpace(os.Getenv("VAPI_PHONE_NUMBER_ID"))
	c.Vapi.BaseURL = strings.TrimSpace(os.Getenv("VAPI_BASE_URL"))
	c.Vapi.WebhookSecret = os.Getenv("VAPI_WEBHOOK_SECRET")
	c.Vapi.RequestsPerSecond = p.optFloat("VAPI_REQUESTS_PER_SECOND")
	c.Vapi.EnrichAttempts = p.optInt("VAPI_ENRICH_ATTEMPTS")
	c.Vapi.EnrichBaseDelay = optDuration("VAPI_ENRICH_BASE_DELAY")

	c.Webhook.CallbackBaseURL = strings.TrimSpace(os.Getenv("WEBHOOK_CALLBACK_BASE_URL"))

	c.Calls.MaxConcurrent = p.optInt("CALLS_MAX_CONCURRENT")
	c.Calls.GroupDelay = optDuration("CALLS_GROUP_DELAY")
	c.Calls.PollInterval = optDuration("CALL_POLL_INTERVAL")
	c.Calls.Timeout = optDuration("CALL_TIMEOUT")
	c.Calls.CachePollInterval = optDuration("CALL_CACHE_POLL_INTERVAL")
	c.Calls.CacheTimeout = optDuration("CALL_CACHE_TIMEOUT")
	c.Calls.CacheMaxFetching = p.optInt("CALL_CACHE_MAX_FETCHING")
	c.Calls.CacheMaxNotFound = p.optInt("CALL_CACHE_MAX_NOT_FOUND")
	c.Calls.CacheTTL = optDuration("CALL_CACHE_TTL")
	c.Calls.BatchTimeout = optDuration("CALLS_BATCH_TIMEOUT")
	c.Calls.LiveCallsEnabled = p.optBool("LIVE_CALLS_ENABLED")
	c.Calls.TestPhoneNumbers = splitList(os.Getenv("CALLS_TEST_PHONE_NUMBERS"))
	c.Calls.GlobalConcurrency = p.optInt("CALLS_GLOBAL_CONCURRENCY")

	c.Places.APIKey = os.Getenv("PLACES_API_KEY")
	c.Places.BaseURL = strings.TrimSpace(os.Getenv("PLACES_BASE_URL"))
	c.Places.MaxResults = p.optInt("PLACES_MAX_RESULTS")
	c.Places.MinRating = p.optFloat("PLACES_MIN_RATING")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.FromNumber = strings.TrimSpace(os.Getenv("TWILIO_FROM_NUMBER"))
	c.Twilio.BaseURL = strings.TrimSpace(os.Getenv("TWILIO_BASE_URL"))

	c.Workflow.BaseURL = strings.TrimSpace(os.Getenv("KESTRA_URL"))
	c.Workflow.Username = strings.TrimSpace(os.Getenv("KESTRA_USERNAME"))
	c.Workflow.Password = os.Getenv("KESTRA_PASSWORD")
	c.Workflow.Token = os.Getenv("KESTRA_API_TOKEN")
	c.Workflow.Namespace = strings.TrimSpace(os.Getenv("KESTRA_NAMESPACE"))
	c.Workflow.Strict = p.optBool("KESTRA_STRICT")
	c.Workflow.PollInterval = optDuration("KESTRA_POLL_INTERVAL")
	c.Workflow.Timeout = optDuration("KESTRA_TIMEOUT")

	c.Worker.Embedded = p.optBool("WORKER_EMBEDDED")
	c.Worker.Concurrency = p.optInt("WORKER_CONCURRENCY")
	c.Worker.Queue = strings.TrimSpace(os.Getenv("WORKER_QUEUE"))

	if err := joinErrors(p.errs); err != nil {
		return Config{}, err
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyDefaults fills optional values. Production-only requirements are left for Validate.
func (c *Config) ApplyDefaults() {
	if c.DB.SSLMode == "" && !c.IsProduction() {
		c.DB.SSLMode = "disable"
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}

	if c.Vapi.BaseURL == "" {
		c.Vapi.BaseURL = "https://api.vapi.ai"
	}
	if c.Vapi.RequestsPerSecond <= 0 {
		c.Vapi.RequestsPerSecond = 5
	}
	if c.Vapi.EnrichAttempts <= 0 {
		c.Vapi.EnrichAttempts = 5
	}
	if c.Vapi.EnrichBaseDelay <= 0 {
		c.Vapi.EnrichBaseDelay = 2 * time.Second
	}

	if c.Calls.MaxConcurrent <= 0 {
		c.Calls.MaxConcurrent = 5
	}
	if c.Calls.GroupDelay <= 0 {
		c.Calls.GroupDelay = 2 * time.Second
	}
	if c.Calls.PollInterval <= 0 {
		c.Calls.PollInterval = 5 * time.Second
	}
	if c.Calls.Timeout <= 0 {
		c.Calls.Timeout = 10 * time.Minute
	}
	if c.Calls.CachePollInterval <= 0 {
		c.Calls.CachePollInterval = 2 * time.Second
	}
	if c.Calls.CacheTimeout <= 0 {
		c.Calls.CacheTimeout = 90 * time.Second
	}
	if c.Calls.CacheMaxFetching <= 0 {
		c.Calls.CacheMaxFetching = 15
	}
	if c.Calls.CacheMaxNotFound <= 0 {
		c.Calls.CacheMaxNotFound = 10
	}
	if c.Calls.CacheTTL <= 0 {
		c.Calls.CacheTTL = 30 * time.Minute
	}
	if c.Calls.BatchTimeout <= 0 {
		c.Calls.BatchTimeout = 45 * time.Minute
	}

	if c.Places.BaseURL == "" {
		c.Places.BaseURL = "https://places.googleapis.com"
	}
	if c.Places.MaxResults <= 0 {
		c.Places.MaxResults = 10
	}

	if c.Twilio.BaseURL == "" {
		c.Twilio.BaseURL = "https://api.twilio.com"
	}

	if c.Workflow.Namespace == "" {
		c.Workflow.Namespace = "ai_concierge"
	}
	if c.Workflow.PollInterval <= 0 {
		c.Workflow.PollInterval = 3 * time.Second
	}
	if c.Workflow.Timeout <= 0 {
		c.Workflow.Timeout = 30 * time.Minute
	}

	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 10
	}
	if c.Worker.Queue == "" {
		c.Worker.Queue = "default"
	}
}

func (c Config) Validate() error {
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
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		}
	} else if !isValidSSLMode(c.DB.SSLMode) {
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
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Vapi.APIKey == "" {
		errs = append(errs, errors.New("VAPI_API_KEY is required"))
	}
	if c.Vapi.PhoneNumberID == "" {
		errs = append(errs, errors.New("VAPI_PHONE_NUMBER_ID is required"))
	}
	if c.Webhook.CallbackBaseURL != "" {
		if u, err := url.Parse(c.Webhook.CallbackBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("WEBHOOK_CALLBACK_BASE_URL must be an absolute URL, got %q", c.Webhook.CallbackBaseURL))
		}
		if c.IsProduction() && c.Vapi.WebhookSecret == "" {
			errs = append(errs, errors.New("VAPI_WEBHOOK_SECRET is required in production when WEBHOOK_CALLBACK_BASE_URL is set"))
		}
	}

	if c.Calls.MaxConcurrent > 50 {
		errs = append(errs, fmt.Errorf("CALLS_MAX_CONCURRENT must be at most 50, got %d", c.Calls.MaxConcurrent))
	}
	if c.Calls.CacheTimeout > c.Calls.Timeout {
		errs = append(errs, errors.New("CALL_CACHE_TIMEOUT must not exceed CALL_TIMEOUT"))
	}
	if !c.Calls.LiveCallsEnabled && c.IsProduction() && len(c.Calls.TestPhoneNumbers) == 0 {
		errs = append(errs, errors.New("CALLS_TEST_PHONE_NUMBERS is required in production when LIVE_CALLS_ENABLED is false"))
	}

	if c.Twilio.AccountSID != "" && (c.Twilio.AuthToken == "" || c.Twilio.FromNumber == "") {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER are required when TWILIO_ACCOUNT_SID is set"))
	}

	if c.Workflow.Strict && !c.Workflow.Enabled() {
		errs = append(errs, errors.New("KESTRA_URL is required when KESTRA_STRICT is true"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

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

// envParser collects parse errors so Load can report every bad variable at once.
type envParser struct {
	errs []error
}

func (p *envParser) requiredInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		p.errs = append(p.errs, fmt.Errorf("%s is required", key))
		return 0
	}
	return p.optInt(key)
}

func (p *envParser) optInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return 0
	}
	return n
}

func (p *envParser) optFloat(key string) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a number, got %q", key, v))
		return 0
	}
	return f
}

func (p *envParser) optBool(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
		return false
	}
	return b
}

// optDuration returns 0 for unset or unparsable values; defaults are applied afterwards.
func optDuration(key string) time.Duration {
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

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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
