package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the engine process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Provider ProviderConfig
	Agent    AgentConfig
	Backend  BackendConfig
	Engine   EngineConfig
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

// ProviderConfig holds the telephony provider credentials (spec's
// provider_credentials option).
type ProviderConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

type AgentConfig struct {
	BaseURL string
}

type BackendConfig struct {
	SinkURL string
}

// EngineConfig holds the Call Queue Engine's own tunables (spec.md §6).
type EngineConfig struct {
	QueueWorkers               int
	MaxConcurrentCalls         int
	RateLimitPerSecond         int
	InitialStatusDelay         time.Duration
	StatusCheckInterval        time.Duration
	RequestTimeout             time.Duration
	MaxStatusRetries           int
	StuckCallDeadline          time.Duration
	HardDeadline               time.Duration
	MinConnectedSeconds        int
	PromoterInterval           time.Duration
	SweeperInterval            time.Duration
	TerminalRetentionWindow    time.Duration
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

	c.Provider.AccountSID = strings.TrimSpace(os.Getenv("PROVIDER_ACCOUNT_SID"))
	c.Provider.AuthToken = os.Getenv("PROVIDER_AUTH_TOKEN")
	c.Provider.FromNumber = strings.TrimSpace(os.Getenv("PROVIDER_FROM_NUMBER"))

	c.Agent.BaseURL = strings.TrimSpace(os.Getenv("AGENT_BASE_URL"))
	c.Backend.SinkURL = strings.TrimSpace(os.Getenv("BACKEND_SINK_URL"))

	c.Engine = EngineConfig{
		QueueWorkers:            envIntDefault("QUEUE_WORKERS", 10),
		MaxConcurrentCalls:      envIntDefault("MAX_CONCURRENT_CALLS", 100),
		RateLimitPerSecond:      envIntDefault("RATE_LIMIT_PER_SECOND", 10),
		InitialStatusDelay:      envSecondsDefault("INITIAL_STATUS_DELAY_SECONDS", 20),
		StatusCheckInterval:     envSecondsDefault("STATUS_CHECK_INTERVAL_SECONDS", 15),
		RequestTimeout:          envSecondsDefault("REQUEST_TIMEOUT_SECONDS", 30),
		MaxStatusRetries:        envIntDefault("MAX_STATUS_RETRIES", 3),
		StuckCallDeadline:       envSecondsDefault("STUCK_CALL_DEADLINE_SECONDS", 45),
		HardDeadline:            envSecondsDefault("HARD_DEADLINE_SECONDS", 300),
		MinConnectedSeconds:     envIntDefault("MIN_CONNECTED_SECONDS", 5),
		PromoterInterval:        1 * time.Second,
		SweeperInterval:         30 * time.Second,
		TerminalRetentionWindow: 24 * time.Hour,
	}

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
			// Allowed values are enforced below.
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

	if c.Provider.AccountSID == "" || c.Provider.AuthToken == "" || c.Provider.FromNumber == "" {
		errs = append(errs, errors.New("PROVIDER_ACCOUNT_SID, PROVIDER_AUTH_TOKEN and PROVIDER_FROM_NUMBER are required"))
	}
	if c.Agent.BaseURL == "" {
		errs = append(errs, errors.New("AGENT_BASE_URL is required"))
	}
	if c.Backend.SinkURL == "" {
		errs = append(errs, errors.New("BACKEND_SINK_URL is required"))
	}

	if c.Engine.QueueWorkers <= 0 {
		errs = append(errs, errors.New("QUEUE_WORKERS must be > 0"))
	}
	if c.Engine.MaxConcurrentCalls <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_CALLS must be > 0"))
	}
	if c.Engine.RateLimitPerSecond <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_SECOND must be > 0"))
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

func envIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSecondsDefault(key string, defSeconds int) time.Duration {
	return time.Duration(envIntDefault(key, defSeconds)) * time.Second
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
