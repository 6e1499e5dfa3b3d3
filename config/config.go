package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP         HTTPConfig         `yaml:"http"`
	GRPC         GRPCConfig         `yaml:"grpc"`
	Log          LogConfig          `yaml:"log"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Backend      BackendConfig      `yaml:"backend"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Verification VerificationConfig `yaml:"verification"`
	Attempts     AttemptsConfig     `yaml:"attempts"`
	Worker       WorkerConfig       `yaml:"worker"`
}

type HTTPConfig struct {
	Address        string   `yaml:"address"`
	SwaggerDir     string   `yaml:"swagger_dir"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type GRPCConfig struct {
	Address string `yaml:"address"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers            []string `yaml:"brokers"`
	PaymentsTopic      string   `yaml:"payments_topic"`
	NotificationsTopic string   `yaml:"notifications_topic"`
	GroupID            string   `yaml:"group_id"`
}

// BackendConfig points at the Booking/Payment Backend API.
type BackendConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Currency       string `yaml:"currency"`
}

func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// GatewayConfig holds the origins the completion heuristics compare against.
type GatewayConfig struct {
	Origin    string `yaml:"origin"`
	AppOrigin string `yaml:"app_origin"`
}

type VerificationConfig struct {
	InitialDelayMs     int     `yaml:"initial_delay_ms"`
	MaxDelayMs         int     `yaml:"max_delay_ms"`
	NotYetMultiplier   float64 `yaml:"not_yet_multiplier"`
	ErrorMultiplier    float64 `yaml:"error_multiplier"`
	MaxAttempts        int     `yaml:"max_attempts"`
	GracePeriodSeconds int     `yaml:"grace_period_seconds"`
	BudgetResetDelayMs int     `yaml:"budget_reset_delay_ms"`
	MinFrameReloads    int     `yaml:"min_frame_reloads"`
	MinDwellSeconds    int     `yaml:"min_dwell_seconds"`
	SuccessRedirectMs  int     `yaml:"success_redirect_ms"`
	BookingsURL        string  `yaml:"bookings_url"`
}

type AttemptsConfig struct {
	TTLMinutes         int `yaml:"ttl_minutes"`
	FlowLockSeconds    int `yaml:"flow_lock_seconds"`
	SessionIdleSeconds int `yaml:"session_idle_seconds"`
}

type WorkerConfig struct {
	StaleAttemptSweep string `yaml:"stale_attempt_sweep"`
	StaleAfterMinutes int    `yaml:"stale_after_minutes"`
}

// LoadConfig reads the YAML file at path. Variables from an optional .env file
// next to the working directory are loaded first and ${VAR} references in the
// file are expanded from the environment.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	if cfg.Backend.BaseURL == "" {
		return nil, errors.New("backend.base_url is required")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if c.GRPC.Address == "" {
		c.GRPC.Address = ":9090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Backend.TimeoutSeconds <= 0 {
		c.Backend.TimeoutSeconds = 10
	}
	if c.Backend.Currency == "" {
		c.Backend.Currency = "MWK"
	}
	if c.Kafka.PaymentsTopic == "" {
		c.Kafka.PaymentsTopic = "payments"
	}

	v := &c.Verification
	if v.InitialDelayMs <= 0 {
		v.InitialDelayMs = 2000
	}
	if v.MaxDelayMs <= 0 {
		v.MaxDelayMs = 30000
	}
	if v.NotYetMultiplier < 1 {
		v.NotYetMultiplier = 1.5
	}
	if v.ErrorMultiplier < 1 {
		v.ErrorMultiplier = 2
	}
	if v.MaxAttempts <= 0 {
		v.MaxAttempts = 20
	}
	if v.GracePeriodSeconds <= 0 {
		v.GracePeriodSeconds = 45
	}
	if v.BudgetResetDelayMs <= 0 {
		v.BudgetResetDelayMs = 5000
	}
	if v.MinFrameReloads <= 0 {
		v.MinFrameReloads = 2
	}
	if v.MinDwellSeconds <= 0 {
		v.MinDwellSeconds = 20
	}
	if v.SuccessRedirectMs <= 0 {
		v.SuccessRedirectMs = 3000
	}
	if v.BookingsURL == "" {
		v.BookingsURL = "/student/bookings"
	}

	a := &c.Attempts
	if a.TTLMinutes <= 0 {
		a.TTLMinutes = 30
	}
	if a.FlowLockSeconds <= 0 {
		a.FlowLockSeconds = 60
	}
	if a.SessionIdleSeconds <= 0 {
		a.SessionIdleSeconds = 120
	}

	if c.Worker.StaleAttemptSweep == "" {
		c.Worker.StaleAttemptSweep = "@every 5m"
	}
	if c.Worker.StaleAfterMinutes <= 0 {
		c.Worker.StaleAfterMinutes = 30
	}
}
