package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/bulkdl/internal/download/domain"
	"github.com/cuongbtq/bulkdl/shared/coordinator"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultPath is used when neither the flag nor BULKDL_CONFIG_PATH is set
	DefaultPath = "configs/downloader/config.yaml"

	// ModeThread runs batches as goroutines in this process. It is the default:
	// batches still run in parallel, one per CPU, with one shared HTTP session
	// and none of the per-batch exec and connection setup of ModeProcess.
	ModeThread = "thread"
	// ModeProcess runs each batch in its own OS process pinned to its CPU
	ModeProcess = "process"
)

// Config represents the complete application configuration
type Config struct {
	App         AppConfig         `yaml:"app"`
	Logging     LoggingConfig     `yaml:"logging"`
	Download    DownloadConfig    `yaml:"download"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Status      StatusConfig      `yaml:"status"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// DownloadConfig describes the job and the fetch session
type DownloadConfig struct {
	LinksFile           string        `yaml:"links_file"`
	Destination         string        `yaml:"destination"`
	MaxRetries          int           `yaml:"max_retries"`
	HTTP2               bool          `yaml:"http2"`
	Convert             bool          `yaml:"convert"`
	Debug               bool          `yaml:"debug"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout"`
	Concurrency         int           `yaml:"concurrency"`
	UserAgent           string        `yaml:"user_agent"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
}

// DispatchConfig selects how batches are executed
type DispatchConfig struct {
	Mode        string `yaml:"mode"`
	CPUs        []int  `yaml:"cpus"`
	FaultPolicy string `yaml:"fault_policy"`
}

// CoordinatorConfig holds the TCP coordinator endpoint
type CoordinatorConfig struct {
	Enabled      *bool         `yaml:"enabled"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	HeaderSize   int           `yaml:"header_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// IsEnabled reports whether coordinator reporting is on. It defaults to true.
func (c CoordinatorConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// QueueConfig holds the optional mirror queue bound to the exchange
type QueueConfig struct {
	Name    string `yaml:"name"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// StatusConfig holds the read-only status API settings
type StatusConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Load reads and parses the configuration file. ${VAR} references are expanded
// from the environment before parsing and unset fields receive defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// Path resolves the config file location from the flag value and environment
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("BULKDL_CONFIG_PATH"); env != "" {
		return env
	}
	return DefaultPath
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "bulkdl"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Download.MaxRetries == 0 {
		c.Download.MaxRetries = domain.DefaultMaxRetries
	}
	if c.Download.FetchTimeout == 0 {
		c.Download.FetchTimeout = domain.DefaultFetchTimeout
	}
	if c.Download.Concurrency == 0 {
		c.Download.Concurrency = domain.DefaultConcurrency
	}

	if c.Dispatch.Mode == "" {
		c.Dispatch.Mode = ModeThread
	}
	if c.Dispatch.FaultPolicy == "" {
		c.Dispatch.FaultPolicy = domain.FaultPolicyRequeue
	}

	if c.Coordinator.Host == "" {
		c.Coordinator.Host = "127.0.0.1"
	}
	if c.Coordinator.Port == 0 {
		c.Coordinator.Port = 5050
	}
	if c.Coordinator.HeaderSize == 0 {
		c.Coordinator.HeaderSize = coordinator.DefaultHeaderSize
	}
	if c.Coordinator.DialTimeout == 0 {
		c.Coordinator.DialTimeout = 5 * time.Second
	}
	if c.Coordinator.WriteTimeout == 0 {
		c.Coordinator.WriteTimeout = 10 * time.Second
	}

	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "topic"
	}
	if c.RabbitMQ.VHost == "" {
		c.RabbitMQ.VHost = "/"
	}

	if c.Status.Port == 0 {
		c.Status.Port = 8090
	}
	if c.Status.ReadTimeout == 0 {
		c.Status.ReadTimeout = 10 * time.Second
	}
	if c.Status.WriteTimeout == 0 {
		c.Status.WriteTimeout = 10 * time.Second
	}
	if c.Status.ShutdownTimeout == 0 {
		c.Status.ShutdownTimeout = 5 * time.Second
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Download.Destination == "" {
		errs = append(errs, errors.New("download destination is required"))
	}
	if c.Download.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("download max_retries must be at least 1, got %d", c.Download.MaxRetries))
	}
	if c.Download.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("download concurrency must be at least 1, got %d", c.Download.Concurrency))
	}
	if c.Download.FetchTimeout < 0 {
		errs = append(errs, errors.New("download fetch_timeout must not be negative"))
	}

	if c.Dispatch.Mode != ModeThread && c.Dispatch.Mode != ModeProcess {
		errs = append(errs, fmt.Errorf("invalid dispatch mode: %q (must be %q or %q)", c.Dispatch.Mode, ModeThread, ModeProcess))
	}
	if c.Dispatch.FaultPolicy != domain.FaultPolicyRequeue && c.Dispatch.FaultPolicy != domain.FaultPolicyAbort {
		errs = append(errs, fmt.Errorf("invalid fault policy: %q", c.Dispatch.FaultPolicy))
	}
	if slices.ContainsFunc(c.Dispatch.CPUs, func(cpu int) bool { return cpu < 0 }) {
		errs = append(errs, errors.New("dispatch cpus must not be negative"))
	}

	if c.Coordinator.IsEnabled() {
		if c.Coordinator.Host == "" {
			errs = append(errs, errors.New("coordinator host is required"))
		}
		if err := validatePort("coordinator", c.Coordinator.Port); err != nil {
			errs = append(errs, err)
		}
		if c.Coordinator.HeaderSize < len(coordinator.TagFileReport) {
			errs = append(errs, fmt.Errorf("coordinator header_size must be at least %d", len(coordinator.TagFileReport)))
		}
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			errs = append(errs, errors.New("rabbitmq host is required"))
		}
		if err := validatePort("rabbitmq", c.RabbitMQ.Port); err != nil {
			errs = append(errs, err)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			errs = append(errs, errors.New("rabbitmq exchange name is required"))
		}
	}

	if c.Status.Enabled {
		if err := validatePort("status", c.Status.Port); err != nil {
			errs = append(errs, err)
		}
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid logging format: %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func validatePort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}
