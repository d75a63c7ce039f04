package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete license client configuration
type Config struct {
	Project    ProjectConfig    `yaml:"project" envconfig:"PROJECT"`
	Service    ServiceConfig    `yaml:"service" envconfig:"SERVICE"`
	Features   FeaturesConfig   `yaml:"features" envconfig:"FEATURES"`
	Token      TokenConfig      `yaml:"token" envconfig:"TOKEN"`
	Activation ActivationConfig `yaml:"activation" envconfig:"ACTIVATION"`
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
	Paths      PathsConfig      `yaml:"paths" envconfig:"PATHS"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ProjectConfig identifies the licensed project
type ProjectConfig struct {
	ID            string `yaml:"id" envconfig:"ID" validate:"required,uuid"`
	KeyTemplate   string `yaml:"key_template" envconfig:"KEY_TEMPLATE" validate:"required"`
	PublicKeyFile string `yaml:"public_key_file" envconfig:"PUBLIC_KEY_FILE"`
	PublicKeyPEM  string `yaml:"public_key_pem" envconfig:"PUBLIC_KEY_PEM"`
	Version       string `yaml:"version" envconfig:"VERSION"`
}

// ServiceConfig contains license service transport configuration
type ServiceConfig struct {
	BaseURL           string        `yaml:"base_url" envconfig:"BASE_URL" validate:"required,url"`
	ExecURL           string        `yaml:"exec_url" envconfig:"EXEC_URL" validate:"required,url"`
	Timeout           time.Duration `yaml:"timeout" envconfig:"TIMEOUT" validate:"gt=0"`
	AuthorityCertFile string        `yaml:"authority_cert_file" envconfig:"AUTHORITY_CERT_FILE"`
	PinnedSPKI        []string      `yaml:"pinned_spki" envconfig:"PINNED_SPKI" validate:"dive,hexadecimal,len=64"`
}

// FeaturesConfig replaces build-time variants with runtime flags
type FeaturesConfig struct {
	AllowOffline         bool `yaml:"allow_offline" envconfig:"ALLOW_OFFLINE"`
	IncludeCustomer      bool `yaml:"include_customer" envconfig:"INCLUDE_CUSTOMER"`
	EnforceVariableTypes bool `yaml:"enforce_variable_types" envconfig:"ENFORCE_VARIABLE_TYPES"`
}

// TokenConfig contains access token refresh settings
type TokenConfig struct {
	RefreshMargin time.Duration `yaml:"refresh_margin" envconfig:"REFRESH_MARGIN" validate:"gte=0"`
}

// ActivationConfig throttles activation attempts. A zero rate disables throttling.
type ActivationConfig struct {
	RatePerMinute float64 `yaml:"rate_per_minute" envconfig:"RATE_PER_MINUTE" validate:"gte=0"`
	Burst         int     `yaml:"burst" envconfig:"BURST" validate:"gte=0"`
}

// ServerConfig contains the local status server configuration
type ServerConfig struct {
	Address         string        `yaml:"address" envconfig:"ADDRESS" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

// PathsConfig contains file system paths configuration
type PathsConfig struct {
	ExecutableDir string `yaml:"executable_dir" envconfig:"EXECUTABLE_DIR"`
	LicenseFile   string `yaml:"license_file" envconfig:"LICENSE_FILE" validate:"required"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=console file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// TelemetryConfig contains OpenTelemetry configuration
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" validate:"oneof=stdout none"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" validate:"oneof=prometheus none"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO" validate:"gte=0,lte=1"`
}

var validate = validator.New()

// Load builds the configuration from defaults, an optional YAML file and the environment.
// Environment variables (LICENSEKIT_*) take precedence over the file. An empty path
// searches the usual locations and silently falls back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getConfigFilePath()
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate checks struct constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Features.AllowOffline && c.Project.PublicKeyFile == "" && c.Project.PublicKeyPEM == "" {
		return fmt.Errorf("offline support requires project.public_key_file or project.public_key_pem")
	}
	if c.Logging.Output != "console" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path is required for output %q", c.Logging.Output)
	}
	return nil
}

// PublicKey returns the PEM encoded verification key, reading the key file if configured
func (c *Config) PublicKey() (string, error) {
	if c.Project.PublicKeyPEM != "" {
		return c.Project.PublicKeyPEM, nil
	}
	if c.Project.PublicKeyFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.ResolvePath(c.Project.PublicKeyFile))
	if err != nil {
		return "", fmt.Errorf("failed to read public key: %w", err)
	}
	return string(data), nil
}

// getConfigFilePath returns the first config file found in the usual locations
func getConfigFilePath() string {
	locations := []string{"licensekit.yaml", "configs/licensekit.yaml"}
	if dir, err := ExecutableDir(); err == nil {
		locations = append(locations, dir+string(os.PathSeparator)+"licensekit.yaml")
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Project: ProjectConfig{
			KeyTemplate: DefaultKeyTemplate,
		},
		Service: ServiceConfig{
			BaseURL: DefaultServiceURL,
			ExecURL: DefaultExecURL,
			Timeout: DefaultHTTPTimeout,
		},
		Features: FeaturesConfig{
			IncludeCustomer: true,
		},
		Token: TokenConfig{
			RefreshMargin: DefaultRefreshMargin,
		},
		Activation: ActivationConfig{
			RatePerMinute: DefaultActivationsPerMinute,
			Burst:         DefaultActivationBurst,
		},
		Server: ServerConfig{
			Address:         DefaultServerAddress,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    45 * time.Second,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Paths: PathsConfig{
			LicenseFile: LicenseFileName,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "console",
			FilePath: DefaultLogFile,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "licensekit",
			Environment:    "production",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
	}
}
