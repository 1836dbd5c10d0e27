package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Credits   CreditsConfig   `yaml:"credits" envconfig:"CREDITS"`
	Store     StoreConfig     `yaml:"store" envconfig:"STORE"`
	Sheets    SheetsConfig    `yaml:"sheets" envconfig:"SHEETS"`
	Admin     AdminConfig     `yaml:"admin" envconfig:"ADMIN"`
	Release   ReleaseConfig   `yaml:"release" envconfig:"RELEASE"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// SecurityConfig contains request authentication and session configuration
type SecurityConfig struct {
	SigningSecret   string          `yaml:"signing_secret" envconfig:"SIGNING_SECRET"`
	SignatureWindow time.Duration   `yaml:"signature_window" envconfig:"SIGNATURE_WINDOW" default:"60s"`
	ReplayCapacity  int             `yaml:"replay_capacity" envconfig:"REPLAY_CAPACITY" default:"100000"`
	SessionTTL      time.Duration   `yaml:"session_ttl" envconfig:"SESSION_TTL" default:"168h"`
	RateLimit       RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"100"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"50"`
}

// CreditsConfig contains trial and welfare credit policy
type CreditsConfig struct {
	TrialCredits    int64         `yaml:"trial_credits" envconfig:"TRIAL_CREDITS" default:"50"`
	WelfareCredits  int64         `yaml:"welfare_credits" envconfig:"WELFARE_CREDITS" default:"20"`
	WelfareInterval time.Duration `yaml:"welfare_interval" envconfig:"WELFARE_INTERVAL" default:"168h"`
}

// StoreConfig contains persistence configuration for the license ledger
type StoreConfig struct {
	SnapshotPath     string        `yaml:"snapshot_path" envconfig:"SNAPSHOT_PATH" default:"data/licenses.json"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" envconfig:"SNAPSHOT_INTERVAL" default:"5m"`
}

// SheetsConfig contains the optional Google Sheets registry mirror
type SheetsConfig struct {
	Enabled         bool   `yaml:"enabled" envconfig:"ENABLED" default:"false"`
	CredentialsFile string `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
	SpreadsheetID   string `yaml:"spreadsheet_id" envconfig:"SPREADSHEET_ID"`
	SheetName       string `yaml:"sheet_name" envconfig:"SHEET_NAME" default:"Licenses"`
}

// AdminConfig contains the administrative API credentials. PasswordHash is
// a bcrypt hash; the plaintext password never appears in configuration.
type AdminConfig struct {
	Enabled      bool   `yaml:"enabled" envconfig:"ENABLED" default:"false"`
	Username     string `yaml:"username" envconfig:"USERNAME"`
	PasswordHash string `yaml:"password_hash" envconfig:"PASSWORD_HASH"`
}

// ReleaseConfig advertises the latest client release. All fields empty
// means no release is published and the version endpoint answers 404.
type ReleaseConfig struct {
	Tag         string `yaml:"tag" envconfig:"TAG"`
	DownloadURL string `yaml:"download_url" envconfig:"DOWNLOAD_URL"`
	Notes       string `yaml:"notes" envconfig:"NOTES"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/app.log"`
}

// WebSocketConfig contains the audit event feed configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE" default:"1024"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE" default:"1024"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD" default:"30s"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT" default:"60s"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	cfg := Default()

	// Config file first, environment second: env values win.
	if path := findConfigFile(); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process("MTL", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile overlays configuration from a YAML file
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// findConfigFile returns the first config file found in common locations
func findConfigFile() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}

	if c.Security.SigningSecret == "" {
		return fmt.Errorf("security signing secret is required")
	}
	if len(c.Security.SigningSecret) < 16 {
		return fmt.Errorf("security signing secret must be at least 16 bytes")
	}
	if c.Security.SignatureWindow <= 0 {
		return fmt.Errorf("signature window must be positive")
	}
	if c.Security.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}

	if c.Credits.TrialCredits < 0 {
		return fmt.Errorf("trial credits must not be negative")
	}
	if c.Credits.WelfareCredits < 0 {
		return fmt.Errorf("welfare credits must not be negative")
	}
	if c.Credits.WelfareInterval <= 0 {
		return fmt.Errorf("welfare interval must be positive")
	}

	if c.Sheets.Enabled {
		if c.Sheets.CredentialsFile == "" {
			return fmt.Errorf("sheets credentials file is required when sheets sync is enabled")
		}
		if c.Sheets.SpreadsheetID == "" {
			return fmt.Errorf("sheets spreadsheet id is required when sheets sync is enabled")
		}
	}

	if c.Admin.Enabled {
		if c.Admin.Username == "" || c.Admin.PasswordHash == "" {
			return fmt.Errorf("admin username and password hash are required when the admin API is enabled")
		}
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}
	return nil
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
			ShutdownTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			SignatureWindow: 60 * time.Second,
			ReplayCapacity:  100_000,
			SessionTTL:      168 * time.Hour,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Credits: CreditsConfig{
			TrialCredits:    50,
			WelfareCredits:  20,
			WelfareInterval: 168 * time.Hour,
		},
		Store: StoreConfig{
			SnapshotPath:     "data/licenses.json",
			SnapshotInterval: 5 * time.Minute,
		},
		Sheets: SheetsConfig{
			SheetName: "Licenses",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "both",
			FilePath: "logs/app.log",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      30 * time.Second,
			PongWait:        60 * time.Second,
		},
	}
}
