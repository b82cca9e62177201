package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultHost is the device's mDNS hostname, used when neither the
// --host flag nor TINKLINK_HOST is set.
const DefaultHost = "tinklink.local"

// envPrefix scopes environment overrides: TINKLINK_HOST,
// TINKLINK_OTA_SETTLE_DELAY, TINKLINK_LOGS_POLL_INTERVAL, and so on.
const envPrefix = "TINKLINK"

type Config struct {
	Host     string     `mapstructure:"host"`
	LogLevel string     `mapstructure:"log_level"`
	OTA      OTAConfig  `mapstructure:"ota"`
	Logs     LogsConfig `mapstructure:"logs"`
}

// OTAConfig holds the update orchestrator's tuning knobs. The defaults
// are empirical values from field use, not known optima.
type OTAConfig struct {
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	BackupTimeout     time.Duration `mapstructure:"backup_timeout"`
	UploadTimeout     time.Duration `mapstructure:"upload_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	RestoreTimeout    time.Duration `mapstructure:"restore_timeout"`
	RestoreAttempts   int           `mapstructure:"restore_attempts"`
	RestoreRetryDelay time.Duration `mapstructure:"restore_retry_delay"`
	RebootTimeout     time.Duration `mapstructure:"reboot_timeout"`
}

// LogsConfig holds the log monitor's tuning knobs.
type LogsConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	FetchCount       int           `mapstructure:"fetch_count"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	RecentTimeout    time.Duration `mapstructure:"recent_timeout"`
	ClearTimeout     time.Duration `mapstructure:"clear_timeout"`
	StatusTimeout    time.Duration `mapstructure:"status_timeout"`
	ReminderInterval time.Duration `mapstructure:"reminder_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", DefaultHost)
	v.SetDefault("log_level", "warn")

	v.SetDefault("ota.probe_timeout", 5*time.Second)
	v.SetDefault("ota.backup_timeout", 5*time.Second)
	v.SetDefault("ota.upload_timeout", 120*time.Second)
	v.SetDefault("ota.settle_delay", 8*time.Second)
	v.SetDefault("ota.restore_timeout", 10*time.Second)
	v.SetDefault("ota.restore_attempts", 5)
	v.SetDefault("ota.restore_retry_delay", 3*time.Second)
	v.SetDefault("ota.reboot_timeout", 5*time.Second)

	v.SetDefault("logs.poll_interval", time.Second)
	v.SetDefault("logs.fetch_count", 100)
	v.SetDefault("logs.fetch_timeout", 3*time.Second)
	v.SetDefault("logs.recent_timeout", 5*time.Second)
	v.SetDefault("logs.clear_timeout", 10*time.Second)
	v.SetDefault("logs.status_timeout", 3*time.Second)
	v.SetDefault("logs.reminder_interval", 10*time.Second)
}

// Load builds the configuration from defaults, an optional YAML file,
// and TINKLINK_* environment variables, in ascending precedence. An
// empty configPath means "no file". Flag overrides are applied by the
// caller on the returned struct, so the final precedence is
// flag > environment > file > default, resolved once at startup.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if strings.Contains(c.Host, "://") {
		return fmt.Errorf("host must be a hostname or IP, not a URL: %s", c.Host)
	}
	if c.OTA.UploadTimeout <= 0 {
		return errors.New("ota.upload_timeout must be positive")
	}
	if c.OTA.RestoreAttempts < 1 {
		return errors.New("ota.restore_attempts must be at least 1")
	}
	if c.OTA.SettleDelay < 0 || c.OTA.RestoreRetryDelay < 0 {
		return errors.New("ota delays must not be negative")
	}
	if c.Logs.PollInterval <= 0 {
		return errors.New("logs.poll_interval must be positive")
	}
	if c.Logs.FetchCount < 1 {
		return errors.New("logs.fetch_count must be at least 1")
	}
	if c.Logs.ReminderInterval <= 0 {
		return errors.New("logs.reminder_interval must be positive")
	}
	return nil
}
