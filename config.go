package gatehouse

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the file-loadable configuration for a gatehouse service.
type Config struct {
	Store struct {
		// Driver is "postgres" or "sqlite".
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	Requirements struct {
		TTL         time.Duration `mapstructure:"ttl"`
		LoadTimeout time.Duration `mapstructure:"load_timeout"`
		FailOpen    bool          `mapstructure:"fail_open"`
	} `mapstructure:"requirements"`

	EvalMemoTTL time.Duration `mapstructure:"eval_memo_ttl"`

	SnapshotDir string `mapstructure:"snapshot_dir"`

	Management struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"management"`

	Redis struct {
		Addr    string `mapstructure:"addr"`
		Channel string `mapstructure:"channel"`
	} `mapstructure:"redis"`

	Telemetry struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"telemetry"`
}

// DefaultConfig returns the defaults applied before reading a file.
func DefaultConfig() Config {
	var cfg Config
	cfg.Store.Driver = "postgres"
	cfg.Requirements.TTL = 30 * time.Second
	cfg.Requirements.LoadTimeout = 5 * time.Second
	cfg.Management.Addr = ":19000"
	return cfg
}

// LoadConfig reads a YAML config file, layered over DefaultConfig.
// Environment variables prefixed GATEHOUSE_ override file values
// (e.g. GATEHOUSE_STORE_DSN).
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GATEHOUSE")
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("requirements.ttl", 30*time.Second)
	v.SetDefault("requirements.load_timeout", 5*time.Second)
	v.SetDefault("management.addr", ":19000")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}
