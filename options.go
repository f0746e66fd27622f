package gatehouse

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ledgerline/gatehouse/internal/requirements"
)

// Option configures an Engine.
type Option func(*engineConfig) error

// engineConfig holds internal configuration.
type engineConfig struct {
	store  FlagStore
	logger *zap.Logger

	requirementsTTL time.Duration
	loadTimeout     time.Duration
	failOpen        bool
	evalMemoTTL     time.Duration

	otelEnabled bool

	adminAddr string

	snapshotDir string

	redisClient  redis.UniversalClient
	redisChannel string
}

func defaultEngineConfig() *engineConfig {
	return &engineConfig{
		logger:          zap.NewNop(),
		requirementsTTL: requirements.DefaultTTL,
		loadTimeout:     requirements.DefaultLoadTimeout,
	}
}

// WithStore sets the flag store. Required.
func WithStore(store FlagStore) Option {
	return func(c *engineConfig) error {
		if store == nil {
			return fmt.Errorf("flag store cannot be nil")
		}
		c.store = store
		return nil
	}
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *engineConfig) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithRequirementsTTL sets how long cached requirement bindings stay
// fresh. Default: 30 seconds.
func WithRequirementsTTL(ttl time.Duration) Option {
	return func(c *engineConfig) error {
		if ttl <= 0 {
			return fmt.Errorf("requirements TTL must be positive")
		}
		c.requirementsTTL = ttl
		return nil
	}
}

// WithLoadTimeout bounds each requirements load against the store.
// Default: 5 seconds.
func WithLoadTimeout(timeout time.Duration) Option {
	return func(c *engineConfig) error {
		if timeout <= 0 {
			return fmt.Errorf("load timeout must be positive")
		}
		c.loadTimeout = timeout
		return nil
	}
}

// WithFailOpen treats operations whose requirements were never loaded as
// ungated when the store is unreachable. The default is fail-closed:
// unknown policy denies until the store recovers.
func WithFailOpen(failOpen bool) Option {
	return func(c *engineConfig) error {
		c.failOpen = failOpen
		return nil
	}
}

// WithEvalMemoTTL enables the evaluation memo cache with the given TTL.
// Zero (the default) disables memoization.
func WithEvalMemoTTL(ttl time.Duration) Option {
	return func(c *engineConfig) error {
		if ttl < 0 {
			return fmt.Errorf("memo TTL cannot be negative")
		}
		c.evalMemoTTL = ttl
		return nil
	}
}

// WithOTel enables OpenTelemetry metrics and tracing via the global
// providers.
func WithOTel() Option {
	return func(c *engineConfig) error {
		c.otelEnabled = true
		return nil
	}
}

// WithManagementServer runs the management HTTP API on the given address.
//
// Example: gatehouse.WithManagementServer(":19000")
func WithManagementServer(addr string) Option {
	return func(c *engineConfig) error {
		if addr == "" {
			return fmt.Errorf("management server address cannot be empty")
		}
		c.adminAddr = addr
		return nil
	}
}

// WithSnapshotDir persists the loaded flag set to the given directory and
// boots from it when the store is unreachable at startup. The store stays
// the source of truth.
func WithSnapshotDir(dir string) Option {
	return func(c *engineConfig) error {
		if dir == "" {
			return fmt.Errorf("snapshot directory cannot be empty")
		}
		c.snapshotDir = dir
		return nil
	}
}

// WithRedisNotifier propagates flag changes between engine instances over
// Redis pub/sub. An empty channel uses the default.
func WithRedisNotifier(client redis.UniversalClient, channel string) Option {
	return func(c *engineConfig) error {
		if client == nil {
			return fmt.Errorf("redis client cannot be nil")
		}
		c.redisClient = client
		c.redisChannel = channel
		return nil
	}
}

// WithConfig applies a full Config struct. This is an alternative to the
// individual options; the store and redis client are still wired
// separately.
func WithConfig(cfg Config) Option {
	return func(c *engineConfig) error {
		if cfg.Requirements.TTL > 0 {
			c.requirementsTTL = cfg.Requirements.TTL
		}
		if cfg.Requirements.LoadTimeout > 0 {
			c.loadTimeout = cfg.Requirements.LoadTimeout
		}
		c.failOpen = cfg.Requirements.FailOpen
		c.evalMemoTTL = cfg.EvalMemoTTL
		if cfg.Management.Enabled {
			c.adminAddr = cfg.Management.Addr
		}
		c.snapshotDir = cfg.SnapshotDir
		c.otelEnabled = cfg.Telemetry.Enabled
		return nil
	}
}
