package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openfroyo/agentd/pkg/stores"
	"github.com/openfroyo/agentd/pkg/telemetry"
	"github.com/openfroyo/agentd/pkg/worker"
)

// EnvPrefix prefixes environment overrides, e.g. AGENTD_API_LISTEN.
const EnvPrefix = "AGENTD"

// Runtime is the daemon configuration.
type Runtime struct {
	Store      stores.Config    `mapstructure:"store"`
	Telemetry  telemetry.Config `mapstructure:"telemetry"`
	Supervisor worker.Config    `mapstructure:"supervisor"`
	API        APIConfig        `mapstructure:"api"`
	Agents     AgentsConfig     `mapstructure:"agents"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Listen          string        `mapstructure:"listen" validate:"required_if=Enabled true"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// AgentsConfig configures where agent definitions come from and how they
// are evaluated.
type AgentsConfig struct {
	// Definitions are the files or directories holding agent definitions.
	Definitions []string `mapstructure:"definitions"`

	// Watch reloads definitions when their files change.
	Watch bool `mapstructure:"watch"`

	// Prune deletes stored agents that are no longer defined.
	Prune bool `mapstructure:"prune"`

	// ExpressionMaxSteps bounds the work of a single template expression.
	ExpressionMaxSteps uint64 `mapstructure:"expression_max_steps"`

	// ReloadDelay debounces definition file changes.
	ReloadDelay time.Duration `mapstructure:"reload_delay" validate:"gte=0"`
}

// DefaultRuntime returns the built-in defaults.
func DefaultRuntime() Runtime {
	return Runtime{
		Store: stores.Config{
			Path:            "agentd.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Telemetry:  *telemetry.DefaultConfig(),
		Supervisor: worker.DefaultConfig(),
		API: APIConfig{
			Enabled:         true,
			Listen:          "127.0.0.1:8420",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Agents: AgentsConfig{
			ExpressionMaxSteps: 100000,
			ReloadDelay:        DefaultReloadDelay,
		},
	}
}

// LoadRuntime reads the runtime configuration. When path is empty,
// agentd.yaml is looked up in the working directory and /etc/agentd, and a
// missing file falls back to defaults. AGENTD_* environment variables
// override both.
func LoadRuntime(path string) (*Runtime, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("agentd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/agentd")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := DefaultRuntime()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags of every section.
func (r *Runtime) Validate() error {
	if err := validator.New().Struct(r); err != nil {
		return fmt.Errorf("invalid runtime config: %w", err)
	}
	return r.Telemetry.Validate()
}

// setDefaults registers every key so environment overrides apply even when
// the key is absent from the file.
func setDefaults(v *viper.Viper) {
	d := DefaultRuntime()

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.max_open_conns", d.Store.MaxOpenConns)
	v.SetDefault("store.max_idle_conns", d.Store.MaxIdleConns)
	v.SetDefault("store.conn_max_lifetime", d.Store.ConnMaxLifetime)

	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.service_version", d.Telemetry.ServiceVersion)
	v.SetDefault("telemetry.environment", d.Telemetry.Environment)
	v.SetDefault("telemetry.logging.level", d.Telemetry.Logging.Level)
	v.SetDefault("telemetry.logging.format", d.Telemetry.Logging.Format)
	v.SetDefault("telemetry.logging.output", d.Telemetry.Logging.Output)
	v.SetDefault("telemetry.tracing.enabled", d.Telemetry.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", d.Telemetry.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", d.Telemetry.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sampling_rate", d.Telemetry.Tracing.SamplingRate)
	v.SetDefault("telemetry.metrics.enabled", d.Telemetry.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.namespace", d.Telemetry.Metrics.Namespace)
	v.SetDefault("telemetry.events.enabled", d.Telemetry.Events.Enabled)

	v.SetDefault("supervisor.force_stop_timeout", d.Supervisor.ForceStopTimeout)
	v.SetDefault("supervisor.restart_interval", d.Supervisor.RestartInterval)
	v.SetDefault("supervisor.restart_burst", d.Supervisor.RestartBurst)
	v.SetDefault("supervisor.max_consecutive_failures", d.Supervisor.MaxConsecutiveFailures)
	v.SetDefault("supervisor.cooldown", d.Supervisor.Cooldown)

	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.listen", d.API.Listen)
	v.SetDefault("api.read_timeout", d.API.ReadTimeout)
	v.SetDefault("api.write_timeout", d.API.WriteTimeout)
	v.SetDefault("api.shutdown_timeout", d.API.ShutdownTimeout)

	v.SetDefault("agents.definitions", d.Agents.Definitions)
	v.SetDefault("agents.watch", d.Agents.Watch)
	v.SetDefault("agents.prune", d.Agents.Prune)
	v.SetDefault("agents.expression_max_steps", d.Agents.ExpressionMaxSteps)
	v.SetDefault("agents.reload_delay", d.Agents.ReloadDelay)
}
