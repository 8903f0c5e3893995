package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry section of the agentd runtime configuration.
type Config struct {
	ServiceName    string `mapstructure:"service_name" validate:"required"`
	ServiceVersion string `mapstructure:"service_version" validate:"required"`
	Environment    string `mapstructure:"environment"`

	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Events  EventsConfig  `mapstructure:"events"`
}

// LoggingConfig configures the process logger. Agent logs are stored
// separately and are not affected by these settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `mapstructure:"format" validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output"`

	EnableCaller bool `mapstructure:"enable_caller"`

	// EnableSampling keeps SamplingInitial messages per second, then every
	// SamplingThereafter-th one.
	EnableSampling     bool `mapstructure:"enable_sampling"`
	SamplingInitial    int  `mapstructure:"sampling_initial" validate:"gte=0"`
	SamplingThereafter int  `mapstructure:"sampling_thereafter" validate:"gte=0"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string `mapstructure:"time_format"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Exporter is otlp, stdout or none.
	Exporter string `mapstructure:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint of the OTLP collector, e.g. localhost:4317.
	Endpoint           string            `mapstructure:"endpoint"`
	SamplingRate       float64           `mapstructure:"sampling_rate" validate:"gte=0,lte=1"`
	MaxExportBatchSize int               `mapstructure:"max_export_batch_size" validate:"gte=0"`
	ExportTimeout      time.Duration     `mapstructure:"export_timeout" validate:"gte=0"`
	Headers            map[string]string `mapstructure:"headers"`
	Insecure           bool              `mapstructure:"insecure"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`

	// DefaultHistogramBuckets are invocation latency buckets in seconds.
	DefaultHistogramBuckets []float64 `mapstructure:"histogram_buckets"`
}

// EventsConfig configures the runtime activity publisher.
type EventsConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	BufferSize   int  `mapstructure:"buffer_size" validate:"required_if=Enabled true,gte=0"`
	MaxBatchSize int  `mapstructure:"max_batch_size" validate:"gte=0"`
	EnableAsync  bool `mapstructure:"enable_async"`
}

// DefaultConfig returns the telemetry defaults: console logs on stderr,
// metrics on, tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "agentd",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "agentd",
			DefaultHistogramBuckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		},
		Events: EventsConfig{
			Enabled:      true,
			BufferSize:   1000,
			MaxBatchSize: 100,
			EnableAsync:  true,
		},
	}
}

// ProductionConfig logs JSON with sampling and exports 10% of traces over
// OTLP.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// DevelopmentConfig logs at debug level with callers and prints every span.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	cfg.Tracing.Exporter = "stdout"
	return cfg
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
