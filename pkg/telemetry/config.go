package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry section of the devloop configuration.
type Config struct {
	ServiceName    string `yaml:"service_name" validate:"required"`
	ServiceVersion string `yaml:"service_version" validate:"required"`

	// Environment is attached to every span (development, staging, production).
	Environment string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Format string `yaml:"format" validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string `yaml:"output"`

	EnableCaller bool `yaml:"enable_caller"`

	// With sampling on, SamplingInitial lines per second are logged, then
	// every SamplingThereafter-th line.
	EnableSampling     bool `yaml:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial" validate:"gte=0"`
	SamplingThereafter int  `yaml:"sampling_thereafter" validate:"gte=0"`

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string `yaml:"time_format" validate:"omitempty,oneof=rfc3339 unix unixms unixmicro"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is otlp (gRPC to Endpoint), stdout or none.
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint string `yaml:"endpoint"`

	SamplingRate       float64       `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	MaxExportBatchSize int           `yaml:"max_export_batch_size" validate:"gte=0"`
	ExportTimeout      time.Duration `yaml:"export_timeout"`

	Headers  map[string]string `yaml:"headers"`
	Insecure bool              `yaml:"insecure"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// ListenAddress serves Path on a separate listener. When empty, metrics
	// are only served by the API server.
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
	Namespace     string `yaml:"namespace"`

	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"histogram_buckets"`
}

// DefaultConfig returns the telemetry defaults: console logs at info,
// tracing off, metrics on.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "devloop",
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
			Exporter:           "otlp",
			Endpoint:           "localhost:4317",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "devloop",
			// gate commands run for seconds to minutes
			DefaultHistogramBuckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "" {
		return fmt.Errorf("tracing is enabled but no exporter is set")
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("metrics path is required when metrics are enabled")
	}
	return nil
}
