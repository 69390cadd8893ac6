package telemetry

// Config groups the telemetry configuration for the engine.
type Config struct {
	// ServiceName identifies the service in traces and metrics.
	ServiceName string

	// ServiceVersion is the build version.
	ServiceVersion string

	// Logging configures structured logging.
	Logging LoggingConfig

	// Tracing configures span export.
	Tracing TracingConfig

	// Metrics configures metric collection.
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format specifies the log format (console, json).
	Format string

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool
}

// TracingConfig configures span export. The engine runs as a CLI
// process, so spans go to stdout for debugging or nowhere.
type TracingConfig struct {
	// Exporter specifies the span exporter (stdout, none).
	Exporter string

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64
}

// MetricsConfig configures metric collection.
type MetricsConfig struct {
	// Namespace is the metric name prefix.
	Namespace string

	// DurationBuckets are the latency histogram buckets in seconds.
	// Provider calls range from fast reads to multi-minute provisions.
	DurationBuckets []float64
}

// DefaultConfig returns the telemetry defaults for the CLI.
func DefaultConfig(version string) Config {
	return Config{
		ServiceName:    "stagecraft",
		ServiceVersion: version,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
		},
		Metrics: MetricsConfig{
			Namespace:       "stagecraft",
			DurationBuckets: []float64{0.05, 0.25, 1, 5, 15, 60, 180, 600},
		},
	}
}
