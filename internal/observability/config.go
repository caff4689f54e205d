package observability

// Config groups the metrics and tracing settings.
type Config struct {
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// DefaultConfig returns observability with everything switched off.
func DefaultConfig() Config {
	return Config{
		Metrics: MetricsConfig{
			Enabled:        false,
			PrometheusPort: 9464,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			Exporter:       "otlp",
			OTLPEndpoint:   "localhost:4318",
			ZipkinEndpoint: "http://localhost:9411/api/v2/spans",
			SampleRate:     1.0,
			ServiceName:    "scan",
		},
	}
}
