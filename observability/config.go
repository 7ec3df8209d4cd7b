// Package observability sets up the OpenTelemetry tracer provider that
// records the reporting client's attempt spans. When disabled it degrades to
// no-ops with zero overhead.
package observability

import (
	"errors"
	"maps"
	"time"
)

const (
	// EndpointStdout is a special endpoint value that writes spans to stdout
	// (for local development).
	EndpointStdout = "stdout"

	// ProtocolHTTP specifies OTLP over HTTP/protobuf.
	ProtocolHTTP = "http"

	// ProtocolGRPC specifies OTLP over gRPC.
	ProtocolGRPC = "grpc"
)

// ErrInvalidProtocol indicates an unsupported OTLP protocol value.
var ErrInvalidProtocol = errors.New("protocol must be http or grpc")

// ErrServiceNameRequired indicates a missing service name on an enabled
// configuration.
var ErrServiceNameRequired = errors.New("service name is required when observability is enabled")

// ErrEndpointRequired indicates a missing trace endpoint on an enabled
// configuration.
var ErrEndpointRequired = errors.New("trace endpoint is required when observability is enabled")

// Config defines the tracing configuration.
type Config struct {
	// Enabled controls whether spans are recorded at all.
	Enabled bool `koanf:"enabled"`

	// Service identifies this process in the tracing backend.
	Service ServiceConfig `koanf:"service"`

	// Environment is the deployment environment (production, staging, ...).
	Environment string `koanf:"environment"`

	// Trace configures the span exporter.
	Trace TraceConfig `koanf:"trace"`
}

// ServiceConfig contains service identification metadata.
type ServiceConfig struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

// TraceConfig configures span export.
type TraceConfig struct {
	// Endpoint receives OTLP spans; EndpointStdout selects the stdout
	// exporter.
	Endpoint string `koanf:"endpoint"`
	// Protocol is ProtocolHTTP or ProtocolGRPC; ignored for stdout.
	Protocol string `koanf:"protocol"`
	// Insecure disables TLS on the exporter connection.
	Insecure bool `koanf:"insecure"`
	// Headers are attached to every export request (e.g. auth).
	Headers map[string]string `koanf:"headers"`

	// SampleRate is the trace-ID ratio sampler rate in [0, 1].
	SampleRate float64 `koanf:"sample_rate"`
	// BatchTimeout bounds how long spans buffer before export.
	BatchTimeout time.Duration `koanf:"batch_timeout"`
}

// ApplyDefaults fills zero values with safe defaults.
func (c *Config) ApplyDefaults() {
	if c.Trace.Protocol == "" {
		c.Trace.Protocol = ProtocolGRPC
	}
	if c.Trace.SampleRate == 0 {
		c.Trace.SampleRate = 1.0
	}
	if c.Trace.BatchTimeout == 0 {
		c.Trace.BatchTimeout = 5 * time.Second
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// Validate checks an enabled configuration; a disabled one is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Service.Name == "" {
		return ErrServiceNameRequired
	}
	if c.Trace.Endpoint == "" {
		return ErrEndpointRequired
	}
	if c.Trace.Endpoint != EndpointStdout {
		switch c.Trace.Protocol {
		case ProtocolHTTP, ProtocolGRPC:
		default:
			return ErrInvalidProtocol
		}
	}
	if c.Trace.SampleRate < 0 || c.Trace.SampleRate > 1 {
		return errors.New("sample rate must be within [0, 1]")
	}
	return nil
}

// clone returns a deep copy so NewProvider never mutates the caller's value.
func (c *Config) clone() Config {
	out := *c
	out.Trace.Headers = maps.Clone(c.Trace.Headers)
	return out
}
