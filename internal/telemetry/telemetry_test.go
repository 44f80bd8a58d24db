package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/conductor/internal/config"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"disabled skips checks", func(c *Config) { c.Endpoint = "" }, ""},
		{"enabled default", func(c *Config) { c.Enabled = true }, ""},
		{"missing endpoint", func(c *Config) { c.Enabled = true; c.Endpoint = "" }, "endpoint"},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, "protocol"},
		{"insecure remote", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, "insecure"},
		{"secure remote", func(c *Config) {
			c.Enabled = true
			c.Insecure = false
			c.Endpoint = "https://otel.example.com"
		}, ""},
		{"loopback v6", func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }, ""},
		{"bad rate", func(c *Config) { c.Enabled = true; c.Sampling.Rate = 1.5 }, "sampling.rate"},
		{"zero interval", func(c *Config) {
			c.Enabled = true
			c.Metrics.ExportInterval = config.Duration(0)
		}, "export_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewResource(t *testing.T) {
	res := newResource(NewDefaultConfig())
	v, ok := res.Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "conductor", v.AsString())
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Healthy)
	assert.NotNil(t, tel.Tracer("conductor.test"))
	assert.NotNil(t, tel.Meter("conductor.test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_WithExporter(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Metrics.Enabled = false
	exp := tracetest.NewInMemoryExporter()

	tel, err := New(context.Background(), cfg, zap.NewNop(), WithTraceExporter(exp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	_, span := tel.Tracer("conductor.test").Start(context.Background(), "pipeline.start")
	span.End()
	require.NoError(t, tel.ForceFlush(context.Background()))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "pipeline.start", spans[0].Name)
	assert.True(t, tel.IsEnabled())
}

func TestSetDegraded(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	tel := &Telemetry{config: NewDefaultConfig(), logger: zap.New(core)}
	tel.healthy.Store(true)

	tel.setDegraded(errors.New("collector unreachable"))

	h := tel.Health()
	assert.True(t, h.Degraded)
	assert.Equal(t, "collector unreachable", h.Reason)
	assert.Equal(t, 1, logs.FilterMessage("telemetry degraded").Len())
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.Nil(t, tel.LoggerProvider())
	assert.True(t, tel.Health().Degraded)
	assert.NoError(t, tel.ForceFlush(context.Background()))
}

func TestShutdown_UsesConfiguredTimeout(t *testing.T) {
	tt := NewTestTelemetry()
	tt.config.Shutdown.Timeout = config.Duration(time.Second)
	assert.NoError(t, tt.Shutdown(context.Background()))
	assert.False(t, tt.Health().Healthy)
}

func TestTestTelemetry(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("conductor.test").Start(ctx, "orchestrator.spawn")
	span.SetAttributes(attribute.String("role_id", "coder"))
	span.End()
	tt.AssertSpanExists(t, "orchestrator.spawn")
	tt.AssertSpanAttribute(t, "orchestrator.spawn", "role_id", "coder")

	counter, err := tt.Meter("conductor.test").Int64Counter("conductor.workers.spawned")
	require.NoError(t, err)
	counter.Add(ctx, 2, metricOpt("coder"))
	counter.Add(ctx, 1, metricOpt("reviewer"))

	assert.Equal(t, int64(3), tt.CounterValue(t, "conductor.workers.spawned"))
	assert.Equal(t, int64(2), tt.CounterValue(t, "conductor.workers.spawned", attribute.String("role_id", "coder")))
	assert.Equal(t, int64(-1), tt.CounterValue(t, "missing"))
}

func metricOpt(role string) metric.AddOption {
	return metric.WithAttributes(attribute.String("role_id", role))
}
