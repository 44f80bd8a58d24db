// Package telemetry wires OpenTelemetry tracing and metrics for conductor.
//
// The pipeline runner, convergence engine and orchestrator obtain their
// tracers and meters from the global providers (otel.Tracer, otel.Meter),
// which New installs when telemetry is enabled. When it is disabled the
// globals stay no-op and instrumentation costs nothing.
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: "grpc"        # or "http/protobuf"
//	  sampling:
//	    rate: 0.25
//	  metrics:
//	    export_interval: "15s"
//
// Exporter failures never stop the daemon. The instance reports itself as
// degraded through Health and keeps handing out no-op instruments.
//
// Tests use NewTestTelemetry, which records spans in memory and collects
// metrics through a ManualReader.
package telemetry
