// Package telemetry wires the observability of a p4converge run.
//
// Logging goes through zerolog. New installs the configured logger as the
// global github.com/rs/zerolog/log logger, which every other package uses;
// Logger adds run, target and unit scoped fields on top.
//
// Tracing uses OpenTelemetry with one of three exporters:
//
//   - none: a no-op tracer, nothing is installed globally
//   - stdout: spans pretty-printed to stderr
//   - otlp: spans batched to an OTLP gRPC collector
//
// The reconciler opens a span per unit under the run span started with
// Tracer.StartRunSpan.
//
// Metrics are Prometheus collectors on a private registry. Metrics
// implements engine.Observer so it can be handed to the reconciler
// directly. There is no HTTP endpoint: p4converge is a short-lived CLI, so
// the registry is written to a node_exporter textfile on Shutdown when
// Config.Metrics.TextfilePath is set.
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.TextfilePath = "/var/lib/node_exporter/p4converge.prom"
//	tel, err := telemetry.New(cfg)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	r := engine.NewReconciler(adapter,
//		engine.WithObserver(tel.Metrics),
//		engine.WithTracer(tel.Tracer.Tracer()))
package telemetry
