// Package telemetry wires OpenTelemetry tracing and metrics for the planner.
//
// Pipeline stages are recorded as spans and pipeline counters as otel
// instruments. When telemetry is disabled the global no-op providers are used,
// so instrumented code never has to check.
//
//	tel, err := telemetry.New(ctx, telemetry.NewDefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	ctx, span := tel.Tracer("planner.pipeline").Start(ctx, "pipeline.run")
//	defer span.End()
//
// Tests use NewTestTelemetry, which records spans in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	runner := pipeline.NewRunner(deps, pipeline.WithTracer(tt.Tracer("test")))
//	...
//	tt.AssertSpanExists(t, "pipeline.estimate")
package telemetry
