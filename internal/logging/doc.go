// Package logging wraps Zap with context-aware methods for the planner.
//
// Every method takes a context and prepends the correlation fields found in
// it: OpenTelemetry trace and span ids, the pipeline request id and the
// business context the run was resolved to.
//
//	ctx = logging.WithRequestID(ctx, "req-42")
//	ctx = logging.WithBusiness(ctx, 1)
//	logger.Info(ctx, "task created", zap.Int64("task_id", id))
//
// produces
//
//	{"level":"info","msg":"task created","request.id":"req-42","business.id":1,"task_id":7}
//
// Output goes to stdout, to an OpenTelemetry log provider through the otelzap
// bridge, or both. Values under sensitive keys (api_key, token, ...) and values
// that look like bearer tokens or OpenAI keys are redacted before encoding.
package logging
