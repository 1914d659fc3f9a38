/*
Package tracing follows one inbound request through the emulator.

The front server starts a root span per request and names it with a
request id. The orchestrator opens a child span around the worker round
trip, so a slow response in the log can be split into time spent in the
server and time spent in the script.

Trace context arrives and leaves in the X-Trace-ID and X-Span-ID headers.
Completed spans are written to the log by a background collector.

# Usage

	tracer := tracing.New("edgeworker", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "worker-fetch")
	defer tracer.Submit(span)
	defer span.Finish()
*/
package tracing
