/*
Package telemetry provides observability for the flywheel control plane.

Architecture Overview:

The package has three pieces that compose but do not depend on each other:

 1. Structured Logger - JSON or text log lines with a fixed envelope
    (timestamp, level, service, message). Error-level entries go to stderr,
    everything else to stdout, so container runtimes can split the streams.
 2. Metric Instruments - cached OpenTelemetry instruments (counters,
    histograms, gauges) keyed by name, safe for concurrent use.
 3. Trace Provider - an OTLP-backed tracer implementing core.Telemetry,
    with a stdout exporter fallback for local development.

Thread Safety:

All public types in this package are safe for concurrent use. Instrument
creation uses double-checked locking so the hot recording path takes only
a read lock.

Design Principles:

1. Fail-Safe - Telemetry failures never crash the application
2. Zero-Config - Works with sensible defaults out of the box
3. Correlation-First - Context-aware log calls automatically attach
   correlation IDs and trace/span identifiers to every entry

Usage:

Create a logger once and share it:

	logger := telemetry.NewLogger("flywheel-worker")
	logger.Info("Job enqueued", map[string]interface{}{
	    "job_id": jobID,
	    "type":   "article_generation",
	})

For distributed tracing:

	provider, err := telemetry.NewOTelProvider("flywheel-worker", endpoint)
	ctx, span := provider.StartSpan(ctx, "queue.enqueue")
	defer span.End()
*/
package telemetry
