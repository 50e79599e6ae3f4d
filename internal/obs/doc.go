// Package obs holds process-level observability wiring for the governd
// binary: the zap logger, the Prometheus listener and the trace pipeline.
package obs
