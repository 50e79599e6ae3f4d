// Package otel binds govern engine counters to an OpenTelemetry meter.
//
// [NewExporter] registers one Int64ObservableCounter per engine counter and
// one Int64ObservableGauge per latency bucket. A single callback reads
// [govern.Engine.MetricsSnapshot] on each collection cycle. The caller owns
// the MeterProvider.
package otel
