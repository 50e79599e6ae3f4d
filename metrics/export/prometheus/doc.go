// Package prometheus exposes govern engine metrics as a
// prometheus.Collector. Counters are published as govern_*_total and the
// latency histograms as govern_*_latency_seconds.
//
// The collector is not registered anywhere by default. Register it in the
// process registry or mount Handler for a private one.
package prometheus
