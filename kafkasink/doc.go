// Package kafkasink is a govern.AuditSink that publishes governance events
// to Kafka through segmentio/kafka-go.
//
// Emit runs on the engine's audit dispatcher goroutine, so each publish is
// bounded by a write timeout and detached from the emitting request's
// cancellation.
package kafkasink
