// Package telemetry wires Prometheus metrics, OpenTelemetry tracing and
// OpenTelemetry meters for the toolchain bridge.
//
// It centralises trace provider setup, owns the Prometheus registry served on
// the metrics endpoint, and offers enrichment helpers that attach process,
// session and admission outcomes to spans so operators can correlate a slow
// or failed build with the toolchain invocation that caused it.
package telemetry
