// Package telemetry wires OpenTelemetry exporters and meters for the
// anonymizing proxy.
//
// It centralises trace provider setup and offers helpers that attach request
// and decision metadata to spans and metrics so operators can correlate
// denials and header rewrites with the traffic that caused them.
package telemetry
