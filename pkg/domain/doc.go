// Package domain defines the core types exchanged between the request host
// (the forwarding proxy) and the request policy.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of transport (no net/http, no OPA, no telemetry)
// - Plain values that live for exactly one evaluation
// - Testable in isolation without mocks
//
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
