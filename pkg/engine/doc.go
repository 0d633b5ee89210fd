// Package engine assembles the request-evaluation runtime from configuration.
//
// The factory loads tracker lists into a classifier and composes the evaluator
// chain: the builtin RequestPolicy first, then any operator Rego modules.
// A Runtime is immutable; configuration reloads build a new one and the proxy
// swaps it in atomically.
package engine
