// Package proxy implements the forward HTTP proxy that hosts the request
// policy.
//
// For every absolute-form request the proxy builds a domain.Request (request
// ID, resource type, tracker classification, ordered headers), evaluates it
// and enacts the decision: deny answers locally, allow forwards the rewritten
// headers, a decision without verdict forwards the request unchanged.
// CONNECT requests are evaluated on their authority and then tunnelled; the
// headers inside a TLS tunnel are never seen and so never rewritten.
package proxy
