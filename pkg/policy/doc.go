// Package policy decides, for every outgoing request, whether the proxy may
// send it and with which headers.
//
// The builtin RequestPolicy cancels requests whose third-party classification
// carries a tracking tag and anonymizes the User-Agent header of everything
// else. Additional evaluators, such as the Open Policy Agent backed
// RegoEngine, are composed with it through a Chain. The package is
// intentionally decoupled from HTTP concerns so decisions can be simulated and
// tested without a network.
package policy
