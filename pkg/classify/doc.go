// Package classify attributes tracking categories and a resource type to
// outgoing requests, the metadata a browser would hand to a request policy.
//
// Categories come from a TrackerList assembled from YAML category maps and
// EasyList style "||domain^" rules. A category is reported as third party
// when the request's site differs from the site that initiated it.
package classify
