// Package server wires the inspection API of a machine into a gin engine.
//
// Middleware, in order: panic recovery, request IDs, Prometheus request
// metrics, CORS, and an optional per-client rate limit. Run serves until its
// context ends and then drains in-flight requests.
package server
