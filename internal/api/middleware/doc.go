// Package middleware holds the gin middleware of the inspection API: CORS,
// per-client and global rate limits, and request IDs.
package middleware
