// Package server implements the local monitoring HTTP server. It exposes
// the active session's state, durable queue depth, sanitized configuration,
// and Prometheus metrics for operators debugging a recording device.
package server
