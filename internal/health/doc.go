// Package health probes backend reachability over the HTTP health endpoint.
// The session coordinator drives its bounded WaitHealthy poll to gate
// queue draining after an offline period; single-probe Check is the
// building block WaitHealthy loops over.
package health
