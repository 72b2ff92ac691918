// Package queue is the durable offline chunk store. Chunks cut while the
// transport is unavailable are written here synchronously before capture
// continues, survive process restarts, and are removed only after the
// backend confirms delivery during replay.
package queue
