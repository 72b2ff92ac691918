// Package drain replays queued chunks to the backend once connectivity
// returns. Replay is strictly ordered by sequence, paced so it never
// floods the uplink, and removes a chunk from the durable queue only
// after the backend confirms delivery.
package drain
