// Package playback turns a finished session's stored chunks back into a
// playable WAV file. It fetches the backend's per-session chunk listing,
// verifies sequence completeness, downloads the raw PCM payloads, and
// frames them with a standard 44-byte header. No transcoding happens;
// the result is byte-exact framing of the original capture.
package playback
