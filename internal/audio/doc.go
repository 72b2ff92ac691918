// Package audio handles PCM accumulation, fixed-cadence chunking, and WAV
// container framing. It turns the continuous capture stream into
// sequence-numbered chunks with amplitude summaries, and reassembles ordered
// chunk payloads back into a playable WAV file.
package audio
