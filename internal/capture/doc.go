// Package capture acquires raw PCM audio from a sample source and feeds the
// capture buffer. The default source shells out to arecord for microphone
// input; a synthetic tone source is provided for development and testing.
package capture
