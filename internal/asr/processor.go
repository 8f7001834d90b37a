// Package asr defines the speech recognition surface for audio sessions and
// the keyword classifier that decides when recognized text is an emergency.
package asr

// Result is one completed recognition segment.
type Result struct {
	// Text is the recognized transcript.
	Text string
	// Duration is the length of the recognized speech in seconds.
	Duration float64
}

// Config carries the per-session recognition parameters.
type Config struct {
	SampleRate int
	Language   string
	VAD        bool
}

// Processor consumes PCM samples and emits recognition results. Process
// returns nil until the audio so far completes an utterance. A processor is
// driven by a single session and need not be safe for concurrent use.
type Processor interface {
	Process(samples []float32) (*Result, error)
	Reset()
}

// Factory builds a fresh Processor for one session.
type Factory func(cfg Config) (Processor, error)
