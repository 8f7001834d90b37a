package asr

// Segment is one step of a scripted recognition: once Samples samples have
// been consumed, Text is emitted.
type Segment struct {
	Samples  int
	Text     string
	Duration float64
}

// Scripted replays a fixed recognition script against incoming audio. It
// keys on sample counts alone, so the same chunk sequence always yields the
// same transcripts. It stands in for a real recognition engine in demos and
// tests.
type Scripted struct {
	script   []Segment
	index    int
	consumed int
}

func NewScripted(script []Segment) *Scripted {
	return &Scripted{script: script}
}

// ScriptedFactory returns a Factory giving every session its own replay of
// script.
func ScriptedFactory(script []Segment) Factory {
	return func(Config) (Processor, error) {
		return NewScripted(script), nil
	}
}

func (s *Scripted) Process(samples []float32) (*Result, error) {
	if len(s.script) == 0 {
		return nil, nil
	}
	s.consumed += len(samples)

	seg := s.script[s.index%len(s.script)]
	if s.consumed < seg.Samples {
		return nil, nil
	}

	// Carry the overshoot into the next segment so emission stays
	// sample-accurate across chunk boundaries.
	s.consumed -= seg.Samples
	s.index++
	return &Result{Text: seg.Text, Duration: seg.Duration}, nil
}

func (s *Scripted) Reset() {
	s.index = 0
	s.consumed = 0
}

// DemoScript is the script used by mock mode: routine phrases with an
// emergency call mixed in, so the whole alert path can be exercised without
// a microphone. Sample counts assume 16 kHz input.
func DemoScript() []Segment {
	return []Segment{
		{Samples: 16000, Text: "good morning", Duration: 1.0},
		{Samples: 24000, Text: "the weather is nice today", Duration: 1.5},
		{Samples: 16000, Text: "help me please", Duration: 1.0},
		{Samples: 32000, Text: "thank you very much", Duration: 2.0},
	}
}
