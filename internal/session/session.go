// Package session tracks live recognition sessions: lifecycle state, the
// per-session recognizer, bounded result history, and the handoff to the
// alert path when emergency keywords show up in a transcript.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hearline/backend/internal/asr"
	"github.com/hearline/backend/internal/dispatch"
)

// HistoryLimit caps the recognition results kept per session. Older entries
// are discarded.
const HistoryLimit = 100

var (
	ErrStopped   = errors.New("session: stopped")
	ErrNotActive = errors.New("session: not active")
	ErrOccupied  = errors.New("session: stream already attached")
)

// Alerter raises an emergency broadcast and reports how it went. Satisfied
// by alert.Service.
type Alerter interface {
	Raise(ctx context.Context, text string, keywords []string, att *dispatch.Attachment) dispatch.Summary
}

// Params configure a new session. Empty fields take the manager defaults.
type Params struct {
	DeviceID   string
	Language   string
	SampleRate int
	VAD        bool
}

// Session is one device's recognition stream. A session is created over
// REST, bound to at most one WebSocket at a time, and fed audio chunks until
// stopped. All methods are safe for concurrent use.
type Session struct {
	id         string
	deviceID   string
	language   string
	sampleRate int
	vad        bool
	createdAt  time.Time

	classifier asr.Classifier
	alerts     Alerter
	log        *slog.Logger

	// procMu serializes recognizer access separately from the state lock,
	// so a long Process call never blocks Status readers.
	procMu    sync.Mutex
	processor asr.Processor

	mu      sync.Mutex
	state   State
	history []RecognitionResult
	bound   bool
	done    chan struct{}

	alertWG sync.WaitGroup
}

func newSession(id string, p Params, proc asr.Processor, classifier asr.Classifier, alerts Alerter, log *slog.Logger) *Session {
	return &Session{
		id:         id,
		deviceID:   p.DeviceID,
		language:   p.Language,
		sampleRate: p.SampleRate,
		vad:        p.VAD,
		createdAt:  time.Now().UTC(),
		classifier: classifier,
		alerts:     alerts,
		log:        log,
		processor:  proc,
		state:      Created,
		done:       make(chan struct{}),
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) DeviceID() string { return s.deviceID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start moves the session to active. Starting an already active session is a
// no-op; starting a stopped one fails.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Stopped:
		return ErrStopped
	case Created:
		s.state = Active
		s.log.Info("session active", "session", s.id, "device", s.deviceID)
	}
	return nil
}

// ProcessChunk runs one audio chunk through the recognizer. It returns nil
// without error when the chunk did not complete an utterance. On a completed
// utterance the result is recorded in history, and if the transcript carries
// emergency keywords an alert broadcast is started in the background.
func (s *Session) ProcessChunk(samples []float32) (*RecognitionResult, error) {
	s.mu.Lock()
	switch s.state {
	case Stopped:
		s.mu.Unlock()
		return nil, ErrStopped
	case Created:
		s.mu.Unlock()
		return nil, ErrNotActive
	}
	s.state = Processing
	s.mu.Unlock()

	s.procMu.Lock()
	res, err := s.processor.Process(samples)
	s.procMu.Unlock()

	s.mu.Lock()
	if s.state == Stopped {
		// Stopped mid-chunk: drop whatever the recognizer produced.
		s.mu.Unlock()
		return nil, ErrStopped
	}
	s.state = Active
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("recognize: %w", err)
	}
	if res == nil {
		s.mu.Unlock()
		return nil, nil
	}

	trigger, keywords := s.classifier.Classify(res.Text)
	rec := RecognitionResult{
		Text:      res.Text,
		Trigger:   trigger,
		Keywords:  keywords,
		Timestamp: time.Now().UTC(),
		Duration:  res.Duration,
	}
	s.history = append(s.history, rec)
	if len(s.history) > HistoryLimit {
		s.history = s.history[len(s.history)-HistoryLimit:]
	}
	s.mu.Unlock()

	s.log.Info("utterance recognized",
		"session", s.id, "text", rec.Text, "emergency", trigger)

	if trigger {
		s.alertWG.Add(1)
		go func() {
			defer s.alertWG.Done()
			// Detached from the session lifetime: the broadcast must
			// finish even if the session stops right after the trigger.
			s.alerts.Raise(context.Background(), rec.Text, rec.Keywords, nil)
		}()
	}
	return &rec, nil
}

// Stop is idempotent. In-flight alert broadcasts keep running; use
// DrainAlerts to wait for them.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return
	}
	s.state = Stopped
	segments := len(s.history)
	close(s.done)
	s.mu.Unlock()

	s.procMu.Lock()
	s.processor.Reset()
	s.procMu.Unlock()

	s.log.Info("session stopped", "session", s.id, "segments", segments)
}

// Done is closed when the session stops, whichever path stopped it.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// DrainAlerts blocks until alert broadcasts triggered by this session have
// finished.
func (s *Session) DrainAlerts() {
	s.alertWG.Wait()
}

// Bind claims the session's single stream slot. A second concurrent bind is
// refused until Unbind.
func (s *Session) Bind() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		return ErrStopped
	}
	if s.bound {
		return ErrOccupied
	}
	s.bound = true
	return nil
}

func (s *Session) Unbind() {
	s.mu.Lock()
	s.bound = false
	s.mu.Unlock()
}

// Status returns a point-in-time snapshot.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ID:            s.id,
		DeviceID:      s.deviceID,
		Language:      s.language,
		SampleRate:    s.sampleRate,
		VAD:           s.vad,
		State:         s.state,
		CreatedAt:     s.createdAt,
		SegmentsCount: len(s.history),
		Connected:     s.bound,
	}
	if n := len(s.history); n > 0 {
		st.LastText = s.history[n-1].Text
	}
	return st
}

// History returns a copy of the recorded results, oldest first.
func (s *Session) History() []RecognitionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecognitionResult, len(s.history))
	copy(out, s.history)
	return out
}
