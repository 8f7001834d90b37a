package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/hearline/backend/internal/asr"
)

// Manager owns the live session registry. Every session gets its own
// recognizer from the factory; the classifier and alerter are shared.
type Manager struct {
	factory    asr.Factory
	classifier asr.Classifier
	alerts     Alerter
	defaults   asr.Config
	log        *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(factory asr.Factory, classifier asr.Classifier, alerts Alerter, defaults asr.Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		factory:    factory,
		classifier: classifier,
		alerts:     alerts,
		defaults:   defaults,
		log:        log,
		sessions:   make(map[string]*Session),
	}
}

// Create builds a session in the created state and registers it.
func (m *Manager) Create(p Params) (*Session, error) {
	if p.Language == "" {
		p.Language = m.defaults.Language
	}
	if p.SampleRate <= 0 {
		p.SampleRate = m.defaults.SampleRate
	}

	proc, err := m.factory(asr.Config{
		SampleRate: p.SampleRate,
		Language:   p.Language,
		VAD:        p.VAD,
	})
	if err != nil {
		return nil, fmt.Errorf("create recognizer: %w", err)
	}

	id := uuid.NewString()
	sess := newSession(id, p, proc, m.classifier, m.alerts, m.log)

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	m.log.Info("session created",
		"session", id, "device", p.DeviceID, "language", p.Language, "sample_rate", p.SampleRate)
	return sess, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Remove stops the session and drops it from the registry. Removing an
// unknown id reports false and changes nothing.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	sess.Stop()
	m.log.Info("session removed", "session", id)
	return true
}

// List returns status snapshots for every registered session, oldest first.
func (m *Manager) List() []Status {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StopAll stops every session and waits for their in-flight alert
// broadcasts. Called on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Stop()
	}
	for _, sess := range sessions {
		sess.DrainAlerts()
	}
}
