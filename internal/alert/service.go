// Package alert turns recognized emergency speech into receiver
// notifications. It owns the event envelope; delivery mechanics live in
// dispatch.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hearline/backend/internal/dispatch"
	"github.com/hearline/backend/internal/endpoint"
)

// Event kinds and lifecycle status values carried on the alert wire.
const (
	KindEmergency = "emergency"
	KindTest      = "test"

	StatusRaised  = 1
	StatusCleared = 0
)

const testNote = "receiver connectivity test"

// Service builds alert events and hands them to the fan-out. The receiver
// set and sender identity are read from the store on every call, so
// configuration changes apply to the next alert without a restart.
type Service struct {
	store  *endpoint.Store
	fanout *dispatch.Fanout
	disp   *dispatch.Dispatcher
	note   string
	log    *slog.Logger
}

func NewService(store *endpoint.Store, fanout *dispatch.Fanout, disp *dispatch.Dispatcher, note string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:  store,
		fanout: fanout,
		disp:   disp,
		note:   note,
		log:    log,
	}
}

// Raise broadcasts an emergency event carrying the recognized text and the
// keywords that triggered it. It blocks until every receiver outcome is in,
// and it never returns an error: a broken broadcast is reported in the
// summary rather than taking the recognition path down with it.
func (s *Service) Raise(ctx context.Context, text string, keywords []string, att *dispatch.Attachment) dispatch.Summary {
	receivers, err := s.store.Enabled()
	if err != nil {
		s.log.Error("alert receiver lookup failed", "error", err)
		return dispatch.Summary{Results: []dispatch.ReceiverOutcome{}}
	}

	ev := s.newEvent(KindEmergency, s.alertNote(), text, keywords)
	s.log.Warn("emergency alert raised",
		"event", ev.EventID, "text", text, "keywords", keywords)
	return s.fanout.Dispatch(ctx, receivers, ev, att)
}

// alertNote prefers the operator-set note from settings over the configured
// default.
func (s *Service) alertNote() string {
	if v, err := s.store.Setting(endpoint.SettingNote); err == nil && v != "" {
		return v
	}
	return s.note
}

// TestReceiver sends a single no-retry test event to one receiver,
// regardless of whether it is enabled. The error is non-nil only when the
// receiver does not exist; delivery problems are reported in the outcome.
func (s *Service) TestReceiver(ctx context.Context, id int) (dispatch.Outcome, error) {
	rcv, err := s.store.Get(id)
	if err != nil {
		return dispatch.Outcome{}, fmt.Errorf("test receiver %d: %w", id, err)
	}

	ev := s.newEvent(KindTest, testNote, "test dispatch", nil)
	out := s.disp.SendOnce(ctx, rcv, ev, nil)
	s.log.Info("receiver test dispatched",
		"receiver", rcv.Name, "success", out.Success, "status", out.StatusCode)
	return out, nil
}

func (s *Service) newEvent(kind, note, text string, keywords []string) dispatch.Event {
	if keywords == nil {
		keywords = []string{}
	}
	groupID, senderID := s.store.Identity()
	return dispatch.Event{
		EventID:         uuid.NewString(),
		GroupID:         groupID,
		SenderID:        senderID,
		EventType:       kind,
		Note:            note,
		RecognizedText:  text,
		MatchedKeywords: keywords,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		Status:          StatusRaised,
	}
}
