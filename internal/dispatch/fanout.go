package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/hearline/backend/internal/endpoint"
)

// minGrace floors the extra window granted beyond the per-attempt timeout so
// retries in flight at the deadline still get a chance to finish.
const minGrace = 5 * time.Second

// Fanout delivers one event to every enabled receiver concurrently and
// collects the per-receiver outcomes into a Summary. A slow or dead receiver
// never blocks the others; a deadline bounds the whole round.
type Fanout struct {
	dispatcher *Dispatcher
	pool       *Pool
	timeout    time.Duration
	grace      time.Duration
	log        *slog.Logger
}

func NewFanout(dispatcher *Dispatcher, pool *Pool, timeout, grace time.Duration, log *slog.Logger) *Fanout {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if grace < minGrace {
		grace = minGrace
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{
		dispatcher: dispatcher,
		pool:       pool,
		timeout:    timeout,
		grace:      grace,
		log:        log,
	}
}

// Dispatch sends ev to every enabled receiver and blocks until all outcomes
// are in or the fan-out deadline passes. Receivers still outstanding at the
// deadline are recorded as failed.
//
// The fan-out runs detached from the caller's context lifetime: a session
// shutting down right after a trigger must not cancel alerts already in
// flight. Only the fan-out's own deadline stops delivery attempts.
func (f *Fanout) Dispatch(ctx context.Context, receivers []endpoint.Receiver, ev Event, att *Attachment) Summary {
	enabled := make([]endpoint.Receiver, 0, len(receivers))
	for _, rcv := range receivers {
		if rcv.Enabled {
			enabled = append(enabled, rcv)
		}
	}
	if len(enabled) == 0 {
		f.log.Info("alert fan-out skipped, no enabled receivers", "event", ev.EventID)
		return Summary{NoReceivers: true, Results: []ReceiverOutcome{}}
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout+f.grace)
	defer cancel()

	results := make(chan ReceiverOutcome, len(enabled))
	for _, rcv := range enabled {
		target := rcv
		err := f.pool.Submit(func() {
			results <- ReceiverOutcome{
				Receiver: target.Name,
				Outcome:  f.dispatcher.Send(dctx, target, ev, att),
			}
		})
		if err != nil {
			results <- ReceiverOutcome{
				Receiver: rcv.Name,
				Outcome: Outcome{
					ErrClass:  ErrClassUnexpected,
					Error:     err.Error(),
					Timestamp: time.Now().UTC(),
				},
			}
		}
	}

	summary := Summary{
		Total:   len(enabled),
		Results: make([]ReceiverOutcome, 0, len(enabled)),
	}
	seen := make(map[string]int, len(enabled))

	for len(summary.Results) < len(enabled) {
		select {
		case res := <-results:
			summary.Results = append(summary.Results, res)
			seen[res.Receiver]++
		case <-dctx.Done():
			// Pick up anything that finished as the deadline fired, then
			// record the rest as failed.
		buffered:
			for len(summary.Results) < len(enabled) {
				select {
				case res := <-results:
					summary.Results = append(summary.Results, res)
					seen[res.Receiver]++
				default:
					break buffered
				}
			}
			for _, rcv := range enabled {
				if seen[rcv.Name] > 0 {
					seen[rcv.Name]--
					continue
				}
				summary.Results = append(summary.Results, ReceiverOutcome{
					Receiver: rcv.Name,
					Outcome: Outcome{
						ErrClass:  ErrClassTimeout,
						Error:     "fan-out deadline exceeded",
						Timestamp: time.Now().UTC(),
					},
				})
			}
		}
	}

	for _, res := range summary.Results {
		if res.Outcome.Success {
			summary.SuccessCount++
		} else {
			summary.FailedCount++
		}
	}
	summary.Success = summary.SuccessCount > 0

	f.log.Info("alert fan-out complete",
		"event", ev.EventID,
		"total", summary.Total,
		"succeeded", summary.SuccessCount,
		"failed", summary.FailedCount)
	return summary
}
