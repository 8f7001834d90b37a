package dispatch

import (
	"time"
	"unicode/utf8"
)

// ErrClass classifies how a dispatch failed. Empty on success.
type ErrClass string

const (
	ErrClassNone       ErrClass = ""
	ErrClassHTTP       ErrClass = "http_error"
	ErrClassTimeout    ErrClass = "timeout"
	ErrClassConnection ErrClass = "connection_error"
	ErrClassUnexpected ErrClass = "unexpected_error"
)

// maxBodyChars bounds the response body recorded in an outcome.
const maxBodyChars = 500

// Outcome is the result of dispatching one event to one receiver. Exactly
// one is produced per receiver per event; it is never mutated afterwards.
type Outcome struct {
	Success    bool      `json:"success"`
	StatusCode int       `json:"status_code,omitempty"`
	Body       string    `json:"response_text,omitempty"`
	ErrClass   ErrClass  `json:"error_class,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Attempts   int       `json:"retry_attempts"`
}

// Summary aggregates the outcomes of one fan-out. Success means at least one
// receiver took the event; per-receiver truth stays in Results.
type Summary struct {
	Total        int               `json:"total"`
	SuccessCount int               `json:"success_count"`
	FailedCount  int               `json:"failed_count"`
	Success      bool              `json:"success"`
	NoReceivers  bool              `json:"no_receivers,omitempty"`
	Results      []ReceiverOutcome `json:"results"`
}

// ReceiverOutcome pairs an outcome with the receiver it belongs to. Results
// arrive in completion order; consumers key on the receiver name.
type ReceiverOutcome struct {
	Receiver string  `json:"receiver"`
	Outcome  Outcome `json:"outcome"`
}

// truncateBody clips a response body to maxBodyChars characters without
// splitting a multi-byte rune.
func truncateBody(body []byte) string {
	if utf8.RuneCount(body) <= maxBodyChars {
		return string(body)
	}
	runes := []rune(string(body))
	return string(runes[:maxBodyChars])
}
