// Package dispatch delivers alert events to configured HTTP receivers:
// one Dispatcher send per receiver with retry and backoff, fanned out
// concurrently through a shared bounded worker pool.
package dispatch

import (
	"encoding/json"
	"strconv"
)

// Event is the flat alert payload delivered to every receiver. It is
// immutable once built and passed by value.
type Event struct {
	EventID         string   `json:"eventId"`
	GroupID         string   `json:"groupId"`
	SenderID        string   `json:"senderId"`
	EventType       string   `json:"eventType"`
	Note            string   `json:"note"`
	RecognizedText  string   `json:"recognizedText"`
	MatchedKeywords []string `json:"matchedKeywords"`
	Timestamp       string   `json:"timestamp"`
	Status          int      `json:"status"`
}

// formFields flattens the event into string form values for multipart
// encoding. The keyword list is the only non-scalar field and is sent as a
// JSON-encoded string.
func (e Event) formFields() map[string]string {
	keywords := e.MatchedKeywords
	if keywords == nil {
		keywords = []string{}
	}
	kw, _ := json.Marshal(keywords)

	return map[string]string{
		"eventId":         e.EventID,
		"groupId":         e.GroupID,
		"senderId":        e.SenderID,
		"eventType":       e.EventType,
		"note":            e.Note,
		"recognizedText":  e.RecognizedText,
		"matchedKeywords": string(kw),
		"timestamp":       e.Timestamp,
		"status":          strconv.Itoa(e.Status),
	}
}

// Attachment is an optional binary payload sent alongside an event, such as
// a camera frame captured at trigger time.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Available reports whether there is actually attachment data to send. The
// encoding branch is decided on this before any request is built.
func (a *Attachment) Available() bool {
	return a != nil && len(a.Data) > 0
}
