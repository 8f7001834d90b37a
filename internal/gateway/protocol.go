// Package gateway exposes the service over HTTP: a WebSocket endpoint for
// audio streaming and a REST surface for sessions, alert receivers, and
// settings.
package gateway

import (
	"github.com/hearline/backend/internal/diag"
	"github.com/hearline/backend/internal/dispatch"
	"github.com/hearline/backend/internal/session"
)

// Inbound stream message types.
const (
	MsgAudioChunk = "audio_chunk"
	MsgPing       = "ping"
)

// Outbound stream message types.
const (
	MsgConnected   = "connected"
	MsgRecognition = "recognition_result"
	MsgProcessing  = "processing"
	MsgError       = "error"
	MsgPong        = "pong"
)

// Application close codes used by the stream endpoint.
const (
	// CloseUnknownSession rejects a stream for a session id that does not
	// exist or was already stopped.
	CloseUnknownSession = 4004
	// CloseSessionOccupied rejects a second concurrent stream for a session
	// that already has one attached.
	CloseSessionOccupied = 4005
)

// InboundMessage is the envelope for every client-to-server stream frame.
// Data carries base64 PCM for audio chunks.
type InboundMessage struct {
	Type      string  `json:"type"`
	Data      string  `json:"data,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// ConnectedMessage acknowledges a successful stream attach.
type ConnectedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// RecognitionMessage reports one recognized utterance.
type RecognitionMessage struct {
	Type              string   `json:"type"`
	SessionID         string   `json:"session_id"`
	Text              string   `json:"text"`
	Timestamp         float64  `json:"timestamp"`
	Duration          float64  `json:"duration"`
	IsFinal           bool     `json:"is_final"`
	IsEmergency       bool     `json:"is_emergency"`
	EmergencyKeywords []string `json:"emergency_keywords"`
}

// ProcessingMessage tells the client its audio was consumed without
// completing an utterance yet.
type ProcessingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ErrorMessage reports a per-frame failure. The connection stays open.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongMessage answers a ping, echoing the client timestamp when present.
type PongMessage struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// StartSessionRequest creates a recognition session. Omitted fields take the
// configured defaults; VADEnabled defaults to on.
type StartSessionRequest struct {
	DeviceID   string `json:"device_id"`
	Language   string `json:"language"`
	SampleRate int    `json:"sample_rate"`
	VADEnabled *bool  `json:"vad_enabled"`
}

type StartSessionResponse struct {
	SessionID string `json:"session_id"`
	WSURL     string `json:"ws_url"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

type StopSessionResponse struct {
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	SegmentsCount int    `json:"segments_count"`
	Message       string `json:"message"`
}

type SessionListResponse struct {
	Total    int              `json:"total"`
	Sessions []session.Status `json:"sessions"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// ServiceInfo is served at the root path.
type ServiceInfo struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

type HealthResponse struct {
	Status         string              `json:"status"`
	UptimeSeconds  float64             `json:"uptime_seconds"`
	ActiveSessions int                 `json:"active_sessions"`
	Pool           dispatch.PoolStatus `json:"pool"`
	Host           *diag.Snapshot      `json:"host,omitempty"`
}
