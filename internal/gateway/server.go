package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hearline/backend/internal/alert"
	"github.com/hearline/backend/internal/config"
	"github.com/hearline/backend/internal/diag"
	"github.com/hearline/backend/internal/dispatch"
	"github.com/hearline/backend/internal/endpoint"
	"github.com/hearline/backend/internal/session"
)

// Version reported by the root endpoint.
const Version = "1.0.0"

type Server struct {
	cfg       *config.Config
	manager   *session.Manager
	alerts    *alert.Service
	endpoints *endpoint.Store
	metrics   *dispatch.Metrics
	pool      *dispatch.Pool
	registry  *prometheus.Registry
	privacy   session.PrivacyFilter
	upgrader  websocket.Upgrader
	log       *slog.Logger
	started   time.Time
}

func NewServer(cfg *config.Config, manager *session.Manager, alerts *alert.Service, endpoints *endpoint.Store, metrics *dispatch.Metrics, pool *dispatch.Pool, registry *prometheus.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		manager:   manager,
		alerts:    alerts,
		endpoints: endpoints,
		metrics:   metrics,
		pool:      pool,
		registry:  registry,
		privacy: session.PrivacyFilter{
			MaskTranscripts: cfg.Privacy.MaskTranscripts,
			MaskDeviceIDs:   cfg.Privacy.MaskDeviceIDs,
			AllowedDevices:  cfg.Privacy.AllowedDevices,
			BlockedDevices:  cfg.Privacy.BlockedDevices,
		},
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		log:      log,
		started:  time.Now(),
	}
	if !s.privacy.IsNoop() {
		log.Info("privacy filter active",
			"mask_transcripts", cfg.Privacy.MaskTranscripts,
			"mask_device_ids", cfg.Privacy.MaskDeviceIDs,
			"allowed_patterns", len(cfg.Privacy.AllowedDevices),
			"blocked_patterns", len(cfg.Privacy.BlockedDevices))
	}
	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/asr/", s.handleStream)
	mux.HandleFunc("/asr/session/start", s.handleStartSession)
	mux.HandleFunc("/asr/session/", s.handleSessionRoutes)
	mux.HandleFunc("/asr/sessions", s.handleListSessions)
	mux.HandleFunc("/asr/dispatch/stats", s.handleDispatchStats)
	mux.HandleFunc("/alerts/receivers", s.handleReceivers)
	mux.HandleFunc("/alerts/receivers/", s.handleReceiverRoutes)
	mux.HandleFunc("/alerts/settings", s.handleSettings)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// An empty body is a valid request: everything has defaults.
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !s.privacy.IsAllowed(req.DeviceID) {
		s.log.Warn("session refused for device", "device", req.DeviceID)
		writeError(w, http.StatusForbidden, "device not allowed")
		return
	}

	vad := true
	if req.VADEnabled != nil {
		vad = *req.VADEnabled
	}

	sess, err := s.manager.Create(session.Params{
		DeviceID:   req.DeviceID,
		Language:   req.Language,
		SampleRate: req.SampleRate,
		VAD:        vad,
	})
	if err != nil {
		s.log.Error("session create failed", "device", req.DeviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	writeJSON(w, http.StatusOK, StartSessionResponse{
		SessionID: sess.ID(),
		WSURL:     "/ws/asr/" + sess.ID(),
		Status:    "created",
		Message:   "connect the audio stream to begin recognition",
	})
}

func (s *Server) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	// Parse: /asr/session/{id}/status or /asr/session/{id}/stop
	path := strings.TrimPrefix(r.URL.Path, "/asr/session/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	id := parts[0]

	switch parts[1] {
	case "status":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleSessionStatus(w, id)
	case "stop":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleStopSession(w, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, id string) {
	sess, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s.privacy.Apply(sess.Status()))
}

func (s *Server) handleStopSession(w http.ResponseWriter, id string) {
	sess, ok := s.manager.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	segments := sess.Status().SegmentsCount
	s.manager.Remove(id)

	writeJSON(w, http.StatusOK, StopSessionResponse{
		SessionID:     id,
		Status:        "stopped",
		SegmentsCount: segments,
		Message:       "session stopped",
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	statuses := s.privacy.FilterSlice(s.manager.List())
	writeJSON(w, http.StatusOK, SessionListResponse{
		Total:    len(statuses),
		Sessions: statuses,
	})
}

func (s *Server) handleDispatchStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleReceivers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		receivers, err := s.endpoints.List()
		if err != nil {
			s.log.Error("receiver list failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list receivers")
			return
		}
		writeJSON(w, http.StatusOK, receivers)
	case http.MethodPost:
		var rcv endpoint.Receiver
		if err := json.NewDecoder(r.Body).Decode(&rcv); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		created, err := s.endpoints.Add(rcv)
		if err != nil {
			if errors.Is(err, endpoint.ErrInvalid) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.log.Error("receiver create failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create receiver")
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleReceiverRoutes(w http.ResponseWriter, r *http.Request) {
	// Parse: /alerts/receivers/{id} or /alerts/receivers/{id}/test
	path := strings.TrimPrefix(r.URL.Path, "/alerts/receivers/")
	parts := strings.SplitN(path, "/", 2)

	id, err := strconv.Atoi(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid receiver id")
		return
	}

	if len(parts) == 2 {
		if parts[1] != "test" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleTestReceiver(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodPut:
		s.handleUpdateReceiver(w, r, id)
	case http.MethodDelete:
		s.handleRemoveReceiver(w, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleUpdateReceiver(w http.ResponseWriter, r *http.Request, id int) {
	var rcv endpoint.Receiver
	if err := json.NewDecoder(r.Body).Decode(&rcv); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rcv.ID = id

	updated, err := s.endpoints.Update(rcv)
	if err != nil {
		switch {
		case errors.Is(err, endpoint.ErrNotFound):
			writeError(w, http.StatusNotFound, "receiver not found")
		case errors.Is(err, endpoint.ErrInvalid):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.log.Error("receiver update failed", "receiver", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to update receiver")
		}
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRemoveReceiver(w http.ResponseWriter, id int) {
	if err := s.endpoints.Remove(id); err != nil {
		if errors.Is(err, endpoint.ErrNotFound) {
			writeError(w, http.StatusNotFound, "receiver not found")
			return
		}
		s.log.Error("receiver delete failed", "receiver", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete receiver")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestReceiver(w http.ResponseWriter, r *http.Request, id int) {
	out, err := s.alerts.TestReceiver(r.Context(), id)
	if err != nil {
		if errors.Is(err, endpoint.ErrNotFound) {
			writeError(w, http.StatusNotFound, "receiver not found")
			return
		}
		s.log.Error("receiver test failed", "receiver", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to test receiver")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := s.endpoints.Settings()
		if err != nil {
			s.log.Error("settings read failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to read settings")
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var updates map[string]string
		if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		for key, value := range updates {
			if err := s.endpoints.SetSetting(key, value); err != nil {
				s.log.Error("setting write failed", "key", key, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to update settings")
				return
			}
		}
		settings, err := s.endpoints.Settings()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read settings")
			return
		}
		writeJSON(w, http.StatusOK, settings)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:         "ok",
		UptimeSeconds:  time.Since(s.started).Seconds(),
		ActiveSessions: s.manager.Count(),
		Pool:           s.pool.Status(),
	}

	snap, err := diag.Collect()
	if err != nil {
		s.log.Debug("host diagnostics incomplete", "error", err)
	}
	resp.Host = &snap

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, ServiceInfo{
		Service: "hearline-asr",
		Version: Version,
		Endpoints: map[string]string{
			"start_session":  "POST /asr/session/start",
			"stream":         "WS /ws/asr/{session_id}",
			"session_status": "GET /asr/session/{session_id}/status",
			"stop_session":   "POST /asr/session/{session_id}/stop",
			"sessions":       "GET /asr/sessions",
			"dispatch_stats": "GET /asr/dispatch/stats",
			"receivers":      "GET,POST /alerts/receivers",
			"settings":       "GET,PUT /alerts/settings",
			"metrics":        "GET /metrics",
			"health":         "GET /health",
		},
	})
}
