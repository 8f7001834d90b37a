package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hearline/backend/internal/alert"
	"github.com/hearline/backend/internal/asr"
	"github.com/hearline/backend/internal/config"
	"github.com/hearline/backend/internal/dispatch"
	"github.com/hearline/backend/internal/endpoint"
	"github.com/hearline/backend/internal/kv"
	"github.com/hearline/backend/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	srv     *httptest.Server
	store   *endpoint.Store
	manager *session.Manager
}

// newTestEnv wires the full stack behind an httptest server: in-memory
// storage, a scripted recognizer that emits "good morning" and then
// "help me please" every 100 samples, and a live dispatch pool.
func newTestEnv(t *testing.T, opts ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Store.InMemory = true
	for _, opt := range opts {
		opt(cfg)
	}

	log := discardLogger()
	store, err := endpoint.NewStore(kv.NewMemory(), log)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics := dispatch.NewMetrics(registry)
	pool := dispatch.NewPool(4, 16, metrics, log)
	pool.Start()
	t.Cleanup(func() { pool.Stop(2 * time.Second) })

	disp := dispatch.NewDispatcher(dispatch.Options{
		Timeout:       2 * time.Second,
		RetryCount:    2,
		Backoff:       time.Millisecond,
		RetryStatuses: cfg.Dispatch.RetryStatusSet(),
	}, metrics, log)
	fanout := dispatch.NewFanout(disp, pool, 2*time.Second, 5*time.Second, log)
	alerts := alert.NewService(store, fanout, disp, cfg.Alert.Note, log)

	manager := session.NewManager(
		asr.ScriptedFactory([]asr.Segment{
			{Samples: 100, Text: "good morning", Duration: 0.5},
			{Samples: 100, Text: "help me please", Duration: 0.8},
		}),
		asr.NewKeywords(cfg.Alert.Keywords),
		alerts,
		asr.Config{Language: cfg.ASR.DefaultLanguage, SampleRate: cfg.ASR.DefaultSampleRate},
		log,
	)
	t.Cleanup(manager.StopAll)

	gw := NewServer(cfg, manager, alerts, store, metrics, pool, registry, log)
	mux := http.NewServeMux()
	gw.SetupRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: store, manager: manager}
}

// doJSON sends a request with an optional JSON body and decodes the JSON
// response into out when out is non-nil.
func (e *testEnv) doJSON(t *testing.T, method, path string, body, out any) int {
	t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (e *testEnv) startSession(t *testing.T, req StartSessionRequest) StartSessionResponse {
	t.Helper()

	var resp StartSessionResponse
	if code := e.doJSON(t, http.MethodPost, "/asr/session/start", req, &resp); code != http.StatusOK {
		t.Fatalf("start session: status = %d", code)
	}
	if resp.SessionID == "" {
		t.Fatal("start session: empty session_id")
	}
	return resp
}

func TestServer_SessionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	started := env.startSession(t, StartSessionRequest{
		DeviceID:   "bed-7",
		Language:   "de",
		SampleRate: 8000,
	})
	if started.WSURL != "/ws/asr/"+started.SessionID {
		t.Errorf("ws_url = %q", started.WSURL)
	}
	if started.Status != "created" {
		t.Errorf("status = %q, want created", started.Status)
	}

	var st session.Status
	if code := env.doJSON(t, http.MethodGet, "/asr/session/"+started.SessionID+"/status", nil, &st); code != http.StatusOK {
		t.Fatalf("status: code = %d", code)
	}
	if st.ID != started.SessionID || st.DeviceID != "bed-7" {
		t.Errorf("status identity = %q/%q", st.ID, st.DeviceID)
	}
	if st.Language != "de" || st.SampleRate != 8000 {
		t.Errorf("status params = %q/%d, want de/8000", st.Language, st.SampleRate)
	}
	if st.State != session.Created {
		t.Errorf("state = %v, want created", st.State)
	}
	if st.Connected {
		t.Error("connected = true before any stream attached")
	}

	var stopped StopSessionResponse
	if code := env.doJSON(t, http.MethodPost, "/asr/session/"+started.SessionID+"/stop", nil, &stopped); code != http.StatusOK {
		t.Fatalf("stop: code = %d", code)
	}
	if stopped.Status != "stopped" || stopped.SegmentsCount != 0 {
		t.Errorf("stop response = %+v", stopped)
	}

	if code := env.doJSON(t, http.MethodGet, "/asr/session/"+started.SessionID+"/status", nil, nil); code != http.StatusNotFound {
		t.Errorf("status after stop: code = %d, want 404", code)
	}
	if code := env.doJSON(t, http.MethodPost, "/asr/session/"+started.SessionID+"/stop", nil, nil); code != http.StatusNotFound {
		t.Errorf("second stop: code = %d, want 404", code)
	}
}

func TestServer_StartSessionDefaults(t *testing.T) {
	env := newTestEnv(t)

	// Entirely empty body.
	resp, err := http.Post(env.srv.URL+"/asr/session/start", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var started StartSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode: %v", err)
	}

	var st session.Status
	env.doJSON(t, http.MethodGet, "/asr/session/"+started.SessionID+"/status", nil, &st)
	if st.Language != "en" || st.SampleRate != 16000 {
		t.Errorf("defaults = %q/%d, want en/16000", st.Language, st.SampleRate)
	}
	if !st.VAD {
		t.Error("vad should default to enabled")
	}
}

func TestServer_StartSessionVADOff(t *testing.T) {
	env := newTestEnv(t)

	off := false
	started := env.startSession(t, StartSessionRequest{DeviceID: "bed-1", VADEnabled: &off})

	var st session.Status
	env.doJSON(t, http.MethodGet, "/asr/session/"+started.SessionID+"/status", nil, &st)
	if st.VAD {
		t.Error("vad = true, want explicit off to stick")
	}
}

func TestServer_StartSessionBadBody(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.srv.URL+"/asr/session/start", "application/json", strings.NewReader("{oops"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_SessionList(t *testing.T) {
	env := newTestEnv(t)

	first := env.startSession(t, StartSessionRequest{DeviceID: "bed-1"})
	env.startSession(t, StartSessionRequest{DeviceID: "bed-2"})

	var list SessionListResponse
	if code := env.doJSON(t, http.MethodGet, "/asr/sessions", nil, &list); code != http.StatusOK {
		t.Fatalf("list: code = %d", code)
	}
	if list.Total != 2 || len(list.Sessions) != 2 {
		t.Fatalf("list = total %d, %d entries, want 2", list.Total, len(list.Sessions))
	}

	env.doJSON(t, http.MethodPost, "/asr/session/"+first.SessionID+"/stop", nil, nil)

	env.doJSON(t, http.MethodGet, "/asr/sessions", nil, &list)
	if list.Total != 1 {
		t.Errorf("total after stop = %d, want 1", list.Total)
	}
}

func TestServer_SessionRouteErrors(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"unknown id status", http.MethodGet, "/asr/session/nope/status", http.StatusNotFound},
		{"unknown id stop", http.MethodPost, "/asr/session/nope/stop", http.StatusNotFound},
		{"status wrong method", http.MethodPost, "/asr/session/nope/status", http.StatusMethodNotAllowed},
		{"stop wrong method", http.MethodGet, "/asr/session/nope/stop", http.StatusMethodNotAllowed},
		{"unknown action", http.MethodGet, "/asr/session/nope/bogus", http.StatusNotFound},
		{"bare session path", http.MethodGet, "/asr/session/", http.StatusNotFound},
		{"start wrong method", http.MethodGet, "/asr/session/start", http.StatusMethodNotAllowed},
		{"list wrong method", http.MethodPost, "/asr/sessions", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := env.doJSON(t, tc.method, tc.path, nil, nil); code != tc.want {
				t.Errorf("%s %s: code = %d, want %d", tc.method, tc.path, code, tc.want)
			}
		})
	}
}

func TestServer_ReceiverCRUD(t *testing.T) {
	env := newTestEnv(t)

	var receivers []endpoint.Receiver
	if code := env.doJSON(t, http.MethodGet, "/alerts/receivers", nil, &receivers); code != http.StatusOK {
		t.Fatalf("list: code = %d", code)
	}
	if receivers == nil || len(receivers) != 0 {
		t.Fatalf("initial list = %v, want empty array", receivers)
	}

	var created endpoint.Receiver
	code := env.doJSON(t, http.MethodPost, "/alerts/receivers", endpoint.Receiver{
		Name:    "ward station",
		URL:     "http://ward.example/alert",
		Enabled: true,
	}, &created)
	if code != http.StatusCreated {
		t.Fatalf("create: code = %d, want 201", code)
	}
	if created.ID != 1 || created.Method != "POST" || created.Encoding != endpoint.EncodingJSON {
		t.Errorf("created = %+v, want id 1 with POST/json defaults", created)
	}
	if created.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}

	var updated endpoint.Receiver
	code = env.doJSON(t, http.MethodPut, "/alerts/receivers/1", endpoint.Receiver{
		Name:     "ward station 2",
		URL:      "http://ward.example/alert2",
		Encoding: endpoint.EncodingMultipart,
	}, &updated)
	if code != http.StatusOK {
		t.Fatalf("update: code = %d", code)
	}
	if updated.ID != 1 || updated.Name != "ward station 2" || updated.Encoding != endpoint.EncodingMultipart {
		t.Errorf("updated = %+v", updated)
	}
	if updated.Enabled {
		t.Error("enabled should be false after update omitted it")
	}

	env.doJSON(t, http.MethodGet, "/alerts/receivers", nil, &receivers)
	if len(receivers) != 1 || receivers[0].Name != "ward station 2" {
		t.Errorf("list after update = %v", receivers)
	}

	if code := env.doJSON(t, http.MethodDelete, "/alerts/receivers/1", nil, nil); code != http.StatusNoContent {
		t.Errorf("delete: code = %d, want 204", code)
	}
	if code := env.doJSON(t, http.MethodDelete, "/alerts/receivers/1", nil, nil); code != http.StatusNotFound {
		t.Errorf("second delete: code = %d, want 404", code)
	}
}

func TestServer_ReceiverValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing url", http.MethodPost, "/alerts/receivers", endpoint.Receiver{Name: "x"}, http.StatusBadRequest},
		{"missing name", http.MethodPost, "/alerts/receivers", endpoint.Receiver{URL: "http://x"}, http.StatusBadRequest},
		{"bad encoding", http.MethodPost, "/alerts/receivers", endpoint.Receiver{Name: "x", URL: "http://x", Encoding: "yaml"}, http.StatusBadRequest},
		{"update unknown id", http.MethodPut, "/alerts/receivers/99", endpoint.Receiver{Name: "x", URL: "http://x"}, http.StatusNotFound},
		{"non-numeric id", http.MethodPut, "/alerts/receivers/abc", endpoint.Receiver{Name: "x", URL: "http://x"}, http.StatusBadRequest},
		{"get on id route", http.MethodGet, "/alerts/receivers/1", nil, http.StatusMethodNotAllowed},
		{"test unknown id", http.MethodPost, "/alerts/receivers/99/test", nil, http.StatusNotFound},
		{"test wrong method", http.MethodGet, "/alerts/receivers/1/test", nil, http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := env.doJSON(t, tc.method, tc.path, tc.body, nil); code != tc.want {
				t.Errorf("%s %s: code = %d, want %d", tc.method, tc.path, code, tc.want)
			}
		})
	}
}

func TestServer_ReceiverTest(t *testing.T) {
	env := newTestEnv(t)

	var calls int
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("ok"))
	}))
	t.Cleanup(backend.Close)

	// Disabled receivers can still be tested.
	var created endpoint.Receiver
	env.doJSON(t, http.MethodPost, "/alerts/receivers", endpoint.Receiver{
		Name: "ward station",
		URL:  backend.URL,
	}, &created)

	var out dispatch.Outcome
	if code := env.doJSON(t, http.MethodPost, "/alerts/receivers/1/test", nil, &out); code != http.StatusOK {
		t.Fatalf("test: code = %d", code)
	}
	if !out.Success || out.StatusCode != http.StatusOK {
		t.Errorf("outcome = %+v, want success", out)
	}
	if out.Attempts != 1 || calls != 1 {
		t.Errorf("attempts = %d, backend calls = %d, want single attempt", out.Attempts, calls)
	}
	if out.Body != "ok" {
		t.Errorf("response_text = %q", out.Body)
	}
}

func TestServer_Settings(t *testing.T) {
	env := newTestEnv(t)

	var settings map[string]string
	if code := env.doJSON(t, http.MethodGet, "/alerts/settings", nil, &settings); code != http.StatusOK {
		t.Fatalf("get: code = %d", code)
	}
	if settings["group_id"] != "group_default_001" || settings["sender_id"] != "voice_asr_system" {
		t.Errorf("seeded settings = %v", settings)
	}

	code := env.doJSON(t, http.MethodPut, "/alerts/settings", map[string]string{"group_id": "group_ward_7"}, &settings)
	if code != http.StatusOK {
		t.Fatalf("put: code = %d", code)
	}
	if settings["group_id"] != "group_ward_7" {
		t.Errorf("updated group_id = %q", settings["group_id"])
	}
	if settings["sender_id"] != "voice_asr_system" {
		t.Errorf("sender_id lost on partial update: %v", settings)
	}

	env.doJSON(t, http.MethodGet, "/alerts/settings", nil, &settings)
	if settings["group_id"] != "group_ward_7" {
		t.Errorf("group_id not persisted: %v", settings)
	}
}

func TestServer_DispatchStats(t *testing.T) {
	env := newTestEnv(t)

	var stats dispatch.Stats
	if code := env.doJSON(t, http.MethodGet, "/asr/dispatch/stats", nil, &stats); code != http.StatusOK {
		t.Fatalf("stats: code = %d", code)
	}
	if stats.TotalAttempts != 0 {
		t.Errorf("fresh stats attempts = %d", stats.TotalAttempts)
	}

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(backend.Close)
	env.doJSON(t, http.MethodPost, "/alerts/receivers", endpoint.Receiver{Name: "ward", URL: backend.URL}, nil)
	env.doJSON(t, http.MethodPost, "/alerts/receivers/1/test", nil, nil)

	env.doJSON(t, http.MethodGet, "/asr/dispatch/stats", nil, &stats)
	if stats.TotalAttempts != 1 || stats.TotalSuccesses != 1 {
		t.Errorf("stats after test = %+v", stats)
	}
	if _, ok := stats.Receivers["ward"]; !ok {
		t.Errorf("per-receiver stats missing: %v", stats.Receivers)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(backend.Close)
	env.doJSON(t, http.MethodPost, "/alerts/receivers", endpoint.Receiver{Name: "ward", URL: backend.URL}, nil)
	env.doJSON(t, http.MethodPost, "/alerts/receivers/1/test", nil, nil)

	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "hearline_dispatch_attempts_total") {
		t.Error("exposition missing dispatch attempt counter")
	}
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)
	env.startSession(t, StartSessionRequest{DeviceID: "bed-1"})

	var health HealthResponse
	if code := env.doJSON(t, http.MethodGet, "/health", nil, &health); code != http.StatusOK {
		t.Fatalf("health: code = %d", code)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q", health.Status)
	}
	if health.ActiveSessions != 1 {
		t.Errorf("active_sessions = %d, want 1", health.ActiveSessions)
	}
	if health.Pool.Workers != 4 || health.Pool.Busy != 0 {
		t.Errorf("pool = %+v, want 4 idle workers", health.Pool)
	}
	if health.Host == nil || health.Host.Goroutines < 1 {
		t.Errorf("host snapshot = %+v", health.Host)
	}
}

func TestServer_RootServiceInfo(t *testing.T) {
	env := newTestEnv(t)

	var info ServiceInfo
	if code := env.doJSON(t, http.MethodGet, "/", nil, &info); code != http.StatusOK {
		t.Fatalf("root: code = %d", code)
	}
	if info.Service != "hearline-asr" || info.Version != Version {
		t.Errorf("info = %+v", info)
	}
	if _, ok := info.Endpoints["start_session"]; !ok {
		t.Errorf("endpoint map missing start_session: %v", info.Endpoints)
	}

	if code := env.doJSON(t, http.MethodGet, "/definitely-not-here", nil, nil); code != http.StatusNotFound {
		t.Errorf("unknown path: code = %d, want 404", code)
	}
}

func TestServer_PrivacyMasking(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Privacy.MaskTranscripts = true
		cfg.Privacy.BlockedDevices = []string{"test-*"}
	})

	started := env.startSession(t, StartSessionRequest{DeviceID: "ward7-bed3"})

	// Put one utterance in the history server-side.
	sess, ok := env.manager.Get(started.SessionID)
	if !ok {
		t.Fatal("session not registered")
	}
	if err := sess.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := sess.ProcessChunk(make([]float32, 100)); err != nil {
		t.Fatalf("process: %v", err)
	}

	var st session.Status
	env.doJSON(t, http.MethodGet, "/asr/session/"+started.SessionID+"/status", nil, &st)
	if st.SegmentsCount != 1 {
		t.Fatalf("segments = %d, want 1", st.SegmentsCount)
	}
	if st.LastText != "" {
		t.Errorf("last_text = %q, want masked", st.LastText)
	}
	if st.DeviceID != "ward7-bed3" {
		t.Errorf("device_id = %q, should not be masked", st.DeviceID)
	}

	// Blocked devices cannot open sessions at all.
	if code := env.doJSON(t, http.MethodPost, "/asr/session/start", StartSessionRequest{DeviceID: "test-rig"}, nil); code != http.StatusForbidden {
		t.Errorf("blocked device start: code = %d, want 403", code)
	}
}

func TestServer_PrivacyDeviceHashing(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Privacy.MaskDeviceIDs = true
	})

	started := env.startSession(t, StartSessionRequest{DeviceID: "ward7-bed3"})

	var st session.Status
	env.doJSON(t, http.MethodGet, "/asr/session/"+started.SessionID+"/status", nil, &st)
	if st.DeviceID == "ward7-bed3" || len(st.DeviceID) != 12 {
		t.Errorf("device_id = %q, want 12-char digest", st.DeviceID)
	}

	var list SessionListResponse
	env.doJSON(t, http.MethodGet, "/asr/sessions", nil, &list)
	if len(list.Sessions) != 1 || list.Sessions[0].DeviceID != st.DeviceID {
		t.Errorf("list masking differs from status: %+v", list.Sessions)
	}
}

func TestServer_PrivacyListFiltering(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Privacy.AllowedDevices = []string{"ward7-*"}
	})

	env.startSession(t, StartSessionRequest{DeviceID: "ward7-bed3"})

	// Sessions without a device id are always visible.
	env.startSession(t, StartSessionRequest{})

	if code := env.doJSON(t, http.MethodPost, "/asr/session/start", StartSessionRequest{DeviceID: "ward9-bed1"}, nil); code != http.StatusForbidden {
		t.Errorf("off-allowlist device: code = %d, want 403", code)
	}

	var list SessionListResponse
	env.doJSON(t, http.MethodGet, "/asr/sessions", nil, &list)
	if list.Total != 2 {
		t.Errorf("total = %d, want 2", list.Total)
	}
}
