package gateway

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hearline/backend/internal/session"
)

const closeWriteWait = time.Second

// wsClient owns the write side of one stream connection. All data frames go
// through send so the connection never sees two concurrent writers.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newWSClient(conn *websocket.Conn) *wsClient {
	c := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *wsClient) close() {
	close(c.send)
}

// write queues a JSON frame. A client that cannot keep up loses frames
// rather than stalling the read loop.
func (c *wsClient) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// closeWith sends a close frame with an application code. WriteControl is
// safe to call concurrently with the write pump.
func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
}

// handleStream attaches a WebSocket audio stream to an existing session at
// /ws/asr/{session_id}.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/ws/asr/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess, ok := s.manager.Get(id)
	if !ok {
		closeWith(conn, CloseUnknownSession, "unknown session")
		conn.Close()
		return
	}
	if err := sess.Bind(); err != nil {
		if errors.Is(err, session.ErrOccupied) {
			closeWith(conn, CloseSessionOccupied, "session already streaming")
		} else {
			closeWith(conn, CloseUnknownSession, "session stopped")
		}
		conn.Close()
		return
	}
	defer sess.Unbind()

	if err := sess.Start(); err != nil {
		closeWith(conn, CloseUnknownSession, "session stopped")
		conn.Close()
		return
	}

	if s.cfg.Server.WSReadLimit > 0 {
		conn.SetReadLimit(s.cfg.Server.WSReadLimit)
	}

	client := newWSClient(conn)
	defer client.close()

	s.log.Info("stream attached", "session", id, "device", sess.DeviceID(), "remote", r.RemoteAddr)
	client.write(ConnectedMessage{
		Type:      MsgConnected,
		SessionID: id,
		Message:   "session streaming",
	})

	// A REST stop while streaming closes the socket from the side.
	watch := make(chan struct{})
	go func() {
		select {
		case <-sess.Done():
			closeWith(conn, websocket.CloseNormalClosure, "session stopped")
			conn.Close()
		case <-watch:
		}
	}()
	defer close(watch)

	s.readLoop(client, sess)
	s.log.Info("stream detached", "session", id, "remote", r.RemoteAddr)
}

func (s *Server) readLoop(c *wsClient, sess *session.Session) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.write(ErrorMessage{Type: MsgError, Message: "invalid message format"})
			continue
		}

		switch msg.Type {
		case MsgPing:
			c.write(PongMessage{Type: MsgPong, Timestamp: msg.Timestamp})
		case MsgAudioChunk:
			s.handleAudioChunk(c, sess, msg)
		default:
			s.log.Debug("unknown stream message", "session", sess.ID(), "type", msg.Type)
		}
	}
}

func (s *Server) handleAudioChunk(c *wsClient, sess *session.Session, msg InboundMessage) {
	samples, err := decodePCM(msg.Data)
	if err != nil {
		c.write(ErrorMessage{Type: MsgError, Message: err.Error()})
		return
	}

	res, err := sess.ProcessChunk(samples)
	switch {
	case errors.Is(err, session.ErrStopped):
		closeWith(c.conn, websocket.CloseNormalClosure, "session stopped")
		c.conn.Close()
		return
	case err != nil:
		s.log.Error("chunk processing failed", "session", sess.ID(), "error", err)
		c.write(ErrorMessage{Type: MsgError, Message: "recognition failed"})
		return
	}

	if res == nil {
		c.write(ProcessingMessage{Type: MsgProcessing, SessionID: sess.ID()})
		return
	}

	keywords := res.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	c.write(RecognitionMessage{
		Type:              MsgRecognition,
		SessionID:         sess.ID(),
		Text:              res.Text,
		Timestamp:         float64(res.Timestamp.UnixNano()) / float64(time.Second),
		Duration:          res.Duration,
		IsFinal:           true,
		IsEmergency:       res.Trigger,
		EmergencyKeywords: keywords,
	})
}

// decodePCM converts a base64 little-endian 16-bit payload into normalized
// float32 samples.
func decodePCM(data string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode audio: %w", err)
	}
	if len(raw)%2 != 0 {
		return nil, errors.New("decode audio: odd byte count for 16-bit samples")
	}
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
	}
	return samples, nil
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Device SDKs connect without an Origin header.
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}

	host := parsed.Host
	if host == r.Host {
		return true
	}
	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}
	return false
}
