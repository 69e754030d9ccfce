// Package app hosts the relay HTTP/WebSocket process.
//
// The transport layer is deliberately thin: it validates handshakes, decodes
// typed frames, and delegates everything else to the presence, board, chat,
// and overview collaborators. It owns no domain state beyond the mapping from
// live connections to those collaborators.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/pfconnect/liveboard/internal/platform/timeouts"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxChatMessageRunes = 2000
)

// Config defines the inputs for the relay transport boundary.
type Config struct {
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the relay HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
}

// NewServer wraps a handler in the relay HTTP server with its standard
// timeouts.
func NewServer(config Config, handler http.Handler) *Server {
	readHeaderTimeout := config.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = timeouts.ReadHeader
	}
	shutdownTimeout := config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = timeouts.Shutdown
	}
	return &Server{
		httpAddr:        config.HTTPAddr,
		shutdownTimeout: shutdownTimeout,
		httpServer: &http.Server{
			Addr:              config.HTTPAddr,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Printf("relay listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve relay http: %w", err)
	}
	return nil
}

// Shutdown drains the HTTP server within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// wsPeer serializes frame writes to one connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      "error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:    code,
				Message: message,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

// frameLimiter applies the per-connection frame rate and decode error caps.
type frameLimiter struct {
	windowStart    time.Time
	framesInWindow int
	decodeErrors   int
}

// allowFrame reports whether another frame fits in the current one-second
// window.
func (l *frameLimiter) allowFrame(now time.Time) bool {
	if now.Sub(l.windowStart) >= time.Second {
		l.windowStart = now
		l.framesInWindow = 0
	}
	l.framesInWindow++
	return l.framesInWindow <= maxFramesPerSecond
}

// recordDecodeError reports whether the connection exhausted its error
// budget.
func (l *frameLimiter) recordDecodeError() bool {
	l.decodeErrors++
	return l.decodeErrors >= maxDecodeErrorsPerConn
}

func (l *frameLimiter) resetDecodeErrors() {
	l.decodeErrors = 0
}
