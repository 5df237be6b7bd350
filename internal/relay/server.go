// Package relay bridges Twilio media streams to realtime AI sessions. Each
// accepted WebSocket becomes a Session that relays caller audio upstream,
// plays model audio back to the caller and answers the model's tool calls.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/masseurmatch/callrelay/internal/transcript"
)

// Options configures a Server.
type Options struct {
	Open            OpenFunc
	Registry        *Registry
	Dispatcher      *Dispatcher     // required
	Transcripts     transcript.Sink // defaults to a LogSink
	ConnectTimeout  time.Duration
	MediaBufferSize int
	Logger          *slog.Logger
}

// Stats are cumulative relay counters.
type Stats struct {
	SessionsStarted  atomic.Uint64
	SessionsEnded    atomic.Uint64
	UpstreamOpened   atomic.Uint64
	UpstreamFailures atomic.Uint64
	DuplicateCalls   atomic.Uint64
	MalformedFrames  atomic.Uint64 // telephony frames that ended a connection
	MalformedEvents  atomic.Uint64 // realtime messages discarded by the codec
	MediaIn          atomic.Uint64 // caller audio frames sent upstream
	MediaOut         atomic.Uint64 // model audio frames sent to the caller
	MediaDropped     atomic.Uint64
	ToolCalls        atomic.Uint64
	ToolCallFailures atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	SessionsStarted  uint64 `json:"sessions_started"`
	SessionsEnded    uint64 `json:"sessions_ended"`
	UpstreamOpened   uint64 `json:"upstream_opened"`
	UpstreamFailures uint64 `json:"upstream_failures"`
	DuplicateCalls   uint64 `json:"duplicate_calls"`
	MalformedFrames  uint64 `json:"malformed_frames"`
	MalformedEvents  uint64 `json:"malformed_events"`
	MediaIn          uint64 `json:"media_in"`
	MediaOut         uint64 `json:"media_out"`
	MediaDropped     uint64 `json:"media_dropped"`
	ToolCalls        uint64 `json:"tool_calls"`
	ToolCallFailures uint64 `json:"tool_call_failures"`
}

// Snapshot loads every counter.
func (st *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		SessionsStarted:  st.SessionsStarted.Load(),
		SessionsEnded:    st.SessionsEnded.Load(),
		UpstreamOpened:   st.UpstreamOpened.Load(),
		UpstreamFailures: st.UpstreamFailures.Load(),
		DuplicateCalls:   st.DuplicateCalls.Load(),
		MalformedFrames:  st.MalformedFrames.Load(),
		MalformedEvents:  st.MalformedEvents.Load(),
		MediaIn:          st.MediaIn.Load(),
		MediaOut:         st.MediaOut.Load(),
		MediaDropped:     st.MediaDropped.Load(),
		ToolCalls:        st.ToolCalls.Load(),
		ToolCallFailures: st.ToolCallFailures.Load(),
	}
}

// Server accepts media stream WebSockets. It implements http.Handler.
type Server struct {
	opts     Options
	registry *Registry
	stats    *Stats
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex // guards closed and wg.Add against Close
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a relay server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry(opts.Logger)
	}
	if opts.Transcripts == nil {
		opts.Transcripts = transcript.NewLogSink(opts.Logger)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.MediaBufferSize <= 0 {
		opts.MediaBufferSize = 50
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     opts,
		registry: opts.Registry,
		stats:    &Stats{},
		logger:   opts.Logger.With("subsystem", "relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Twilio does not send an Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Stats returns the live counters.
func (s *Server) Stats() *Stats { return s.stats }

// ServeHTTP upgrades the request and runs a Session until the call ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		s.logger.Warn("media stream upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	sess := newSession(s.ctx, ws, s)
	s.stats.SessionsStarted.Add(1)
	sess.logger.Info("media stream connected", "remote_addr", r.RemoteAddr)
	sess.run()
}

// Close tears down every Session and waits for them, up to ctx's deadline.
// New connections are refused afterwards.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("relay sessions drained")
		return nil
	case <-ctx.Done():
		s.logger.Warn("relay shutdown timed out", "active", s.registry.Count())
		return ctx.Err()
	}
}
