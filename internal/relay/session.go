package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/masseurmatch/callrelay/internal/realtime"
	"github.com/masseurmatch/callrelay/internal/telephony"
)

const (
	telephonyWriteTimeout = 5 * time.Second
	frameBufferSize       = 32
)

// drainTimeout bounds the wait for the reader and router goroutines at
// teardown. Tool calls are not covered; they run to the dispatcher timeout.
var drainTimeout = 5 * time.Second

// Upstream is an open realtime connection.
type Upstream interface {
	Events() <-chan realtime.Event
	Send(frame []byte) error
	Close() error
	Err() error
}

// OpenFunc opens the realtime connection for a call. The returned Upstream
// has already been sent its session configuration.
type OpenFunc func(ctx context.Context, callID string) (Upstream, error)

// telephonyConn is the accepted media stream connection. *websocket.Conn
// satisfies it.
type telephonyConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type openResult struct {
	up  Upstream
	err error
}

// Session pairs one telephony media stream with one realtime connection.
// Its state is mutated only by the goroutine running it; other goroutines
// may read the accessors and call Close.
type Session struct {
	id        string
	createdAt time.Time

	// Set once on the start frame, before the Session is registered or any
	// helper goroutine is started.
	callID     string
	streamID   string
	parameters map[string]string

	state atomic.Int32

	tel     telephonyConn
	telMu   sync.Mutex // serializes telephony writes
	deps    *Server
	logger  *slog.Logger
	pending *mediaQueue

	ctx    context.Context
	cancel context.CancelFunc

	upstream   Upstream
	registered bool
	opened     chan openResult
	aiDone     chan struct{}
	wg         sync.WaitGroup
	tools      sync.WaitGroup // in-flight tool calls
}

func newSession(parent context.Context, tel telephonyConn, deps *Server) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		tel:       tel,
		deps:      deps,
		pending:   newMediaQueue(deps.opts.MediaBufferSize),
		ctx:       ctx,
		cancel:    cancel,
		opened:    make(chan openResult),
		aiDone:    make(chan struct{}),
	}
	s.logger = deps.logger.With("session_id", s.id)
	s.state.Store(int32(StateIdle))
	return s
}

// ID returns the session's log correlation id.
func (s *Session) ID() string { return s.id }

// CallID returns the telephony call SID, empty until the start frame.
func (s *Session) CallID() string { return s.callID }

// StreamID returns the media stream SID, empty until the start frame.
func (s *Session) StreamID() string { return s.streamID }

// Parameters returns the custom parameters of the start frame.
func (s *Session) Parameters() map[string]string { return s.parameters }

// CreatedAt returns when the telephony connection was accepted.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Close asks the Session to tear down. It returns immediately and is safe to
// call more than once from any goroutine.
func (s *Session) Close() { s.cancel() }

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.logger.Debug("session state changed", "from", old.String(), "to", st.String())
	}
}

// run owns the Session until it reaches Closed.
func (s *Session) run() {
	frames := make(chan telephony.Frame, frameBufferSize)
	readErr := make(chan error, 1)

	s.wg.Add(1)
	go s.readTelephony(frames, readErr)

	reason := s.loop(frames, readErr)
	s.teardown(reason)
}

func (s *Session) loop(frames <-chan telephony.Frame, readErr <-chan error) string {
	for {
		select {
		case f := <-frames:
			if reason, done := s.handleFrame(f); done {
				return reason
			}
		case err := <-readErr:
			var perr *telephony.ProtocolError
			if errors.As(err, &perr) {
				s.deps.stats.MalformedFrames.Add(1)
				s.logger.Warn("malformed telephony frame, closing connection", "error", err)
				return "protocol error"
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("telephony connection lost", "error", err)
			}
			return "telephony disconnected"
		case res := <-s.opened:
			if reason, done := s.handleOpened(res); done {
				return reason
			}
		case <-s.aiDone:
			if err := s.upstream.Err(); err != nil {
				s.logger.Warn("realtime connection ended", "error", err)
			}
			return "realtime connection closed"
		case <-s.ctx.Done():
			return "shutdown"
		}
	}
}

// readTelephony pumps decoded frames to the owner. It exits on the first
// read or decode error, which teardown provokes by closing the connection.
func (s *Session) readTelephony(frames chan<- telephony.Frame, readErr chan<- error) {
	defer s.wg.Done()
	for {
		mt, data, err := s.tel.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		f, err := telephony.DecodeFrame(data)
		if err != nil {
			readErr <- err
			return
		}
		select {
		case frames <- f:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) handleFrame(f telephony.Frame) (reason string, done bool) {
	switch f.Event {
	case telephony.EventStart:
		return s.handleStart(f)
	case telephony.EventMedia:
		s.handleMedia(f.Payload)
	case telephony.EventStop:
		s.logger.Info("media stream stopped")
		return "stop", true
	case telephony.EventConnected, telephony.EventMark:
		s.logger.Debug("telephony event", "event", f.Name)
	default:
		s.logger.Debug("ignoring unrecognized telephony event", "event", f.Name)
	}
	return "", false
}

func (s *Session) handleStart(f telephony.Frame) (string, bool) {
	if s.State() != StateIdle {
		s.logger.Warn("ignoring repeated start frame", "stream_sid", f.StreamSID)
		return "", false
	}

	s.callID = f.CallSID
	s.streamID = f.StreamSID
	s.parameters = f.Parameters
	s.logger = s.logger.With("call_sid", s.callID, "stream_sid", s.streamID)

	if err := s.deps.registry.Insert(s.callID, s); err != nil {
		s.deps.stats.DuplicateCalls.Add(1)
		s.logger.Warn("rejecting media stream", "error", err)
		return "duplicate call", true
	}
	s.registered = true
	s.setState(StateConnecting)
	s.logger.Info("media stream started", "from", f.Parameters["From"])

	s.wg.Add(1)
	go s.openUpstream()
	return "", false
}

func (s *Session) openUpstream() {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.deps.opts.ConnectTimeout)
	defer cancel()

	up, err := s.deps.opts.Open(ctx, s.callID)
	if err != nil {
		up = nil
	}
	select {
	case s.opened <- openResult{up: up, err: err}:
	case <-s.ctx.Done():
		// The owner is gone; nothing else will close this connection.
		if up != nil {
			up.Close()
		}
	}
}

func (s *Session) handleOpened(res openResult) (string, bool) {
	if res.err != nil {
		s.deps.stats.UpstreamFailures.Add(1)
		s.logger.Error("opening realtime connection", "error", res.err)
		return "realtime connection failed", true
	}

	s.upstream = res.up
	s.deps.stats.UpstreamOpened.Add(1)
	s.setState(StateActive)

	if n := s.pending.Len(); n > 0 {
		s.logger.Debug("flushing buffered media", "frames", n)
	}
	for _, payload := range s.pending.Drain() {
		s.sendAudio(payload)
	}

	s.wg.Add(1)
	go s.routeUpstream(s.upstream)
	return "", false
}

func (s *Session) handleMedia(payload string) {
	switch s.State() {
	case StateIdle:
		s.deps.stats.MediaDropped.Add(1)
		s.logger.Debug("dropping media before start frame")
	case StateConnecting:
		if s.pending.Push(payload) {
			s.deps.stats.MediaDropped.Add(1)
		}
	case StateActive:
		s.sendAudio(payload)
	}
}

func (s *Session) sendAudio(payload string) {
	frame, err := realtime.EncodeAudioAppend(payload)
	if err != nil {
		s.logger.Error("encoding audio frame", "error", err)
		return
	}
	if err := s.upstream.Send(frame); err != nil {
		// A dead upstream is reported through aiDone.
		s.logger.Debug("forwarding audio upstream", "error", err)
		return
	}
	s.deps.stats.MediaIn.Add(1)
}

// writeTelephony sends one frame to the caller's media stream.
func (s *Session) writeTelephony(frame []byte) error {
	s.telMu.Lock()
	defer s.telMu.Unlock()

	s.tel.SetWriteDeadline(time.Now().Add(telephonyWriteTimeout))
	if err := s.tel.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("writing telephony frame: %w", err)
	}
	return nil
}

// teardown releases everything the Session holds. The owner calls it once.
func (s *Session) teardown(reason string) {
	if s.State().terminal() {
		return
	}
	s.setState(StateClosing)
	s.cancel()

	if s.upstream != nil {
		if err := s.upstream.Close(); err != nil {
			s.logger.Debug("closing realtime connection", "error", err)
		}
		if d, ok := s.upstream.(interface{ Dropped() uint64 }); ok {
			s.deps.stats.MalformedEvents.Add(d.Dropped())
		}
	}
	s.tel.Close()
	if s.registered {
		s.deps.registry.Remove(s.callID, s)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.logger.Warn("session goroutines still running after teardown")
	}

	// A waitlist save in progress must finish before the Session counts as
	// closed, so Server.Close cannot return and the store close under it.
	s.logger.Debug("waiting for tool calls")
	s.tools.Wait()

	s.setState(StateClosed)
	s.deps.stats.SessionsEnded.Add(1)
	s.logger.Info("session closed", "reason", reason, "duration", time.Since(s.createdAt).Round(time.Millisecond))
}
