package relay

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/masseurmatch/callrelay/internal/realtime"
	"github.com/masseurmatch/callrelay/internal/waitlist"
)

// activeSession waits until callID is registered and Active.
func activeSession(t *testing.T, h *harness, callID string) *Session {
	t.Helper()
	var s *Session
	waitFor(t, "session active", func() bool {
		s = h.relay.Registry().Get(callID)
		return s != nil && s.State() == StateActive
	})
	return s
}

// expectAudio reads upstream frames until an input_audio_buffer.append
// arrives and checks its payload.
func expectAudio(t *testing.T, up *fakeUpstream, want string) {
	t.Helper()
	for {
		m := up.next(t)
		if m["type"] != realtime.EventTypeInputAudioBufferAppend {
			continue
		}
		if m["audio"] != want {
			t.Fatalf("upstream audio = %v, want %s", m["audio"], want)
		}
		return
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRouterIgnoresErrorEvent(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)

	send(t, ws, startFrame("C1", "S1"))
	up := h.opener.upstream(t)
	sess := activeSession(t, h, "C1")

	up.events <- realtime.Event{
		Kind:  realtime.KindError,
		Type:  "error",
		Error: &realtime.APIError{Type: "invalid_request_error", Code: "bad_audio", Message: "audio too short"},
	}
	send(t, ws, mediaFrame("AFTER"))
	expectAudio(t, up, "AFTER")

	if st := sess.State(); st != StateActive {
		t.Errorf("state after error event = %s, want active", st)
	}
	if n := up.closes.Load(); n != 0 {
		t.Errorf("upstream closed %d times, want 0", n)
	}
}

func TestRouterIgnoresUnrecognizedEvent(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)

	send(t, ws, startFrame("C1", "S1"))
	up := h.opener.upstream(t)
	sess := activeSession(t, h, "C1")

	up.events <- realtime.Event{Kind: realtime.KindUnrecognized, Type: "rate_limits.updated"}
	up.events <- realtime.Event{Kind: realtime.KindSessionReady, Type: realtime.EventTypeSessionUpdated}
	send(t, ws, mediaFrame("AFTER"))
	expectAudio(t, up, "AFTER")

	if st := sess.State(); st != StateActive {
		t.Errorf("state = %s, want active", st)
	}
}

func TestRouterIgnoresRepeatedStart(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)

	send(t, ws, startFrame("C1", "S1"))
	up := h.opener.upstream(t)
	sess := activeSession(t, h, "C1")

	send(t, ws, startFrame("C2", "S2"))
	send(t, ws, mediaFrame("AFTER"))
	expectAudio(t, up, "AFTER")

	if n := h.opener.calls.Load(); n != 1 {
		t.Errorf("upstream opened %d times, want 1", n)
	}
	if sess.CallID() != "C1" || sess.StreamID() != "S1" {
		t.Errorf("session ids = %s/%s, want C1/S1", sess.CallID(), sess.StreamID())
	}
	if h.relay.Registry().Get("C2") != nil {
		t.Error("repeated start registered a second call")
	}
}

func TestRouterIgnoresUnrecognizedTelephonyEvent(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)

	send(t, ws, startFrame("C1", "S1"))
	up := h.opener.upstream(t)
	sess := activeSession(t, h, "C1")

	send(t, ws, `{"event":"dtmf","streamSid":"S1","dtmf":{"digit":"5"}}`)
	send(t, ws, `{"event":"mark","streamSid":"S1","mark":{"name":"greeting"}}`)
	send(t, ws, mediaFrame("AFTER"))
	expectAudio(t, up, "AFTER")

	if st := sess.State(); st != StateActive {
		t.Errorf("state = %s, want active", st)
	}
}

func TestRouterLogsEmptyTranscript(t *testing.T) {
	logs := &lockedBuffer{}
	h := newHarness(t, func(o *Options, _ *fakeOpener) {
		o.Logger = slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	})
	ws := h.dial(t)

	send(t, ws, startFrame("C1", "S1"))
	up := h.opener.upstream(t)
	activeSession(t, h, "C1")

	up.events <- realtime.Event{Kind: realtime.KindInputTranscript, Transcript: ""}
	waitFor(t, "empty transcript logged", func() bool {
		return strings.Contains(logs.String(), "skipping empty transcript")
	})
	if n := h.sink.count(); n != 0 {
		t.Errorf("sink recorded %d lines, want 0", n)
	}

	send(t, ws, mediaFrame("AFTER"))
	expectAudio(t, up, "AFTER")
}

func TestSecondCloseDuringClosingIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	ws := h.dial(t)

	send(t, ws, startFrame("C1", "S1"))
	up := h.opener.upstream(t)
	sess := activeSession(t, h, "C1")

	// Stop, a local close and a remote upstream close all race.
	send(t, ws, `{"event":"stop"}`)
	sess.Close()
	up.finish()
	sess.Close()

	expectClosed(t, ws)
	waitFor(t, "session closed", func() bool { return sess.State() == StateClosed })
	sess.Close()
	time.Sleep(50 * time.Millisecond)

	if n := up.closes.Load(); n != 1 {
		t.Errorf("upstream closed %d times, want 1", n)
	}
	if n := h.relay.Stats().SessionsEnded.Load(); n != 1 {
		t.Errorf("SessionsEnded = %d, want 1", n)
	}
	if h.relay.Registry().Count() != 0 {
		t.Error("closed session still registered")
	}
}

func TestCloseWaitsForInFlightToolCall(t *testing.T) {
	old := drainTimeout
	drainTimeout = 50 * time.Millisecond
	t.Cleanup(func() { drainTimeout = old })

	store := &fakeStore{release: make(chan struct{})}
	h := newHarness(t, func(o *Options, _ *fakeOpener) {
		o.Dispatcher = NewDispatcher(store, 10*time.Second, slog.Default())
	})
	ws := h.dial(t)

	send(t, ws, startFrame("C1", "S1"))
	up := h.opener.upstream(t)
	activeSession(t, h, "C1")

	up.events <- realtime.Event{
		Kind:      realtime.KindFunctionCallArgumentsDone,
		Name:      waitlist.ToolName,
		CallID:    "fc_slow",
		Arguments: validArgs,
	}
	waitFor(t, "tool call started", func() bool { return h.relay.Stats().ToolCalls.Load() == 1 })

	send(t, ws, `{"event":"stop"}`)
	up.waitClosed(t)

	closed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		closed <- h.relay.Close(ctx)
	}()

	// Well past the goroutine drain bound, the save is still pending.
	select {
	case err := <-closed:
		t.Fatalf("Close returned %v with a waitlist save in flight", err)
	case <-time.After(300 * time.Millisecond):
	}
	if store.calls() != 0 {
		t.Fatalf("store calls = %d before release, want 0", store.calls())
	}

	close(store.release)
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Close did not return after the save finished")
	}
	if store.calls() != 1 {
		t.Errorf("store calls = %d when Close returned, want 1", store.calls())
	}
	if n := h.relay.Stats().SessionsEnded.Load(); n != 1 {
		t.Errorf("SessionsEnded = %d, want 1", n)
	}
}
