package relay

import (
	"context"
	"time"

	"github.com/masseurmatch/callrelay/internal/realtime"
	"github.com/masseurmatch/callrelay/internal/telephony"
	"github.com/masseurmatch/callrelay/internal/transcript"
)

// routeUpstream drains realtime events for the life of the connection and
// signals the owner through aiDone when the event stream ends.
func (s *Session) routeUpstream(up Upstream) {
	defer s.wg.Done()
	defer close(s.aiDone)

	for ev := range up.Events() {
		s.route(up, ev)
	}
}

func (s *Session) route(up Upstream, ev realtime.Event) {
	switch ev.Kind {
	case realtime.KindAudioDelta:
		frame, err := telephony.EncodeMedia(s.streamID, ev.Delta)
		if err != nil {
			s.logger.Error("encoding media frame", "error", err)
			return
		}
		if err := s.writeTelephony(frame); err != nil {
			s.logger.Debug("forwarding audio to caller", "error", err)
			return
		}
		s.deps.stats.MediaOut.Add(1)

	case realtime.KindFunctionCallArgumentsDone:
		req := ToolCallRequest{
			Name:              ev.Name,
			CallID:            ev.CallID,
			Arguments:         ev.Arguments,
			OriginatingCallID: s.callID,
		}
		s.tools.Add(1)
		go s.runToolCall(up, req)

	case realtime.KindInputTranscript:
		s.recordTranscript(transcript.SpeakerCaller, ev.Transcript)

	case realtime.KindOutputTranscript:
		s.recordTranscript(transcript.SpeakerAssistant, ev.Transcript)

	case realtime.KindError:
		s.logger.Warn("realtime error event", "error", ev.Error)

	case realtime.KindSessionReady:
		s.logger.Debug("realtime session ready", "type", ev.Type)

	default:
		s.logger.Debug("ignoring realtime event", "type", ev.Type)
	}
}

// runToolCall answers one function call with exactly one function_call_output
// frame, then asks the model to continue.
func (s *Session) runToolCall(up Upstream, req ToolCallRequest) {
	defer s.tools.Done()
	s.deps.stats.ToolCalls.Add(1)

	// A save already accepted from the model completes even if the caller
	// hangs up; the dispatcher bounds it with its own timeout.
	res := s.deps.opts.Dispatcher.Dispatch(context.WithoutCancel(s.ctx), req)
	if !res.Success {
		s.deps.stats.ToolCallFailures.Add(1)
	}

	out, err := realtime.EncodeFunctionCallOutput(req.CallID, res.Output())
	if err != nil {
		s.logger.Error("encoding function call output", "error", err)
		return
	}
	if err := up.Send(out); err != nil {
		s.logger.Warn("sending function call output", "function_call_id", req.CallID, "error", err)
		return
	}

	next, err := realtime.EncodeResponseCreate()
	if err != nil {
		s.logger.Error("encoding response.create", "error", err)
		return
	}
	if err := up.Send(next); err != nil {
		s.logger.Debug("requesting response after function call", "error", err)
	}
}

func (s *Session) recordTranscript(speaker transcript.Speaker, text string) {
	if text == "" {
		s.logger.Debug("skipping empty transcript", "speaker", string(speaker))
		return
	}
	line := transcript.Line{
		CallSID:   s.callID,
		StreamSID: s.streamID,
		Speaker:   speaker,
		Text:      text,
		At:        time.Now().UTC(),
	}
	if err := s.deps.opts.Transcripts.Record(s.ctx, line); err != nil {
		s.logger.Warn("recording transcript", "speaker", string(speaker), "error", err)
	}
}
