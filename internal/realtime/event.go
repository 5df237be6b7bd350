package realtime

import (
	"encoding/json"
	"fmt"
)

// Client event types (sent to the server).
const (
	EventTypeSessionUpdate          = "session.update"
	EventTypeInputAudioBufferAppend = "input_audio_buffer.append"
	EventTypeConversationItemCreate = "conversation.item.create"
	EventTypeResponseCreate         = "response.create"
)

// Server event types the relay acts on.
const (
	EventTypeError                                            = "error"
	EventTypeSessionCreated                                   = "session.created"
	EventTypeSessionUpdated                                   = "session.updated"
	EventTypeResponseAudioDelta                               = "response.audio.delta"
	EventTypeResponseAudioTranscriptDone                      = "response.audio_transcript.done"
	EventTypeResponseFunctionCallArgumentsDone                = "response.function_call_arguments.done"
	EventTypeConversationItemInputAudioTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
)

// Kind discriminates the Event union.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindSessionReady
	KindAudioDelta
	KindFunctionCallArgumentsDone
	KindInputTranscript
	KindOutputTranscript
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindSessionReady:
		return "session_ready"
	case KindAudioDelta:
		return "audio_delta"
	case KindFunctionCallArgumentsDone:
		return "function_call_arguments_done"
	case KindInputTranscript:
		return "input_transcript"
	case KindOutputTranscript:
		return "output_transcript"
	case KindError:
		return "error"
	default:
		return "unrecognized"
	}
}

// Event is a decoded server event. Only the fields for its Kind are set.
type Event struct {
	Kind    Kind
	Type    string // raw event type, kept for every kind
	EventID string

	Delta string // KindAudioDelta, base64 audio

	// KindFunctionCallArgumentsDone
	Name      string
	CallID    string
	Arguments string // JSON text as produced by the model

	Transcript string // KindInputTranscript, KindOutputTranscript

	Error *APIError // KindError
}

type wireEvent struct {
	Type       string    `json:"type"`
	EventID    string    `json:"event_id"`
	Delta      string    `json:"delta"`
	Name       string    `json:"name"`
	CallID     string    `json:"call_id"`
	Arguments  string    `json:"arguments"`
	Transcript string    `json:"transcript"`
	Error      *APIError `json:"error"`
}

// DecodeEvent parses one server message. Unknown types decode as
// KindUnrecognized without error.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, &ProtocolError{Reason: "invalid json", Err: err}
	}
	if w.Type == "" {
		return Event{}, &ProtocolError{Reason: "missing type"}
	}

	ev := Event{Type: w.Type, EventID: w.EventID}

	switch w.Type {
	case EventTypeSessionCreated, EventTypeSessionUpdated:
		ev.Kind = KindSessionReady
	case EventTypeResponseAudioDelta:
		if w.Delta == "" {
			return Event{}, &ProtocolError{Reason: "audio delta without payload", Type: w.Type}
		}
		ev.Kind = KindAudioDelta
		ev.Delta = w.Delta
	case EventTypeResponseFunctionCallArgumentsDone:
		if w.CallID == "" || w.Name == "" {
			return Event{}, &ProtocolError{Reason: "function call without name or call_id", Type: w.Type}
		}
		ev.Kind = KindFunctionCallArgumentsDone
		ev.Name = w.Name
		ev.CallID = w.CallID
		ev.Arguments = w.Arguments
	case EventTypeConversationItemInputAudioTranscriptionCompleted:
		ev.Kind = KindInputTranscript
		ev.Transcript = w.Transcript
	case EventTypeResponseAudioTranscriptDone:
		ev.Kind = KindOutputTranscript
		ev.Transcript = w.Transcript
	case EventTypeError:
		ev.Kind = KindError
		ev.Error = w.Error
		if ev.Error == nil {
			ev.Error = &APIError{Message: "error event without details"}
		}
	default:
		ev.Kind = KindUnrecognized
	}

	return ev, nil
}

// ProtocolError reports a server message that could not be decoded. The
// connection drops the message and keeps reading.
type ProtocolError struct {
	Reason string
	Type   string // event type, when known
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "realtime protocol error: " + e.Reason
	if e.Type != "" {
		msg += " (" + e.Type + ")"
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }
