package realtime

import (
	"errors"
	"testing"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Event
	}{
		{
			name:  "session updated",
			input: `{"type":"session.updated","event_id":"e1","session":{"id":"sess_1"}}`,
			want:  Event{Kind: KindSessionReady, Type: "session.updated", EventID: "e1"},
		},
		{
			name:  "audio delta",
			input: `{"type":"response.audio.delta","delta":"BBBB","item_id":"i1"}`,
			want:  Event{Kind: KindAudioDelta, Type: "response.audio.delta", Delta: "BBBB"},
		},
		{
			name:  "function call done",
			input: `{"type":"response.function_call_arguments.done","name":"save_waitlist_entry","call_id":"call_1","arguments":"{\"role\":\"client\"}"}`,
			want: Event{
				Kind:      KindFunctionCallArgumentsDone,
				Type:      "response.function_call_arguments.done",
				Name:      "save_waitlist_entry",
				CallID:    "call_1",
				Arguments: `{"role":"client"}`,
			},
		},
		{
			name:  "input transcript",
			input: `{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello"}`,
			want:  Event{Kind: KindInputTranscript, Type: "conversation.item.input_audio_transcription.completed", Transcript: "hello"},
		},
		{
			name:  "output transcript",
			input: `{"type":"response.audio_transcript.done","transcript":"hi there"}`,
			want:  Event{Kind: KindOutputTranscript, Type: "response.audio_transcript.done", Transcript: "hi there"},
		},
		{
			name:  "unrecognized",
			input: `{"type":"response.done"}`,
			want:  Event{Kind: KindUnrecognized, Type: "response.done"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent([]byte(tt.input))
			if err != nil {
				t.Fatalf("DecodeEvent: %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeEvent = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeErrorEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"type":"error","error":{"type":"invalid_request_error","code":"invalid_value","message":"nope"}}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Kind != KindError || ev.Error == nil {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Error.Code != "invalid_value" || ev.Error.Error() != "realtime: invalid_value: nope" {
		t.Errorf("error = %v", ev.Error)
	}

	ev, err = DecodeEvent([]byte(`{"type":"error"}`))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Error == nil {
		t.Error("error event without details should still carry an APIError")
	}
}

func TestDecodeEventMalformed(t *testing.T) {
	inputs := []string{
		`not json`,
		`{"event_id":"e1"}`,
		`{"type":"response.audio.delta"}`,
		`{"type":"response.function_call_arguments.done","name":"save_waitlist_entry"}`,
	}
	for _, in := range inputs {
		_, err := DecodeEvent([]byte(in))
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Errorf("DecodeEvent(%q) error = %v, want *ProtocolError", in, err)
		}
	}
}
