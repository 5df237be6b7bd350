package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// newEventID returns a client event id.
func newEventID() string {
	return "evt_" + uuid.New().String()[:12]
}

type sessionUpdate struct {
	EventID string        `json:"event_id"`
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// EncodeSessionUpdate builds the session.update frame for cfg.
func EncodeSessionUpdate(cfg SessionConfig) ([]byte, error) {
	return marshalFrame(sessionUpdate{EventID: newEventID(), Type: EventTypeSessionUpdate, Session: cfg})
}

type audioAppend struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Audio   string `json:"audio"`
}

// EncodeAudioAppend builds an input_audio_buffer.append frame. audio is
// base64 and passed through unchanged.
func EncodeAudioAppend(audio string) ([]byte, error) {
	return marshalFrame(audioAppend{EventID: newEventID(), Type: EventTypeInputAudioBufferAppend, Audio: audio})
}

type functionCallOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type itemCreate struct {
	EventID string                 `json:"event_id"`
	Type    string                 `json:"type"`
	Item    functionCallOutputItem `json:"item"`
}

// EncodeFunctionCallOutput builds the conversation.item.create frame that
// answers function call callID. output is JSON text.
func EncodeFunctionCallOutput(callID, output string) ([]byte, error) {
	return marshalFrame(itemCreate{
		EventID: newEventID(),
		Type:    EventTypeConversationItemCreate,
		Item: functionCallOutputItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	})
}

type responseCreate struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

// EncodeResponseCreate builds a bare response.create frame, asking the model
// to continue after a function result.
func EncodeResponseCreate() ([]byte, error) {
	return marshalFrame(responseCreate{EventID: newEventID(), Type: EventTypeResponseCreate})
}

func marshalFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding realtime frame: %w", err)
	}
	return data, nil
}
