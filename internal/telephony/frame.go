// Package telephony decodes and encodes Twilio Media Streams frames.
//
// Twilio sends JSON text messages over the media stream WebSocket. Only the
// events the relay acts on are given typed fields; anything else decodes as
// an unrecognized frame so protocol additions do not break live calls.
package telephony

import (
	"encoding/json"
	"fmt"
)

// Event is the media stream event name.
type Event string

const (
	EventConnected    Event = "connected"
	EventStart        Event = "start"
	EventMedia        Event = "media"
	EventStop         Event = "stop"
	EventMark         Event = "mark"
	EventUnrecognized Event = "unrecognized"
)

// Frame is one decoded media stream message.
type Frame struct {
	Event Event

	// Name is the raw event name as received. It differs from Event only
	// for unrecognized frames.
	Name string

	StreamSID string
	CallSID   string // start only

	// Payload is base64 audio, forwarded without decoding. Media only.
	Payload string

	// Parameters holds the start frame's customParameters, populated from
	// <Parameter> elements in the TwiML that opened the stream.
	Parameters map[string]string
}

// ProtocolError reports a malformed telephony frame. It is fatal for the
// connection that produced it.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("telephony protocol error: %s: %v", e.Reason, e.Err)
	}
	return "telephony protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// wireFrame mirrors the JSON layout Twilio sends.
type wireFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`
	Start     *struct {
		StreamSID        string            `json:"streamSid"`
		CallSID          string            `json:"callSid"`
		AccountSID       string            `json:"accountSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`
	Media *struct {
		Track   string `json:"track,omitempty"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

// DecodeFrame parses a single media stream message.
func DecodeFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, &ProtocolError{Reason: "invalid json", Err: err}
	}
	if w.Event == "" {
		return Frame{}, &ProtocolError{Reason: "missing event"}
	}

	f := Frame{Event: Event(w.Event), Name: w.Event, StreamSID: w.StreamSID}

	switch f.Event {
	case EventStart:
		if w.Start == nil {
			return Frame{}, &ProtocolError{Reason: "start frame without start object"}
		}
		if w.Start.CallSID == "" || w.Start.StreamSID == "" {
			return Frame{}, &ProtocolError{Reason: "start frame missing callSid or streamSid"}
		}
		f.StreamSID = w.Start.StreamSID
		f.CallSID = w.Start.CallSID
		f.Parameters = w.Start.CustomParameters
	case EventMedia:
		if w.Media == nil || w.Media.Payload == "" {
			return Frame{}, &ProtocolError{Reason: "media frame without payload"}
		}
		f.Payload = w.Media.Payload
	case EventStop, EventConnected, EventMark:
	default:
		f.Event = EventUnrecognized
	}

	return f, nil
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// EncodeMedia builds the frame that plays audio back to the caller.
func EncodeMedia(streamSID, payload string) ([]byte, error) {
	m := outboundMedia{Event: string(EventMedia), StreamSID: streamSID}
	m.Media.Payload = payload
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding media frame: %w", err)
	}
	return data, nil
}
