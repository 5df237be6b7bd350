package realtime

import (
	"github.com/google/jsonschema-go/jsonschema"
)

// Audio formats accepted by the realtime API. Twilio media streams carry
// 8kHz mu-law, so the relay uses g711_ulaw in both directions and never
// transcodes.
const (
	AudioFormatPCM16    = "pcm16"
	AudioFormatG711ULaw = "g711_ulaw"
	AudioFormatG711ALaw = "g711_alaw"
)

// SessionConfig is the session.update payload sent once when a connection
// opens. Build it once at startup and treat it as read-only.
type SessionConfig struct {
	Modalities              []string                 `json:"modalities"`
	Voice                   string                   `json:"voice"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
	Tools                   []Tool                   `json:"tools,omitempty"`
	Prompt                  *PromptRef               `json:"prompt,omitempty"`
}

// InputAudioTranscription enables transcripts of the caller's speech.
type InputAudioTranscription struct {
	Model string `json:"model"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// Tool declares a function the model may call.
type Tool struct {
	Type        string             `json:"type"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

// PromptRef points the session at a stored prompt.
type PromptRef struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

// SessionOptions are the configurable parts of a SessionConfig.
type SessionOptions struct {
	Voice              string
	TranscriptionModel string
	PromptID           string
	PromptVersion      string
	Tools              []Tool
}

// NewSessionConfig returns a phone call session: text and audio modalities,
// mu-law audio both ways, caller transcription and server VAD.
func NewSessionConfig(opts SessionOptions) SessionConfig {
	cfg := SessionConfig{
		Modalities:        []string{"text", "audio"},
		Voice:             opts.Voice,
		InputAudioFormat:  AudioFormatG711ULaw,
		OutputAudioFormat: AudioFormatG711ULaw,
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
		Tools: opts.Tools,
	}
	if opts.TranscriptionModel != "" {
		cfg.InputAudioTranscription = &InputAudioTranscription{Model: opts.TranscriptionModel}
	}
	if opts.PromptID != "" {
		cfg.Prompt = &PromptRef{ID: opts.PromptID, Version: opts.PromptVersion}
	}
	return cfg
}

// FunctionTool is a convenience constructor for a function tool.
func FunctionTool(name, description string, params *jsonschema.Schema) Tool {
	return Tool{Type: "function", Name: name, Description: description, Parameters: params}
}
