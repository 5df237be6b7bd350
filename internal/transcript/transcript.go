// Package transcript records what the caller and the assistant said. Lines
// are observability output only and never flow back into a call.
package transcript

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Speaker identifies who said a line.
type Speaker string

const (
	SpeakerCaller    Speaker = "caller"
	SpeakerAssistant Speaker = "assistant"
)

// Line is one completed utterance.
type Line struct {
	CallSID   string    `json:"call_sid"`
	StreamSID string    `json:"stream_sid"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// Sink receives transcript lines.
type Sink interface {
	Record(ctx context.Context, l Line) error
}

// LogSink writes lines to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs each line at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("subsystem", "transcript")}
}

func (s *LogSink) Record(ctx context.Context, l Line) error {
	s.logger.InfoContext(ctx, "transcript",
		"call_sid", l.CallSID,
		"stream_sid", l.StreamSID,
		"speaker", string(l.Speaker),
		"text", l.Text,
	)
	return nil
}

// Multi fans a line out to several sinks. Every sink is tried; the errors
// are joined.
type Multi []Sink

func (m Multi) Record(ctx context.Context, l Line) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
