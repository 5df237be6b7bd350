// Package webhook implements the Twilio voice and call status webhooks: the
// TwiML that connects an inbound call to the media stream relay, and the
// missed-call follow-up (SMS, Sync callback slot, operator email).
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/twilio/twilio-go/twiml"

	"github.com/masseurmatch/callrelay/internal/email"
	"github.com/masseurmatch/callrelay/internal/twilio"
)

// Messages sent after a missed call.
const (
	CallerSMS      = "We missed your call. A masseur will get back to you soon. You can also reply here."
	operatorSMSFmt = "Missed call from %s. Reply CALL to return the call."

	// CallbackKey is the Sync map item holding the most recent missed caller.
	CallbackKey = "latest"

	unconfiguredSay = "WebSocket server not configured."
)

// missedStatuses are the CallStatus values that count as a missed call.
var missedStatuses = map[string]bool{
	"busy":      true,
	"no-answer": true,
	"failed":    true,
}

// TwilioAPI is the slice of the Twilio client the webhooks use.
type TwilioAPI interface {
	SendSMS(ctx context.Context, from, to, body string) (*twilio.Message, error)
	UpsertMapItem(ctx context.Context, item twilio.MapItem, data any) error
}

// Mailer sends the operator's missed-call email.
type Mailer interface {
	SendMissedCallNotification(ctx context.Context, cfg email.SMTPConfig, notif email.MissedCallNotification) error
}

// Config holds the numbers and addresses the webhooks need.
type Config struct {
	StreamURL     string // wss URL of the media stream endpoint
	FromNumber    string // Twilio number SMS are sent from
	OperatorPhone string
	SyncService   string
	SyncMap       string
	SMTP          email.SMTPConfig
	OperatorEmail string
}

// Handlers serves the webhook endpoints.
type Handlers struct {
	cfg    Config
	twilio TwilioAPI // nil when Twilio credentials are absent
	mailer Mailer    // nil disables email
	logger *slog.Logger
	now    func() time.Time
}

// New creates the webhook handlers. tw and mailer may be nil.
func New(cfg Config, tw TwilioAPI, mailer Mailer, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:    cfg,
		twilio: tw,
		mailer: mailer,
		logger: logger.With("subsystem", "webhook"),
		now:    time.Now,
	}
}

// Voice answers an inbound call with TwiML that opens a bidirectional media
// stream to the relay. The caller's number travels as a custom parameter.
func (h *Handlers) Voice(w http.ResponseWriter, r *http.Request) {
	var verbs []twiml.Element
	if h.cfg.StreamURL == "" {
		h.logger.Warn("inbound call without a stream url configured")
		verbs = []twiml.Element{
			&twiml.VoiceSay{Message: unconfiguredSay},
			&twiml.VoiceHangup{},
		}
	} else {
		stream := &twiml.VoiceStream{Url: h.cfg.StreamURL}
		if from := r.PostFormValue("From"); from != "" {
			stream.InnerElements = []twiml.Element{&twiml.VoiceParameter{Name: "From", Value: from}}
		}
		verbs = []twiml.Element{&twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}}
		h.logger.Info("connecting inbound call", "call_sid", r.PostFormValue("CallSid"))
	}

	doc, err := twiml.Voice(verbs)
	if err != nil {
		h.logger.Error("encoding twiml", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, doc)
}

// MissedCall handles the call status callback. For busy, no-answer and
// failed calls it texts the caller and the operator, records the caller in
// the Sync callback slot and emails the operator. Every step runs even if
// an earlier one fails; any failure turns the response into a 502.
func (h *Handlers) MissedCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	from := r.PostForm.Get("From")
	status := r.PostForm.Get("CallStatus")
	logger := h.logger.With("from", from, "call_status", status, "call_sid", r.PostForm.Get("CallSid"))

	if from == "" || !missedStatuses[status] {
		logger.Debug("call status needs no follow-up")
		writeOK(w)
		return
	}

	logger.Info("missed call")
	if err := h.followUp(r.Context(), from, status); err != nil {
		logger.Error("missed call follow-up failed", "error", err)
		http.Error(w, "notification failed", http.StatusBadGateway)
		return
	}
	writeOK(w)
}

func (h *Handlers) followUp(ctx context.Context, from, status string) error {
	var errs []error

	if h.twilio == nil {
		h.logger.Warn("twilio not configured, skipping sms and sync")
	} else {
		if _, err := h.twilio.SendSMS(ctx, h.cfg.FromNumber, from, CallerSMS); err != nil {
			errs = append(errs, fmt.Errorf("texting caller: %w", err))
		}
		if h.cfg.OperatorPhone != "" {
			body := fmt.Sprintf(operatorSMSFmt, from)
			if _, err := h.twilio.SendSMS(ctx, h.cfg.FromNumber, h.cfg.OperatorPhone, body); err != nil {
				errs = append(errs, fmt.Errorf("texting operator: %w", err))
			}
		}

		// One slot shared by every caller: the newest missed call wins.
		item := twilio.MapItem{Service: h.cfg.SyncService, Map: h.cfg.SyncMap, Key: CallbackKey}
		if err := h.twilio.UpsertMapItem(ctx, item, map[string]string{"number": from}); err != nil {
			errs = append(errs, fmt.Errorf("recording callback: %w", err))
		}
	}

	if h.mailer != nil && h.cfg.OperatorEmail != "" && h.cfg.SMTP.Valid() {
		notif := email.MissedCallNotification{
			To:         h.cfg.OperatorEmail,
			CallerNum:  from,
			CallStatus: status,
			Timestamp:  h.now(),
		}
		if err := h.mailer.SendMissedCallNotification(ctx, h.cfg.SMTP, notif); err != nil {
			errs = append(errs, fmt.Errorf("emailing operator: %w", err))
		}
	}

	return errors.Join(errs...)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
