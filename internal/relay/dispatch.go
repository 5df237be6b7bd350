package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/masseurmatch/callrelay/internal/waitlist"
)

// WaitlistStore persists waitlist entries.
type WaitlistStore interface {
	InsertWaitlistEntry(ctx context.Context, e waitlist.Entry) error
}

// ToolCallRequest is a completed function call from the model.
type ToolCallRequest struct {
	Name              string
	CallID            string // function call id assigned by the model
	Arguments         string // JSON text
	OriginatingCallID string // telephony call SID
}

// Result is reported back to the model as the function call output.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Output returns the result as the JSON text sent in function_call_output.
func (r Result) Output() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"success":false}`
	}
	return string(data)
}

func failure(format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

// Dispatcher executes tool calls against the waitlist store.
type Dispatcher struct {
	store   WaitlistStore
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher. timeout bounds each store call.
func NewDispatcher(store WaitlistStore, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		timeout: timeout,
		logger:  logger.With("subsystem", "tool-dispatch"),
	}
}

// Dispatch runs req and always returns a Result; failures never escape as
// errors so the caller can answer the model exactly once.
func (d *Dispatcher) Dispatch(ctx context.Context, req ToolCallRequest) Result {
	log := d.logger.With("call_sid", req.OriginatingCallID, "function", req.Name, "function_call_id", req.CallID)

	if req.Name != waitlist.ToolName {
		log.Warn("unknown function called")
		return failure("unknown function: %s", req.Name)
	}

	entry, err := waitlist.ParseArguments(req.Arguments)
	if err != nil {
		log.Warn("invalid tool arguments", "error", err)
		return failure("invalid arguments")
	}
	entry = entry.Normalize()
	entry.CallSID = req.OriginatingCallID

	if err := entry.Validate(); err != nil {
		var verr *waitlist.ValidationError
		if errors.As(err, &verr) {
			log.Info("waitlist entry rejected", "missing", verr.Missing, "role", verr.Role)
		}
		return failure("%s", err.Error())
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	if err := d.store.InsertWaitlistEntry(ctx, entry); err != nil {
		log.Error("saving waitlist entry", "error", err)
		return failure("could not save waitlist entry")
	}

	log.Info("waitlist entry saved", "role", entry.Role)
	return Result{Success: true}
}
