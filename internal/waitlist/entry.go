// Package waitlist defines the early access waitlist entry captured during a
// call and the tool the model uses to submit it.
package waitlist

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// ToolName is the function the model calls to save an entry.
const ToolName = "save_waitlist_entry"

// Roles accepted on the waitlist.
const (
	RoleTherapist = "therapist"
	RoleClient    = "client"
)

// Entry is one waitlist signup.
type Entry struct {
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
	Role     string `json:"role"`

	// CallSID is the call the entry was captured on. Set by the relay, never
	// by the model.
	CallSID string `json:"-"`
}

// ValidationError lists the problems with an entry.
type ValidationError struct {
	Missing []string // required fields that were empty
	Role    string   // set when role is present but not allowed
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required fields: "+strings.Join(e.Missing, ", "))
	}
	if e.Role != "" {
		parts = append(parts, fmt.Sprintf("role must be %q or %q, got %q", RoleTherapist, RoleClient, e.Role))
	}
	return strings.Join(parts, "; ")
}

// ParseArguments decodes the model's JSON arguments into an Entry. It does
// not validate.
func ParseArguments(args string) (Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(args), &e); err != nil {
		return Entry{}, fmt.Errorf("parsing %s arguments: %w", ToolName, err)
	}
	return e, nil
}

// Normalize trims surrounding whitespace from every field.
func (e Entry) Normalize() Entry {
	e.FullName = strings.TrimSpace(e.FullName)
	e.Phone = strings.TrimSpace(e.Phone)
	e.Email = strings.TrimSpace(e.Email)
	e.Role = strings.TrimSpace(e.Role)
	return e
}

// Validate checks required fields and the role. It returns a
// *ValidationError or nil.
func (e Entry) Validate() error {
	e = e.Normalize()
	var verr ValidationError
	for _, f := range []struct{ name, value string }{
		{"full_name", e.FullName},
		{"phone", e.Phone},
		{"email", e.Email},
		{"role", e.Role},
	} {
		if f.value == "" {
			verr.Missing = append(verr.Missing, f.name)
		}
	}
	if e.Role != "" && e.Role != RoleTherapist && e.Role != RoleClient {
		verr.Role = e.Role
	}
	if len(verr.Missing) == 0 && verr.Role == "" {
		return nil
	}
	return &verr
}

// Schema is the JSON schema of the tool's arguments.
func Schema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"full_name": {Type: "string", Description: "The person's full name"},
			"phone":     {Type: "string", Description: "The person's phone number"},
			"email":     {Type: "string", Description: "The person's email address"},
			"role": {
				Type:        "string",
				Enum:        []any{RoleTherapist, RoleClient},
				Description: "Whether they are a massage therapist or a client",
			},
		},
		Required: []string{"full_name", "phone", "email", "role"},
	}
}

// ToolDescription is shown to the model alongside Schema.
const ToolDescription = "Save a new entry to the MasseurMatch early access waitlist"
