package waitlist

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	valid := Entry{FullName: "Ana Silva", Phone: "+15551234567", Email: "ana@example.com", Role: RoleTherapist}

	tests := []struct {
		name        string
		entry       Entry
		wantErr     bool
		wantMissing []string
		wantRole    string
	}{
		{"therapist", valid, false, nil, ""},
		{"client", Entry{FullName: "B", Phone: "1", Email: "b@example.com", Role: RoleClient}, false, nil, ""},
		{"whitespace around role", Entry{FullName: "B", Phone: "1", Email: "b@example.com", Role: " client "}, false, nil, ""},
		{"invalid role", Entry{FullName: "B", Phone: "1", Email: "b@example.com", Role: "admin"}, true, nil, "admin"},
		{"role is case sensitive", Entry{FullName: "B", Phone: "1", Email: "b@example.com", Role: "Client"}, true, nil, "Client"},
		{"missing email and role", Entry{FullName: "B", Phone: "1"}, true, []string{"email", "role"}, ""},
		{"blank name", Entry{FullName: "   ", Phone: "1", Email: "b@example.com", Role: RoleClient}, true, []string{"full_name"}, ""},
		{"empty", Entry{}, true, []string{"full_name", "phone", "email", "role"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			if len(verr.Missing) != len(tt.wantMissing) {
				t.Fatalf("Missing = %v, want %v", verr.Missing, tt.wantMissing)
			}
			for i := range tt.wantMissing {
				if verr.Missing[i] != tt.wantMissing[i] {
					t.Errorf("Missing[%d] = %q, want %q", i, verr.Missing[i], tt.wantMissing[i])
				}
			}
			if verr.Role != tt.wantRole {
				t.Errorf("Role = %q, want %q", verr.Role, tt.wantRole)
			}
		})
	}
}

func TestParseArguments(t *testing.T) {
	e, err := ParseArguments(`{"full_name":"Ana","phone":"+1555","email":"a@example.com","role":"client","extra":1}`)
	if err != nil {
		t.Fatalf("ParseArguments: %v", err)
	}
	if e.FullName != "Ana" || e.Phone != "+1555" || e.Email != "a@example.com" || e.Role != "client" {
		t.Errorf("entry = %+v", e)
	}

	if _, err := ParseArguments(`{"full_name":`); err == nil {
		t.Error("expected error for truncated arguments")
	}
}

func TestSchema(t *testing.T) {
	data, err := json.Marshal(Schema())
	if err != nil {
		t.Fatalf("marshal schema: %v", err)
	}
	var got struct {
		Type       string                     `json:"type"`
		Required   []string                   `json:"required"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	if got.Type != "object" {
		t.Errorf("type = %q, want object", got.Type)
	}
	if len(got.Required) != 4 {
		t.Errorf("required = %v, want 4 fields", got.Required)
	}
	var role struct {
		Enum []string `json:"enum"`
	}
	if err := json.Unmarshal(got.Properties["role"], &role); err != nil {
		t.Fatalf("unmarshal role: %v", err)
	}
	if len(role.Enum) != 2 || role.Enum[0] != RoleTherapist || role.Enum[1] != RoleClient {
		t.Errorf("role enum = %v", role.Enum)
	}
}
