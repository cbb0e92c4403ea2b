package skill

import (
	"testing"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/fault"
)

func TestResolve(t *testing.T) {
	app := catalog.AppSpec{
		ID: "support",
		Skills: []catalog.SkillDescriptor{
			{ID: "triage", Name: "Ticket triage", Instructions: "Classify the ticket first."},
		},
	}

	tests := []struct {
		name      string
		requested string
		platform  catalog.PlatformSpec
		wantID    string
		wantNil   bool
		wantCode  fault.Code
	}{
		{name: "no request", requested: "", wantNil: true},
		{name: "known skill", requested: "triage", wantID: "triage"},
		{name: "unknown skill", requested: "escalate", wantCode: fault.CodeNotFound},
		{
			name:      "disabled platform-wide",
			requested: "triage",
			platform:  catalog.PlatformSpec{Admin: catalog.AdminToggles{DisableSkills: true}},
			wantNil:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(app, tt.platform, tt.requested)
			if tt.wantCode != "" {
				if fault.CodeOf(err) != tt.wantCode {
					t.Fatalf("err = %v, want code %s", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if tt.wantNil {
				if got != nil {
					t.Fatalf("resolved %+v, want nil", got)
				}
				return
			}
			if got == nil || got.ID != tt.wantID {
				t.Errorf("resolved %+v, want id %s", got, tt.wantID)
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	if got := DisplayName(catalog.SkillDescriptor{ID: "triage", Name: "Ticket triage"}); got != "Ticket triage" {
		t.Errorf("DisplayName = %q", got)
	}
	if got := DisplayName(catalog.SkillDescriptor{ID: "triage"}); got != "triage" {
		t.Errorf("DisplayName fallback = %q", got)
	}
}
