// Package skill resolves a requested skill against the app's catalog
// entries. A skill is an app-scoped instruction block: when a turn
// requests one, its instructions lead the system prompt and the stream
// carries a skill.activation event before the turn is prepared.
package skill

import (
	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/fault"
)

// Resolve maps a requested skill id onto the app's descriptor. No
// request, or skills disabled platform-wide, resolves to nil. An id the
// app does not define is a not-found fault.
func Resolve(app catalog.AppSpec, platform catalog.PlatformSpec, requested string) (*catalog.SkillDescriptor, error) {
	if requested == "" || platform.Admin.DisableSkills {
		return nil, nil
	}
	descriptor, ok := app.Skill(requested)
	if !ok {
		return nil, fault.NotFound("skill", requested)
	}
	return &descriptor, nil
}

// DisplayName returns the name clients show for an activation, falling
// back to the id for descriptors without one.
func DisplayName(s catalog.SkillDescriptor) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}
