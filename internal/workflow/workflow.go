// Package workflow routes turns that mention an @-token at an external
// workflow engine. Detection scans the last user message; the bridge
// posts the conversation to the workflow's endpoint and relays the SSE
// frames it answers with onto the session stream, unchanged.
package workflow

import (
	"context"
	"regexp"
	"strings"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/pkg/models"
)

var tokenPattern = regexp.MustCompile(`@[\w.-]+`)

// Detect scans text for an @ token naming one of the app's workflows.
// The first matching token wins. The platform-wide admin toggle disables
// detection entirely.
func Detect(text string, app catalog.AppSpec, platform catalog.PlatformSpec) (catalog.WorkflowSpec, bool) {
	if text == "" || platform.Admin.DisableWorkflows || len(app.Workflows) == 0 {
		return catalog.WorkflowSpec{}, false
	}
	for _, token := range tokenPattern.FindAllString(text, -1) {
		if wf, ok := app.Workflow(strings.TrimPrefix(token, "@")); ok {
			return wf, true
		}
	}
	return catalog.WorkflowSpec{}, false
}

// Request is the payload posted to a workflow endpoint.
type Request struct {
	ChatID   string           `json:"chatId"`
	AppID    string           `json:"appId"`
	Workflow string           `json:"workflow"`
	User     string           `json:"user,omitempty"`
	Messages []models.Message `json:"messages"`
}

// Runner hands a turn to a workflow engine and relays its events to the
// session tracker. Run returns once the engine's stream ends; the engine
// is responsible for emitting its own terminal event.
type Runner interface {
	Run(ctx context.Context, t *events.Tracker, wf catalog.WorkflowSpec, req *Request) error
}
