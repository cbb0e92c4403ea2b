package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA time zone name such as Europe/Berlin; defaults to UTC"`
	Format   string `json:"format,omitempty" jsonschema:"description=Go reference layout or the literal string unix; defaults to RFC 3339"`
}

// CurrentTime reports the wall clock, optionally in a requested zone and
// layout.
type CurrentTime struct {
	now    func() time.Time
	schema json.RawMessage
}

// CurrentTimeOption customizes CurrentTime construction.
type CurrentTimeOption func(*CurrentTime)

// WithClock overrides the time source (useful for tests).
func WithClock(now func() time.Time) CurrentTimeOption {
	return func(t *CurrentTime) {
		if now != nil {
			t.now = now
		}
	}
}

// NewCurrentTime creates the current_time tool.
func NewCurrentTime(opts ...CurrentTimeOption) *CurrentTime {
	t := &CurrentTime{
		now:    time.Now,
		schema: reflectSchema(&currentTimeArgs{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *CurrentTime) Name() string { return "current_time" }

func (t *CurrentTime) Description() string {
	return "Get the current date and time, optionally in a specific time zone and format."
}

func (t *CurrentTime) Schema() json.RawMessage { return t.schema }

func (t *CurrentTime) Invoke(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var args currentTimeArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}

	loc := time.UTC
	if args.Timezone != "" {
		parsed, err := time.LoadLocation(args.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown time zone %q", args.Timezone)
		}
		loc = parsed
	}
	now := t.now().In(loc)

	var rendered string
	switch args.Format {
	case "", "rfc3339":
		rendered = now.Format(time.RFC3339)
	case "unix":
		rendered = fmt.Sprintf("%d", now.Unix())
	default:
		rendered = now.Format(args.Format)
	}

	return json.Marshal(map[string]any{
		"time":        rendered,
		"timezone":    loc.String(),
		"unixSeconds": now.Unix(),
	})
}
