package builtin

import (
	"reflect"
	"testing"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/tool"
)

func TestRegister(t *testing.T) {
	reg := tool.NewRegistry()
	Register(reg, config.ToolsConfig{EnableBuiltins: true, FetchMaxBytes: 100}, nil)
	if names := reg.Names(); !reflect.DeepEqual(names, []string{"current_time", "http_fetch"}) {
		t.Errorf("Names() = %v", names)
	}
}

func TestRegisterDisabled(t *testing.T) {
	reg := tool.NewRegistry()
	Register(reg, config.ToolsConfig{}, nil)
	if names := reg.Names(); len(names) != 0 {
		t.Errorf("Names() = %v, want none when builtins are disabled", names)
	}
}
