package addon

import (
	"fmt"
	"strings"
)

// ExecutionMode says how the host runs a script. The zero value is ModeUnset.
type ExecutionMode int

const (
	ModeUnset ExecutionMode = iota
	ModeOnSingleNode
	ModeOnSelectedNode
	ModeOnSelectedNodeRecursively
	ModeMenu
	ModeRunOnStartup
)

var modeNames = map[ExecutionMode]string{
	ModeOnSingleNode:              "ON_SINGLE_NODE",
	ModeOnSelectedNode:            "ON_SELECTED_NODE",
	ModeOnSelectedNodeRecursively: "ON_SELECTED_NODE_RECURSIVELY",
	ModeMenu:                      "MENU",
	ModeRunOnStartup:              "RUN_ON_STARTUP",
}

// ExecutionModes lists every known mode in declaration order.
func ExecutionModes() []ExecutionMode {
	return []ExecutionMode{
		ModeOnSingleNode,
		ModeOnSelectedNode,
		ModeOnSelectedNodeRecursively,
		ModeMenu,
		ModeRunOnStartup,
	}
}

// ParseExecutionMode looks a mode up by name, ignoring case.
// The bool is false when no mode matches; the caller decides if that is fatal.
func ParseExecutionMode(s string) (ExecutionMode, bool) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for _, m := range ExecutionModes() {
		if modeNames[m] == upper {
			return m, true
		}
	}
	return ModeUnset, false
}

func (m ExecutionMode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "null"
}

// Valid reports whether m is one of the known modes.
func (m ExecutionMode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

func (m ExecutionMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText accepts any case; "null" and "" decode to ModeUnset.
func (m *ExecutionMode) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" || s == "null" {
		*m = ModeUnset
		return nil
	}
	mode, ok := ParseExecutionMode(s)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownExecutionMode, s)
	}
	*m = mode
	return nil
}
