package addon

import "fmt"

// Script describes one script contributed by an add-on.
type Script struct {
	Name             string        `json:"name"`
	FilePath         string        `json:"file"`
	ExecutionMode    ExecutionMode `json:"execution_mode"`
	MenuTitleKey     string        `json:"menu_title_key"`
	MenuLocation     string        `json:"menu_location"`
	Permissions      *Permissions  `json:"permissions"`
	KeyboardShortcut string        `json:"keyboard_shortcut,omitempty"`
	ScriptBody       string        `json:"-"`

	// Active mirrors the owning add-on's activation state. It is never
	// written into the scripts grouping of the add-on document.
	Active bool `json:"active"`
}

// NewScript builds an active script, rejecting missing mandatory fields.
// File existence is checked later by Loader.Validate.
func NewScript(name, filePath string, mode ExecutionMode, menuTitleKey, menuLocation string, perms *Permissions) (Script, error) {
	switch {
	case name == "":
		return Script{}, fmt.Errorf("%w: no name", ErrValidation)
	case filePath == "":
		return Script{}, fmt.Errorf("%w: script %s: no file", ErrValidation, name)
	case !mode.Valid():
		return Script{}, fmt.Errorf("%w: script %s: no execution_mode", ErrValidation, name)
	case menuTitleKey == "":
		return Script{}, fmt.Errorf("%w: script %s: no menu title key", ErrValidation, name)
	case menuLocation == "":
		return Script{}, fmt.Errorf("%w: script %s: no menu location", ErrValidation, name)
	case perms == nil:
		return Script{}, fmt.Errorf("%w: script %s: no permissions", ErrValidation, name)
	}
	return Script{
		Name:          name,
		FilePath:      filePath,
		ExecutionMode: mode,
		MenuTitleKey:  menuTitleKey,
		MenuLocation:  menuLocation,
		Permissions:   perms,
		Active:        true,
	}, nil
}

// String renders name(executionMode/menuTitleKey/menuLocation) for diagnostics.
func (s Script) String() string {
	return fmt.Sprintf("%s(%s/%s/%s)", s.Name, s.ExecutionMode, s.MenuTitleKey, s.MenuLocation)
}

// Equal compares every field except the transient Active flag.
func (s Script) Equal(o Script) bool {
	return s.Name == o.Name &&
		s.FilePath == o.FilePath &&
		s.ExecutionMode == o.ExecutionMode &&
		s.MenuTitleKey == o.MenuTitleKey &&
		s.MenuLocation == o.MenuLocation &&
		s.KeyboardShortcut == o.KeyboardShortcut &&
		s.ScriptBody == o.ScriptBody &&
		s.Permissions.Equal(o.Permissions)
}
