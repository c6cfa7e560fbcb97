package addon

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"addon-home/internal/document"
)

const (
	elemScripts = "scripts"
	elemScript  = "script"

	attrFormatVersion    = "formatVersion"
	attrName             = "name"
	attrFile             = "file"
	attrExecutionMode    = "executionMode"
	attrMenuTitleKey     = "menuTitleKey"
	attrMenuLocation     = "menuLocation"
	attrKeyboardShortcut = "keyboardShortcut"

	// FormatVersion is written on every serialized scripts grouping.
	// Documents without it predate stored script file paths.
	FormatVersion = 2
)

// FileExists reports whether a regular file exists at path.
type FileExists func(path string) bool

// RegularFileExists is the default FileExists, backed by os.Stat.
// Any stat error counts as "does not exist".
func RegularFileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// LoaderOptions holds the collaborators a Loader needs.
type LoaderOptions struct {
	// UserScriptDir is where legacy documents kept their script files.
	UserScriptDir string
	// Exists defaults to RegularFileExists.
	Exists FileExists
	Logger *slog.Logger
}

// Loader converts between a document's scripts grouping and validated
// Script collections for one add-on.
type Loader struct {
	addOn         string
	userScriptDir string
	exists        FileExists
	logger        *slog.Logger
}

// NewLoader creates a loader for the named add-on.
func NewLoader(addOn string, opts LoaderOptions) *Loader {
	l := &Loader{
		addOn:         addOn,
		userScriptDir: opts.UserScriptDir,
		exists:        opts.Exists,
		logger:        opts.Logger,
	}
	if l.exists == nil {
		l.exists = RegularFileExists
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("addon", addOn)
	return l
}

// Load parses the scripts grouping under root and validates the result.
func (l *Loader) Load(root *document.Element) ([]Script, error) {
	scripts, err := l.Parse(root)
	if err != nil {
		return nil, err
	}
	if err := l.Validate(scripts); err != nil {
		return nil, err
	}
	return scripts, nil
}

// Parse reads the first scripts child of root into descriptors, in document
// order. A missing or empty grouping yields an empty, non-nil slice.
func (l *Loader) Parse(root *document.Element) ([]Script, error) {
	if root == nil {
		return nil, l.fail(ErrMalformedDocument, "", "no document")
	}

	scripts := []Script{}
	groups := root.ChildrenNamed(elemScripts)
	if len(groups) == 0 {
		return scripts, nil
	}
	if len(groups) > 1 {
		l.logger.Warn("ignoring extra scripts groupings", "count", len(groups)-1)
	}
	group := groups[0]

	legacy, err := l.isLegacy(group)
	if err != nil {
		return nil, err
	}

	for _, el := range group.Children {
		if el.Name != elemScript {
			return nil, l.fail(ErrMalformedDocument, "", fmt.Sprintf("unexpected element <%s> in <%s>", el.Name, elemScripts))
		}
		s, err := l.parseScript(el)
		if err != nil {
			return nil, err
		}
		if legacy {
			l.migrateLegacyFile(&s)
		}
		scripts = append(scripts, s)
	}
	return scripts, nil
}

func (l *Loader) parseScript(el *document.Element) (Script, error) {
	attrs := el.AttrMap()
	s := Script{
		Name:             attrs[attrName],
		FilePath:         attrs[attrFile],
		MenuTitleKey:     attrs[attrMenuTitleKey],
		MenuLocation:     attrs[attrMenuLocation],
		KeyboardShortcut: attrs[attrKeyboardShortcut],
		Permissions:      NewPermissions(attrs),
		Active:           true,
	}
	if body := strings.TrimSpace(el.Text); body != "" {
		s.ScriptBody = body
	}

	if v := attrs[attrExecutionMode]; v != "" {
		mode, ok := ParseExecutionMode(v)
		if !ok {
			return Script{}, l.fail(ErrUnknownExecutionMode, s.String(), "invalid execution mode found in "+v)
		}
		s.ExecutionMode = mode
	}
	return s, nil
}

func (l *Loader) isLegacy(group *document.Element) (bool, error) {
	v, ok := group.Attr(attrFormatVersion)
	if !ok {
		return true, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return false, l.fail(ErrMalformedDocument, "", fmt.Sprintf("invalid %s %q", attrFormatVersion, v))
	}
	return n < FormatVersion, nil
}

// migrateLegacyFile fills in the script file for documents saved before
// file paths were stored.
//
// Deprecated: only reachable for documents without a current formatVersion.
func (l *Loader) migrateLegacyFile(s *Script) {
	if s.FilePath != "" || s.Name == "" {
		return
	}
	s.FilePath = filepath.Join(l.userScriptDir, s.Name)
	l.logger.Debug("legacy script file synthesized", "script", s.Name, "file", s.FilePath)
}

// Validate checks every script and stops at the first violation.
// A nil collection is an error; an empty one is not.
func (l *Loader) Validate(scripts []Script) error {
	if scripts == nil {
		return l.fail(ErrValidation, "", "scripts may not be null")
	}
	for _, s := range scripts {
		switch {
		case s.Name == "":
			return l.fail(ErrValidation, s.String(), "no name")
		case s.FilePath == "":
			return l.fail(ErrValidation, s.String(), "Script file "+s.String()+" not defined")
		case !l.exists(s.FilePath):
			return l.fail(ErrValidation, s.String(), "Script "+s.String()+" does not exist")
		case !s.ExecutionMode.Valid():
			return l.fail(ErrValidation, s.String(), "no execution_mode")
		case s.MenuTitleKey == "":
			return l.fail(ErrValidation, s.String(), "no menu title key")
		case s.MenuLocation == "":
			return l.fail(ErrValidation, s.String(), "no menu location")
		case s.Permissions == nil:
			return l.fail(ErrValidation, s.String(), "no permissions")
		}
	}
	return nil
}

func (l *Loader) fail(kind error, script, msg string) error {
	return &LoadError{AddOn: l.addOn, Script: script, Msg: msg, Err: kind}
}

// Serialize writes scripts as a scripts grouping. An empty file or
// executionMode attribute stands for "not set". Every canonical permission
// is written explicitly. An inline script body becomes the element text.
func Serialize(scripts []Script) *document.Element {
	group := document.New(elemScripts)
	group.SetAttr(attrFormatVersion, strconv.Itoa(FormatVersion))

	for _, s := range scripts {
		el := document.New(elemScript)
		el.SetAttr(attrName, s.Name)
		el.SetAttr(attrFile, s.FilePath)
		el.SetAttr(attrMenuTitleKey, s.MenuTitleKey)
		el.SetAttr(attrMenuLocation, s.MenuLocation)
		mode := ""
		if s.ExecutionMode.Valid() {
			mode = s.ExecutionMode.String()
		}
		el.SetAttr(attrExecutionMode, mode)
		if s.KeyboardShortcut != "" {
			el.SetAttr(attrKeyboardShortcut, s.KeyboardShortcut)
		}
		for _, name := range permissionNames {
			el.SetAttr(name, strconv.FormatBool(s.Permissions.Get(name)))
		}
		el.Text = s.ScriptBody
		group.AddChild(el)
	}
	return group
}
