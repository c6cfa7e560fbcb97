// Package scripting holds install-time checks on add-on script sources.
package scripting

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/gopher-lua/parse"
)

// ErrSyntax is returned when a Lua script does not parse.
var ErrSyntax = errors.New("script syntax error")

// Checker syntax-checks Lua scripts without running them.
type Checker struct {
	logger *slog.Logger
}

// NewChecker creates a checker.
func NewChecker(logger *slog.Logger) *Checker {
	return &Checker{logger: logger.With("component", "scripting")}
}

// IsLua reports whether path names a Lua source file.
func IsLua(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".lua")
}

// Check parses the file at path if it is a Lua script. Other script
// languages are passed through unchecked.
func (c *Checker) Check(path string) error {
	if !IsLua(path) {
		c.logger.Debug("skipping non-Lua script", "file", path)
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open script: %w", err)
	}
	defer f.Close()

	return c.check(bufio.NewReader(f), path)
}

// CheckSource parses src as a Lua chunk named name.
func (c *Checker) CheckSource(name, src string) error {
	return c.check(strings.NewReader(src), name)
}

func (c *Checker) check(r io.Reader, name string) error {
	if _, err := parse.Parse(r, name); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSyntax, filepath.Base(name), err)
	}
	c.logger.Debug("script syntax ok", "file", name)
	return nil
}
