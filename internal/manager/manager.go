// Package manager installs, persists and tracks script add-ons.
package manager

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"addon-home/internal/addon"
	"addon-home/internal/document"
	"addon-home/internal/events"
	"addon-home/internal/scripting"
	"addon-home/internal/store"
)

var (
	// ErrNotFound is returned for add-ons that are not installed.
	ErrNotFound = errors.New("add-on not found")
	// ErrUnsupported is returned when an operation does not apply in the add-on's current state.
	ErrUnsupported = errors.New("operation not supported")
	// ErrNotLoaded is returned for installed add-ons whose last load failed.
	ErrNotLoaded = errors.New("add-on failed to load")
)

// Config holds manager settings.
type Config struct {
	// UserScriptDir receives inline script bodies and anchors legacy script paths.
	// Validation and the Lua check both read script files from the local
	// file system.
	UserScriptDir string
}

// Status is the externally visible state of one installed add-on.
type Status struct {
	Name        string         `json:"name"`
	Version     string         `json:"version,omitempty"`
	Active      bool           `json:"active"`
	Loaded      bool           `json:"loaded"`
	Error       string         `json:"error,omitempty"`
	Scripts     []addon.Script `json:"scripts"`
	InstalledAt time.Time      `json:"installed_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Add-on states as reported by Status.State.
const (
	StateActive   = "active"
	StateInactive = "inactive"
	StateFailed   = "failed"
)

// State classifies the add-on. A failed add-on is one whose last load
// failed; its stored activation flag is not consulted.
func (s Status) State() string {
	switch {
	case !s.Loaded && s.Error != "":
		return StateFailed
	case s.Active:
		return StateActive
	default:
		return StateInactive
	}
}

// Manager owns the set of installed add-ons.
type Manager struct {
	store   store.Store
	bus     *events.Bus
	checker *scripting.Checker
	cfg     Config
	logger  *slog.Logger

	mu     sync.RWMutex
	loaded map[string]*addon.Properties
	failed map[string]error
}

// New creates a manager. It ensures the user scripts directory exists.
func New(st store.Store, bus *events.Bus, cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.UserScriptDir != "" {
		if err := os.MkdirAll(cfg.UserScriptDir, 0o755); err != nil {
			return nil, fmt.Errorf("create scripts dir: %w", err)
		}
	}
	logger = logger.With("component", "addons")
	return &Manager{
		store:   st,
		bus:     bus,
		checker: scripting.NewChecker(logger),
		cfg:     cfg,
		logger:  logger,
		loaded:  make(map[string]*addon.Properties),
		failed:  make(map[string]error),
	}, nil
}

func (m *Manager) loaderOptions() addon.LoaderOptions {
	return addon.LoaderOptions{
		UserScriptDir: m.cfg.UserScriptDir,
		Exists:        addon.RegularFileExists,
		Logger:        m.logger,
	}
}

// Install reads an add-on document, writes out inline script bodies,
// validates every script and persists the add-on. Any failure rejects the
// whole add-on and leaves no trace. Installing a name that already exists
// replaces it; the stored activation state is kept unless the document sets
// "active" itself. Reinstalling an unchanged document is a no-op and emits
// nothing.
func (m *Manager) Install(r io.Reader) (*addon.Properties, error) {
	root, err := document.Decode(r)
	if err != nil {
		return nil, &addon.LoadError{AddOn: "<unknown>", Msg: err.Error(), Err: addon.ErrMalformedDocument}
	}

	p, changed, err := m.install(root)
	if err != nil {
		return nil, err
	}
	if !changed {
		m.logger.Debug("add-on unchanged", "name", p.Name, "version", p.Version)
		return p, nil
	}

	m.logger.Info("add-on installed", "name", p.Name, "version", p.Version, "scripts", len(p.Scripts))
	m.emit(events.EventAddOnInstalled, p)
	return p, nil
}

// install reports changed=false when the stored add-on already matches root.
func (m *Manager) install(root *document.Element) (p *addon.Properties, changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	written, err := m.materialize(root)
	if err != nil {
		return nil, false, err
	}
	p, err = m.loadAndCheck(root)
	if err != nil {
		removeAll(written)
		return nil, false, err
	}

	prev, err := m.store.GetAddOn(p.Name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		removeAll(written)
		return nil, false, fmt.Errorf("get add-on %s: %w", p.Name, err)
	}
	if _, explicit := root.Attr("active"); prev != nil && !explicit && p.Active != prev.Active {
		p = p.WithActive(prev.Active)
	}

	data, err := document.Marshal(p.ToXML())
	if err != nil {
		removeAll(written)
		return nil, false, fmt.Errorf("encode add-on %s: %w", p.Name, err)
	}
	if cur, ok := m.loaded[p.Name]; ok && prev != nil && prev.Error == "" && bytes.Equal(prev.Document, data) {
		return cur, false, nil
	}

	now := time.Now()
	rec := &store.AddOn{
		Name:        p.Name,
		Version:     p.Version,
		Active:      p.Active,
		Document:    data,
		InstalledAt: now,
		UpdatedAt:   now,
	}
	if prev != nil {
		rec.InstalledAt = prev.InstalledAt
	}
	if err := m.store.SaveAddOn(rec); err != nil {
		removeAll(written)
		return nil, false, fmt.Errorf("save add-on %s: %w", p.Name, err)
	}

	m.loaded[p.Name] = p
	delete(m.failed, p.Name)
	return p, true, nil
}

// loadAndCheck parses and validates root, then syntax-checks Lua scripts.
func (m *Manager) loadAndCheck(root *document.Element) (*addon.Properties, error) {
	p, err := addon.ParseProperties(root, m.loaderOptions())
	if err != nil {
		return nil, err
	}
	for _, s := range p.Scripts {
		if err := m.checker.Check(s.FilePath); err != nil {
			return nil, fmt.Errorf("add-on %s: script %s: %w", p.Name, s.Name, err)
		}
	}
	return p, nil
}

// materialize writes inline script bodies to their file paths when the file
// is missing. Only paths inside the user scripts directory are written;
// anything else is left for validation to reject. Returns the files written.
func (m *Manager) materialize(root *document.Element) ([]string, error) {
	name, _ := root.Attr("name")
	scripts, err := addon.NewLoader(name, m.loaderOptions()).Parse(root)
	if err != nil {
		return nil, err
	}

	var written []string
	for _, s := range scripts {
		if s.ScriptBody == "" || s.FilePath == "" || addon.RegularFileExists(s.FilePath) {
			continue
		}
		if !m.inUserScriptDir(s.FilePath) {
			m.logger.Warn("not writing inline script outside scripts dir", "addon", name, "script", s.Name, "file", s.FilePath)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(s.FilePath), 0o755); err != nil {
			removeAll(written)
			return nil, fmt.Errorf("create script dir: %w", err)
		}
		if err := os.WriteFile(s.FilePath, []byte(s.ScriptBody+"\n"), 0o644); err != nil {
			removeAll(written)
			return nil, fmt.Errorf("write script %s: %w", s.Name, err)
		}
		written = append(written, s.FilePath)
		m.logger.Debug("inline script written", "addon", name, "script", s.Name, "file", s.FilePath)
	}
	return written, nil
}

func (m *Manager) inUserScriptDir(path string) bool {
	if m.cfg.UserScriptDir == "" {
		return false
	}
	dir, err := filepath.Abs(m.cfg.UserScriptDir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func removeAll(paths []string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

// Restore reloads every persisted add-on. An add-on that no longer loads
// stays installed but is flagged failed; none of its scripts are exposed.
func (m *Manager) Restore() error {
	recs, err := m.store.ListAddOns()
	if err != nil {
		return fmt.Errorf("list add-ons: %w", err)
	}

	var failed []events.AddOnData
	m.mu.Lock()
	for _, rec := range recs {
		p, err := m.loadRecord(rec)
		if err != nil {
			m.failed[rec.Name] = err
			delete(m.loaded, rec.Name)
			m.recordError(rec.Name, err.Error())
			m.logger.Error("add-on failed to load", "name", rec.Name, "err", err)
			failed = append(failed, events.AddOnData{
				Name:    rec.Name,
				Version: rec.Version,
				Active:  rec.Active,
				Error:   err.Error(),
			})
			continue
		}
		m.loaded[rec.Name] = p
		delete(m.failed, rec.Name)
		if rec.Error != "" {
			m.recordError(rec.Name, "")
		}
	}
	loaded := len(m.loaded)
	m.mu.Unlock()

	for _, data := range failed {
		m.bus.Emit(events.Event{Type: events.EventAddOnFailed, Data: data})
	}

	m.logger.Info("add-ons restored", "loaded", loaded, "failed", len(failed))
	return nil
}

func (m *Manager) loadRecord(rec *store.AddOn) (*addon.Properties, error) {
	root, err := document.Decode(bytes.NewReader(rec.Document))
	if err != nil {
		return nil, &addon.LoadError{AddOn: rec.Name, Msg: err.Error(), Err: addon.ErrMalformedDocument}
	}
	p, err := m.loadAndCheck(root)
	if err != nil {
		return nil, err
	}
	if p.Active != rec.Active {
		p = p.WithActive(rec.Active)
	}
	return p, nil
}

// recordError persists the last load error. Caller holds m.mu.
func (m *Manager) recordError(name, msg string) {
	err := m.store.UpdateAddOn(name, func(rec *store.AddOn) error {
		rec.Error = msg
		return nil
	})
	if err != nil {
		m.logger.Warn("record add-on error", "name", name, "err", err)
	}
}

// LoadDir installs every *.xml file found in dir. Files that fail are
// logged and skipped. A missing directory is not an error.
func (m *Manager) LoadDir(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.xml"))
	if err != nil {
		return 0, fmt.Errorf("glob add-ons dir: %w", err)
	}
	if len(matches) == 0 {
		m.logger.Info("no add-on files found", "dir", dir)
		return 0, nil
	}

	installed := 0
	for _, path := range matches {
		if err := m.InstallFile(path); err != nil {
			m.logger.Error("install add-on file", "path", filepath.Base(path), "err", err)
			continue
		}
		installed++
	}
	m.logger.Info("add-ons dir loaded", "files", len(matches), "installed", installed)
	return installed, nil
}

// InstallFile installs the add-on document at path.
func (m *Manager) InstallFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = m.Install(f)
	return err
}

// List returns every installed add-on, loaded or not, ordered by name.
func (m *Manager) List() ([]Status, error) {
	recs, err := m.store.ListAddOns()
	if err != nil {
		return nil, fmt.Errorf("list add-ons: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(recs))
	for _, rec := range recs {
		out = append(out, m.status(rec))
	}
	return out, nil
}

// Status returns the state of one installed add-on.
func (m *Manager) Status(name string) (Status, error) {
	rec, err := m.store.GetAddOn(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Status{}, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return Status{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status(rec), nil
}

// status builds a Status. Caller holds m.mu.
func (m *Manager) status(rec *store.AddOn) Status {
	st := Status{
		Name:        rec.Name,
		Version:     rec.Version,
		Active:      rec.Active,
		Scripts:     []addon.Script{},
		InstalledAt: rec.InstalledAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	if p, ok := m.loaded[rec.Name]; ok {
		st.Loaded = true
		st.Active = p.Active
		st.Scripts = p.Scripts
	} else if err, ok := m.failed[rec.Name]; ok {
		st.Error = err.Error()
	} else {
		st.Error = rec.Error
	}
	return st
}

// Get returns a loaded add-on.
func (m *Manager) Get(name string) (*addon.Properties, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.loaded[name]; ok {
		return p, nil
	}
	if err, ok := m.failed[name]; ok {
		return nil, fmt.Errorf("%s: %w: %v", name, ErrNotLoaded, err)
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
}

// Activate turns an inactive add-on on.
func (m *Manager) Activate(name string) (*addon.Properties, error) {
	return m.setActive(name, true)
}

// Deactivate turns an active add-on with scripts off.
func (m *Manager) Deactivate(name string) (*addon.Properties, error) {
	return m.setActive(name, false)
}

func (m *Manager) setActive(name string, active bool) (*addon.Properties, error) {
	op, eventType := addon.OpDeactivate, events.EventAddOnDeactivated
	if active {
		op, eventType = addon.OpActivate, events.EventAddOnActivated
	}

	p, err := func() (*addon.Properties, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		cur, ok := m.loaded[name]
		if !ok {
			if err, failed := m.failed[name]; failed {
				return nil, fmt.Errorf("%s: %w: %v", name, ErrNotLoaded, err)
			}
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		if !cur.SupportsOperation(op) {
			return nil, fmt.Errorf("%s: %w: %s", name, ErrUnsupported, op)
		}

		next := cur.WithActive(active)
		data, err := document.Marshal(next.ToXML())
		if err != nil {
			return nil, fmt.Errorf("encode add-on %s: %w", name, err)
		}
		err = m.store.UpdateAddOn(name, func(rec *store.AddOn) error {
			rec.Active = active
			rec.Document = data
			rec.UpdatedAt = time.Now()
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("update add-on %s: %w", name, err)
		}
		m.loaded[name] = next
		return next, nil
	}()
	if err != nil {
		return nil, err
	}

	m.logger.Info("add-on "+op+"d", "name", name)
	m.emit(eventType, p)
	return p, nil
}

// Uninstall removes an add-on, loaded or failed. Script files stay on disk.
func (m *Manager) Uninstall(name string) error {
	m.mu.Lock()
	if p, ok := m.loaded[name]; ok && !p.SupportsOperation(addon.OpDeinstall) {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w: %s", name, ErrUnsupported, addon.OpDeinstall)
	}
	if err := m.store.DeleteAddOn(name); err != nil {
		m.mu.Unlock()
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("delete add-on %s: %w", name, err)
	}
	delete(m.loaded, name)
	delete(m.failed, name)
	m.mu.Unlock()

	m.logger.Info("add-on uninstalled", "name", name)
	m.bus.Emit(events.Event{Type: events.EventAddOnUninstalled, Data: events.AddOnData{Name: name}})
	return nil
}

// Export returns the persisted document of an installed add-on.
func (m *Manager) Export(name string) ([]byte, error) {
	rec, err := m.store.GetAddOn(name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, err
	}
	return rec.Document, nil
}

func (m *Manager) emit(eventType string, p *addon.Properties) {
	m.bus.Emit(events.Event{Type: eventType, Data: events.AddOnData{
		Name:    p.Name,
		Version: p.Version,
		Active:  p.Active,
		Scripts: len(p.Scripts),
	}})
}
