package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"addon-home/internal/events"
	"addon-home/internal/manager"
	"addon-home/internal/metrics"
	"addon-home/internal/store"
)

type testEnv struct {
	srv       *Server
	mgr       *manager.Manager
	bus       *events.Bus
	scriptDir string
}

func setupTestServer(t *testing.T, opts ...ServerOption) *testEnv {
	return setupTestServerWith(t, nil, opts...)
}

// setupTestServerWith lets callers add options that need the manager or bus.
func setupTestServerWith(t *testing.T, extra func(*manager.Manager, *events.Bus) []ServerOption, opts ...ServerOption) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	dir := t.TempDir()

	db, err := store.NewBoltStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	bus := events.NewBus(logger)
	scriptDir := filepath.Join(dir, "scripts")
	mgr, err := manager.New(db, bus, manager.Config{UserScriptDir: scriptDir}, logger)
	if err != nil {
		t.Fatal(err)
	}

	if extra != nil {
		opts = append(opts, extra(mgr, bus)...)
	}
	srv := NewServer(mgr, bus, logger, opts...)
	t.Cleanup(srv.Stop)

	return &testEnv{srv: srv, mgr: mgr, bus: bus, scriptDir: scriptDir}
}

func (e *testEnv) addonDoc(t *testing.T, name string) string {
	t.Helper()
	file := filepath.Join(e.scriptDir, name+".lua")
	if err := os.WriteFile(file, []byte("return 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return `<addon name="` + name + `" version="1.2"><scripts formatVersion="2">` +
		`<script name="` + name + `" file="` + file + `" executionMode="menu" menuTitleKey="k" menuLocation="tools"/>` +
		`</scripts></addon>`
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/xml")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func TestAPIInstallAndList(t *testing.T) {
	env := setupTestServer(t)

	w := env.do("POST", "/api/addons", env.addonDoc(t, "tools"))
	if w.Code != http.StatusCreated {
		t.Fatalf("install status = %d, body = %s", w.Code, w.Body.String())
	}
	var installed struct {
		Name    string `json:"name"`
		Active  bool   `json:"active"`
		Scripts []struct {
			Name          string          `json:"name"`
			ExecutionMode string          `json:"execution_mode"`
			Permissions   map[string]bool `json:"permissions"`
		} `json:"scripts"`
	}
	if err := json.NewDecoder(w.Body).Decode(&installed); err != nil {
		t.Fatal(err)
	}
	if installed.Name != "tools" || !installed.Active || len(installed.Scripts) != 1 {
		t.Fatalf("installed = %+v", installed)
	}
	if installed.Scripts[0].ExecutionMode != "MENU" {
		t.Errorf("execution_mode = %q, want MENU", installed.Scripts[0].ExecutionMode)
	}
	if len(installed.Scripts[0].Permissions) != 6 {
		t.Errorf("permissions = %v, want all six flags", installed.Scripts[0].Permissions)
	}

	w = env.do("GET", "/api/addons", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list []manager.Status
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "tools" || !list[0].Loaded {
		t.Errorf("list = %+v", list)
	}
}

func TestAPIInstallErrors(t *testing.T) {
	env := setupTestServer(t)
	missing := filepath.Join(env.scriptDir, "missing.lua")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `<addon name="x"><scripts>`, http.StatusBadRequest},
		{"no name", `<addon/>`, http.StatusUnprocessableEntity},
		{"missing file", `<addon name="x"><scripts formatVersion="2"><script name="s" file="` + missing +
			`" executionMode="menu" menuTitleKey="k" menuLocation="m"/></scripts></addon>`, http.StatusUnprocessableEntity},
		{"unknown mode", `<addon name="x"><scripts><script name="s" executionMode="sometimes"/></scripts></addon>`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("POST", "/api/addons", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}

	list, err := env.mgr.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("rejected installs left %d add-ons behind", len(list))
	}
}

func TestAPIInstallTooLarge(t *testing.T) {
	env := setupTestServer(t)
	body := `<addon name="big"><description>` + strings.Repeat("x", maxDocumentSize) + `</description></addon>`

	w := env.do("POST", "/api/addons", body)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestAPIGetAndExport(t *testing.T) {
	env := setupTestServer(t)
	if w := env.do("POST", "/api/addons", env.addonDoc(t, "tools")); w.Code != http.StatusCreated {
		t.Fatalf("install status = %d", w.Code)
	}

	w := env.do("GET", "/api/addons/tools", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var st manager.Status
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Version != "1.2" {
		t.Errorf("version = %q, want 1.2", st.Version)
	}

	w = env.do("GET", "/api/addons/tools/xml", "")
	if w.Code != http.StatusOK {
		t.Fatalf("export status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/xml") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), `formatVersion="2"`) {
		t.Errorf("export missing formatVersion: %s", w.Body.String())
	}

	if w := env.do("GET", "/api/addons/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("get missing status = %d, want 404", w.Code)
	}
	if w := env.do("GET", "/api/addons/nope/xml", ""); w.Code != http.StatusNotFound {
		t.Errorf("export missing status = %d, want 404", w.Code)
	}
}

func TestAPIActivateDeactivate(t *testing.T) {
	env := setupTestServer(t)
	if w := env.do("POST", "/api/addons", env.addonDoc(t, "tools")); w.Code != http.StatusCreated {
		t.Fatalf("install status = %d", w.Code)
	}

	if w := env.do("POST", "/api/addons/tools/activate", ""); w.Code != http.StatusConflict {
		t.Errorf("activate active add-on status = %d, want 409", w.Code)
	}
	if w := env.do("POST", "/api/addons/tools/deactivate", ""); w.Code != http.StatusOK {
		t.Errorf("deactivate status = %d, want 200", w.Code)
	}

	p, err := env.mgr.Get("tools")
	if err != nil {
		t.Fatal(err)
	}
	if p.Active {
		t.Error("add-on still active after deactivate")
	}

	if w := env.do("POST", "/api/addons/tools/activate", ""); w.Code != http.StatusOK {
		t.Errorf("activate status = %d, want 200", w.Code)
	}
	if w := env.do("POST", "/api/addons/nope/activate", ""); w.Code != http.StatusNotFound {
		t.Errorf("activate missing status = %d, want 404", w.Code)
	}
}

func TestAPIUninstall(t *testing.T) {
	env := setupTestServer(t)
	if w := env.do("POST", "/api/addons", env.addonDoc(t, "tools")); w.Code != http.StatusCreated {
		t.Fatalf("install status = %d", w.Code)
	}

	if w := env.do("DELETE", "/api/addons/tools", ""); w.Code != http.StatusOK {
		t.Errorf("uninstall status = %d, want 200", w.Code)
	}
	if w := env.do("DELETE", "/api/addons/tools", ""); w.Code != http.StatusNotFound {
		t.Errorf("second uninstall status = %d, want 404", w.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	env := setupTestServer(t, WithAPIKey("secret"), WithVersion("1.0.0"))

	if w := env.do("GET", "/api/version", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/version", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("with key: status = %d, want 200", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["version"] != "1.0.0" {
		t.Errorf("version = %q", resp["version"])
	}
}

func TestCORSRejectsForeignOrigin(t *testing.T) {
	env := setupTestServer(t, WithAllowedOrigins([]string{"http://home.local"}))

	req := httptest.NewRequest("DELETE", "/api/addons/tools", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign origin status = %d, want 403", w.Code)
	}

	req = httptest.NewRequest("OPTIONS", "/api/addons", nil)
	req.Header.Set("Origin", "http://home.local")
	w = httptest.NewRecorder()
	env.srv.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://home.local" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestWSReceivesSnapshotAndEvents(t *testing.T) {
	env := setupTestServer(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != snapshotEvent {
		t.Fatalf("first message type = %q, want %q", msg.Type, snapshotEvent)
	}

	// Registration happens after the snapshot is queued; retry until the
	// hub delivers an event.
	deadline := time.Now().Add(2 * time.Second)
	go func() {
		for time.Now().Before(deadline) && ctx.Err() == nil {
			env.bus.Emit(events.Event{Type: events.EventAddOnInstalled, Data: events.AddOnData{Name: "tools"}})
			time.Sleep(50 * time.Millisecond)
		}
	}()

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != events.EventAddOnInstalled {
		t.Errorf("event type = %q, want %q", msg.Type, events.EventAddOnInstalled)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServerWith(t, func(mgr *manager.Manager, bus *events.Bus) []ServerOption {
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
		return []ServerOption{WithMetrics(metrics.New(mgr, bus, logger))}
	})

	if w := env.do("POST", "/api/addons", env.addonDoc(t, "tools")); w.Code != http.StatusCreated {
		t.Fatalf("install status = %d", w.Code)
	}
	env.do("GET", "/api/addons/nope", "")

	w := env.do("GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`addon_home_addons{state="active"} 1`,
		`addon_home_addon_events_total{event="addon_installed"} 1`,
		`addon_home_http_requests_total{method="POST",route="POST /api/addons",status_code="201"} 1`,
		`addon_home_http_requests_total{method="GET",route="GET /api/addons/{name}",status_code="404"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}
