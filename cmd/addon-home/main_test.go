package main

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"addon-home/internal/addon"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Web.Listen)
	assert.Equal(t, "addon-home.db", cfg.Store.Path)
	assert.Equal(t, "scripts", cfg.ScriptsDir)
	assert.Equal(t, "addons", cfg.AddOnsDir)
	assert.Equal(t, "addon-home", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.NoError(t, cfg.validate())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
web:
  listen: ":9090"
  api_key: secret
  allowed_origins: ["http://home.local"]
store:
  path: /var/lib/addon-home/addons.db
mqtt:
  enabled: true
  broker: tcp://localhost:1883
  discovery: true
log:
  level: debug
  format: json
metrics:
  enabled: true
scripts_dir: /srv/scripts
watch_addons_dir: true
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Web.Listen)
	assert.Equal(t, "secret", cfg.Web.APIKey)
	assert.Equal(t, []string{"http://home.local"}, cfg.Web.AllowedOrigins)
	assert.Equal(t, "/var/lib/addon-home/addons.db", cfg.Store.Path)
	assert.True(t, cfg.MQTT.Enabled)
	assert.True(t, cfg.MQTT.Discovery)
	assert.Equal(t, "addon-home", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "/srv/scripts", cfg.ScriptsDir)
	assert.Equal(t, "addons", cfg.AddOnsDir)
	assert.True(t, cfg.WatchAddOnsDir)
	assert.True(t, cfg.Metrics.Enabled)
	assert.NoError(t, cfg.validate())
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "web: [unclosed")

	_, err := loadConfig(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, "mqtt.broker"},
		{"wildcard prefix", func(c *Config) { c.MQTT.TopicPrefix = "home/#" }, "topic_prefix"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(filepath.Join(t.TempDir(), "none.yaml"))
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.validate(), tt.errMsg)
		})
	}
}

func TestRunCheck(t *testing.T) {
	dir := t.TempDir()
	scripts := filepath.Join(dir, "scripts")
	writeFile(t, filepath.Join(scripts, "hello.lua"), `print("hello")`)
	doc := filepath.Join(dir, "hello.xml")
	writeFile(t, doc, `<addon name="hello" version="0.1"><scripts>
		<script name="hello.lua" executionMode="menu" menuTitleKey="menu.hello" menuLocation="tools"/>
	</scripts></addon>`)

	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, runCheck(&out, doc, scripts, logger))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "hello 0.1 (1 scripts)", lines[0])
	assert.Equal(t, "hello.lua(MENU/menu.hello/tools)", strings.TrimSpace(lines[1]))
}

func TestRunCheckReportsLoadError(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "bad.xml")
	writeFile(t, doc, `<addon name="bad"><scripts formatVersion="2">
		<script name="s" file="`+filepath.Join(dir, "nope.lua")+`" executionMode="menu" menuTitleKey="k" menuLocation="m"/>
	</scripts></addon>`)

	err := runCheck(io.Discard, doc, dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.ErrorIs(t, err, addon.ErrValidation)
	assert.Contains(t, err.Error(), "bad: on parsing add-on XML file: Script s(MENU/k/m) does not exist")
}

func TestCheckCommand(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "run.lua"), `return 1`)
	doc := filepath.Join(dir, "run.xml")
	writeFile(t, doc, `<addon name="run"><scripts formatVersion="2">
		<script name="run" file="`+filepath.Join(dir, "run.lua")+`" executionMode="run_on_startup" menuTitleKey="k" menuLocation="m"/>
	</scripts></addon>`)

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"check", doc})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "run(RUN_ON_STARTUP/k/m)")
}
