//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"addon-home/internal/addon"
	"addon-home/internal/events"
	"addon-home/internal/manager"
)

type published struct {
	Topic    string
	Payload  string
	Retained bool
}

type fakeManager struct {
	mu          sync.Mutex
	statuses    []manager.Status
	activated   []string
	deactivated []string
	err         error
}

func (f *fakeManager) List() ([]manager.Status, error) {
	return f.statuses, nil
}

func (f *fakeManager) Activate(name string) (*addon.Properties, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated = append(f.activated, name)
	return &addon.Properties{Name: name, Active: true}, f.err
}

func (f *fakeManager) Deactivate(name string) (*addon.Properties, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, name)
	return &addon.Properties{Name: name}, f.err
}

func newTestBridge(t *testing.T, mgr AddOnManager, discovery bool) (*Bridge, *[]published) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	b := newBridge(mgr, events.NewBus(logger), Config{TopicPrefix: "addon-home", Discovery: discovery}, logger)
	var out []published
	b.pub = func(topic string, payload []byte, retained bool) {
		out = append(out, published{topic, string(payload), retained})
	}
	return b, &out
}

func TestStateTopicFormat(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"tools", "addon-home/addons/tools/state"},
		{"My Scripts", "addon-home/addons/my_scripts/state"},
		{"a/b+#", "addon-home/addons/a_b__/state"},
	}
	for _, tt := range tests {
		if got := stateTopic("addon-home", tt.name); got != tt.want {
			t.Errorf("stateTopic(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestTopicNameFromCommand(t *testing.T) {
	tests := []struct {
		topic string
		want  string
		ok    bool
	}{
		{"addon-home/addons/tools/set", "tools", true},
		{"addon-home/addons/tools/state", "", false},
		{"other/addons/tools/set", "", false},
		{"addon-home/addons//set", "", false},
		{"addon-home/addons/a/b/set", "", false},
	}
	for _, tt := range tests {
		got, ok := topicNameFromCommand("addon-home", tt.topic)
		if got != tt.want || ok != tt.ok {
			t.Errorf("topicNameFromCommand(%q) = %q, %v; want %q, %v", tt.topic, got, ok, tt.want, tt.ok)
		}
	}
}

func TestStatePayload(t *testing.T) {
	tests := []struct {
		st   manager.Status
		want string
	}{
		{manager.Status{Active: true, Loaded: true}, StateActive},
		{manager.Status{Active: false, Loaded: true}, StateInactive},
		{manager.Status{Active: true, Error: "Script x does not exist"}, StateFailed},
		{manager.Status{Active: false}, StateInactive},
	}
	for i, tt := range tests {
		if got := statePayload(tt.st); got != tt.want {
			t.Errorf("case %d: statePayload = %q, want %q", i, got, tt.want)
		}
	}
}

func TestCommandParse(t *testing.T) {
	tests := []struct {
		in       string
		activate bool
		ok       bool
	}{
		{"ON", true, true},
		{"activate", true, true},
		{" off ", false, true},
		{"DEACTIVATE", false, true},
		{"toggle", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		activate, ok := parseCommand([]byte(tt.in))
		if activate != tt.activate || ok != tt.ok {
			t.Errorf("parseCommand(%q) = %v, %v; want %v, %v", tt.in, activate, ok, tt.activate, tt.ok)
		}
	}
}

func TestDiscoveryPayload(t *testing.T) {
	msg := buildDiscovery(manager.Status{Name: "My Tools", Version: "1.0"}, "addon-home")
	if msg.Topic != "homeassistant/switch/addon_my_tools/config" {
		t.Errorf("topic = %q", msg.Topic)
	}

	var payload haSwitch
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.UniqueID != "addon_my_tools" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.StateTopic != "addon-home/addons/my_tools/state" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.CommandTopic != "addon-home/addons/my_tools/set" {
		t.Errorf("command_topic = %q", payload.CommandTopic)
	}
	if payload.AvailabilityTopic != "addon-home/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.StateOn != StateActive || payload.StateOff != StateInactive {
		t.Errorf("state_on/off = %q/%q", payload.StateOn, payload.StateOff)
	}
	if payload.Device.SWVersion != "1.0" {
		t.Errorf("sw_version = %q", payload.Device.SWVersion)
	}
}

func TestRemoveDiscovery(t *testing.T) {
	msg := buildRemoveDiscovery("tools")
	if msg.Topic != "homeassistant/switch/addon_tools/config" {
		t.Errorf("topic = %q", msg.Topic)
	}
	if len(msg.Payload) != 0 {
		t.Errorf("payload = %q, want empty", msg.Payload)
	}
}

func TestHandleEventPublishesState(t *testing.T) {
	b, out := newTestBridge(t, &fakeManager{}, false)

	b.handleEvent(events.Event{Type: events.EventAddOnInstalled, Data: events.AddOnData{Name: "tools", Active: true}})
	b.handleEvent(events.Event{Type: events.EventAddOnDeactivated, Data: events.AddOnData{Name: "tools", Active: false}})
	b.handleEvent(events.Event{Type: events.EventAddOnFailed, Data: events.AddOnData{Name: "broken", Error: "boom"}})
	b.handleEvent(events.Event{Type: events.EventAddOnUninstalled, Data: events.AddOnData{Name: "tools"}})

	want := []published{
		{"addon-home/addons/tools/state", StateActive, true},
		{"addon-home/addons/tools/state", StateInactive, true},
		{"addon-home/addons/broken/state", StateFailed, true},
		{"addon-home/addons/tools/state", "", true},
	}
	if fmt.Sprint(*out) != fmt.Sprint(want) {
		t.Errorf("published = %v\nwant %v", *out, want)
	}
}

func TestHandleEventDiscovery(t *testing.T) {
	b, out := newTestBridge(t, &fakeManager{}, true)

	b.handleEvent(events.Event{Type: events.EventAddOnInstalled, Data: events.AddOnData{Name: "tools", Active: true}})
	b.handleEvent(events.Event{Type: events.EventAddOnUninstalled, Data: events.AddOnData{Name: "tools"}})

	topics := make([]string, len(*out))
	for i, p := range *out {
		topics[i] = p.Topic
	}
	want := []string{
		"homeassistant/switch/addon_tools/config",
		"addon-home/addons/tools/state",
		"addon-home/addons/tools/state",
		"homeassistant/switch/addon_tools/config",
	}
	if fmt.Sprint(topics) != fmt.Sprint(want) {
		t.Errorf("topics = %v, want %v", topics, want)
	}
	if (*out)[3].Payload != "" {
		t.Errorf("removal payload = %q, want empty", (*out)[3].Payload)
	}
}

func TestHandleEventIgnoresForeignData(t *testing.T) {
	b, out := newTestBridge(t, &fakeManager{}, true)
	b.handleEvent(events.Event{Type: events.EventAddOnInstalled, Data: map[string]string{"name": "x"}})
	b.handleEvent(events.Event{Type: events.EventAddOnInstalled, Data: events.AddOnData{}})
	if len(*out) != 0 {
		t.Errorf("published %v, want nothing", *out)
	}
}

func TestPublishAll(t *testing.T) {
	mgr := &fakeManager{statuses: []manager.Status{
		{Name: "alpha", Active: true, Loaded: true},
		{Name: "bravo", Active: true, Error: "Script s does not exist"},
		{Name: "charlie", Active: false, Loaded: true},
	}}
	b, out := newTestBridge(t, mgr, false)

	b.publishAll()

	want := []published{
		{"addon-home/addons/alpha/state", StateActive, true},
		{"addon-home/addons/bravo/state", StateFailed, true},
		{"addon-home/addons/charlie/state", StateInactive, true},
	}
	if fmt.Sprint(*out) != fmt.Sprint(want) {
		t.Errorf("published = %v\nwant %v", *out, want)
	}
}

func TestHandleCommand(t *testing.T) {
	mgr := &fakeManager{statuses: []manager.Status{{Name: "My Tools", Loaded: true}}}
	b, _ := newTestBridge(t, mgr, false)

	b.handleCommand("addon-home/addons/my_tools/set", []byte("ON"))
	b.handleCommand("addon-home/addons/my_tools/set", []byte("OFF"))
	b.handleCommand("addon-home/addons/unknown/set", []byte("ON"))
	b.handleCommand("addon-home/addons/my_tools/set", []byte("toggle"))

	if fmt.Sprint(mgr.activated) != "[My Tools]" {
		t.Errorf("activated = %v", mgr.activated)
	}
	if fmt.Sprint(mgr.deactivated) != "[My Tools]" {
		t.Errorf("deactivated = %v", mgr.deactivated)
	}
}

func TestHandleCommandUnsupportedIsQuiet(t *testing.T) {
	mgr := &fakeManager{
		statuses: []manager.Status{{Name: "tools", Active: true, Loaded: true}},
		err:      fmt.Errorf("tools: %w: activate", manager.ErrUnsupported),
	}
	b, out := newTestBridge(t, mgr, false)

	b.handleCommand("addon-home/addons/tools/set", []byte("ON"))
	if len(mgr.activated) != 1 {
		t.Errorf("activate calls = %d, want 1", len(mgr.activated))
	}
	if len(*out) != 0 {
		t.Errorf("command itself published %v", *out)
	}
}

func TestMustJSON(t *testing.T) {
	if got := string(mustJSON(map[string]int{"a": 1})); got != `{"a":1}` {
		t.Errorf("mustJSON = %s", got)
	}
	if got := string(mustJSON(make(chan int))); got != "{}" {
		t.Errorf("mustJSON(chan) = %s, want {}", got)
	}
}
