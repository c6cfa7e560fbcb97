//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"addon-home/internal/manager"
)

// Add-on state payloads.
const (
	StateActive   = manager.StateActive
	StateInactive = manager.StateInactive
	StateFailed   = manager.StateFailed
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/switch/addon_tools/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
	Name         string   `json:"name"`
}

// haSwitch exposes one add-on's activation as an HA switch.
type haSwitch struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	PayloadOn         string   `json:"payload_on"`
	PayloadOff        string   `json:"payload_off"`
	StateOn           string   `json:"state_on"`
	StateOff          string   `json:"state_off"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// topicName sanitizes an add-on name for use as one topic level:
// lowercase, with anything outside [a-z0-9_-] replaced by '_'.
func topicName(name string) string {
	name = strings.ToLower(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

func bridgeStateTopic(prefix string) string {
	return prefix + "/bridge/state"
}

func stateTopic(prefix, name string) string {
	return prefix + "/addons/" + topicName(name) + "/state"
}

func commandTopic(prefix, name string) string {
	return prefix + "/addons/" + topicName(name) + "/set"
}

// commandWildcard matches the command topic of every add-on.
func commandWildcard(prefix string) string {
	return prefix + "/addons/+/set"
}

// topicNameFromCommand extracts the add-on level from a command topic.
func topicNameFromCommand(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/addons/")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, "/set")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// statePayload is the retained state for an add-on status.
func statePayload(st manager.Status) string {
	return st.State()
}

func discoveryTopic(name string) string {
	return fmt.Sprintf("homeassistant/switch/%s/config", uniqueID(name))
}

func uniqueID(name string) string {
	return "addon_" + topicName(name)
}

// buildDiscovery generates the HA discovery message for an add-on.
func buildDiscovery(st manager.Status, prefix string) discoveryMsg {
	id := uniqueID(st.Name)
	payload := haSwitch{
		Name:              st.Name,
		UniqueID:          id,
		StateTopic:        stateTopic(prefix, st.Name),
		CommandTopic:      commandTopic(prefix, st.Name),
		AvailabilityTopic: bridgeStateTopic(prefix),
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		StateOn:           StateActive,
		StateOff:          StateInactive,
		Icon:              "mdi:script-text",
		Device: haDevice{
			Identifiers:  []string{id},
			Manufacturer: "addon-home",
			Model:        "script add-on",
			SWVersion:    st.Version,
			Name:         st.Name,
		},
	}
	return discoveryMsg{Topic: discoveryTopic(st.Name), Payload: mustJSON(payload)}
}

// buildRemoveDiscovery clears the retained discovery config for an add-on.
func buildRemoveDiscovery(name string) discoveryMsg {
	return discoveryMsg{Topic: discoveryTopic(name), Payload: []byte{}}
}

// parseCommand maps a command payload to an activation request.
// ok is false for payloads that are not understood.
func parseCommand(payload []byte) (activate bool, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON", "ACTIVATE", "ACTIVE":
		return true, true
	case "OFF", "DEACTIVATE", "INACTIVE":
		return false, true
	default:
		return false, false
	}
}
