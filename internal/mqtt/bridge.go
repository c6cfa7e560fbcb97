//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"addon-home/internal/addon"
	"addon-home/internal/events"
	"addon-home/internal/manager"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	// Discovery enables Home Assistant discovery messages.
	Discovery bool
}

// AddOnManager is the part of the add-on manager the bridge drives.
type AddOnManager interface {
	List() ([]manager.Status, error)
	Activate(name string) (*addon.Properties, error)
	Deactivate(name string) (*addon.Properties, error)
}

// Bridge mirrors add-on state to MQTT and accepts activation commands.
type Bridge struct {
	client    pahomqtt.Client
	mgr       AddOnManager
	bus       *events.Bus
	prefix    string
	discovery bool
	logger    *slog.Logger
	unsub     func()

	// pub is swapped out in tests.
	pub func(topic string, payload []byte, retained bool)
}

func newBridge(mgr AddOnManager, bus *events.Bus, cfg Config, logger *slog.Logger) *Bridge {
	b := &Bridge{
		mgr:       mgr,
		bus:       bus,
		prefix:    cfg.TopicPrefix,
		discovery: cfg.Discovery,
		logger:    logger.With("component", "mqtt"),
	}
	b.pub = b.publish
	return b
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(mgr AddOnManager, bus *events.Bus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(mgr, bus, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "addon-home"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(bridgeStateTopic(cfg.TopicPrefix), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.pub(bridgeStateTopic(b.prefix), []byte("online"), true)
			b.publishAll()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// Assigned before Connect: the on-connect handler publishes through it.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to add-on events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.bus.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.pub(bridgeStateTopic(b.prefix), []byte("offline"), true)
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event events.Event) {
	data, ok := event.Data.(events.AddOnData)
	if !ok || data.Name == "" {
		return
	}

	switch event.Type {
	case events.EventAddOnInstalled, events.EventAddOnActivated, events.EventAddOnDeactivated:
		st := manager.Status{Name: data.Name, Version: data.Version, Active: data.Active, Loaded: true}
		if event.Type == events.EventAddOnInstalled && b.discovery {
			msg := buildDiscovery(st, b.prefix)
			b.pub(msg.Topic, msg.Payload, true)
		}
		b.pub(stateTopic(b.prefix, data.Name), []byte(statePayload(st)), true)
	case events.EventAddOnFailed:
		b.pub(stateTopic(b.prefix, data.Name), []byte(StateFailed), true)
	case events.EventAddOnUninstalled:
		// Empty retained payloads clear the broker's copies.
		b.pub(stateTopic(b.prefix, data.Name), []byte{}, true)
		if b.discovery {
			msg := buildRemoveDiscovery(data.Name)
			b.pub(msg.Topic, msg.Payload, true)
		}
	}
}

// publishAll republishes state for every installed add-on.
func (b *Bridge) publishAll() {
	list, err := b.mgr.List()
	if err != nil {
		b.logger.Error("list add-ons for publish", "err", err)
		return
	}
	for _, st := range list {
		if b.discovery {
			msg := buildDiscovery(st, b.prefix)
			b.pub(msg.Topic, msg.Payload, true)
		}
		b.pub(stateTopic(b.prefix, st.Name), []byte(statePayload(st)), true)
	}
	b.logger.Info("published add-on states", "count", len(list))
}

func (b *Bridge) subscribeCommands() {
	topic := commandWildcard(b.prefix)
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", topic, "err", err)
		}
	}()
}

// handleCommand activates or deactivates the add-on addressed by topic.
// Requests that do not apply to the current state are ignored.
func (b *Bridge) handleCommand(topic string, payload []byte) {
	level, ok := topicNameFromCommand(b.prefix, topic)
	if !ok {
		return
	}
	activate, ok := parseCommand(payload)
	if !ok {
		b.logger.Warn("invalid add-on command", "topic", topic, "payload", string(payload))
		return
	}

	name, ok := b.resolveName(level)
	if !ok {
		b.logger.Warn("command for unknown add-on", "topic", topic)
		return
	}

	var err error
	if activate {
		_, err = b.mgr.Activate(name)
	} else {
		_, err = b.mgr.Deactivate(name)
	}
	switch {
	case err == nil:
	case errors.Is(err, manager.ErrUnsupported):
		b.logger.Debug("add-on command not applicable", "name", name, "activate", activate)
	default:
		b.logger.Warn("add-on command failed", "name", name, "err", err)
	}
}

// resolveName maps a sanitized topic level back to an add-on name.
func (b *Bridge) resolveName(level string) (string, bool) {
	list, err := b.mgr.List()
	if err != nil {
		b.logger.Error("list add-ons for command", "err", err)
		return "", false
	}
	for _, st := range list {
		if topicName(st.Name) == level {
			return st.Name, true
		}
	}
	return "", false
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.client == nil {
		return
	}
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
