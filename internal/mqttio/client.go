// Package mqttio connects the controller to an MQTT broker: device commands go
// out on retained set topics and camera presence comes in on room topics.
package mqttio

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"roomwatt-backend/config"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
	PayloadOn      = "on"
	PayloadOff     = "off"
)

// OptsFromConfig builds client options with a retained offline will on the
// bridge state topic.
func OptsFromConfig(cfg config.MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("roomwatt_%d", rand.IntN(1000))
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" && cfg.Password != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.WillEnabled = true
	opts.WillPayload = []byte(PayloadOffline)
	opts.WillRetained = true
	opts.WillTopic = bridgeStateTopic(cfg.BaseTopic)
	opts.WillQos = 0
	return opts
}

// Client wraps a paho client with the topic layout of this service.
type Client struct {
	client    mqtt.Client
	baseTopic string
	presence  *regexp.Regexp
}

// NewClient creates a client from options. Handlers may be nil.
func NewClient(cfg config.MQTTConfig, opts *mqtt.ClientOptions, onConnect mqtt.OnConnectHandler, onLost mqtt.ConnectionLostHandler) *Client {
	if onConnect != nil {
		opts.OnConnect = onConnect
	}
	if onLost != nil {
		opts.OnConnectionLost = onLost
	}
	return wrap(mqtt.NewClient(opts), cfg.BaseTopic)
}

func wrap(c mqtt.Client, baseTopic string) *Client {
	return &Client{
		client:    c,
		baseTopic: baseTopic,
		presence:  regexp.MustCompile("^" + regexp.QuoteMeta(baseTopic) + `/room/([0-9]+)/presence$`),
	}
}

// BridgeStateTopic carries the online/offline state of this service.
func (c *Client) BridgeStateTopic() string { return bridgeStateTopic(c.baseTopic) }

// DeviceSetTopic is where the desired state of a device is published.
func (c *Client) DeviceSetTopic(deviceID int64) string {
	return fmt.Sprintf("%s/device/%d/set", c.baseTopic, deviceID)
}

// PresenceTopic is where a camera publishes presence for a room.
func (c *Client) PresenceTopic(roomID int64) string {
	return fmt.Sprintf("%s/room/%d/presence", c.baseTopic, roomID)
}

func (c *Client) presenceWildcard() string {
	return fmt.Sprintf("%s/room/+/presence", c.baseTopic)
}

// ParsePresence extracts the room id and detection flag from a presence
// message.
func (c *Client) ParsePresence(topic string, payload []byte) (int64, bool, error) {
	m := c.presence.FindStringSubmatch(topic)
	if len(m) != 2 {
		return 0, false, fmt.Errorf("not a presence topic: %q", topic)
	}
	roomID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid room id in %q: %w", topic, err)
	}
	detected, err := ParseDetected(string(payload))
	if err != nil {
		return 0, false, err
	}
	return roomID, detected, nil
}

// ParseDetected accepts on/off, true/false and 1/0.
func ParseDetected(payload string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case PayloadOn, "true", "1":
		return true, nil
	case PayloadOff, "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid presence payload %q", payload)
	}
}

// Connect connects and waits up to timeout.
func (c *Client) Connect(timeout time.Duration) error {
	return wait(c.client.Connect(), timeout, "connect")
}

// Publish publishes and waits up to timeout.
func (c *Client) Publish(topic string, payload any, qos byte, retain bool, timeout time.Duration) error {
	return wait(c.client.Publish(topic, qos, retain, payload), timeout, "publish")
}

// Subscribe subscribes and waits up to timeout.
func (c *Client) Subscribe(topic string, qos byte, handler mqtt.MessageHandler, timeout time.Duration) error {
	return wait(c.client.Subscribe(topic, qos, handler), timeout, "subscribe")
}

// Disconnect announces the bridge offline and closes the connection.
func (c *Client) Disconnect(timeout time.Duration) {
	if c.client.IsConnected() {
		_ = c.Publish(c.BridgeStateTopic(), PayloadOffline, 0, true, timeout)
	}
	c.client.Disconnect(uint(timeout.Milliseconds()))
}

func wait(token mqtt.Token, timeout time.Duration, op string) error {
	if !token.WaitTimeout(timeout) {
		return errors.New("MQTT " + op + " timed out")
	}
	return token.Error()
}

func bridgeStateTopic(baseTopic string) string {
	return fmt.Sprintf("%s/bridge/state", baseTopic)
}
