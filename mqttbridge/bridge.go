// Package mqttbridge delivers commands through an MQTT broker instead of the
// websocket. Commands go to <prefix>/command; acks and state come back on
// <prefix>/ack and <prefix>/state.
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mbocsi/dmxlink/broker"
	"github.com/mbocsi/dmxlink/clock"
	"github.com/mbocsi/dmxlink/proto"
)

const DefaultPrefix = "dmx"

type Options struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	Username string
	Password string
	Prefix   string
	QoS      byte

	Acks    *broker.Broker
	OnState func(proto.StateUpdate)
	Clock   clock.Clock
	NewID   func() string
}

// mqttClient is the part of mqtt.Client the bridge uses.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

type Bridge struct {
	opts   Options
	client mqttClient
}

func New(opts Options) *Bridge {
	b := newBridge(opts)
	clientOpts := mqtt.NewClientOptions().
		AddBroker(b.opts.Broker).
		SetClientID(b.opts.ClientID).
		SetUsername(b.opts.Username).
		SetPassword(b.opts.Password).
		SetOnConnectHandler(b.connectHandler).
		SetConnectionLostHandler(b.connectLostHandler).
		SetOrderMatters(true).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(10 * time.Second).
		SetKeepAlive(30 * time.Second)
	b.client = mqtt.NewClient(clientOpts)
	return b
}

func newBridge(opts Options) *Bridge {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.ClientID == "" {
		opts.ClientID = "dmxlink-" + proto.NewID()[:8]
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.NewID == nil {
		opts.NewID = proto.NewID
	}
	return &Bridge{opts: opts}
}

func (b *Bridge) CommandTopic() string { return b.opts.Prefix + "/command" }
func (b *Bridge) AckTopic() string     { return b.opts.Prefix + "/ack" }
func (b *Bridge) StateTopic() string   { return b.opts.Prefix + "/state" }

// Start connects to the broker. With connect retry enabled paho keeps trying in
// the background, so Start returns once connected or when ctx ends.
func (b *Bridge) Start(ctx context.Context) error {
	token := b.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", b.opts.Broker, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	slog.Info("Connected to MQTT broker", "broker", b.opts.Broker, "prefix", b.opts.Prefix)
	return nil
}

func (b *Bridge) Stop() {
	b.client.Disconnect(500)
}

// SendCommand publishes cmd to the command topic. A missing id or timestamp is
// filled in on cmd. Paho buffers while reconnecting.
func (b *Bridge) SendCommand(cmd proto.Command) {
	h := cmd.Header()
	if h.ID == "" {
		h.ID = b.opts.NewID()
	}
	if h.TS == 0 {
		h.TS = clock.Millis(b.opts.Clock.Now())
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		slog.Error("Failed to marshal command", "type", h.Type, "id", h.ID, "error", err)
		return
	}

	token := b.client.Publish(b.CommandTopic(), b.opts.QoS, false, data)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			slog.Warn("Failed to publish command", "topic", b.CommandTopic(), "id", h.ID, "error", err)
			return
		}
		slog.Debug("Published command", "topic", b.CommandTopic(), "type", h.Type, "id", h.ID)
	}()
}

func (b *Bridge) String() string { return "mqtt:" + b.opts.Broker }

// connectHandler runs on every (re)connect; clean sessions lose subscriptions.
func (b *Bridge) connectHandler(_ mqtt.Client) {
	slog.Info("MQTT client connected", "broker", b.opts.Broker)
	b.subscribe(b.AckTopic(), b.handleAck)
	b.subscribe(b.StateTopic(), b.handleState)
}

func (b *Bridge) connectLostHandler(_ mqtt.Client, err error) {
	slog.Warn("MQTT connection lost", "broker", b.opts.Broker, "error", err)
}

func (b *Bridge) subscribe(topic string, handler mqtt.MessageHandler) {
	token := b.client.Subscribe(topic, b.opts.QoS, handler)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			slog.Error("MQTT subscription failed", "topic", topic, "error", err)
			return
		}
		slog.Debug("MQTT topic subscribed", "topic", topic)
	}()
}

func (b *Bridge) handleAck(_ mqtt.Client, msg mqtt.Message) {
	ack, err := proto.DecodeAck(msg.Payload())
	if err != nil {
		slog.Debug("Dropping malformed ack", "topic", msg.Topic(), "error", err)
		return
	}
	if b.opts.Acks != nil {
		b.opts.Acks.Publish(ack)
	}
}

func (b *Bridge) handleState(_ mqtt.Client, msg mqtt.Message) {
	in, err := proto.Decode(msg.Payload())
	if err != nil || in.State == nil {
		slog.Debug("Dropping malformed state", "topic", msg.Topic(), "error", err)
		return
	}
	if b.opts.OnState != nil {
		b.opts.OnState(*in.State)
	}
}
