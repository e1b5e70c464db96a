// Package mqttgateway implements the Zigbee2mqttGateway capability and
// the MQTT-sourced entity-change ingest path over an MQTT broker,
// adapted from the teacher's internal/mqtt Publisher: the same
// autopaho connection-manager setup, subscribe-on-connect pattern, and
// rate-limited inbound message handling, repointed at zigbee2mqtt's
// topic layout. No discovery or availability messages are published.
package mqttgateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Config configures the broker connection and zigbee2mqtt topic prefix.
type Config struct {
	Broker    string
	Username  string
	Password  string
	ClientID  string
	BaseTopic string // zigbee2mqtt's configured base_topic, default "zigbee2mqtt"
}

// StateChange is one observed zigbee2mqtt device-state update.
type StateChange struct {
	EntityID string // "zigbee2mqtt/<friendly_name>" mapped to front_door naming by the caller
	Payload  map[string]any
}

// Gateway drives zigbee2mqtt over MQTT: SetEntityValue publishes a `/set`
// command, and StateChanges streams device state-topic updates for the
// ingest adapter to submit to the dispatcher.
type Gateway struct {
	cfg    Config
	logger *slog.Logger

	cm        *autopaho.ConnectionManager
	connected atomic.Bool

	limiter *rateLimiter
	events  chan StateChange
}

// Status is a snapshot of the gateway's broker connection state,
// returned by Status for the admin HTTP surface's integration health
// view.
type Status struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// Status reports whether the broker connection is currently up.
func (g *Gateway) Status() Status {
	return Status{Connected: g.connected.Load(), Broker: g.cfg.Broker}
}

// New builds a Gateway. Start must be called to connect.
func New(cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "zigbee2mqtt"
	}
	return &Gateway{
		cfg:    cfg,
		logger: logger,
		events: make(chan StateChange, 256),
	}
}

// StateChanges returns the channel of observed device state updates.
func (g *Gateway) StateChanges() <-chan StateChange { return g.events }

// Start connects to the broker, subscribes to every device state topic
// under BaseTopic, and blocks until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	g.limiter = newRateLimiter(ctx, 200, time.Second)
	brokerURL, err := url.Parse(g.cfg.Broker)
	if err != nil {
		return fmt.Errorf("mqttgateway: parse broker url: %w", err)
	}

	clientID := g.cfg.ClientID
	if clientID == "" {
		clientID = "sentryd-mqttgateway"
	}

	stateTopic := g.cfg.BaseTopic + "/+"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: g.cfg.Username,
		ConnectPassword: []byte(g.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			g.connected.Store(true)
			g.logger.Info("mqttgateway connected", "broker", g.cfg.Broker)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: stateTopic, QoS: 0}},
			}); err != nil {
				g.logger.Error("mqttgateway: subscribe failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			g.connected.Store(false)
			g.logger.Warn("mqttgateway connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{ClientID: clientID},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqttgateway: connect: %w", err)
	}
	g.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		if !g.limiter.allow() {
			return true, nil
		}
		g.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		g.logger.Warn("mqttgateway initial connection timed out, will retry in background", "error", err)
	}
	<-ctx.Done()
	return nil
}

// Stop disconnects from the broker.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.cm == nil {
		return nil
	}
	return g.cm.Disconnect(ctx)
}

// SetEntityValue implements gateways.Zigbee2mqttGateway by publishing to
// the device's <friendly_name>/set topic.
func (g *Gateway) SetEntityValue(ctx context.Context, entityID string, value any) error {
	if g.cm == nil {
		return fmt.Errorf("mqttgateway: not connected")
	}
	friendlyName := strings.TrimPrefix(entityID, g.cfg.BaseTopic+"/")
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("mqttgateway: marshal value: %w", err)
	}
	topic := g.cfg.BaseTopic + "/" + friendlyName + "/set"
	if _, err := g.cm.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1}); err != nil {
		return fmt.Errorf("mqttgateway: publish %s: %w", topic, err)
	}
	return nil
}

func (g *Gateway) handleMessage(topic string, payload []byte) {
	if strings.HasSuffix(topic, "/set") || strings.HasSuffix(topic, "/availability") {
		return
	}
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return
	}
	select {
	case g.events <- StateChange{EntityID: topic, Payload: data}:
	default:
		g.logger.Warn("mqttgateway: event channel full, dropping", "topic", topic)
	}
}

// rateLimiter is the same fixed-window counter the teacher uses to
// shed inbound MQTT load, generalized to an arbitrary limit/interval.
type rateLimiter struct {
	count atomic.Int64
	limit int64
}

func newRateLimiter(ctx context.Context, limit int64, interval time.Duration) *rateLimiter {
	r := &rateLimiter{limit: limit}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.count.Store(0)
			}
		}
	}()
	return r
}

func (r *rateLimiter) allow() bool {
	return r.count.Add(1) <= r.limit
}
