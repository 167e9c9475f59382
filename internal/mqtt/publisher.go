// Package mqtt manages the bridge's broker connection and publishes
// telemetry events.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic background reconnection;
// reconnect attempts back off exponentially between 1 and 30 seconds.
// Telemetry publishes are QoS 0 and not
// retained; a publish while disconnected fails locally, is reported to
// the caller, and is never queued. On every (re-)connect a retained
// "online" birth message goes to the availability topic, and a will
// message flips it to "offline" on unexpected disconnects.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/gallarus-is/waltero-bridge/internal/config"
)

// keepAliveSec is the MQTT keepalive interval sent to the broker.
const keepAliveSec = 60

// Reconnect backoff bounds. Failed connection attempts are retried
// after a randomized delay that grows exponentially from the initial
// ceiling up to reconnectMaxDelay, never dropping below reconnectMinDelay.
const (
	reconnectMinDelay        = 1 * time.Second
	reconnectMaxDelay        = 30 * time.Second
	reconnectInitialMaxDelay = 2 * time.Second
	reconnectFactor          = 2.0
)

// Publisher owns the broker connection for the lifetime of the process.
type Publisher struct {
	cfg         config.MQTTConfig
	clientID    string
	topicPrefix string
	logger      *slog.Logger
	cm          *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection.
func New(cfg config.MQTTConfig, clientID, topicPrefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:         cfg,
		clientID:    clientID,
		topicPrefix: topicPrefix,
		logger:      logger,
	}
}

// Start connects to the MQTT broker. The connection is maintained in
// the background until ctx is cancelled; reconnection is transparent to
// callers. Start returns once the connection manager is running; if
// the initial connection is not up within 30 seconds it logs a warning
// and lets the manager keep retrying.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       keepAliveSec,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		ReconnectBackoff: reconnectBackoff(),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// Wait for the initial connection before the poll loop starts.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho will keep retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Used by connwatch health probes.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// Publish sends one telemetry payload at QoS 0, not retained. There is
// no broker acknowledgment at QoS 0: a nil return means the message was
// handed to the connection, not that it was delivered.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  false,
	}); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// reconnectBackoff builds the delay schedule for failed connection
// attempts: randomized, exponentially growing, clamped to the
// [reconnectMinDelay, reconnectMaxDelay] range.
func reconnectBackoff() autopaho.Backoff {
	return autopaho.NewExponentialBackoff(
		reconnectMinDelay,
		reconnectMaxDelay,
		reconnectInitialMaxDelay,
		reconnectFactor,
	)
}

func (p *Publisher) availabilityTopic() string {
	return p.topicPrefix + "/bridge/availability"
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}
