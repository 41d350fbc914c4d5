// Package mqtt republishes bus events to an MQTT broker. The sink is
// optional: the agent runs identically without a broker configured. On
// connect it announces availability with a retained birth message and a
// will message covering unclean disconnects.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/ember-agent/internal/config"
	"github.com/nugget/ember-agent/internal/events"
)

// eventBufferSize bounds the bus subscription. A slow or disconnected
// broker drops events rather than backing up publishers.
const eventBufferSize = 256

// Sink forwards bus events to the broker under
// ember/<device>/events/<kind> and maintains an availability topic.
type Sink struct {
	cfg    config.MQTTConfig
	bus    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// NewSink creates a Sink but does not connect. Call [Sink.Start] to
// begin the connection and forwarding loop.
func NewSink(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{cfg: cfg, bus: bus, logger: logger}
}

// Start connects to the broker and forwards bus events until ctx is
// cancelled. On every (re-)connect it publishes an "online" birth
// message to the availability topic.
func (s *Sink) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(s.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := s.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: s.cfg.Username,
		ConnectPassword: []byte(s.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			s.logger.Info("mqtt connected to broker", "broker", s.cfg.Broker)
			s.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			s.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "ember-" + s.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	s.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		s.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	s.forward(ctx)
	return nil
}

// Stop publishes an "offline" availability message before closing the
// connection. ctx bounds the publish and disconnect.
func (s *Sink) Stop(ctx context.Context) error {
	if s.cm == nil {
		return nil
	}
	s.publishAvailability(ctx, s.cm, "offline")
	return s.cm.Disconnect(ctx)
}

func (s *Sink) baseTopic() string {
	return "ember/" + s.cfg.DeviceName
}

func (s *Sink) availabilityTopic() string {
	return s.baseTopic() + "/availability"
}

func (s *Sink) eventTopic(kind string) string {
	return s.baseTopic() + "/events/" + kind
}

func (s *Sink) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   s.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		s.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		s.logger.Info("mqtt availability published", "status", status)
	}
}

// forward drains the bus subscription into broker publishes until ctx
// is cancelled.
func (s *Sink) forward(ctx context.Context) {
	sub := s.bus.Subscribe(eventBufferSize)
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.publishEvent(ctx, ev)
		}
	}
}

func (s *Sink) publishEvent(ctx context.Context, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("mqtt marshal event", "kind", ev.Kind, "error", err)
		return
	}
	if _, err := s.cm.Publish(ctx, &paho.Publish{
		Topic:   s.eventTopic(ev.Kind),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		s.logger.Debug("mqtt event publish failed", "kind", ev.Kind, "error", err)
	}
}
