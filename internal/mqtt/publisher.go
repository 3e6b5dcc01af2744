package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/steward/internal/buildinfo"
	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/events"
)

// statusInterval is how often the retained status payload is refreshed.
const statusInterval = time.Minute

// eventBuffer is the bus subscription depth. Events beyond it are
// dropped by the bus rather than stalling publishers.
const eventBuffer = 256

// StatsSource provides counts for the status payload. The scheduler
// is adapted to it in main.go.
type StatsSource interface {
	SessionCount() int
	TaskCount() int
}

// Publisher relays bus events to an MQTT broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	stats      StatsSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// message is one outbound publish.
type message struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin relaying.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.New()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		stats:      stats,
		logger:     logger,
	}
}

// clientID returns the configured client id or one derived from the
// instance id.
func (p *Publisher) clientID() string {
	if p.cfg.ClientID != "" {
		return p.cfg.ClientID
	}
	id := p.instanceID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return "steward-" + id
}

// Start connects to the broker and relays events until ctx is
// cancelled. On every (re-)connect it publishes a birth message and
// the current status.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			p.send(ctx, cm, p.statusMessage())
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	prefix := strings.Trim(p.cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "steward"
	}
	return prefix
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) statusTopic() string {
	return p.baseTopic() + "/status"
}

func (p *Publisher) sessionTopic(sessionID, leaf string) string {
	return p.baseTopic() + "/sessions/" + topicSegment(sessionID) + "/" + leaf
}

func (p *Publisher) eventTopic(source, kind string) string {
	return p.baseTopic() + "/events/" + topicSegment(source) + "/" + topicSegment(kind)
}

// topicSegment makes s safe as a single topic level.
func topicSegment(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// --- Event routing ---

// route maps a bus event to the message published for it. Transcript
// events go under the session's topic; everything else is published
// as-is under events/<source>/<kind>.
func (p *Publisher) route(e events.Event) (message, bool) {
	sessionID, _ := e.Data["session_id"].(string)

	switch {
	case e.Kind == events.KindTurn && sessionID != "":
		payload, err := json.Marshal(map[string]any{
			"role": e.Data["role"],
			"text": e.Data["text"],
			"ts":   e.Timestamp,
		})
		if err != nil {
			return message{}, false
		}
		return message{topic: p.sessionTopic(sessionID, "turns"), payload: payload}, true

	case e.Kind == events.KindScheduledExchange && sessionID != "":
		payload, err := json.Marshal(map[string]any{
			"message":  e.Data["message"],
			"response": e.Data["response"],
			"ts":       e.Timestamp,
		})
		if err != nil {
			return message{}, false
		}
		return message{topic: p.sessionTopic(sessionID, "scheduled"), payload: payload, qos: 1}, true

	default:
		payload, err := json.Marshal(e)
		if err != nil {
			return message{}, false
		}
		return message{topic: p.eventTopic(e.Source, e.Kind), payload: payload}, true
	}
}

func (p *Publisher) statusMessage() message {
	status := map[string]any{
		"instance_id": p.instanceID,
		"version":     buildinfo.Version,
		"uptime":      buildinfo.Uptime().String(),
		"ts":          time.Now(),
	}
	if p.stats != nil {
		status["sessions"] = p.stats.SessionCount()
		status["tasks"] = p.stats.TaskCount()
	}
	payload, _ := json.Marshal(status)
	return message{topic: p.statusTopic(), payload: payload, qos: 0, retain: true}
}

func (p *Publisher) send(ctx context.Context, cm *autopaho.ConnectionManager, m message) {
	if cm == nil {
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.topic,
		Payload: m.payload,
		QoS:     m.qos,
		Retain:  m.retain,
	}); err != nil {
		p.logger.Debug("mqtt publish failed", "topic", m.topic, "error", err)
	}
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

// --- Relay loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	ch := p.bus.Subscribe(eventBuffer)
	defer p.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if m, ok := p.route(e); ok {
				p.send(ctx, p.cm, m)
			}
		case <-ticker.C:
			p.send(ctx, p.cm, p.statusMessage())
		}
	}
}
