package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mxchat/internal/config"
	"github.com/nugget/mxchat/internal/events"
)

// Availability payloads.
const (
	Online  = "online"
	Offline = "offline"
)

// Message is the payload published for each workflow chat message.
type Message struct {
	ClientID string    `json:"client_id"`
	Text     string    `json:"text"`
	IsUser   bool      `json:"is_user"`
	HasImage bool      `json:"has_image,omitempty"`
	Time     time.Time `json:"ts"`
}

// Answer is the payload published when a chat turn finishes.
type Answer struct {
	ClientID  string    `json:"client_id"`
	Turn      uint64    `json:"turn"`
	Answer    string    `json:"answer"`
	Reasoning string    `json:"reasoning,omitempty"`
	Error     string    `json:"error,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Time      time.Time `json:"ts"`
}

// publishFunc sends one message. Production code routes it through
// the autopaho connection manager; tests record it.
type publishFunc func(ctx context.Context, p *paho.Publish) error

// Relay manages the MQTT connection and forwards bus events to the
// broker.
type Relay struct {
	cfg      config.MQTTConfig
	clientID string
	logger   *slog.Logger
	limiter  *messageRateLimiter

	mu      sync.Mutex
	cm      *autopaho.ConnectionManager
	publish publishFunc

	online atomic.Bool
}

// New creates a Relay but does not connect. Call [Relay.Start] to
// begin the connection and relay loop.
func New(cfg config.MQTTConfig, clientID string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:      cfg,
		clientID: clientID,
		logger:   logger,
		limiter:  newMessageRateLimiter(defaultMessageLimit, time.Minute, logger),
	}
}

// Start connects to the broker and relays events from sub until ctx
// is cancelled or sub is closed. On every (re-)connect it republishes
// the current availability.
func (r *Relay) Start(ctx context.Context, sub <-chan events.Event) error {
	brokerURL, err := url.Parse(r.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: r.cfg.Username,
		ConnectPassword: []byte(r.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   r.AvailabilityTopic(),
			Payload: []byte(Offline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			r.logger.Info("mqtt connected to broker", "broker", r.cfg.Broker)
			r.publishAvailability(ctx, r.currentAvailability())
		},
		OnConnectError: func(err error) {
			r.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "mxchat-" + r.clientID,
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
	r.mu.Lock()
	r.cm = cm
	r.publish = func(ctx context.Context, p *paho.Publish) error {
		_, err := cm.Publish(ctx, p)
		return err
	}
	r.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		r.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go r.limiter.start(ctx)
	r.run(ctx, sub)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	cm := r.cm
	r.mu.Unlock()
	if cm == nil {
		return nil
	}
	r.online.Store(false)
	r.publishAvailability(ctx, Offline)
	return cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (r *Relay) baseTopic() string {
	return r.cfg.TopicPrefix + "/" + r.clientID
}

// AvailabilityTopic is where online/offline is published.
func (r *Relay) AvailabilityTopic() string {
	return r.baseTopic() + "/availability"
}

// MessagesTopic carries workflow chat messages.
func (r *Relay) MessagesTopic() string {
	return r.baseTopic() + "/messages"
}

// AnswersTopic carries finished chat answers.
func (r *Relay) AnswersTopic() string {
	return r.baseTopic() + "/answers"
}

// --- Relay loop ---

func (r *Relay) run(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			r.handle(ctx, ev)
		}
	}
}

// handle translates one bus event into zero or one publish.
func (r *Relay) handle(ctx context.Context, ev events.Event) {
	switch ev.Kind {
	case events.KindStateChange:
		online := str(ev.Data, "to") == "open"
		if r.online.Swap(online) == online {
			return
		}
		r.publishAvailability(ctx, availability(online))

	case events.KindChatMessage:
		if !r.limiter.allow() {
			return
		}
		r.publishJSON(ctx, r.MessagesTopic(), Message{
			ClientID: r.clientID,
			Text:     str(ev.Data, "text"),
			IsUser:   flag(ev.Data, "is_user"),
			HasImage: flag(ev.Data, "has_image"),
			Time:     ev.Timestamp,
		})

	case events.KindTurnComplete:
		a := Answer{
			ClientID:  r.clientID,
			Answer:    str(ev.Data, "answer"),
			Reasoning: str(ev.Data, "reasoning"),
			Error:     str(ev.Data, "error"),
			Time:      ev.Timestamp,
		}
		if v, ok := ev.Data["turn"].(uint64); ok {
			a.Turn = v
		}
		if v, ok := ev.Data["elapsed_ms"].(int64); ok {
			a.ElapsedMS = v
		}
		r.publishJSON(ctx, r.AnswersTopic(), a)
	}
}

func (r *Relay) currentAvailability() string {
	return availability(r.online.Load())
}

func availability(online bool) string {
	if online {
		return Online
	}
	return Offline
}

func (r *Relay) publishAvailability(ctx context.Context, status string) {
	if err := r.send(ctx, &paho.Publish{
		Topic:   r.AvailabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		r.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		r.logger.Info("mqtt availability published", "status", status)
	}
}

func (r *Relay) publishJSON(ctx context.Context, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("mqtt marshal payload", "topic", topic, "error", err)
		return
	}
	if err := r.send(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		r.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (r *Relay) send(ctx context.Context, p *paho.Publish) error {
	r.mu.Lock()
	publish := r.publish
	r.mu.Unlock()
	if publish == nil {
		return fmt.Errorf("mqtt relay not started")
	}
	return publish(ctx, p)
}

func str(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func flag(data map[string]any, key string) bool {
	b, _ := data[key].(bool)
	return b
}
