package notify

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/w1xm/dome_interface/dome"
)

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
	// StatusInterval is the minimum spacing of status publications.
	StatusInterval time.Duration `yaml:"-"`
}

// MQTT publishes to a broker. It reconnects on its own; while disconnected
// IsConnected is false and the driver skips publishing.
type MQTT struct {
	client mqtt.Client
	qos    byte
}

func DialMQTT(cfg MQTTConfig, timeout time.Duration) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: no broker")
	}
	id := cfg.ClientID
	if id == "" {
		id = "domed"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(id + "-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("mqtt: connection lost: %v", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Printf("mqtt: connected to %s", cfg.Broker)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		log.Printf("mqtt: %s not reachable yet; retrying in background", cfg.Broker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connecting to %s: %w", cfg.Broker, err)
	}
	return &MQTT{client: client, qos: cfg.QoS}, nil
}

func (m *MQTT) Publish(topic string, payload []byte) error {
	retained := strings.HasSuffix(topic, "/status")
	token := m.client.Publish(topic, m.qos, retained, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("mqtt: publishing %s: %v", topic, token.Error())
		}
	}()
	return nil
}

func (m *MQTT) IsConnected() bool {
	return m.client.IsConnected()
}

func (m *MQTT) Close() {
	m.client.Disconnect(250)
}

// Throttle limits how often status topics reach the wrapped publisher and
// drops payloads identical to the last one sent. Other topics pass through.
type Throttle struct {
	next    dome.Publisher
	mu      sync.Mutex
	limiter *rate.Limiter
	last    *cache.Cache
}

// NewThrottle passes at most one status publication per interval. An
// unchanged payload is still republished once refresh has elapsed.
func NewThrottle(next dome.Publisher, interval, refresh time.Duration) *Throttle {
	return &Throttle{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		last:    cache.New(refresh, 2*refresh),
	}
}

func (t *Throttle) Publish(topic string, payload []byte) error {
	if !strings.HasSuffix(topic, "/status") {
		return t.next.Publish(topic, payload)
	}
	t.mu.Lock()
	if prev, found := t.last.Get(topic); found && prev.(string) == string(payload) {
		t.mu.Unlock()
		return nil
	}
	if !t.limiter.Allow() {
		t.mu.Unlock()
		return nil
	}
	t.last.SetDefault(topic, string(payload))
	t.mu.Unlock()
	return t.next.Publish(topic, payload)
}

func (t *Throttle) IsConnected() bool {
	return t.next.IsConnected()
}
