package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	mailgun "github.com/mailgun/mailgun-go/v3"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/w1xm/dome_interface/dome"
)

type MailConfig struct {
	Domain     string   `yaml:"domain"`
	APIKey     string   `yaml:"api_key"`
	Sender     string   `yaml:"sender"`
	Recipients []string `yaml:"recipients"`
	// APIBase overrides the Mailgun endpoint.
	APIBase string `yaml:"api_base"`
	// Events to mail; defaults to alarms only.
	Events []dome.EventType `yaml:"events"`
	// Repeat suppresses an identical message for this long.
	Repeat time.Duration `yaml:"-"`
}

// Mail sends selected events through Mailgun. Identical messages are
// suppressed for Repeat and sends are limited to one per minute with a small
// burst.
type Mail struct {
	cfg     MailConfig
	mg      mailgun.Mailgun
	events  map[dome.EventType]bool
	seen    *cache.Cache
	limiter *rate.Limiter
}

func NewMail(cfg MailConfig) (*Mail, error) {
	if cfg.Domain == "" || cfg.APIKey == "" || cfg.Sender == "" || len(cfg.Recipients) == 0 {
		return nil, errors.New("mail: domain, api_key, sender and recipients are required")
	}
	mg := mailgun.NewMailgun(cfg.Domain, cfg.APIKey)
	if cfg.APIBase != "" {
		mg.SetAPIBase(cfg.APIBase)
	}
	if cfg.Repeat == 0 {
		cfg.Repeat = time.Hour
	}
	events := cfg.Events
	if len(events) == 0 {
		events = []dome.EventType{dome.EventAlarm}
	}
	m := &Mail{
		cfg:     cfg,
		mg:      mg,
		events:  make(map[dome.EventType]bool),
		seen:    cache.New(cfg.Repeat, 2*cfg.Repeat),
		limiter: rate.NewLimiter(rate.Every(time.Minute), 5),
	}
	for _, e := range events {
		m.events[e] = true
	}
	return m, nil
}

func (m *Mail) Notify(ctx context.Context, event dome.EventType, message string, deadline time.Time) error {
	if !m.events[event] {
		return nil
	}
	key := string(event) + "\x00" + message
	if _, found := m.seen.Get(key); found {
		return nil
	}
	if !m.limiter.Allow() {
		log.Printf("mail: rate limited, dropping %s: %s", event, message)
		return nil
	}
	subject := fmt.Sprintf("Dome %s", event)
	msg := m.mg.NewMessage(m.cfg.Sender, subject, message, m.cfg.Recipients...)
	resp, id, err := m.mg.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("mail: sending %s: %w", event, err)
	}
	if id == "" {
		return fmt.Errorf("mail: invalid id in response %q", resp)
	}
	m.seen.SetDefault(key, struct{}{})
	return nil
}
