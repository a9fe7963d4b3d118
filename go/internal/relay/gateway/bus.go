package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcdev12/openchess/go/internal/relay"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Delivery is a frame routed between gateway instances. An empty UserID
// means every connected client.
type Delivery struct {
	Origin string      `json:"origin"`
	UserID string      `json:"user_id,omitempty"`
	Frame  relay.Frame `json:"frame"`
}

// Bus carries frames to users connected to other gateway instances.
type Bus interface {
	// Send delivers to the instance holding the user's connection.
	Send(ctx context.Context, instance string, d Delivery) error
	// Broadcast delivers to every other instance.
	Broadcast(ctx context.Context, d Delivery) error
	// Subscribe starts receiving deliveries addressed to instance.
	Subscribe(instance string, fn func(Delivery)) error
	Close() error
}

// NopBus is the bus of a single gateway instance: nothing to route to.
type NopBus struct{}

func (NopBus) Send(ctx context.Context, instance string, d Delivery) error {
	return fmt.Errorf("no route to instance %s", instance)
}

func (NopBus) Broadcast(ctx context.Context, d Delivery) error { return nil }
func (NopBus) Subscribe(string, func(Delivery)) error { return nil }
func (NopBus) Close() error { return nil }

// NATSConfig holds configuration for the NATS bus
type NATSConfig struct {
	URL           string
	SubjectPrefix string // e.g. "relay"
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns default NATS configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "relay",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSBus routes deliveries over core NATS subjects:
// <prefix>.deliver.<instance> and <prefix>.broadcast.
type NATSBus struct {
	nc     *nats.Conn
	config NATSConfig
	subs   []*nats.Subscription
}

// NewNATSBus connects to NATS.
func NewNATSBus(config NATSConfig) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name("relay-gateway"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSBus{nc: nc, config: config}, nil
}

func (b *NATSBus) Send(ctx context.Context, instance string, d Delivery) error {
	return b.publish(deliverSubject(b.config.SubjectPrefix, instance), d)
}

func (b *NATSBus) Broadcast(ctx context.Context, d Delivery) error {
	return b.publish(broadcastSubject(b.config.SubjectPrefix), d)
}

func (b *NATSBus) publish(subject string, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe listens on the instance subject and the broadcast subject.
// Broadcasts published by instance itself are skipped.
func (b *NATSBus) Subscribe(instance string, fn func(Delivery)) error {
	handler := func(msg *nats.Msg) {
		var d Delivery
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to decode delivery")
			return
		}
		if d.UserID == "" && d.Origin == instance {
			return
		}
		fn(d)
	}

	for _, subject := range []string{
		deliverSubject(b.config.SubjectPrefix, instance),
		broadcastSubject(b.config.SubjectPrefix),
	} {
		sub, err := b.nc.Subscribe(subject, handler)
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
		log.Info().Str("subject", subject).Msg("subscribed to relay bus")
	}
	return nil
}

// Close drains subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("subject", sub.Subject).Msg("failed to unsubscribe")
		}
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

func deliverSubject(prefix, instance string) string {
	return prefix + ".deliver." + instance
}

func broadcastSubject(prefix string) string {
	return prefix + ".broadcast"
}
