package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ent0n29/chatbridge/internal/logger"
)

type NATSConfig struct {
	URL           string
	ClientID      string
	MaxReconnects int
}

// NATSBus publishes events to a NATS server so other processes can follow
// task progress.
type NATSBus struct {
	conn *nats.Conn
	log  *logger.Logger
}

func NewNATSBus(cfg NATSConfig, log *logger.Logger) (*NATSBus, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("nats-bus")
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	log.Info("connected to nats", zap.String("url", cfg.URL))
	return &NATSBus{conn: conn, log: log}, nil
}

func (b *NATSBus) Publish(_ context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.log.Warn("drop malformed event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.log.Warn("event handler failed", zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func (b *NATSBus) Close() {
	if err := b.conn.Drain(); err != nil {
		b.log.Warn("drain nats connection failed", zap.Error(err))
		b.conn.Close()
	}
}

// Fanout publishes to every bus. Subscriptions go to the first one.
type Fanout []Bus

func (f Fanout) Publish(ctx context.Context, subject string, event *Event) error {
	var first error
	for _, b := range f {
		if err := b.Publish(ctx, subject, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f Fanout) Subscribe(subject string, handler Handler) (Subscription, error) {
	if len(f) == 0 {
		return nil, ErrBusClosed
	}
	return f[0].Subscribe(subject, handler)
}

func (f Fanout) Close() {
	for _, b := range f {
		b.Close()
	}
}
