// Package bus provides the in-process event fan-out: best-effort,
// at-most-once delivery with bounded per-subscriber backlogs.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Topics carried on the bus
const (
	TopicTradeStatus  = "trade_status"
	TopicPendingOrder = "pending_order"
	TopicSyncIssue    = "sync_issue"

	tickerPrefix = "ticker."
)

// TickerTopic returns the per-pair ticker topic
func TickerTopic(pair string) string {
	return tickerPrefix + pair
}

// Bus wraps a NATS connection. Core NATS matches the delivery contract
// exactly: no durability, at-most-once, and slow subscribers are
// dropped once their pending backlog exceeds the configured limit.
type Bus struct {
	nc      *nats.Conn
	limit   int
	dropped atomic.Int64
}

// Stats is a snapshot of bus counters
type Stats struct {
	Connected      bool   `json:"connected"`
	InMsgs         uint64 `json:"in_msgs"`
	OutMsgs        uint64 `json:"out_msgs"`
	DroppedBacklog int64  `json:"dropped_backlog"`
}

// New connects to the broker. subscriberLimit bounds each
// subscription's pending backlog before messages are dropped.
func New(url string, subscriberLimit int) (*Bus, error) {
	b := &Bus{limit: subscriberLimit}

	nc, err := nats.Connect(
		url,
		nats.Name("coinpilot"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("Bus disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Bus reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			if errors.Is(err, nats.ErrSlowConsumer) {
				b.dropped.Add(1)
				subject := ""
				if sub != nil {
					subject = sub.Subject
				}
				log.Warn().
					Str("subject", subject).
					Msg("Slow subscriber backlog dropped")
				return
			}
			log.Error().Err(err).Msg("Bus async error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event bus: %w", err)
	}

	b.nc = nc
	log.Info().Str("url", url).Msg("Event bus connected")
	return b, nil
}

// Publish sends a JSON-encoded payload on a topic. Best effort: no ack,
// no durability.
func (b *Bus) Publish(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	if err := b.nc.Publish(topic, data); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", topic, err)
	}
	return nil
}

// Handler receives raw event payloads for a topic
type Handler func(topic string, data []byte)

// Subscribe registers a handler for a topic. Wildcards follow broker
// syntax, e.g. "ticker.*". The subscription's pending backlog is capped;
// overflow drops messages rather than blocking publishers.
func (b *Bus) Subscribe(topic string, handler Handler) (*nats.Subscription, error) {
	sub, err := b.nc.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	if err := sub.SetPendingLimits(b.limit, -1); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("failed to set pending limits: %w", err)
	}

	log.Debug().Str("topic", topic).Msg("Subscribed")
	return sub, nil
}

// Stats returns bus counters including dropped-backlog events
func (b *Bus) Stats() Stats {
	s := Stats{DroppedBacklog: b.dropped.Load()}
	if b.nc != nil {
		s.Connected = b.nc.IsConnected()
		s.InMsgs = b.nc.Stats().InMsgs
		s.OutMsgs = b.nc.Stats().OutMsgs
	}
	return s
}

// Flush forces pending publishes out to the broker (used by tests)
func (b *Bus) Flush() error {
	return b.nc.Flush()
}

// Health reports broker connectivity
func (b *Bus) Health() error {
	if b.nc == nil || !b.nc.IsConnected() {
		return fmt.Errorf("event bus not connected")
	}
	return nil
}

// Close closes the bus connection
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
		log.Info().Msg("Event bus closed")
	}
}
