// Package events forwards engine events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"postpilot/internal/eventbus"
	logx "postpilot/pkg/logx"
)

type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
	// Timeout bounds one produce call.
	Timeout time.Duration
}

// Producer is the subset of *kgo.Client the forwarder uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Forwarder copies bus events onto a Kafka topic, keyed by user id so a
// user's events stay ordered within a partition.
type Forwarder struct {
	p       Producer
	topic   string
	timeout time.Duration
	log     logx.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewClient builds a franz-go client for cfg.
func NewClient(cfg Config) (*kgo.Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events.brokers is required")
	}
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		clientID = "postpilot"
	}
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return cl, nil
}

func NewForwarder(p Producer, cfg Config, log logx.Logger) *Forwarder {
	if log.IsZero() {
		log = logx.Nop()
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = "postpilot.publish_events"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Forwarder{p: p, topic: topic, timeout: timeout, log: log.With(logx.Comp("events.kafka"))}
}

// Run forwards events until ctx is done or the subscription closes.
func (f *Forwarder) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.Forward(ctx, e); err != nil {
				f.log.Warn("event forward failed", logx.String("type", e.Type), logx.Item(e.ItemID), logx.Err(err))
			}
		}
	}
}

// Forward produces one event synchronously.
func (f *Forwarder) Forward(ctx context.Context, e eventbus.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		f.failed.Add(1)
		return fmt.Errorf("marshal event: %w", err)
	}
	rec := &kgo.Record{
		Topic: f.topic,
		Key:   []byte(e.UserID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "source", Value: []byte("postpilot")},
		},
	}
	if e.ItemID != "" {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: "item_id", Value: []byte(e.ItemID)})
	}

	pctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	if err := f.p.ProduceSync(pctx, rec).FirstErr(); err != nil {
		f.failed.Add(1)
		return fmt.Errorf("produce: %w", err)
	}
	f.sent.Add(1)
	return nil
}

// Stats returns the forwarded and failed counts.
func (f *Forwarder) Stats() (sent, failed uint64) {
	return f.sent.Load(), f.failed.Load()
}
