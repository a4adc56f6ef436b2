package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"postpilot/internal/eventbus"
	logx "postpilot/pkg/logx"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		if f.err == nil {
			f.records = append(f.records, r)
		}
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func (f *fakeProducer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func header(r *kgo.Record, key string) string {
	for _, h := range r.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestForwardRecordShape(t *testing.T) {
	t.Parallel()

	p := &fakeProducer{}
	f := NewForwarder(p, Config{Topic: "t1"}, logx.Nop())
	e := eventbus.Event{
		Type:   eventbus.TypePublishSucceeded,
		UserID: "u1",
		ItemID: "c1",
		Data:   eventbus.PublishOutcome{Status: "posted", ExternalID: "42"},
	}
	if err := f.Forward(context.Background(), e); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	r := p.records[0]
	if r.Topic != "t1" || string(r.Key) != "u1" {
		t.Fatalf("record = %+v", r)
	}
	if header(r, "event_type") != eventbus.TypePublishSucceeded || header(r, "item_id") != "c1" {
		t.Fatalf("headers = %+v", r.Headers)
	}
	var decoded map[string]any
	if err := json.Unmarshal(r.Value, &decoded); err != nil {
		t.Fatalf("value not JSON: %v", err)
	}
	if data, _ := decoded["data"].(map[string]any); data["external_id"] != "42" {
		t.Fatalf("value = %s", r.Value)
	}
}

func TestForwardCountsFailures(t *testing.T) {
	t.Parallel()

	p := &fakeProducer{err: errors.New("broker down")}
	f := NewForwarder(p, Config{}, logx.Nop())
	if err := f.Forward(context.Background(), eventbus.Event{Type: eventbus.TypeDispatchTick}); err == nil {
		t.Fatal("expected error")
	}
	if sent, failed := f.Stats(); sent != 0 || failed != 1 {
		t.Fatalf("stats = %d/%d", sent, failed)
	}
}

func TestRunForwardsBusEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	p := &fakeProducer{}
	f := NewForwarder(p, Config{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for p.count() == 0 && time.Now().Before(deadline) {
		bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchTick})
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.count() == 0 {
		t.Fatal("no events forwarded")
	}
}

func TestNewClientRequiresBrokers(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error")
	}
}
