package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestEventJSONShape(t *testing.T) {
	ev := Event{
		RequestID:  "req-1",
		Method:     "card",
		Outcome:    "signed",
		SignerCN:   "Jan Janssens",
		OccurredAt: time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"requestId", "method", "outcome", "signerCommonName", "occurredAt"} {
		if _, ok := out[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	if _, ok := out["error"]; ok {
		t.Error("empty error should be omitted")
	}
}

func TestNoopPublisher(t *testing.T) {
	p := NewNoopPublisher()
	if err := p.Publish(context.Background(), Event{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestKafkaPublisherRequiresBroker(t *testing.T) {
	if _, err := NewKafkaPublisher(KafkaConfig{}); err == nil {
		t.Fatal("expected error without brokers")
	}
}
