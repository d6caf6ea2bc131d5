// Package audit publishes one event per terminal signing outcome. Publishing
// is strictly best-effort: a failed publish is logged by the caller and never
// fails the signing request itself.
package audit

import (
	"context"
	"time"
)

// Event records the outcome of one signing request.
type Event struct {
	RequestID  string    `json:"requestId"`
	Method     string    `json:"method"`
	Outcome    string    `json:"outcome"`
	SignerCN   string    `json:"signerCommonName,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher emits signing events to an external sink.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NoopPublisher drops every event. Used when auditing is switched off.
type NoopPublisher struct{}

func NewNoopPublisher() *NoopPublisher { return &NoopPublisher{} }

func (*NoopPublisher) Publish(context.Context, Event) error { return nil }
func (*NoopPublisher) Close() error                         { return nil }
