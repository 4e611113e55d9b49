// Package events publishes marketplace domain events to NATS JetStream
// so downstream consumers (archival, analytics, fraud review) can react
// without being on the request path.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	streamName    = "MARKETPLACE_EVENTS"
	subjectPrefix = "marketplace"
)

// Event subjects. The last token is the entity id.
const (
	SubjectTransferInitiated = "transfer.initiated"
	SubjectTransferCompleted = "transfer.completed"
	SubjectTransferCancelled = "transfer.cancelled"
	SubjectTransferExpired   = "transfer.expired"
	SubjectBidPlaced         = "bid.placed"
	SubjectBidOutbid         = "bid.outbid"
	SubjectBidRefunded       = "bid.refunded"
	SubjectAuctionExtended   = "auction.extended"
	SubjectAuctionEnded      = "auction.ended"
	SubjectListingCreated    = "listing.created"
	SubjectListingSold       = "listing.sold"
	SubjectListingCancelled  = "listing.cancelled"
	SubjectPayoutCompleted   = "payout.completed"
	SubjectPayoutFailed      = "payout.failed"
)

// Envelope is the wire format for every published event.
type Envelope struct {
	EventID   string         `json:"event_id"`
	Subject   string         `json:"subject"`
	EntityID  string         `json:"entity_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Sink is the narrow publishing interface services depend on. Emit is
// best effort: failures are logged, never returned to the caller.
type Sink interface {
	Emit(subject, entityID string, payload map[string]any)
}

// Publisher writes events to a JetStream stream for at-least-once
// archival delivery.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates the JetStream context and ensures the
// marketplace stream exists.
func NewPublisher(nc *nats.Conn) (*Publisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        streamName,
		Description: "Marketplace domain events",
		Subjects:    []string{subjectPrefix + ".>"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update stream %s: %w", streamName, err)
	}

	return &Publisher{js: js}, nil
}

// Emit publishes asynchronously so callers never block on the broker.
func (p *Publisher) Emit(subject, entityID string, payload map[string]any) {
	env := Envelope{
		EventID:   uuid.New().String(),
		Subject:   subject,
		EntityID:  entityID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	go func() {
		data, err := json.Marshal(env)
		if err != nil {
			log.Printf("events: marshal %s event: %v", subject, err)
			return
		}

		full := fmt.Sprintf("%s.%s.%s", subjectPrefix, subject, entityID)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := p.js.Publish(ctx, full, data); err != nil {
			log.Printf("events: publish %s: %v", full, err)
		}
	}()
}

// NopSink discards events. Used when NATS is not configured.
type NopSink struct{}

func (NopSink) Emit(string, string, map[string]any) {}
