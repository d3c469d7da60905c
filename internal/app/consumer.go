package app

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"github.com/pointwall/postback-service/internal/domain"
)

// ConversionCreditedConsumer handles credited-conversion events from RabbitMQ
// and fans them out to downward partners. Running the fan-out here keeps the
// outbound network calls off the inbound acknowledgment path.
type ConversionCreditedConsumer struct {
	forwarder *Forwarder
}

func NewConversionCreditedConsumer(forwarder *Forwarder) *ConversionCreditedConsumer {
	return &ConversionCreditedConsumer{forwarder: forwarder}
}

// HandleMessage processes one credited event. Returning false re-queues the
// message; malformed payloads are acknowledged and dropped since a redelivery
// cannot fix them.
func (c *ConversionCreditedConsumer) HandleMessage(body []byte) bool {
	var event domain.ConversionCreditedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=forward_consumer msg=\"unmarshal failed; dropping\" err=%v", err)
		return true
	}
	if event.ConversionID == uuid.Nil {
		log.Printf("level=warn component=forward_consumer msg=\"event missing conversion id; dropping\"")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), forwardingDispatchWindow)
	defer cancel()

	if err := c.forwarder.FanOut(ctx, event.ConversionID); err != nil {
		log.Printf("level=error component=forward_consumer msg=\"fan-out failed\" conversion_id=%s err=%v", event.ConversionID, err)
		return false
	}
	return true
}
