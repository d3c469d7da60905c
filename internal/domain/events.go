/**
 * @description
 * Message payloads exchanged over RabbitMQ between the credit engine and the
 * outbound forwarder. Forwarding is decoupled from the inbound HTTP
 * acknowledgment: the ingest path publishes ConversionCreditedEvent and the
 * forwarder consumes it asynchronously.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ConversionCreditedEvent is published on the `postback_events` exchange with
// routing key `postback.conversion.credited` once a conversion reaches the
// approved state and the user's balance has been credited.
type ConversionCreditedEvent struct {
	ConversionID uuid.UUID `json:"conversion_id"`
	PartnerID    uuid.UUID `json:"partner_id"`
	UserID       uuid.UUID `json:"user_id"`
	Points       int64     `json:"points"`
	CreditedAt   time.Time `json:"credited_at"`
}
