/**
 * @description
 * This file defines the core domain models for the postback-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Points are stored as `int64` so balance arithmetic never touches floating
 *   point; payouts arrive from partners as decimal strings and are parsed once
 *   at the resolution boundary.
 * - Inbound partner parameters are modelled as a generic map[string]string and
 *   validated only at canonical-field extraction, never at ingest.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Partner directions. Upward partners send postbacks to us; downward partners
// receive forwarded postbacks from us.
const (
	DirectionUpward   = "upward"
	DirectionDownward = "downward"
)

// Partner lifecycle states.
const (
	PartnerStatusActive   = "active"
	PartnerStatusInactive = "inactive"
)

// Conversion statuses. A conversion is created as pending or rejected and may
// transition pending -> approved (credits once) or pending -> rejected.
// approved and rejected are terminal.
const (
	ConversionStatusApproved = "approved"
	ConversionStatusPending  = "pending"
	ConversionStatusRejected = "rejected"
)

// Delivery attempt outcomes.
const (
	DeliveryStatusSuccess = "success"
	DeliveryStatusFailed  = "failed"
)

// Canonical parameter names a partner mapping may bind to.
const (
	CanonicalUserID        = "user_id"
	CanonicalClickID       = "click_id"
	CanonicalPayout        = "payout"
	CanonicalStatus        = "status"
	CanonicalTransactionID = "transaction_id"
	CanonicalOfferID       = "offer_id"
	CanonicalConversionID  = "conversion_id"
	CanonicalCurrency      = "currency"
)

// CanonicalNames is the fixed vocabulary accepted in parameter mappings,
// in the order the admin UI renders them.
var CanonicalNames = []string{
	CanonicalUserID,
	CanonicalClickID,
	CanonicalPayout,
	CanonicalStatus,
	CanonicalTransactionID,
	CanonicalOfferID,
	CanonicalConversionID,
	CanonicalCurrency,
}

// ParameterMapping binds one canonical field to the name a partner uses for it.
type ParameterMapping struct {
	CanonicalName string `json:"canonical_name"`
	PartnerParam  string `json:"partner_param"`
	Enabled       bool   `json:"enabled"`
}

// PartnerMapping is the per-partner integration record. For upward partners
// the mapping list translates inbound parameter names to canonical fields; for
// downward partners it drives macro substitution into PostbackURL.
// This struct maps directly to the `partner_mappings` table.
type PartnerMapping struct {
	ID          uuid.UUID          `json:"id"`
	Name        string             `json:"name"`
	UniqueKey   string             `json:"unique_key"`
	Direction   string             `json:"direction"`
	Method      string             `json:"method"` // GET or POST
	Status      string             `json:"status"`
	PostbackURL string             `json:"postback_url,omitempty"` // downward only; may contain {macro} tokens
	Mappings    []ParameterMapping `json:"mappings"`
	StatusRules map[string]string  `json:"status_rules,omitempty"` // partner status string -> approved|pending|rejected
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// EnabledMapping returns the enabled mapping entry for a canonical name, if any.
func (p *PartnerMapping) EnabledMapping(canonicalName string) (ParameterMapping, bool) {
	for _, m := range p.Mappings {
		if m.Enabled && m.CanonicalName == canonicalName {
			return m, true
		}
	}
	return ParameterMapping{}, false
}

// CreatePartnerMappingRequest is the DTO for registering a new partner.
type CreatePartnerMappingRequest struct {
	Name        string             `json:"name"`
	Direction   string             `json:"direction"`
	Method      string             `json:"method"`
	PostbackURL string             `json:"postback_url,omitempty"`
	Mappings    []ParameterMapping `json:"mappings"`
	StatusRules map[string]string  `json:"status_rules,omitempty"`
	Template    string             `json:"template,omitempty"` // optional canned integration name
}

// UpdatePartnerMappingRequest replaces a partner's mapping list wholesale.
// The unique key is never rotated by an update.
type UpdatePartnerMappingRequest struct {
	Mappings    []ParameterMapping `json:"mappings"`
	PostbackURL *string            `json:"postback_url,omitempty"`
	StatusRules map[string]string  `json:"status_rules,omitempty"`
	Status      *string            `json:"status,omitempty"`
}

// ReceivedPostback is the append-only raw receipt of one inbound partner
// request. It is written before any resolution logic runs so misconfigured
// traffic remains auditable.
type ReceivedPostback struct {
	ID        uuid.UUID         `json:"id"`
	PartnerID uuid.UUID         `json:"partner_id"`
	Method    string            `json:"method"`
	Params    map[string]string `json:"params"`
	RawBody   *string           `json:"raw_body,omitempty"`
	IPAddress string            `json:"ip_address"`
	UserAgent string            `json:"user_agent"`
	Resolved  bool              `json:"resolved"`
	CreatedAt time.Time         `json:"created_at"`
}

// ResolvedEvent holds the canonical fields extracted from one inbound
// postback via the partner's mapping list. It is derived, never persisted
// directly; the conversion record it produces is the durable artifact.
type ResolvedEvent struct {
	UserID        string
	ClickID       string
	Payout        float64
	Status        string // raw partner status string, pre-normalization
	TransactionID string
	OfferID       string
	ConversionID  string
	Currency      string
}

// Conversion is the credited (or pending/rejected) outcome of a resolved
// postback. TransactionRef is the idempotency key component: at most one
// conversion exists per (partner_id, transaction_ref).
type Conversion struct {
	ID             uuid.UUID  `json:"id"`
	PartnerID      uuid.UUID  `json:"partner_id"`
	TransactionRef string     `json:"transaction_ref"`
	UserID         uuid.UUID  `json:"user_id"`
	OfferID        *string    `json:"offer_id,omitempty"`
	ClickID        *string    `json:"click_id,omitempty"`
	Payout         float64    `json:"payout"`
	Currency       *string    `json:"currency,omitempty"`
	Points         int64      `json:"points"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	CreditedAt     *time.Time `json:"credited_at,omitempty"`
}

// User is the slim view of a rewarded user needed by the pipeline: identity
// for crediting and username for downward-partner enrichment macros.
type User struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
}

// UserBalance tracks a user's point ledger. Mutated only by the credit
// engine under the per-conversion single-writer guarantee.
type UserBalance struct {
	UserID          uuid.UUID `json:"user_id"`
	AvailablePoints int64     `json:"available_points"`
	PendingPoints   int64     `json:"pending_points"`
	RedeemedPoints  int64     `json:"redeemed_points"`
	TotalPoints     int64     `json:"total_points"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DeliveryAttempt is the append-only record of one outbound forward to a
// downward partner. Retries append new rows; rows are never mutated.
type DeliveryAttempt struct {
	ID            uuid.UUID `json:"id"`
	ConversionID  uuid.UUID `json:"conversion_id"`
	PartnerID     uuid.UUID `json:"partner_id"`
	Method        string    `json:"method"`
	TargetURL     string    `json:"target_url"`
	RequestBody   *string   `json:"request_body,omitempty"`
	AttemptNumber int       `json:"attempt_number"`
	Status        string    `json:"status"`
	ResponseCode  *int      `json:"response_code,omitempty"`
	ResponseBody  *string   `json:"response_body,omitempty"`
	ErrorMessage  *string   `json:"error_message,omitempty"`
	SentAt        time.Time `json:"sent_at"`
}

// LogFilter narrows receipt and delivery listings for the admin UI.
type LogFilter struct {
	PartnerID *uuid.UUID
	Status    string
	DateFrom  *time.Time
	DateTo    *time.Time
	Limit     int
	Offset    int
}
