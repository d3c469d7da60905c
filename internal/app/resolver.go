/**
 * @description
 * Canonical-field extraction and status normalization for inbound postbacks.
 * The resolver walks a partner's enabled parameter mappings, pulls the matching
 * raw parameters, and assembles a ResolvedEvent. Validation happens only here,
 * at the canonical-field boundary; the ingest path accepts arbitrary keys.
 *
 * @dependencies
 * - crypto/sha256, encoding/hex, strconv, strings: Standard Go libraries.
 * - internal/domain: Canonical names and models.
 */

package app

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pointwall/postback-service/internal/domain"
)

// ErrIncompleteEvent is returned when a postback resolves without the fields
// required for crediting (user_id and status).
var ErrIncompleteEvent = errors.New("postback missing required canonical fields")

// defaultStatusRules maps known partner status synonyms to the canonical
// taxonomy. Matching is case-insensitive; per-partner rules take precedence.
var defaultStatusRules = map[string]string{
	"1":          domain.ConversionStatusApproved,
	"approved":   domain.ConversionStatusApproved,
	"approve":    domain.ConversionStatusApproved,
	"confirmed":  domain.ConversionStatusApproved,
	"completed":  domain.ConversionStatusApproved,
	"complete":   domain.ConversionStatusApproved,
	"success":    domain.ConversionStatusApproved,
	"successful": domain.ConversionStatusApproved,
	"credited":   domain.ConversionStatusApproved,
	"paid":       domain.ConversionStatusApproved,
	"ok":         domain.ConversionStatusApproved,

	"0":          domain.ConversionStatusPending,
	"pending":    domain.ConversionStatusPending,
	"hold":       domain.ConversionStatusPending,
	"on_hold":    domain.ConversionStatusPending,
	"processing": domain.ConversionStatusPending,
	"initiated":  domain.ConversionStatusPending,
	"review":     domain.ConversionStatusPending,

	"2":          domain.ConversionStatusRejected,
	"-1":         domain.ConversionStatusRejected,
	"rejected":   domain.ConversionStatusRejected,
	"reject":     domain.ConversionStatusRejected,
	"declined":   domain.ConversionStatusRejected,
	"refused":    domain.ConversionStatusRejected,
	"cancelled":  domain.ConversionStatusRejected,
	"canceled":   domain.ConversionStatusRejected,
	"chargeback": domain.ConversionStatusRejected,
	"reversed":   domain.ConversionStatusRejected,
	"failed":     domain.ConversionStatusRejected,
	"failure":    domain.ConversionStatusRejected,
}

// ResolveEvent extracts the canonical fields from raw partner parameters using
// the partner's enabled mappings. Missing optional fields are left zero-valued;
// a missing user_id or status yields ErrIncompleteEvent.
func ResolveEvent(partner *domain.PartnerMapping, params map[string]string) (*domain.ResolvedEvent, error) {
	lookup := func(canonicalName string) string {
		mapping, ok := partner.EnabledMapping(canonicalName)
		if !ok {
			return ""
		}
		return strings.TrimSpace(params[mapping.PartnerParam])
	}

	event := &domain.ResolvedEvent{
		UserID:        lookup(domain.CanonicalUserID),
		ClickID:       lookup(domain.CanonicalClickID),
		Status:        lookup(domain.CanonicalStatus),
		TransactionID: lookup(domain.CanonicalTransactionID),
		OfferID:       lookup(domain.CanonicalOfferID),
		ConversionID:  lookup(domain.CanonicalConversionID),
		Currency:      lookup(domain.CanonicalCurrency),
	}

	if raw := lookup(domain.CanonicalPayout); raw != "" {
		payout, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: unparseable payout %q", ErrIncompleteEvent, raw)
		}
		event.Payout = payout
	}

	if event.UserID == "" || event.Status == "" {
		return nil, ErrIncompleteEvent
	}
	return event, nil
}

// NormalizeStatus maps a raw partner status string to the canonical taxonomy,
// consulting the partner's own rules before the default synonym table. An
// unrecognized status is treated as pending: it never credits, and a later
// postback with a known status can still transition the conversion.
func NormalizeStatus(partner *domain.PartnerMapping, raw string) string {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if partner != nil {
		if mapped, ok := partner.StatusRules[normalized]; ok {
			return mapped
		}
	}
	if mapped, ok := defaultStatusRules[normalized]; ok {
		return mapped
	}
	return domain.ConversionStatusPending
}

// TransactionRef returns the deterministic idempotency reference for a
// resolved event: the partner-supplied transaction id when present, otherwise
// a hash over the remaining identifying fields so re-delivery of the same
// postback always derives the same reference.
func TransactionRef(event *domain.ResolvedEvent) string {
	if event.TransactionID != "" {
		return event.TransactionID
	}
	digest := sha256.Sum256([]byte(strings.Join([]string{
		event.UserID,
		event.ClickID,
		event.OfferID,
		event.ConversionID,
		strconv.FormatFloat(event.Payout, 'f', -1, 64),
	}, "|")))
	return hex.EncodeToString(digest[:16])
}
