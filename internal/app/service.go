/**
 * @description
 * This file contains the core business logic for the postback-service. The
 * `Service` struct orchestrates the pipeline: registry management, inbound
 * postback ingestion, canonical resolution, idempotent crediting, and the
 * hand-off to the outbound forwarder.
 *
 * Key features:
 * - Always persists the raw receipt before any resolution logic runs.
 * - Credits each (partner, transaction_ref) pair at most once, via the
 *   conditional-update single-writer guarantee in the repository.
 * - Decouples forwarding from the inbound acknowledgment: credited events are
 *   published to RabbitMQ, with a detached in-process fallback when the broker
 *   is unavailable.
 *
 * @dependencies
 * - context, crypto/rand, errors, fmt, log, math, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publication.
 */

package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pointwall/postback-service/internal/domain"
	"github.com/pointwall/postback-service/internal/store"
	"github.com/pointwall/postback-service/pkg/rabbitmq"
)

const (
	postbackEventsExchange   = "postback_events"
	conversionCreditedKey    = "postback.conversion.credited"
	forwardingDispatchWindow = 2 * time.Minute
)

var (
	ErrInvalidPartner = errors.New("invalid partner mapping")
	ErrRateLimited    = errors.New("ingest rate limit exceeded")
)

// IngestRateLimiter throttles inbound postbacks per unique key. Implemented by
// the Redis limiter; a nil limiter disables throttling.
type IngestRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for the postback pipeline.
type Service struct {
	repo              store.Repository
	producer          rabbitmq.Publisher
	forwarder         *Forwarder
	rateLimiter       IngestRateLimiter
	pointsPerCurrency float64
	ingestRateLimit   int
}

// NewService creates a new postback service instance. The producer may be nil
// when RabbitMQ is unavailable; forwarding then falls back to an in-process
// dispatch.
func NewService(repo store.Repository, producer rabbitmq.Publisher, forwarder *Forwarder, pointsPerCurrency float64) *Service {
	return &Service{
		repo:              repo,
		producer:          producer,
		forwarder:         forwarder,
		pointsPerCurrency: pointsPerCurrency,
	}
}

// SetIngestRateLimiter enables per-unique-key throttling of the ingest endpoint.
func (s *Service) SetIngestRateLimiter(limiter IngestRateLimiter, perMinute int) {
	s.rateLimiter = limiter
	s.ingestRateLimit = perMinute
}

// Forwarder exposes the outbound forwarder for the consumer and sweeper wiring.
func (s *Service) Forwarder() *Forwarder {
	return s.forwarder
}

// CreditedEventConsumer builds the RabbitMQ consumer handling credited events.
func (s *Service) CreditedEventConsumer() *ConversionCreditedConsumer {
	return NewConversionCreditedConsumer(s.forwarder)
}

// CreatePartnerMapping registers a new partner with a freshly generated
// receiving key. When a template name is supplied the canned mapping list is
// applied before validation.
func (s *Service) CreatePartnerMapping(ctx context.Context, req domain.CreatePartnerMappingRequest) (*domain.PartnerMapping, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: partner name is required", ErrInvalidPartner)
	}
	if req.Direction != domain.DirectionUpward && req.Direction != domain.DirectionDownward {
		return nil, fmt.Errorf("%w: direction must be %q or %q", ErrInvalidPartner, domain.DirectionUpward, domain.DirectionDownward)
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("%w: method must be GET or POST", ErrInvalidPartner)
	}

	mappings := req.Mappings
	if req.Template != "" {
		templated, err := ApplyTemplate(req.Template)
		if err != nil {
			return nil, err
		}
		mappings = templated
	}
	if err := validateMappings(mappings); err != nil {
		return nil, err
	}

	uniqueKey, err := generateUniqueKey()
	if err != nil {
		return nil, fmt.Errorf("generate unique key: %w", err)
	}

	partner := &domain.PartnerMapping{
		ID:          uuid.New(),
		Name:        name,
		UniqueKey:   uniqueKey,
		Direction:   req.Direction,
		Method:      method,
		Status:      domain.PartnerStatusActive,
		PostbackURL: strings.TrimSpace(req.PostbackURL),
		Mappings:    mappings,
		StatusRules: normalizeStatusRules(req.StatusRules),
	}
	if err := s.repo.CreatePartnerMapping(ctx, partner); err != nil {
		return nil, fmt.Errorf("persist partner mapping: %w", err)
	}

	log.Printf("level=info component=registry msg=\"partner mapping created\" partner_id=%s name=%q direction=%s",
		partner.ID, partner.Name, partner.Direction)
	return partner, nil
}

// UpdatePartnerMapping replaces a partner's mapping list and optional fields.
// The receiving unique key is never rotated by an update.
func (s *Service) UpdatePartnerMapping(ctx context.Context, partnerID uuid.UUID, req domain.UpdatePartnerMappingRequest) (*domain.PartnerMapping, error) {
	if req.Mappings != nil {
		if err := validateMappings(req.Mappings); err != nil {
			return nil, err
		}
	}
	if req.Status != nil && *req.Status != domain.PartnerStatusActive && *req.Status != domain.PartnerStatusInactive {
		return nil, fmt.Errorf("%w: status must be active or inactive", ErrInvalidPartner)
	}

	return s.repo.UpdatePartnerMapping(ctx, partnerID, store.UpdatePartnerMappingParams{
		Mappings:    req.Mappings,
		PostbackURL: req.PostbackURL,
		StatusRules: normalizeStatusRules(req.StatusRules),
		Status:      req.Status,
	})
}

// GetPartnerMapping retrieves one partner mapping by ID.
func (s *Service) GetPartnerMapping(ctx context.Context, partnerID uuid.UUID) (*domain.PartnerMapping, error) {
	return s.repo.FindPartnerMappingByID(ctx, partnerID)
}

// ListPartnerMappings lists partner mappings, optionally filtered by direction.
func (s *Service) ListPartnerMappings(ctx context.Context, direction string) ([]domain.PartnerMapping, error) {
	if direction != "" && direction != domain.DirectionUpward && direction != domain.DirectionDownward {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidPartner, direction)
	}
	return s.repo.ListPartnerMappings(ctx, direction)
}

// IngestRequest carries one inbound partner notification through the pipeline.
type IngestRequest struct {
	UniqueKey string
	Method    string
	Params    map[string]string
	RawBody   *string
	IPAddress string
	UserAgent string
}

// IngestResult reports what the pipeline did with one inbound postback.
type IngestResult struct {
	Receipt    *domain.ReceivedPostback
	Conversion *domain.Conversion
	Resolved   bool
	Credited   bool
}

// IngestPostback runs the inbound pipeline: resolve the partner, persist the
// raw receipt, extract canonical fields, credit idempotently, and dispatch
// forwarding. A resolution failure is not an error to the caller: the receipt
// is logged and the partner still gets its acknowledgment. Only partner lookup
// and persistence failures propagate.
func (s *Service) IngestPostback(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	partner, err := s.repo.FindPartnerMappingByKey(ctx, req.UniqueKey)
	if err != nil {
		return nil, err
	}

	if s.rateLimiter != nil && s.ingestRateLimit > 0 {
		count, _, limitErr := s.rateLimiter.ConsumeRateLimit(ctx, "postback", req.UniqueKey, s.ingestRateLimit, time.Minute)
		if limitErr != nil {
			log.Printf("level=warn component=ingest msg=\"rate limiter unavailable; allowing request\" partner_id=%s err=%v", partner.ID, limitErr)
		} else if count > s.ingestRateLimit {
			return nil, ErrRateLimited
		}
	}

	receipt := &domain.ReceivedPostback{
		ID:        uuid.New(),
		PartnerID: partner.ID,
		Method:    req.Method,
		Params:    req.Params,
		RawBody:   req.RawBody,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	}
	if err := s.repo.CreateReceivedPostback(ctx, receipt); err != nil {
		return nil, fmt.Errorf("persist receipt: %w", err)
	}

	result := &IngestResult{Receipt: receipt}

	event, err := ResolveEvent(partner, req.Params)
	if err != nil {
		log.Printf("level=warn component=ingest msg=\"postback not creditable\" partner_id=%s receipt_id=%s err=%v",
			partner.ID, receipt.ID, err)
		return result, nil
	}

	conversion, credited, err := s.credit(ctx, partner, event)
	if err != nil {
		if errors.Is(err, ErrIncompleteEvent) {
			log.Printf("level=warn component=ingest msg=\"postback not creditable\" partner_id=%s receipt_id=%s err=%v",
				partner.ID, receipt.ID, err)
			return result, nil
		}
		return nil, err
	}

	result.Conversion = conversion
	result.Resolved = true
	result.Credited = credited

	if err := s.repo.MarkReceivedPostbackResolved(ctx, receipt.ID); err != nil {
		log.Printf("level=warn component=ingest msg=\"receipt resolved flag update failed\" receipt_id=%s err=%v", receipt.ID, err)
	}

	if credited {
		s.dispatchForwarding(conversion)
	}
	return result, nil
}

// credit applies the conversion state machine for one resolved event. It
// returns the conversion now in the database and whether this call credited
// the user's balance.
func (s *Service) credit(ctx context.Context, partner *domain.PartnerMapping, event *domain.ResolvedEvent) (*domain.Conversion, bool, error) {
	userID, err := uuid.Parse(event.UserID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: user id %q is not a valid identifier", ErrIncompleteEvent, event.UserID)
	}

	status := NormalizeStatus(partner, event.Status)
	ref := TransactionRef(event)
	points := s.pointsFor(event.Payout)

	initialStatus := domain.ConversionStatusPending
	if status == domain.ConversionStatusRejected {
		initialStatus = domain.ConversionStatusRejected
	}

	conversion := &domain.Conversion{
		ID:             uuid.New(),
		PartnerID:      partner.ID,
		TransactionRef: ref,
		UserID:         userID,
		OfferID:        optionalString(event.OfferID),
		ClickID:        optionalString(event.ClickID),
		Payout:         event.Payout,
		Currency:       optionalString(event.Currency),
		Points:         points,
		Status:         initialStatus,
	}

	current, inserted, err := s.repo.InsertConversion(ctx, conversion)
	if err != nil {
		return nil, false, fmt.Errorf("insert conversion: %w", err)
	}
	if !inserted {
		log.Printf("level=info component=credit msg=\"duplicate postback for existing conversion\" partner_id=%s transaction_ref=%s status=%s",
			partner.ID, ref, current.Status)
	}

	switch status {
	case domain.ConversionStatusApproved:
		credited, didCredit, err := s.repo.CreditConversion(ctx, partner.ID, ref, points)
		if err != nil {
			return nil, false, fmt.Errorf("credit conversion: %w", err)
		}
		if didCredit {
			log.Printf("level=info component=credit msg=\"conversion credited\" conversion_id=%s user_id=%s points=%d",
				credited.ID, credited.UserID, credited.Points)
		}
		return credited, didCredit, nil
	case domain.ConversionStatusRejected:
		if inserted {
			return current, false, nil
		}
		rejected, _, err := s.repo.RejectConversion(ctx, partner.ID, ref)
		if err != nil {
			return nil, false, fmt.Errorf("reject conversion: %w", err)
		}
		return rejected, false, nil
	default:
		return current, false, nil
	}
}

// dispatchForwarding hands the credited conversion to the forwarder without
// blocking the inbound acknowledgment. The RabbitMQ path is preferred; when
// the broker is down the fan-out runs on a detached in-process goroutine.
func (s *Service) dispatchForwarding(conversion *domain.Conversion) {
	if s.producer != nil {
		creditedAt := time.Now()
		if conversion.CreditedAt != nil {
			creditedAt = *conversion.CreditedAt
		}
		event := domain.ConversionCreditedEvent{
			ConversionID: conversion.ID,
			PartnerID:    conversion.PartnerID,
			UserID:       conversion.UserID,
			Points:       conversion.Points,
			CreditedAt:   creditedAt,
		}
		publishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.producer.Publish(publishCtx, postbackEventsExchange, conversionCreditedKey, event)
		cancel()
		if err == nil {
			return
		}
		log.Printf("level=warn component=ingest msg=\"credited event publish failed; forwarding in-process\" conversion_id=%s err=%v",
			conversion.ID, err)
	}

	conversionID := conversion.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), forwardingDispatchWindow)
		defer cancel()
		if err := s.forwarder.FanOut(ctx, conversionID); err != nil {
			log.Printf("level=error component=ingest msg=\"in-process forwarding failed\" conversion_id=%s err=%v", conversionID, err)
		}
	}()
}

// RetryDelivery re-invokes forwarding for a recorded attempt, appending a new
// DeliveryAttempt row with the next attempt number.
func (s *Service) RetryDelivery(ctx context.Context, attemptID uuid.UUID) (*domain.DeliveryAttempt, error) {
	return s.forwarder.Retry(ctx, attemptID)
}

// ListReceivedPostbacks exposes the receipt log to the admin API.
func (s *Service) ListReceivedPostbacks(ctx context.Context, filter domain.LogFilter) ([]domain.ReceivedPostback, error) {
	return s.repo.ListReceivedPostbacks(ctx, filter)
}

// ListDeliveryAttempts exposes the delivery log to the admin API.
func (s *Service) ListDeliveryAttempts(ctx context.Context, filter domain.LogFilter) ([]domain.DeliveryAttempt, error) {
	return s.repo.ListDeliveryAttempts(ctx, filter)
}

// GetUserBalance exposes a user's point ledger to the admin API.
func (s *Service) GetUserBalance(ctx context.Context, userID uuid.UUID) (*domain.UserBalance, error) {
	return s.repo.GetUserBalance(ctx, userID)
}

// pointsFor converts a partner payout to points using the configured rate,
// rounding half away from zero.
func (s *Service) pointsFor(payout float64) int64 {
	if s.pointsPerCurrency <= 0 || payout <= 0 {
		return 0
	}
	return int64(math.Round(payout * s.pointsPerCurrency))
}

// validateMappings enforces the registry invariant: every entry binds a known
// canonical name and no two enabled entries share one. Partner parameter names
// may repeat; that is an explicit admin choice, discouraged but not prevented.
func validateMappings(mappings []domain.ParameterMapping) error {
	known := make(map[string]bool, len(domain.CanonicalNames))
	for _, name := range domain.CanonicalNames {
		known[name] = true
	}

	seenEnabled := map[string]bool{}
	for _, mapping := range mappings {
		if !known[mapping.CanonicalName] {
			return fmt.Errorf("%w: unknown canonical name %q", ErrInvalidPartner, mapping.CanonicalName)
		}
		if strings.TrimSpace(mapping.PartnerParam) == "" {
			return fmt.Errorf("%w: empty partner parameter for %q", ErrInvalidPartner, mapping.CanonicalName)
		}
		if mapping.Enabled {
			if seenEnabled[mapping.CanonicalName] {
				return fmt.Errorf("%w: duplicate enabled mapping for %q", ErrInvalidPartner, mapping.CanonicalName)
			}
			seenEnabled[mapping.CanonicalName] = true
		}
	}
	return nil
}

// normalizeStatusRules lowercases rule keys and drops entries whose target is
// not part of the canonical taxonomy.
func normalizeStatusRules(rules map[string]string) map[string]string {
	if rules == nil {
		return nil
	}
	normalized := make(map[string]string, len(rules))
	for synonym, target := range rules {
		switch target {
		case domain.ConversionStatusApproved, domain.ConversionStatusPending, domain.ConversionStatusRejected:
			normalized[strings.ToLower(strings.TrimSpace(synonym))] = target
		}
	}
	return normalized
}

// generateUniqueKey returns a 128-bit random hex token identifying a partner's
// receiving endpoint.
func generateUniqueKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
