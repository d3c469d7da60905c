/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the postback-service. By defining an interface,
 * we decouple the pipeline's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pointwall/postback-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Partner mapping registry
	CreatePartnerMapping(ctx context.Context, partner *domain.PartnerMapping) error
	FindPartnerMappingByKey(ctx context.Context, uniqueKey string) (*domain.PartnerMapping, error)
	FindPartnerMappingByID(ctx context.Context, partnerID uuid.UUID) (*domain.PartnerMapping, error)
	UpdatePartnerMapping(ctx context.Context, partnerID uuid.UUID, params UpdatePartnerMappingParams) (*domain.PartnerMapping, error)
	ListPartnerMappings(ctx context.Context, direction string) ([]domain.PartnerMapping, error)
	ListActiveDownwardPartners(ctx context.Context) ([]domain.PartnerMapping, error)

	// Receipt log (append-only)
	CreateReceivedPostback(ctx context.Context, receipt *domain.ReceivedPostback) error
	MarkReceivedPostbackResolved(ctx context.Context, receiptID uuid.UUID) error
	ListReceivedPostbacks(ctx context.Context, filter domain.LogFilter) ([]domain.ReceivedPostback, error)

	// Conversions and balances
	// InsertConversion inserts the conversion unless one already exists for the
	// same (partner_id, transaction_ref). It returns the row that is now in the
	// database and whether this call inserted it.
	InsertConversion(ctx context.Context, conversion *domain.Conversion) (*domain.Conversion, bool, error)
	FindConversionByID(ctx context.Context, conversionID uuid.UUID) (*domain.Conversion, error)
	FindConversionByRef(ctx context.Context, partnerID uuid.UUID, transactionRef string) (*domain.Conversion, error)
	// CreditConversion transitions a pending conversion to approved and credits
	// the user's balance in one database transaction. The conditional update is
	// the single-writer guarantee: concurrent duplicates observe zero affected
	// rows and skip crediting. Returns the current row and whether this call
	// performed the credit.
	CreditConversion(ctx context.Context, partnerID uuid.UUID, transactionRef string, points int64) (*domain.Conversion, bool, error)
	RejectConversion(ctx context.Context, partnerID uuid.UUID, transactionRef string) (*domain.Conversion, bool, error)
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	GetUserBalance(ctx context.Context, userID uuid.UUID) (*domain.UserBalance, error)

	// Delivery log (append-only)
	CreateDeliveryAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error
	FindDeliveryAttemptByID(ctx context.Context, attemptID uuid.UUID) (*domain.DeliveryAttempt, error)
	LatestAttemptNumber(ctx context.Context, conversionID, partnerID uuid.UUID) (int, error)
	ListDeliveryAttempts(ctx context.Context, filter domain.LogFilter) ([]domain.DeliveryAttempt, error)
	// ListRetryableDeliveries returns the most recent attempt per
	// (conversion, partner) pair where that attempt failed, the attempt cap has
	// not been reached, and the attempt is older than the cutoff.
	ListRetryableDeliveries(ctx context.Context, maxAttempts int, olderThan time.Time, limit int) ([]domain.DeliveryAttempt, error)
}

// UpdatePartnerMappingParams carries the optional fields of a partner update.
// A nil field leaves the current value untouched; Mappings always replaces
// the full list when non-nil.
type UpdatePartnerMappingParams struct {
	Mappings    []domain.ParameterMapping
	PostbackURL *string
	StatusRules map[string]string
	Status      *string
}
