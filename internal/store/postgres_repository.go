/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to partner mappings, received postbacks, conversions, user balances,
 * and delivery attempts.
 *
 * @dependencies
 * - context, encoding/json, errors, fmt, strings, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - Parameter mapping lists, status-rule tables, and raw request parameters are
 *   stored as JSONB columns; they are opaque to SQL and only interpreted by the
 *   resolver.
 * - The (partner_id, transaction_ref) unique constraint on `conversions` backs
 *   the at-most-once credit guarantee.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pointwall/postback-service/internal/domain"
)

var (
	ErrPartnerNotFound    = errors.New("partner mapping not found")
	ErrConversionNotFound = errors.New("conversion not found")
	ErrAttemptNotFound    = errors.New("delivery attempt not found")
	ErrUserNotFound       = errors.New("user not found")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const partnerMappingColumns = `id, name, unique_key, direction, method, status,
	COALESCE(postback_url, '') AS postback_url, mappings, status_rules, created_at, updated_at`

func scanPartnerMapping(row pgx.Row) (*domain.PartnerMapping, error) {
	var (
		partner       domain.PartnerMapping
		mappingsJSON  []byte
		statusRuleRaw []byte
	)
	err := row.Scan(
		&partner.ID,
		&partner.Name,
		&partner.UniqueKey,
		&partner.Direction,
		&partner.Method,
		&partner.Status,
		&partner.PostbackURL,
		&mappingsJSON,
		&statusRuleRaw,
		&partner.CreatedAt,
		&partner.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(mappingsJSON) > 0 {
		if err := json.Unmarshal(mappingsJSON, &partner.Mappings); err != nil {
			return nil, fmt.Errorf("decode mappings: %w", err)
		}
	}
	if len(statusRuleRaw) > 0 {
		if err := json.Unmarshal(statusRuleRaw, &partner.StatusRules); err != nil {
			return nil, fmt.Errorf("decode status rules: %w", err)
		}
	}
	return &partner, nil
}

// CreatePartnerMapping inserts a new partner mapping record.
func (r *PostgresRepository) CreatePartnerMapping(ctx context.Context, partner *domain.PartnerMapping) error {
	mappingsJSON, err := json.Marshal(partner.Mappings)
	if err != nil {
		return fmt.Errorf("encode mappings: %w", err)
	}
	statusRulesJSON, err := json.Marshal(partner.StatusRules)
	if err != nil {
		return fmt.Errorf("encode status rules: %w", err)
	}
	query := `
		INSERT INTO partner_mappings (id, name, unique_key, direction, method, status, postback_url, mappings, status_rules)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		partner.ID, partner.Name, partner.UniqueKey, partner.Direction,
		partner.Method, partner.Status, partner.PostbackURL, mappingsJSON, statusRulesJSON,
	).Scan(&partner.CreatedAt, &partner.UpdatedAt)
}

// FindPartnerMappingByKey resolves a partner from its receiving unique key.
func (r *PostgresRepository) FindPartnerMappingByKey(ctx context.Context, uniqueKey string) (*domain.PartnerMapping, error) {
	query := fmt.Sprintf(`SELECT %s FROM partner_mappings WHERE unique_key = $1`, partnerMappingColumns)
	partner, err := scanPartnerMapping(r.db.QueryRow(ctx, query, uniqueKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPartnerNotFound
		}
		return nil, err
	}
	return partner, nil
}

// FindPartnerMappingByID retrieves a partner mapping by its ID.
func (r *PostgresRepository) FindPartnerMappingByID(ctx context.Context, partnerID uuid.UUID) (*domain.PartnerMapping, error) {
	query := fmt.Sprintf(`SELECT %s FROM partner_mappings WHERE id = $1`, partnerMappingColumns)
	partner, err := scanPartnerMapping(r.db.QueryRow(ctx, query, partnerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPartnerNotFound
		}
		return nil, err
	}
	return partner, nil
}

// UpdatePartnerMapping applies a partial update. The mapping list is replaced
// wholesale when provided; the unique key is never touched.
func (r *PostgresRepository) UpdatePartnerMapping(ctx context.Context, partnerID uuid.UUID, params UpdatePartnerMappingParams) (*domain.PartnerMapping, error) {
	setClauses := []string{"updated_at = NOW()"}
	args := []interface{}{partnerID}

	if params.Mappings != nil {
		mappingsJSON, err := json.Marshal(params.Mappings)
		if err != nil {
			return nil, fmt.Errorf("encode mappings: %w", err)
		}
		args = append(args, mappingsJSON)
		setClauses = append(setClauses, fmt.Sprintf("mappings = $%d", len(args)))
	}
	if params.StatusRules != nil {
		statusRulesJSON, err := json.Marshal(params.StatusRules)
		if err != nil {
			return nil, fmt.Errorf("encode status rules: %w", err)
		}
		args = append(args, statusRulesJSON)
		setClauses = append(setClauses, fmt.Sprintf("status_rules = $%d", len(args)))
	}
	if params.PostbackURL != nil {
		args = append(args, *params.PostbackURL)
		setClauses = append(setClauses, fmt.Sprintf("postback_url = NULLIF($%d, '')", len(args)))
	}
	if params.Status != nil {
		args = append(args, *params.Status)
		setClauses = append(setClauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := fmt.Sprintf(`UPDATE partner_mappings SET %s WHERE id = $1 RETURNING %s`,
		strings.Join(setClauses, ", "), partnerMappingColumns)
	partner, err := scanPartnerMapping(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPartnerNotFound
		}
		return nil, err
	}
	return partner, nil
}

// ListPartnerMappings returns all partner mappings, optionally filtered by direction.
func (r *PostgresRepository) ListPartnerMappings(ctx context.Context, direction string) ([]domain.PartnerMapping, error) {
	query := fmt.Sprintf(`SELECT %s FROM partner_mappings`, partnerMappingColumns)
	args := []interface{}{}
	if direction != "" {
		query += ` WHERE direction = $1`
		args = append(args, direction)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var partners []domain.PartnerMapping
	for rows.Next() {
		partner, err := scanPartnerMapping(rows)
		if err != nil {
			return nil, err
		}
		partners = append(partners, *partner)
	}
	return partners, rows.Err()
}

// ListActiveDownwardPartners returns the partners the forwarder fans out to.
func (r *PostgresRepository) ListActiveDownwardPartners(ctx context.Context) ([]domain.PartnerMapping, error) {
	query := fmt.Sprintf(`SELECT %s FROM partner_mappings WHERE direction = $1 AND status = $2 ORDER BY created_at`,
		partnerMappingColumns)
	rows, err := r.db.Query(ctx, query, domain.DirectionDownward, domain.PartnerStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var partners []domain.PartnerMapping
	for rows.Next() {
		partner, err := scanPartnerMapping(rows)
		if err != nil {
			return nil, err
		}
		partners = append(partners, *partner)
	}
	return partners, rows.Err()
}

// CreateReceivedPostback appends one raw receipt row.
func (r *PostgresRepository) CreateReceivedPostback(ctx context.Context, receipt *domain.ReceivedPostback) error {
	paramsJSON, err := json.Marshal(receipt.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	query := `
		INSERT INTO received_postbacks (id, partner_id, method, params, raw_body, ip_address, user_agent, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		receipt.ID, receipt.PartnerID, receipt.Method, paramsJSON,
		receipt.RawBody, receipt.IPAddress, receipt.UserAgent, receipt.Resolved,
	).Scan(&receipt.CreatedAt)
}

// MarkReceivedPostbackResolved flags a receipt whose resolution produced a conversion.
// The raw payload itself is never rewritten.
func (r *PostgresRepository) MarkReceivedPostbackResolved(ctx context.Context, receiptID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE received_postbacks SET resolved = TRUE WHERE id = $1`, receiptID)
	return err
}

// ListReceivedPostbacks returns receipts newest-first with the standard admin filters.
func (r *PostgresRepository) ListReceivedPostbacks(ctx context.Context, filter domain.LogFilter) ([]domain.ReceivedPostback, error) {
	query := `
		SELECT id, partner_id, method, params, raw_body, ip_address, user_agent, resolved, created_at
		FROM received_postbacks
	`
	// Receipts have no status column; the status filter maps onto the resolved flag.
	statusFilter := filter.Status
	filter.Status = ""
	where, args := buildLogFilter(filter, "created_at")
	switch statusFilter {
	case "resolved":
		where = appendClause(where, "resolved = TRUE")
	case "unresolved":
		where = appendClause(where, "resolved = FALSE")
	}
	query += where + ` ORDER BY created_at DESC` + buildPagination(filter, &args)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []domain.ReceivedPostback
	for rows.Next() {
		var (
			receipt    domain.ReceivedPostback
			paramsJSON []byte
		)
		if err := rows.Scan(
			&receipt.ID, &receipt.PartnerID, &receipt.Method, &paramsJSON,
			&receipt.RawBody, &receipt.IPAddress, &receipt.UserAgent, &receipt.Resolved, &receipt.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(paramsJSON) > 0 {
			if err := json.Unmarshal(paramsJSON, &receipt.Params); err != nil {
				return nil, fmt.Errorf("decode params: %w", err)
			}
		}
		receipts = append(receipts, receipt)
	}
	return receipts, rows.Err()
}

const conversionColumns = `id, partner_id, transaction_ref, user_id, offer_id, click_id,
	payout, currency, points, status, created_at, credited_at`

func scanConversion(row pgx.Row) (*domain.Conversion, error) {
	var conversion domain.Conversion
	err := row.Scan(
		&conversion.ID, &conversion.PartnerID, &conversion.TransactionRef, &conversion.UserID,
		&conversion.OfferID, &conversion.ClickID, &conversion.Payout, &conversion.Currency,
		&conversion.Points, &conversion.Status, &conversion.CreatedAt, &conversion.CreditedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conversion, nil
}

// InsertConversion inserts the conversion unless one already exists for the
// same (partner_id, transaction_ref). The unique constraint makes concurrent
// duplicates lose the insert race; losers read back the winner's row.
func (r *PostgresRepository) InsertConversion(ctx context.Context, conversion *domain.Conversion) (*domain.Conversion, bool, error) {
	query := `
		INSERT INTO conversions (id, partner_id, transaction_ref, user_id, offer_id, click_id, payout, currency, points, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (partner_id, transaction_ref) DO NOTHING
		RETURNING ` + conversionColumns
	inserted, err := scanConversion(r.db.QueryRow(ctx, query,
		conversion.ID, conversion.PartnerID, conversion.TransactionRef, conversion.UserID,
		conversion.OfferID, conversion.ClickID, conversion.Payout, conversion.Currency,
		conversion.Points, conversion.Status,
	))
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	existing, err := r.FindConversionByRef(ctx, conversion.PartnerID, conversion.TransactionRef)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// FindConversionByID retrieves a conversion by its ID.
func (r *PostgresRepository) FindConversionByID(ctx context.Context, conversionID uuid.UUID) (*domain.Conversion, error) {
	query := `SELECT ` + conversionColumns + ` FROM conversions WHERE id = $1`
	conversion, err := scanConversion(r.db.QueryRow(ctx, query, conversionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversionNotFound
		}
		return nil, err
	}
	return conversion, nil
}

// FindConversionByRef retrieves a conversion by its idempotency key.
func (r *PostgresRepository) FindConversionByRef(ctx context.Context, partnerID uuid.UUID, transactionRef string) (*domain.Conversion, error) {
	query := `SELECT ` + conversionColumns + ` FROM conversions WHERE partner_id = $1 AND transaction_ref = $2`
	conversion, err := scanConversion(r.db.QueryRow(ctx, query, partnerID, transactionRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversionNotFound
		}
		return nil, err
	}
	return conversion, nil
}

// CreditConversion transitions a pending conversion to approved and credits the
// user's balance in one database transaction. The conditional UPDATE is the
// single-writer guarantee required for at-most-once crediting: of N concurrent
// callers exactly one sees an affected row and performs the balance increment.
func (r *PostgresRepository) CreditConversion(ctx context.Context, partnerID uuid.UUID, transactionRef string, points int64) (*domain.Conversion, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE conversions
		SET status = $3, points = $4, credited_at = NOW()
		WHERE partner_id = $1 AND transaction_ref = $2 AND status = $5
		RETURNING ` + conversionColumns
	conversion, err := scanConversion(tx.QueryRow(ctx, query,
		partnerID, transactionRef, domain.ConversionStatusApproved, points, domain.ConversionStatusPending))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already approved or rejected by another writer; report the current state.
			existing, findErr := r.FindConversionByRef(ctx, partnerID, transactionRef)
			if findErr != nil {
				return nil, false, findErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	balanceQuery := `
		INSERT INTO user_balances (user_id, available_points, total_points)
		VALUES ($1, $2, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET available_points = user_balances.available_points + EXCLUDED.available_points,
		    total_points = user_balances.total_points + EXCLUDED.total_points,
		    updated_at = NOW()
	`
	if _, err := tx.Exec(ctx, balanceQuery, conversion.UserID, points); err != nil {
		return nil, false, fmt.Errorf("credit balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return conversion, true, nil
}

// RejectConversion marks a pending conversion rejected. Approved and rejected
// conversions are terminal, so the update is conditional on pending status.
func (r *PostgresRepository) RejectConversion(ctx context.Context, partnerID uuid.UUID, transactionRef string) (*domain.Conversion, bool, error) {
	query := `
		UPDATE conversions
		SET status = $3
		WHERE partner_id = $1 AND transaction_ref = $2 AND status = $4
		RETURNING ` + conversionColumns
	conversion, err := scanConversion(r.db.QueryRow(ctx, query,
		partnerID, transactionRef, domain.ConversionStatusRejected, domain.ConversionStatusPending))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, findErr := r.FindConversionByRef(ctx, partnerID, transactionRef)
			if findErr != nil {
				return nil, false, findErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return conversion, true, nil
}

// FindUserByID retrieves a user by ID for crediting and macro enrichment.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var user domain.User
	err := r.db.QueryRow(ctx, `SELECT id, btrim(username) FROM users WHERE id = $1`, userID).
		Scan(&user.ID, &user.Username)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetUserBalance returns the point ledger for a user. A user with no ledger
// row yet reads as all zeros.
func (r *PostgresRepository) GetUserBalance(ctx context.Context, userID uuid.UUID) (*domain.UserBalance, error) {
	var balance domain.UserBalance
	query := `
		SELECT user_id, available_points, pending_points, redeemed_points, total_points, updated_at
		FROM user_balances
		WHERE user_id = $1
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&balance.UserID, &balance.AvailablePoints, &balance.PendingPoints,
		&balance.RedeemedPoints, &balance.TotalPoints, &balance.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &domain.UserBalance{UserID: userID}, nil
		}
		return nil, err
	}
	return &balance, nil
}

const deliveryAttemptColumns = `id, conversion_id, partner_id, method, target_url, request_body,
	attempt_number, status, response_code, response_body, error_message, sent_at`

func scanDeliveryAttempt(row pgx.Row) (*domain.DeliveryAttempt, error) {
	var attempt domain.DeliveryAttempt
	err := row.Scan(
		&attempt.ID, &attempt.ConversionID, &attempt.PartnerID, &attempt.Method,
		&attempt.TargetURL, &attempt.RequestBody, &attempt.AttemptNumber, &attempt.Status,
		&attempt.ResponseCode, &attempt.ResponseBody, &attempt.ErrorMessage, &attempt.SentAt,
	)
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// CreateDeliveryAttempt appends one outbound attempt row.
func (r *PostgresRepository) CreateDeliveryAttempt(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	query := `
		INSERT INTO delivery_attempts (id, conversion_id, partner_id, method, target_url, request_body,
			attempt_number, status, response_code, response_body, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING sent_at
	`
	return r.db.QueryRow(ctx, query,
		attempt.ID, attempt.ConversionID, attempt.PartnerID, attempt.Method,
		attempt.TargetURL, attempt.RequestBody, attempt.AttemptNumber, attempt.Status,
		attempt.ResponseCode, attempt.ResponseBody, attempt.ErrorMessage,
	).Scan(&attempt.SentAt)
}

// FindDeliveryAttemptByID retrieves a single attempt, used by manual retry.
func (r *PostgresRepository) FindDeliveryAttemptByID(ctx context.Context, attemptID uuid.UUID) (*domain.DeliveryAttempt, error) {
	query := `SELECT ` + deliveryAttemptColumns + ` FROM delivery_attempts WHERE id = $1`
	attempt, err := scanDeliveryAttempt(r.db.QueryRow(ctx, query, attemptID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	return attempt, nil
}

// LatestAttemptNumber returns the highest attempt number recorded for a
// (conversion, partner) pair, or zero when none exists yet.
func (r *PostgresRepository) LatestAttemptNumber(ctx context.Context, conversionID, partnerID uuid.UUID) (int, error) {
	var number int
	query := `
		SELECT COALESCE(MAX(attempt_number), 0)
		FROM delivery_attempts
		WHERE conversion_id = $1 AND partner_id = $2
	`
	if err := r.db.QueryRow(ctx, query, conversionID, partnerID).Scan(&number); err != nil {
		return 0, err
	}
	return number, nil
}

// ListDeliveryAttempts returns attempts newest-first with the standard admin filters.
func (r *PostgresRepository) ListDeliveryAttempts(ctx context.Context, filter domain.LogFilter) ([]domain.DeliveryAttempt, error) {
	query := `SELECT ` + deliveryAttemptColumns + ` FROM delivery_attempts`
	where, args := buildLogFilter(filter, "sent_at")
	query += where + ` ORDER BY sent_at DESC` + buildPagination(filter, &args)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.DeliveryAttempt
	for rows.Next() {
		attempt, err := scanDeliveryAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *attempt)
	}
	return attempts, rows.Err()
}

// ListRetryableDeliveries selects the latest attempt per (conversion, partner)
// pair where that attempt failed below the cap and is old enough to retry.
func (r *PostgresRepository) ListRetryableDeliveries(ctx context.Context, maxAttempts int, olderThan time.Time, limit int) ([]domain.DeliveryAttempt, error) {
	query := `
		SELECT ` + deliveryAttemptColumns + ` FROM (
			SELECT DISTINCT ON (conversion_id, partner_id) ` + deliveryAttemptColumns + `
			FROM delivery_attempts
			ORDER BY conversion_id, partner_id, attempt_number DESC
		) latest
		WHERE status = $1 AND attempt_number < $2 AND sent_at < $3
		ORDER BY sent_at
		LIMIT $4
	`
	rows, err := r.db.Query(ctx, query, domain.DeliveryStatusFailed, maxAttempts, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.DeliveryAttempt
	for rows.Next() {
		attempt, err := scanDeliveryAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *attempt)
	}
	return attempts, rows.Err()
}

// buildLogFilter assembles the shared WHERE clause for the two log listings.
func buildLogFilter(filter domain.LogFilter, timestampColumn string) (string, []interface{}) {
	clauses := []string{}
	args := []interface{}{}

	if filter.PartnerID != nil {
		args = append(args, *filter.PartnerID)
		clauses = append(clauses, fmt.Sprintf("partner_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.DateFrom != nil {
		args = append(args, *filter.DateFrom)
		clauses = append(clauses, fmt.Sprintf("%s >= $%d", timestampColumn, len(args)))
	}
	if filter.DateTo != nil {
		args = append(args, *filter.DateTo)
		clauses = append(clauses, fmt.Sprintf("%s <= $%d", timestampColumn, len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func appendClause(where, clause string) string {
	if where == "" {
		return " WHERE " + clause
	}
	return where + " AND " + clause
}

func buildPagination(filter domain.LogFilter, args *[]interface{}) string {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	*args = append(*args, limit)
	clause := fmt.Sprintf(" LIMIT $%d", len(*args))
	if filter.Offset > 0 {
		*args = append(*args, filter.Offset)
		clause += fmt.Sprintf(" OFFSET $%d", len(*args))
	}
	return clause
}
