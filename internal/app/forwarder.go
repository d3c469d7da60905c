/**
 * @description
 * Outbound postback forwarding. Once a conversion is credited, the forwarder
 * builds one enriched notification per active downward partner by substituting
 * the partner's macros, sends it over HTTP with a bounded timeout, and records
 * every attempt in the delivery log. Failed sends are retried with exponential
 * backoff up to a configured cap; each retry appends a new DeliveryAttempt row.
 *
 * Key properties:
 * - Partner isolation: each downward partner is delivered to in its own
 *   goroutine, so one unreachable partner never delays the others.
 * - Forwarding never touches conversions or balances. A failed delivery is a
 *   failed DeliveryAttempt row, nothing more.
 *
 * @dependencies
 * - context, io, net/http, net/url, strings, sync, time: Standard Go libraries.
 * - github.com/google/uuid: Attempt IDs.
 * - internal/domain, internal/store: Models and persistence.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pointwall/postback-service/internal/domain"
	"github.com/pointwall/postback-service/internal/store"
)

const maxRecordedResponseBytes = 2048

// ErrMissingPostbackURL is returned when a downward partner has no template URL.
var ErrMissingPostbackURL = errors.New("downward partner has no postback url configured")

// ForwarderConfig carries the operational parameters of outbound delivery.
// It is explicit construction-time configuration; the forwarder reads nothing
// from the environment.
type ForwarderConfig struct {
	Timeout     time.Duration // per-request cap for one outbound call
	MaxAttempts int           // total attempts per (conversion, partner) incl. the first
	BackoffBase time.Duration // first retry delay; doubles per subsequent attempt
}

// Forwarder sends credited conversions to downward partners.
type Forwarder struct {
	repo       store.Repository
	httpClient *http.Client
	cfg        ForwarderConfig
}

// NewForwarder creates a Forwarder with a timeout-bounded HTTP client.
func NewForwarder(repo store.Repository, cfg ForwarderConfig) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	return &Forwarder{
		repo:       repo,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
	}
}

// FanOut delivers one credited conversion to every active downward partner.
// Partners are handled concurrently and independently; FanOut returns once all
// deliveries (including in-line retries) have settled. Errors are returned
// only for load failures, never for delivery outcomes.
func (f *Forwarder) FanOut(ctx context.Context, conversionID uuid.UUID) error {
	conversion, err := f.repo.FindConversionByID(ctx, conversionID)
	if err != nil {
		return fmt.Errorf("load conversion: %w", err)
	}

	user, err := f.repo.FindUserByID(ctx, conversion.UserID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	partners, err := f.repo.ListActiveDownwardPartners(ctx)
	if err != nil {
		return fmt.Errorf("list downward partners: %w", err)
	}
	if len(partners) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for i := range partners {
		partner := partners[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.deliverWithRetry(ctx, conversion, user, &partner)
		}()
	}
	wg.Wait()
	return nil
}

// deliverWithRetry sends to one partner, retrying transient failures with
// exponential backoff until success or the attempt cap.
func (f *Forwarder) deliverWithRetry(ctx context.Context, conversion *domain.Conversion, user *domain.User, partner *domain.PartnerMapping) {
	next, err := f.repo.LatestAttemptNumber(ctx, conversion.ID, partner.ID)
	if err != nil {
		log.Printf("level=error component=forwarder msg=\"attempt number lookup failed\" conversion_id=%s partner_id=%s err=%v",
			conversion.ID, partner.ID, err)
		return
	}

	backoff := f.cfg.BackoffBase
	for attemptNumber := next + 1; attemptNumber <= f.cfg.MaxAttempts; attemptNumber++ {
		attempt, err := f.Forward(ctx, conversion, user, partner, attemptNumber)
		if err != nil {
			log.Printf("level=error component=forwarder msg=\"attempt record failed\" conversion_id=%s partner_id=%s err=%v",
				conversion.ID, partner.ID, err)
			return
		}
		if attempt.Status == domain.DeliveryStatusSuccess {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// Forward performs exactly one delivery attempt to one partner and appends the
// resulting DeliveryAttempt row. The returned error reflects persistence
// failures only; an unreachable partner yields a recorded failed attempt and a
// nil error.
func (f *Forwarder) Forward(ctx context.Context, conversion *domain.Conversion, user *domain.User, partner *domain.PartnerMapping, attemptNumber int) (*domain.DeliveryAttempt, error) {
	attempt := &domain.DeliveryAttempt{
		ID:            uuid.New(),
		ConversionID:  conversion.ID,
		PartnerID:     partner.ID,
		Method:        partner.Method,
		AttemptNumber: attemptNumber,
	}

	targetURL, body, err := buildTarget(conversion, user, partner)
	if err != nil {
		attempt.Status = domain.DeliveryStatusFailed
		attempt.ErrorMessage = optionalString(err.Error())
		attempt.TargetURL = partner.PostbackURL
		if persistErr := f.repo.CreateDeliveryAttempt(ctx, attempt); persistErr != nil {
			return nil, persistErr
		}
		return attempt, nil
	}
	attempt.TargetURL = targetURL
	attempt.RequestBody = body

	code, responseBody, sendErr := f.send(ctx, partner.Method, targetURL, body)
	if code > 0 {
		attempt.ResponseCode = &code
	}
	attempt.ResponseBody = optionalString(responseBody)

	switch {
	case sendErr != nil:
		attempt.Status = domain.DeliveryStatusFailed
		attempt.ErrorMessage = optionalString(sendErr.Error())
	case code >= 200 && code < 300:
		attempt.Status = domain.DeliveryStatusSuccess
	default:
		attempt.Status = domain.DeliveryStatusFailed
		attempt.ErrorMessage = optionalString(fmt.Sprintf("non-2xx response: %d", code))
	}

	if err := f.repo.CreateDeliveryAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	log.Printf("level=info component=forwarder msg=\"delivery attempt recorded\" conversion_id=%s partner=%s attempt=%d status=%s code=%d",
		conversion.ID, partner.Name, attemptNumber, attempt.Status, code)
	return attempt, nil
}

// Retry re-invokes delivery for a previously recorded attempt, producing a new
// DeliveryAttempt row with the next attempt number. Used by the manual admin
// retry endpoint and the scheduled sweeper; neither is bounded by MaxAttempts
// here since a manual retry is an explicit operator decision.
func (f *Forwarder) Retry(ctx context.Context, attemptID uuid.UUID) (*domain.DeliveryAttempt, error) {
	previous, err := f.repo.FindDeliveryAttemptByID(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	conversion, err := f.repo.FindConversionByID(ctx, previous.ConversionID)
	if err != nil {
		return nil, err
	}
	partner, err := f.repo.FindPartnerMappingByID(ctx, previous.PartnerID)
	if err != nil {
		return nil, err
	}
	user, err := f.repo.FindUserByID(ctx, conversion.UserID)
	if err != nil {
		return nil, err
	}

	latest, err := f.repo.LatestAttemptNumber(ctx, conversion.ID, partner.ID)
	if err != nil {
		return nil, err
	}
	return f.Forward(ctx, conversion, user, partner, latest+1)
}

// send performs the HTTP call and returns the status code and a truncated
// response body. A zero code means the request never completed.
func (f *Forwarder) send(ctx context.Context, method, targetURL string, body *string) (int, string, error) {
	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(*body)
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, reader)
	if err != nil {
		return 0, "", err
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxRecordedResponseBytes))
	return resp.StatusCode, string(raw), nil
}

// buildTarget assembles the partner-specific URL and optional form body:
// macros in the template URL are substituted, then each enabled mapping entry
// contributes a partner-named parameter (query string for GET, form body for
// POST).
func buildTarget(conversion *domain.Conversion, user *domain.User, partner *domain.PartnerMapping) (string, *string, error) {
	if strings.TrimSpace(partner.PostbackURL) == "" {
		return "", nil, ErrMissingPostbackURL
	}

	values := macroValues(conversion, user)

	substituted := partner.PostbackURL
	for macro, value := range values {
		substituted = strings.ReplaceAll(substituted, "{"+macro+"}", url.QueryEscape(value))
	}

	params := url.Values{}
	for _, mapping := range partner.Mappings {
		if !mapping.Enabled {
			continue
		}
		if value, ok := values[mapping.CanonicalName]; ok {
			params.Set(mapping.PartnerParam, value)
		}
	}

	if partner.Method == http.MethodPost {
		body := params.Encode()
		return substituted, optionalString(body), nil
	}

	parsed, err := url.Parse(substituted)
	if err != nil {
		return "", nil, fmt.Errorf("parse postback url: %w", err)
	}
	query := parsed.Query()
	for key, vals := range params {
		query.Set(key, vals[0])
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil, nil
}

// macroValues exposes the macro vocabulary available to downward templates.
// username and points exist because forwarding runs after crediting.
func macroValues(conversion *domain.Conversion, user *domain.User) map[string]string {
	values := map[string]string{
		"user_id":        conversion.UserID.String(),
		"status":         conversion.Status,
		"payout":         strconv.FormatFloat(conversion.Payout, 'f', 2, 64),
		"transaction_id": conversion.TransactionRef,
		"conversion_id":  conversion.ID.String(),
		"points":         strconv.FormatInt(conversion.Points, 10),
		"click_id":       "",
		"offer_id":       "",
		"currency":       "",
		"username":       "",
	}
	if conversion.ClickID != nil {
		values["click_id"] = *conversion.ClickID
	}
	if conversion.OfferID != nil {
		values["offer_id"] = *conversion.OfferID
	}
	if conversion.Currency != nil {
		values["currency"] = *conversion.Currency
	}
	if user != nil {
		values["username"] = user.Username
	}
	return values
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}
