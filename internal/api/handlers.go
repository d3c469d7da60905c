/**
 * @description
 * This file contains the HTTP handlers for the postback-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * The ingest handler deliberately acknowledges almost everything with 200 "OK":
 * upward networks retry on non-2xx responses, and a misconfigured mapping is our
 * problem to fix from the receipt log, not theirs to redeliver.
 *
 * @dependencies
 * - encoding/json, io, net/http, net/url, strconv, strings: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pointwall/postback-service/internal/app"
	"github.com/pointwall/postback-service/internal/domain"
	"github.com/pointwall/postback-service/internal/store"
)

// maxIngestBodyBytes bounds how much of an inbound POST body is read and logged.
const maxIngestBodyBytes = 64 * 1024

// PostbackHandlers holds the application service that handlers will use.
type PostbackHandlers struct {
	service *app.Service
}

// NewPostbackHandlers creates a new instance of PostbackHandlers.
func NewPostbackHandlers(service *app.Service) *PostbackHandlers {
	return &PostbackHandlers{service: service}
}

// IngestHandler handles inbound postbacks on /postback/{uniqueKey} for both
// GET and POST. Query parameters, form bodies, and flat JSON bodies are merged
// into one parameter map; the raw body is kept verbatim for the receipt log.
func (h *PostbackHandlers) IngestHandler(w http.ResponseWriter, r *http.Request) {
	uniqueKey := chi.URLParam(r, "uniqueKey")

	params := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			params[name] = values[0]
		}
	}

	var rawBody *string
	if r.Method == http.MethodPost && r.Body != nil {
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBodyBytes))
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Unable to read request body")
			return
		}
		if len(bodyBytes) > 0 {
			body := string(bodyBytes)
			rawBody = &body
			mergeBodyParams(params, r.Header.Get("Content-Type"), bodyBytes)
		}
	}

	result, err := h.service.IngestPostback(r.Context(), app.IngestRequest{
		UniqueKey: uniqueKey,
		Method:    r.Method,
		Params:    params,
		RawBody:   rawBody,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		if errors.Is(err, store.ErrPartnerNotFound) {
			// Unknown key: no receipt, no partner to notify, nothing to log loudly.
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if errors.Is(err, app.ErrRateLimited) {
			log.Printf("level=warn component=api endpoint=ingest outcome=throttled unique_key=%s", uniqueKey)
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		log.Printf("level=error component=api endpoint=ingest outcome=error unique_key=%s err=%v", uniqueKey, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	log.Printf("level=info component=api endpoint=ingest outcome=accepted receipt_id=%s resolved=%t credited=%t",
		result.Receipt.ID, result.Resolved, result.Credited)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// mergeBodyParams folds a form-encoded or flat JSON POST body into the
// parameter map. Query-string parameters win on collision.
func mergeBodyParams(params map[string]string, contentType string, body []byte) {
	mediaType := contentType
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = mediaType[:idx]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))

	switch mediaType {
	case "application/json":
		var fields map[string]interface{}
		if err := json.Unmarshal(body, &fields); err != nil {
			return
		}
		for name, value := range fields {
			if _, exists := params[name]; exists {
				continue
			}
			switch v := value.(type) {
			case string:
				params[name] = v
			case float64:
				params[name] = strconv.FormatFloat(v, 'f', -1, 64)
			case bool:
				params[name] = strconv.FormatBool(v)
			}
		}
	default:
		// Treat anything else as form-encoded; partner trackers are loose
		// about the Content-Type header.
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return
		}
		for name, fieldValues := range values {
			if _, exists := params[name]; exists {
				continue
			}
			if len(fieldValues) > 0 {
				params[name] = fieldValues[0]
			}
		}
	}
}

// clientIP resolves the originating address, preferring proxy headers.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx >= 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// CreatePartnerMappingHandler registers a new partner and returns the full
// record including the generated unique key.
func (h *PostbackHandlers) CreatePartnerMappingHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreatePartnerMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	partner, err := h.service.CreatePartnerMapping(r.Context(), req)
	if err != nil {
		if errors.Is(err, app.ErrInvalidPartner) || errors.Is(err, app.ErrUnknownTemplate) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=create_partner outcome=error err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to create partner mapping")
		return
	}

	h.writeJSON(w, http.StatusCreated, partner)
}

// UpdatePartnerMappingHandler replaces a partner's mapping list and optional fields.
func (h *PostbackHandlers) UpdatePartnerMappingHandler(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := h.parseUUIDParam(w, r, "partnerID")
	if !ok {
		return
	}

	var req domain.UpdatePartnerMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	partner, err := h.service.UpdatePartnerMapping(r.Context(), partnerID, req)
	if err != nil {
		if errors.Is(err, store.ErrPartnerNotFound) {
			h.writeError(w, http.StatusNotFound, "Partner mapping not found")
			return
		}
		if errors.Is(err, app.ErrInvalidPartner) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=update_partner outcome=error partner_id=%s err=%v", partnerID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to update partner mapping")
		return
	}

	h.writeJSON(w, http.StatusOK, partner)
}

// GetPartnerMappingHandler returns one partner mapping by ID.
func (h *PostbackHandlers) GetPartnerMappingHandler(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := h.parseUUIDParam(w, r, "partnerID")
	if !ok {
		return
	}

	partner, err := h.service.GetPartnerMapping(r.Context(), partnerID)
	if err != nil {
		if errors.Is(err, store.ErrPartnerNotFound) {
			h.writeError(w, http.StatusNotFound, "Partner mapping not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_partner outcome=error partner_id=%s err=%v", partnerID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load partner mapping")
		return
	}

	h.writeJSON(w, http.StatusOK, partner)
}

// ListPartnerMappingsHandler lists partners, optionally filtered by ?direction=.
func (h *PostbackHandlers) ListPartnerMappingsHandler(w http.ResponseWriter, r *http.Request) {
	partners, err := h.service.ListPartnerMappings(r.Context(), r.URL.Query().Get("direction"))
	if err != nil {
		if errors.Is(err, app.ErrInvalidPartner) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=list_partners outcome=error err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list partner mappings")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"partners": partners})
}

// ListTemplatesHandler returns the canned integration template names.
func (h *PostbackHandlers) ListTemplatesHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"templates": app.TemplateNames()})
}

// GetTemplateHandler returns the mapping list a named template would apply.
func (h *PostbackHandlers) GetTemplateHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	mappings, err := app.ApplyTemplate(name)
	if err != nil {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown template %q", name))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"name": name, "mappings": mappings})
}

// ListReceivedPostbacksHandler exposes the raw receipt log with filters.
func (h *PostbackHandlers) ListReceivedPostbacksHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	receipts, err := h.service.ListReceivedPostbacks(r.Context(), filter)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_received outcome=error err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list received postbacks")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"received_postbacks": receipts})
}

// ListDeliveryAttemptsHandler exposes the outbound delivery log with filters.
func (h *PostbackHandlers) ListDeliveryAttemptsHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	attempts, err := h.service.ListDeliveryAttempts(r.Context(), filter)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_deliveries outcome=error err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list delivery attempts")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"delivery_attempts": attempts})
}

// RetryDeliveryHandler re-sends a recorded delivery attempt and returns the
// freshly appended attempt row.
func (h *PostbackHandlers) RetryDeliveryHandler(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := h.parseUUIDParam(w, r, "attemptID")
	if !ok {
		return
	}

	subject, _ := GetAdminSubject(r.Context())
	log.Printf("level=info component=api endpoint=retry_delivery outcome=accepted attempt_id=%s admin=%s", attemptID, subject)

	attempt, err := h.service.RetryDelivery(r.Context(), attemptID)
	if err != nil {
		if errors.Is(err, store.ErrAttemptNotFound) {
			h.writeError(w, http.StatusNotFound, "Delivery attempt not found")
			return
		}
		if errors.Is(err, store.ErrConversionNotFound) || errors.Is(err, store.ErrPartnerNotFound) {
			h.writeError(w, http.StatusConflict, "Delivery attempt references a missing record")
			return
		}
		log.Printf("level=error component=api endpoint=retry_delivery outcome=error attempt_id=%s err=%v", attemptID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to retry delivery")
		return
	}

	h.writeJSON(w, http.StatusOK, attempt)
}

// GetUserBalanceHandler returns a user's point ledger.
func (h *PostbackHandlers) GetUserBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.parseUUIDParam(w, r, "userID")
	if !ok {
		return
	}

	balance, err := h.service.GetUserBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			h.writeError(w, http.StatusNotFound, "User not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_balance outcome=error user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load user balance")
		return
	}

	h.writeJSON(w, http.StatusOK, balance)
}

// parseLogFilter reads the shared listing query parameters.
func parseLogFilter(r *http.Request) (domain.LogFilter, error) {
	var filter domain.LogFilter
	query := r.URL.Query()

	if raw := query.Get("partner_id"); raw != "" {
		partnerID, err := uuid.Parse(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid partner_id: %v", err)
		}
		filter.PartnerID = &partnerID
	}
	filter.Status = strings.TrimSpace(query.Get("status"))

	if raw := query.Get("date_from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid date_from, expected RFC3339: %v", err)
		}
		filter.DateFrom = &from
	}
	if raw := query.Get("date_to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("invalid date_to, expected RFC3339: %v", err)
		}
		filter.DateTo = &to
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("invalid limit %q", raw)
		}
		filter.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, fmt.Errorf("invalid offset %q", raw)
		}
		filter.Offset = offset
	}

	return filter, nil
}

func (h *PostbackHandlers) parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s: %v", name, err))
		return uuid.Nil, false
	}
	return id, true
}

// writeJSON is a helper for writing JSON responses.
func (h *PostbackHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *PostbackHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
