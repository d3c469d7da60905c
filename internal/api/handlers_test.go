package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pointwall/postback-service/internal/app"
	"github.com/pointwall/postback-service/internal/domain"
	"github.com/pointwall/postback-service/internal/store"
)

const testAdminSecret = "test-admin-secret"

type handlerRepoStub struct {
	store.Repository

	partner     *domain.PartnerMapping
	receipts    []*domain.ReceivedPostback
	conversions map[string]*domain.Conversion
}

func newHandlerRepoStub(partner *domain.PartnerMapping) *handlerRepoStub {
	return &handlerRepoStub{partner: partner, conversions: make(map[string]*domain.Conversion)}
}

func (s *handlerRepoStub) FindPartnerMappingByKey(ctx context.Context, uniqueKey string) (*domain.PartnerMapping, error) {
	if s.partner == nil || s.partner.UniqueKey != uniqueKey {
		return nil, store.ErrPartnerNotFound
	}
	return s.partner, nil
}

func (s *handlerRepoStub) CreateReceivedPostback(ctx context.Context, receipt *domain.ReceivedPostback) error {
	s.receipts = append(s.receipts, receipt)
	return nil
}

func (s *handlerRepoStub) MarkReceivedPostbackResolved(ctx context.Context, receiptID uuid.UUID) error {
	return nil
}

func (s *handlerRepoStub) InsertConversion(ctx context.Context, conversion *domain.Conversion) (*domain.Conversion, bool, error) {
	key := conversion.PartnerID.String() + "|" + conversion.TransactionRef
	if existing, ok := s.conversions[key]; ok {
		return existing, false, nil
	}
	stored := *conversion
	s.conversions[key] = &stored
	return &stored, true, nil
}

func (s *handlerRepoStub) CreditConversion(ctx context.Context, partnerID uuid.UUID, transactionRef string, points int64) (*domain.Conversion, bool, error) {
	conversion, ok := s.conversions[partnerID.String()+"|"+transactionRef]
	if !ok {
		return nil, false, store.ErrConversionNotFound
	}
	if conversion.Status != domain.ConversionStatusPending {
		return conversion, false, nil
	}
	now := time.Now()
	conversion.Status = domain.ConversionStatusApproved
	conversion.CreditedAt = &now
	return conversion, true, nil
}

func (s *handlerRepoStub) FindConversionByID(ctx context.Context, conversionID uuid.UUID) (*domain.Conversion, error) {
	for _, conversion := range s.conversions {
		if conversion.ID == conversionID {
			return conversion, nil
		}
	}
	return nil, store.ErrConversionNotFound
}

func (s *handlerRepoStub) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	return &domain.User{ID: userID, Username: "tester"}, nil
}

func (s *handlerRepoStub) ListActiveDownwardPartners(ctx context.Context) ([]domain.PartnerMapping, error) {
	return nil, nil
}

func testPartnerFixture() *domain.PartnerMapping {
	return &domain.PartnerMapping{
		ID:        uuid.New(),
		Name:      "offerwall-a",
		UniqueKey: "0123456789abcdef0123456789abcdef",
		Direction: domain.DirectionUpward,
		Method:    http.MethodGet,
		Status:    domain.PartnerStatusActive,
		Mappings: []domain.ParameterMapping{
			{CanonicalName: domain.CanonicalUserID, PartnerParam: "sub_id", Enabled: true},
			{CanonicalName: domain.CanonicalPayout, PartnerParam: "amount", Enabled: true},
			{CanonicalName: domain.CanonicalStatus, PartnerParam: "status", Enabled: true},
			{CanonicalName: domain.CanonicalTransactionID, PartnerParam: "txn", Enabled: true},
		},
	}
}

func testRouter(repo store.Repository) http.Handler {
	forwarder := app.NewForwarder(repo, app.ForwarderConfig{Timeout: time.Second, MaxAttempts: 1, BackoffBase: time.Millisecond})
	service := app.NewService(repo, nil, forwarder, 1000)
	return PostbackRoutes(NewPostbackHandlers(service), testAdminSecret)
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops@pointwall",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testAdminSecret))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return token
}

func TestIngestHandler_UnknownKeyReturns404WithoutReceipt(t *testing.T) {
	repo := newHandlerRepoStub(testPartnerFixture())
	router := testRouter(repo)

	req := httptest.NewRequest(http.MethodGet, "/postback/ffffffffffffffffffffffffffffffff?sub_id=x", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if len(repo.receipts) != 0 {
		t.Fatalf("unknown key must not leave a receipt, got %d", len(repo.receipts))
	}
}

func TestIngestHandler_ApprovedConversionAcknowledged(t *testing.T) {
	partner := testPartnerFixture()
	repo := newHandlerRepoStub(partner)
	router := testRouter(repo)

	userID := uuid.New()
	target := "/postback/" + partner.UniqueKey + "?sub_id=" + userID.String() + "&amount=0.50&status=1&txn=t1"
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("User-Agent", "offerwall-a/1.0")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); body != "OK" {
		t.Fatalf("expected plain OK acknowledgment, got %q", body)
	}
	if len(repo.receipts) != 1 {
		t.Fatalf("expected one receipt, got %d", len(repo.receipts))
	}
	if repo.receipts[0].UserAgent != "offerwall-a/1.0" {
		t.Fatalf("expected user agent recorded, got %q", repo.receipts[0].UserAgent)
	}
	if len(repo.conversions) != 1 {
		t.Fatalf("expected one conversion, got %d", len(repo.conversions))
	}
}

func TestIngestHandler_MalformedPostbackStillAcknowledged(t *testing.T) {
	partner := testPartnerFixture()
	repo := newHandlerRepoStub(partner)
	router := testRouter(repo)

	// No user id and no status: unresolvable, but the partner still gets 200.
	req := httptest.NewRequest(http.MethodGet, "/postback/"+partner.UniqueKey+"?amount=0.50", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for malformed postback, got %d", rec.Code)
	}
	if len(repo.receipts) != 1 {
		t.Fatalf("malformed postback must still be logged, got %d receipts", len(repo.receipts))
	}
	if len(repo.conversions) != 0 {
		t.Fatalf("malformed postback must not convert, got %d conversions", len(repo.conversions))
	}
}

func TestIngestHandler_MergesFormBodyIntoParams(t *testing.T) {
	partner := testPartnerFixture()
	partner.Method = http.MethodPost
	repo := newHandlerRepoStub(partner)
	router := testRouter(repo)

	userID := uuid.New()
	form := "sub_id=" + userID.String() + "&amount=0.50&status=1&txn=t2"
	req := httptest.NewRequest(http.MethodPost, "/postback/"+partner.UniqueKey, strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(repo.receipts) != 1 {
		t.Fatalf("expected one receipt, got %d", len(repo.receipts))
	}
	if repo.receipts[0].RawBody == nil || *repo.receipts[0].RawBody != form {
		t.Fatal("expected raw body preserved on the receipt")
	}
	if repo.receipts[0].Params["sub_id"] != userID.String() {
		t.Fatalf("expected form fields merged into params, got %v", repo.receipts[0].Params)
	}
	if len(repo.conversions) != 1 {
		t.Fatalf("expected form postback to convert, got %d conversions", len(repo.conversions))
	}
}

func TestIngestHandler_MergesJSONBodyIntoParams(t *testing.T) {
	partner := testPartnerFixture()
	partner.Method = http.MethodPost
	repo := newHandlerRepoStub(partner)
	router := testRouter(repo)

	userID := uuid.New()
	payload := `{"sub_id":"` + userID.String() + `","amount":0.5,"status":"1","txn":"t3"}`
	req := httptest.NewRequest(http.MethodPost, "/postback/"+partner.UniqueKey, strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(repo.conversions) != 1 {
		t.Fatalf("expected json postback to convert, got %d conversions", len(repo.conversions))
	}
	if repo.receipts[0].Params["amount"] != "0.5" {
		t.Fatalf("expected numeric json field stringified, got %q", repo.receipts[0].Params["amount"])
	}
}

func TestAdminRoutes_RequireBearerToken(t *testing.T) {
	repo := newHandlerRepoStub(testPartnerFixture())
	router := testRouter(repo)

	req := httptest.NewRequest(http.MethodGet, "/admin/templates", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/templates", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/templates", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Templates []string `json:"templates"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("invalid templates response: %v", err)
	}
	if len(body.Templates) == 0 {
		t.Fatal("expected at least one canned template")
	}
}

func TestCreatePartnerMappingHandler_ValidationErrors(t *testing.T) {
	repo := newHandlerRepoStub(testPartnerFixture())
	router := testRouter(repo)

	payload := `{"name":"x","direction":"sideways"}`
	req := httptest.NewRequest(http.MethodPost, "/admin/partners", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid direction, got %d", rec.Code)
	}
}

func TestParseLogFilter_RejectsBadInput(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/admin/postbacks/received?partner_id=nope", nil)
	if _, err := parseLogFilter(req); err == nil {
		t.Fatal("expected error for invalid partner_id")
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/postbacks/received?date_from=yesterday", nil)
	if _, err := parseLogFilter(req); err == nil {
		t.Fatal("expected error for invalid date_from")
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/postbacks/received?limit=-3", nil)
	if _, err := parseLogFilter(req); err == nil {
		t.Fatal("expected error for negative limit")
	}
}

func TestClientIP_PrefersForwardedHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:52011"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("expected first forwarded address, got %q", got)
	}

	req.Header.Del("X-Forwarded-For")
	if got := clientIP(req); got != "10.0.0.9" {
		t.Fatalf("expected remote addr host, got %q", got)
	}
}
