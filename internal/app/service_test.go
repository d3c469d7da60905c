package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pointwall/postback-service/internal/domain"
	"github.com/pointwall/postback-service/internal/store"
)

// ingestRepoStub implements the conversion state machine in memory so the
// pipeline's idempotency behavior can be exercised end to end.
type ingestRepoStub struct {
	store.Repository

	mu sync.Mutex

	partner     *domain.PartnerMapping
	receipts    []*domain.ReceivedPostback
	conversions map[string]*domain.Conversion
	balances    map[uuid.UUID]int64
	creditCalls int
}

func newIngestRepoStub(partner *domain.PartnerMapping) *ingestRepoStub {
	return &ingestRepoStub{
		partner:     partner,
		conversions: make(map[string]*domain.Conversion),
		balances:    make(map[uuid.UUID]int64),
	}
}

func (s *ingestRepoStub) conversionKey(partnerID uuid.UUID, ref string) string {
	return partnerID.String() + "|" + ref
}

func (s *ingestRepoStub) FindPartnerMappingByKey(ctx context.Context, uniqueKey string) (*domain.PartnerMapping, error) {
	if s.partner == nil || s.partner.UniqueKey != uniqueKey {
		return nil, store.ErrPartnerNotFound
	}
	return s.partner, nil
}

func (s *ingestRepoStub) CreateReceivedPostback(ctx context.Context, receipt *domain.ReceivedPostback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	receipt.CreatedAt = time.Now()
	s.receipts = append(s.receipts, receipt)
	return nil
}

func (s *ingestRepoStub) MarkReceivedPostbackResolved(ctx context.Context, receiptID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, receipt := range s.receipts {
		if receipt.ID == receiptID {
			receipt.Resolved = true
		}
	}
	return nil
}

func (s *ingestRepoStub) InsertConversion(ctx context.Context, conversion *domain.Conversion) (*domain.Conversion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.conversionKey(conversion.PartnerID, conversion.TransactionRef)
	if existing, ok := s.conversions[key]; ok {
		return existing, false, nil
	}
	stored := *conversion
	stored.CreatedAt = time.Now()
	s.conversions[key] = &stored
	return &stored, true, nil
}

func (s *ingestRepoStub) FindConversionByID(ctx context.Context, conversionID uuid.UUID) (*domain.Conversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conversion := range s.conversions {
		if conversion.ID == conversionID {
			return conversion, nil
		}
	}
	return nil, store.ErrConversionNotFound
}

func (s *ingestRepoStub) CreditConversion(ctx context.Context, partnerID uuid.UUID, transactionRef string, points int64) (*domain.Conversion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversion, ok := s.conversions[s.conversionKey(partnerID, transactionRef)]
	if !ok {
		return nil, false, store.ErrConversionNotFound
	}
	if conversion.Status != domain.ConversionStatusPending {
		return conversion, false, nil
	}
	now := time.Now()
	conversion.Status = domain.ConversionStatusApproved
	conversion.CreditedAt = &now
	s.balances[conversion.UserID] += points
	s.creditCalls++
	return conversion, true, nil
}

func (s *ingestRepoStub) RejectConversion(ctx context.Context, partnerID uuid.UUID, transactionRef string) (*domain.Conversion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversion, ok := s.conversions[s.conversionKey(partnerID, transactionRef)]
	if !ok {
		return nil, false, store.ErrConversionNotFound
	}
	if conversion.Status != domain.ConversionStatusPending {
		return conversion, false, nil
	}
	conversion.Status = domain.ConversionStatusRejected
	return conversion, true, nil
}

func (s *ingestRepoStub) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	return &domain.User{ID: userID, Username: "tester"}, nil
}

func (s *ingestRepoStub) ListActiveDownwardPartners(ctx context.Context) ([]domain.PartnerMapping, error) {
	return nil, nil
}

func (s *ingestRepoStub) receiptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts)
}

func (s *ingestRepoStub) balanceOf(userID uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID]
}

func (s *ingestRepoStub) credits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creditCalls
}

func newTestService(repo *ingestRepoStub) *Service {
	forwarder := NewForwarder(repo, ForwarderConfig{Timeout: time.Second, MaxAttempts: 1, BackoffBase: time.Millisecond})
	return NewService(repo, nil, forwarder, 1000)
}

func ingestPartnerFixture() *domain.PartnerMapping {
	partner := upwardPartnerFixture()
	partner.ID = uuid.New()
	partner.UniqueKey = "0123456789abcdef0123456789abcdef"
	return partner
}

func approvedParams(userID uuid.UUID) map[string]string {
	return map[string]string{
		"sub_id": userID.String(),
		"amount": "0.50",
		"status": "1",
		"txn":    "txn-1",
	}
}

func TestIngestPostback_CreditsApprovedConversionOnce(t *testing.T) {
	partner := ingestPartnerFixture()
	repo := newIngestRepoStub(partner)
	service := newTestService(repo)
	userID := uuid.New()

	req := IngestRequest{UniqueKey: partner.UniqueKey, Method: "GET", Params: approvedParams(userID)}

	result, err := service.IngestPostback(context.Background(), req)
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	if !result.Resolved || !result.Credited {
		t.Fatalf("expected resolved and credited, got resolved=%t credited=%t", result.Resolved, result.Credited)
	}
	if result.Conversion.Status != domain.ConversionStatusApproved {
		t.Fatalf("expected approved conversion, got %q", result.Conversion.Status)
	}
	if got := repo.balanceOf(userID); got != 500 {
		t.Fatalf("expected 500 points credited at rate 1000/unit, got %d", got)
	}

	// Duplicate delivery of the same transaction must not credit again.
	duplicate, err := service.IngestPostback(context.Background(), req)
	if err != nil {
		t.Fatalf("duplicate ingest failed: %v", err)
	}
	if duplicate.Credited {
		t.Fatal("duplicate postback must not credit a second time")
	}
	if got := repo.credits(); got != 1 {
		t.Fatalf("expected exactly one credit, got %d", got)
	}
	if got := repo.balanceOf(userID); got != 500 {
		t.Fatalf("expected balance unchanged after duplicate, got %d", got)
	}
	if got := repo.receiptCount(); got != 2 {
		t.Fatalf("both deliveries must be logged, got %d receipts", got)
	}
}

func TestIngestPostback_PendingThenApprovedCreditsOnce(t *testing.T) {
	partner := ingestPartnerFixture()
	repo := newIngestRepoStub(partner)
	service := newTestService(repo)
	userID := uuid.New()

	pending := approvedParams(userID)
	pending["status"] = "0"
	result, err := service.IngestPostback(context.Background(), IngestRequest{
		UniqueKey: partner.UniqueKey, Method: "GET", Params: pending,
	})
	if err != nil {
		t.Fatalf("pending ingest failed: %v", err)
	}
	if result.Credited {
		t.Fatal("pending conversion must not credit")
	}
	if result.Conversion.Status != domain.ConversionStatusPending {
		t.Fatalf("expected pending conversion, got %q", result.Conversion.Status)
	}
	if got := repo.balanceOf(userID); got != 0 {
		t.Fatalf("expected zero balance while pending, got %d", got)
	}

	result, err = service.IngestPostback(context.Background(), IngestRequest{
		UniqueKey: partner.UniqueKey, Method: "GET", Params: approvedParams(userID),
	})
	if err != nil {
		t.Fatalf("approval ingest failed: %v", err)
	}
	if !result.Credited {
		t.Fatal("pending to approved transition must credit")
	}
	if got := repo.balanceOf(userID); got != 500 {
		t.Fatalf("expected 500 points after approval, got %d", got)
	}
}

func TestIngestPostback_RejectedIsTerminal(t *testing.T) {
	partner := ingestPartnerFixture()
	repo := newIngestRepoStub(partner)
	service := newTestService(repo)
	userID := uuid.New()

	rejected := approvedParams(userID)
	rejected["status"] = "2"
	result, err := service.IngestPostback(context.Background(), IngestRequest{
		UniqueKey: partner.UniqueKey, Method: "GET", Params: rejected,
	})
	if err != nil {
		t.Fatalf("rejected ingest failed: %v", err)
	}
	if result.Conversion.Status != domain.ConversionStatusRejected {
		t.Fatalf("expected rejected conversion, got %q", result.Conversion.Status)
	}

	// A later approval for the same transaction must not revive it.
	result, err = service.IngestPostback(context.Background(), IngestRequest{
		UniqueKey: partner.UniqueKey, Method: "GET", Params: approvedParams(userID),
	})
	if err != nil {
		t.Fatalf("post-rejection ingest failed: %v", err)
	}
	if result.Credited {
		t.Fatal("rejected conversion must never credit")
	}
	if got := repo.balanceOf(userID); got != 0 {
		t.Fatalf("expected zero balance, got %d", got)
	}
}

func TestIngestPostback_PendingThenRejected(t *testing.T) {
	partner := ingestPartnerFixture()
	repo := newIngestRepoStub(partner)
	service := newTestService(repo)
	userID := uuid.New()

	pending := approvedParams(userID)
	pending["status"] = "0"
	if _, err := service.IngestPostback(context.Background(), IngestRequest{
		UniqueKey: partner.UniqueKey, Method: "GET", Params: pending,
	}); err != nil {
		t.Fatalf("pending ingest failed: %v", err)
	}

	rejected := approvedParams(userID)
	rejected["status"] = "2"
	result, err := service.IngestPostback(context.Background(), IngestRequest{
		UniqueKey: partner.UniqueKey, Method: "GET", Params: rejected,
	})
	if err != nil {
		t.Fatalf("rejection ingest failed: %v", err)
	}
	if result.Conversion.Status != domain.ConversionStatusRejected {
		t.Fatalf("expected rejected conversion, got %q", result.Conversion.Status)
	}
	if got := repo.credits(); got != 0 {
		t.Fatalf("expected no credits, got %d", got)
	}
}

func TestIngestPostback_UnresolvableIsLoggedOnly(t *testing.T) {
	partner := ingestPartnerFixture()
	repo := newIngestRepoStub(partner)
	service := newTestService(repo)

	result, err := service.IngestPostback(context.Background(), IngestRequest{
		UniqueKey: partner.UniqueKey,
		Method:    "GET",
		Params:    map[string]string{"amount": "0.50", "status": "1"},
	})
	if err != nil {
		t.Fatalf("unresolvable ingest must still acknowledge: %v", err)
	}
	if result.Resolved || result.Conversion != nil {
		t.Fatal("expected a logged-only result")
	}
	if got := repo.receiptCount(); got != 1 {
		t.Fatalf("expected one receipt, got %d", got)
	}
}

func TestIngestPostback_InvalidUserIDIsLoggedOnly(t *testing.T) {
	partner := ingestPartnerFixture()
	repo := newIngestRepoStub(partner)
	service := newTestService(repo)

	params := approvedParams(uuid.New())
	params["sub_id"] = "not-a-uuid"
	result, err := service.IngestPostback(context.Background(), IngestRequest{
		UniqueKey: partner.UniqueKey, Method: "GET", Params: params,
	})
	if err != nil {
		t.Fatalf("invalid user id must not fail the acknowledgment: %v", err)
	}
	if result.Resolved {
		t.Fatal("invalid user id must not produce a conversion")
	}
	if got := repo.receiptCount(); got != 1 {
		t.Fatalf("expected one receipt, got %d", got)
	}
}

func TestIngestPostback_UnknownKey(t *testing.T) {
	partner := ingestPartnerFixture()
	repo := newIngestRepoStub(partner)
	service := newTestService(repo)

	_, err := service.IngestPostback(context.Background(), IngestRequest{
		UniqueKey: "ffffffffffffffffffffffffffffffff",
		Method:    "GET",
		Params:    approvedParams(uuid.New()),
	})
	if !errors.Is(err, store.ErrPartnerNotFound) {
		t.Fatalf("expected ErrPartnerNotFound, got %v", err)
	}
	if got := repo.receiptCount(); got != 0 {
		t.Fatalf("unknown key must not leave a receipt, got %d", got)
	}
}

type blockingRateLimiterStub struct{}

func (blockingRateLimiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return limit + 1, 30, nil
}

func TestIngestPostback_RateLimited(t *testing.T) {
	partner := ingestPartnerFixture()
	repo := newIngestRepoStub(partner)
	service := newTestService(repo)
	service.SetIngestRateLimiter(blockingRateLimiterStub{}, 10)

	_, err := service.IngestPostback(context.Background(), IngestRequest{
		UniqueKey: partner.UniqueKey, Method: "GET", Params: approvedParams(uuid.New()),
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if got := repo.receiptCount(); got != 0 {
		t.Fatalf("throttled request must not leave a receipt, got %d", got)
	}
}

type partnerRegistryRepoStub struct {
	store.Repository

	created *domain.PartnerMapping
}

func (s *partnerRegistryRepoStub) CreatePartnerMapping(ctx context.Context, partner *domain.PartnerMapping) error {
	s.created = partner
	return nil
}

func TestCreatePartnerMapping_GeneratesUniqueKey(t *testing.T) {
	repo := &partnerRegistryRepoStub{}
	service := NewService(repo, nil, nil, 1000)

	partner, err := service.CreatePartnerMapping(context.Background(), domain.CreatePartnerMappingRequest{
		Name:      "Offerwall A",
		Direction: domain.DirectionUpward,
		Mappings: []domain.ParameterMapping{
			{CanonicalName: domain.CanonicalUserID, PartnerParam: "sub_id", Enabled: true},
		},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(partner.UniqueKey) != 32 {
		t.Fatalf("expected 32 hex chars of unique key, got %q", partner.UniqueKey)
	}
	if partner.Method != "GET" {
		t.Fatalf("expected default GET method, got %q", partner.Method)
	}
	if partner.Status != domain.PartnerStatusActive {
		t.Fatalf("expected new partner to be active, got %q", partner.Status)
	}
	if repo.created == nil {
		t.Fatal("expected partner to be persisted")
	}
}

func TestCreatePartnerMapping_AppliesTemplate(t *testing.T) {
	repo := &partnerRegistryRepoStub{}
	service := NewService(repo, nil, nil, 1000)

	partner, err := service.CreatePartnerMapping(context.Background(), domain.CreatePartnerMappingRequest{
		Name:      "OfferToro",
		Direction: domain.DirectionUpward,
		Template:  "offertoro",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(partner.Mappings) == 0 {
		t.Fatal("expected template mappings to be applied")
	}
	if _, ok := partner.EnabledMapping(domain.CanonicalUserID); !ok {
		t.Fatal("expected template to map user_id")
	}
}

func TestCreatePartnerMapping_RejectsInvalidInput(t *testing.T) {
	repo := &partnerRegistryRepoStub{}
	service := NewService(repo, nil, nil, 1000)

	cases := []domain.CreatePartnerMappingRequest{
		{Name: "", Direction: domain.DirectionUpward},
		{Name: "x", Direction: "sideways"},
		{Name: "x", Direction: domain.DirectionUpward, Method: "DELETE"},
		{Name: "x", Direction: domain.DirectionUpward, Mappings: []domain.ParameterMapping{
			{CanonicalName: "not_canonical", PartnerParam: "p", Enabled: true},
		}},
		{Name: "x", Direction: domain.DirectionUpward, Mappings: []domain.ParameterMapping{
			{CanonicalName: domain.CanonicalUserID, PartnerParam: "a", Enabled: true},
			{CanonicalName: domain.CanonicalUserID, PartnerParam: "b", Enabled: true},
		}},
	}
	for i, req := range cases {
		if _, err := service.CreatePartnerMapping(context.Background(), req); !errors.Is(err, ErrInvalidPartner) {
			t.Errorf("case %d: expected ErrInvalidPartner, got %v", i, err)
		}
	}
}

func TestPointsFor_RoundsHalfAwayFromZero(t *testing.T) {
	service := &Service{pointsPerCurrency: 1000}

	if got := service.pointsFor(0.0505); got != 51 {
		t.Fatalf("expected 51 points, got %d", got)
	}
	if got := service.pointsFor(0); got != 0 {
		t.Fatalf("expected 0 points for zero payout, got %d", got)
	}
	if got := service.pointsFor(-1); got != 0 {
		t.Fatalf("expected 0 points for negative payout, got %d", got)
	}
}
