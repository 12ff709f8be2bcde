package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbs-integration-engine/internal/domain"
	"github.com/sbs-integration-engine/internal/gateway"
	"github.com/sbs-integration-engine/internal/middleware"
	"github.com/sbs-integration-engine/internal/normalizer"
	"github.com/sbs-integration-engine/internal/pipeline"
	"github.com/sbs-integration-engine/internal/refdata"
	"github.com/sbs-integration-engine/internal/repository"
	"github.com/sbs-integration-engine/internal/review"
	"github.com/sbs-integration-engine/internal/rules"
	"github.com/sbs-integration-engine/internal/signer"
	"github.com/sbs-integration-engine/internal/signer/keystore"
)

const acceptedBody = `{"resourceType":"ClaimResponse","identifier":[{"value":"NPHIES-42"}],"outcome":"complete"}`

func init() {
	gin.SetMode(gin.TestMode)
}

type acceptingTransport struct {
	mu    sync.Mutex
	calls int
}

func (a *acceptingTransport) Submit(ctx context.Context, payload domain.SubmissionPayload) (*domain.TransportResponse, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return &domain.TransportResponse{StatusCode: http.StatusOK, Body: []byte(acceptedBody)}, nil
}

type testEnv struct {
	server  *Server
	reviews review.Store
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newTestEnv(t *testing.T, checks map[string]HealthCheck) *testEnv {
	t.Helper()
	logger := testLogger()
	ctx := context.Background()

	refs, err := refdata.Load("../../configs/reference.yaml")
	require.NoError(t, err)

	reviews, err := review.NewSQLiteStore(filepath.Join(t.TempDir(), "review.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reviews.Close() })

	norm := normalizer.NewService(normalizer.Config{}, normalizer.Dependencies{
		Mappings:  refs,
		Catalogue: refs,
		Learned:   reviews,
		Queue:     reviews,
		Cache:     normalizer.NewCache(domain.CacheConfig{MemoryItems: 100}, nil, logger),
	}, logger)

	refCtx, err := rules.LoadReferenceContext(ctx, refs, 1, 1)
	require.NoError(t, err)
	engine := rules.NewEngine(refCtx, logger)

	keys := keystore.NewMemoryStore(nil)
	key, cert, err := keystore.GenerateTestKeypair("FAC-001", time.Now(), 24*time.Hour)
	require.NoError(t, err)
	keys.Add("FAC-001", key, cert)
	sig := signer.NewSigner(signer.Config{}, keys, logger)

	hub := NewStreamHub(logger)
	gw := gateway.NewGateway(gateway.Config{Policy: gateway.DefaultPolicy()}, &acceptingTransport{},
		repository.NewMemoryTransactionStore(), logger).WithNotifier(hub)

	p := pipeline.New(pipeline.Config{}, pipeline.Stages{
		Normalizer: norm,
		Pricer:     engine,
		Signer:     sig,
		Submitter:  gw,
		Tiers:      refs,
	}, logger)

	server := NewServer(domain.ServerConfig{RequestTimeout: 10 * time.Second}, Services{
		Normalizer:  norm,
		Pricer:      engine,
		Tiers:       refs,
		Signer:      sig,
		Submissions: gw,
		Pipeline:    p,
		Reviews:     reviews,
		Checks:      checks,
	}, hub, logger)

	return &testEnv{server: server, reviews: reviews}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.RequestIDHeader, "req-test")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func validClaim() map[string]any {
	return map[string]any{
		"facility_id": "FAC-001",
		"items": []map[string]any{
			{"local_code": "LAB-CBC-01", "description": "CBC", "quantity": 1, "unit_price": 50.00, "service_date": "2024-01-15"},
			{"local_code": "RAD-CXR-01", "description": "Chest xray", "quantity": 1, "unit_price": 150.00, "service_date": "2024-01-15"},
		},
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, map[string]HealthCheck{
		"database": func(ctx context.Context) error { return nil },
	})
	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, Version, body["version"])

	env = newTestEnv(t, map[string]HealthCheck{
		"redis": func(ctx context.Context) error { return errors.New("connection refused") },
	})
	w = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body = decode[map[string]any](t, w)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["checks"].(map[string]any)["redis"])
}

func TestNormalize(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/normalize", NormalizeRequest{FacilityID: "FAC-001", LocalCode: "LAB-CBC-01"})
	require.Equal(t, http.StatusOK, w.Code)
	result := decode[domain.NormalizationResult](t, w)
	assert.Equal(t, "SBS-LAB-001", result.StandardCode)
	assert.Equal(t, domain.SourceManual, result.Source)

	w = env.do(t, http.MethodPost, "/api/v1/normalize", NormalizeRequest{FacilityID: "FAC-001", LocalCode: "NOPE-1", Description: "zzz qqq"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	errBody := decode[ErrorResponse](t, w)
	assert.Equal(t, domain.CodeNotFound, errBody.Code)
	assert.Equal(t, "req-test", errBody.RequestID)

	w = env.do(t, http.MethodPost, "/api/v1/normalize", map[string]any{"local_code": "LAB-CBC-01"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, domain.CodeInvalidInput, decode[ErrorResponse](t, w).Code)

	w = env.do(t, http.MethodPost, "/api/v1/normalize", NormalizeRequest{FacilityID: "FAC-001"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	errBody = decode[ErrorResponse](t, w)
	assert.Equal(t, "local_code", errBody.Details["field"])
}

func TestValidate(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/validate", map[string]any{"claim": validClaim()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[ValidateResponse](t, w)
	assert.Equal(t, 1, resp.TierRank)
	assert.True(t, resp.Pricing.IsValid)
	assert.Equal(t, domain.NewMoney(200), resp.Pricing.TotalPayable)

	doc := resp.Pricing.Document
	doc.Items[0].UnitPrice = domain.NewMoney(500)
	w = env.do(t, http.MethodPost, "/api/v1/validate", map[string]any{"document": doc, "tier_rank": 7})
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[ValidateResponse](t, w)
	assert.Equal(t, 7, resp.TierRank)
	assert.False(t, resp.Pricing.IsValid)

	w = env.do(t, http.MethodPost, "/api/v1/validate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSignAndVerify(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/validate", map[string]any{"claim": validClaim()})
	require.Equal(t, http.StatusOK, w.Code)
	doc := decode[ValidateResponse](t, w).Pricing.Document

	w = env.do(t, http.MethodPost, "/api/v1/sign", SignRequest{Document: doc})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	signed := decode[domain.ClaimDocument](t, w)
	require.NotNil(t, signed.Signature)

	w = env.do(t, http.MethodPost, "/api/v1/verify", VerifyRequest{Document: &signed})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[domain.VerificationResult](t, w).Valid)

	signed.Items[0].Quantity = 2
	w = env.do(t, http.MethodPost, "/api/v1/verify", VerifyRequest{Document: &signed})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[domain.VerificationResult](t, w).Valid)

	doc.FacilityID = "FAC-002"
	w = env.do(t, http.MethodPost, "/api/v1/sign", SignRequest{Document: doc})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	errBody := decode[ErrorResponse](t, w)
	assert.Equal(t, domain.CodeNoActiveCertificate, errBody.Code)
	assert.Equal(t, "signer", errBody.Details["stage"])
}

func TestSubmit(t *testing.T) {
	env := newTestEnv(t, nil)

	unsigned := &domain.ClaimDocument{ID: "CLM-1", FacilityID: "FAC-001"}
	w := env.do(t, http.MethodPost, "/api/v1/submit", SubmitRequest{Document: unsigned})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, domain.CodeInvalidDocument, decode[ErrorResponse](t, w).Code)

	w = env.do(t, http.MethodPost, "/api/v1/submit", SubmitRequest{Document: unsigned, RequestType: "refund"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/validate", map[string]any{"claim": validClaim()})
	doc := decode[ValidateResponse](t, w).Pricing.Document
	w = env.do(t, http.MethodPost, "/api/v1/sign", SignRequest{Document: doc})
	signed := decode[domain.ClaimDocument](t, w)

	w = env.do(t, http.MethodPost, "/api/v1/submit", SubmitRequest{TransactionID: "TXN-API-1", Document: &signed})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tx := decode[domain.Transaction](t, w)
	assert.Equal(t, "TXN-API-1", tx.ID)
	assert.Equal(t, domain.TxAccepted, tx.Status)
	assert.Equal(t, "NPHIES-42", tx.ExternalID)
}

func TestClaimsAndTransactions(t *testing.T) {
	env := newTestEnv(t, nil)

	claim := validClaim()
	claim["transaction_id"] = "TXN-API-2"
	w := env.do(t, http.MethodPost, "/api/v1/claims", claim)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[pipeline.Result](t, w)
	assert.True(t, result.Completed)
	assert.Equal(t, domain.StageGateway, result.Stage)
	require.NotNil(t, result.Transaction)
	assert.Equal(t, "TXN-API-2", result.Transaction.ID)

	w = env.do(t, http.MethodGet, "/api/v1/transactions/TXN-API-2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[map[string]json.RawMessage](t, w)
	assert.JSONEq(t, "false", string(got["in_flight"]))

	w = env.do(t, http.MethodGet, "/api/v1/transactions?facility_id=FAC-001&status=accepted", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Transactions []*domain.Transaction `json:"transactions"`
		Count        int                   `json:"count"`
	}](t, w)
	assert.Equal(t, 1, list.Count)

	w = env.do(t, http.MethodGet, "/api/v1/transactions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/transactions?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/transactions/TXN-API-2/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, domain.CodeIllegalTransition, decode[ErrorResponse](t, w).Code)

	w = env.do(t, http.MethodPost, "/api/v1/transactions/TXN-MISSING/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/transactions/TXN-MISSING", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProcessBatch(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/claims/batch", map[string]any{
		"claims": []any{validClaim(), map[string]any{"facility_id": "FAC-001"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[struct {
		Results []pipeline.BatchResult `json:"results"`
	}](t, w)
	require.Len(t, body.Results, 2)
	assert.NotNil(t, body.Results[0].Result)
	require.NotNil(t, body.Results[1].Error)
	assert.Equal(t, domain.CodeInvalidInput, body.Results[1].Error.Code)

	w = env.do(t, http.MethodPost, "/api/v1/claims/batch", map[string]any{"claims": []any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReviews(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/normalize", NormalizeRequest{FacilityID: "FAC-001", LocalCode: "LIP-9", Description: "Lipid test"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[domain.NormalizationResult](t, w).NeedsReview)

	w = env.do(t, http.MethodGet, "/api/v1/reviews?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[ReviewList](t, w)
	require.Len(t, list.Items, 1)
	assert.Equal(t, int64(1), list.Total)
	item := list.Items[0]
	assert.Equal(t, "SBS-LAB-003", item.SuggestedCode)

	w = env.do(t, http.MethodPost, "/api/v1/reviews/"+itoa(item.ID)+"/resolve", review.Resolution{
		Status: domain.ReviewApproved, Reviewer: "coder@fac-001",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resolved := decode[domain.ReviewItem](t, w)
	assert.Equal(t, domain.ReviewApproved, resolved.Status)
	assert.Equal(t, "SBS-LAB-003", resolved.ResolvedCode)

	w = env.do(t, http.MethodPost, "/api/v1/reviews/abc/resolve", review.Resolution{Status: domain.ReviewApproved})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodPost, "/api/v1/reviews/999/resolve", review.Resolution{Status: domain.ReviewApproved})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/reviews?status=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolvedReviewAppliesToNextNormalize(t *testing.T) {
	env := newTestEnv(t, nil)
	req := NormalizeRequest{FacilityID: "FAC-001", LocalCode: "LIP-9", Description: "Lipid test"}

	w := env.do(t, http.MethodPost, "/api/v1/normalize", req)
	require.Equal(t, http.StatusOK, w.Code)
	before := decode[domain.NormalizationResult](t, w)
	assert.Equal(t, "SBS-LAB-003", before.StandardCode)
	assert.True(t, before.NeedsReview)

	items, err := env.reviews.List(context.Background(), review.ListFilter{Status: domain.ReviewPending})
	require.NoError(t, err)
	require.Len(t, items, 1)

	w = env.do(t, http.MethodPost, "/api/v1/reviews/"+itoa(items[0].ID)+"/resolve", review.Resolution{
		Status: domain.ReviewCorrected, Code: "SBS-LAB-004", Reviewer: "coder@fac-001",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/v1/normalize", req)
	require.Equal(t, http.StatusOK, w.Code)
	after := decode[domain.NormalizationResult](t, w)
	assert.Equal(t, "SBS-LAB-004", after.StandardCode)
	assert.Equal(t, domain.SourceLearned, after.Source)
	assert.False(t, after.NeedsReview)
}

func TestReviewsDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	env.server.services.Reviews = nil

	w := env.do(t, http.MethodGet, "/api/v1/reviews", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, CodeServiceUnavailable, decode[ErrorResponse](t, w).Code)
}

func TestHTTPStatus(t *testing.T) {
	tests := map[string]int{
		domain.CodeNotFound:             http.StatusNotFound,
		domain.CodeInvalidInput:         http.StatusBadRequest,
		domain.CodeSubmissionInProgress: http.StatusConflict,
		domain.CodeTransport:            http.StatusBadGateway,
		domain.CodeInternal:             http.StatusInternalServerError,
		"SOMETHING_ELSE":                http.StatusInternalServerError,
	}
	for code, status := range tests {
		assert.Equal(t, status, HTTPStatus(code), code)
	}
}

func TestStreamHub_Notify(t *testing.T) {
	hub := NewStreamHub(testLogger())
	sub := hub.subscribe("TXN-1")
	other := hub.subscribe("TXN-2")
	assert.Equal(t, 1, hub.SubscriberCount("TXN-1"))

	hub.Notify(&domain.Transaction{ID: "TXN-1", Status: domain.TxSubmitted})

	select {
	case event := <-sub.send:
		assert.Equal(t, domain.TxSubmitted, event.Status)
		assert.False(t, event.Terminal())
	default:
		t.Fatal("expected an event")
	}
	assert.Empty(t, other.send)

	hub.unsubscribe(sub)
	hub.unsubscribe(other)
	assert.Zero(t, hub.SubscriberCount("TXN-1"))
	hub.Notify(&domain.Transaction{ID: "TXN-1", Status: domain.TxAccepted})
}

func TestStreamHub_TerminalEventSurvivesFullBuffer(t *testing.T) {
	hub := NewStreamHub(testLogger())
	sub := hub.subscribe("TXN-1")
	defer hub.unsubscribe(sub)

	for i := 0; i < streamBuffer+5; i++ {
		hub.Notify(&domain.Transaction{ID: "TXN-1", Status: domain.TxSubmitted, RetryCount: i})
	}
	require.Len(t, sub.send, streamBuffer)

	hub.Notify(&domain.Transaction{ID: "TXN-1", Status: domain.TxAccepted, RetryCount: 3})
	require.Len(t, sub.send, streamBuffer)

	var events []*TransactionEvent
	for len(sub.send) > 0 {
		events = append(events, <-sub.send)
	}
	last := events[len(events)-1]
	assert.True(t, last.Terminal())
	assert.Equal(t, domain.TxAccepted, last.Status)
	assert.Equal(t, 1, events[0].Transaction.RetryCount)
	for _, e := range events[:len(events)-1] {
		assert.False(t, e.Terminal())
	}
}

func TestTransactionStream(t *testing.T) {
	env := newTestEnv(t, nil)
	claim := validClaim()
	claim["transaction_id"] = "TXN-STREAM"
	w := env.do(t, http.MethodPost, "/api/v1/claims", claim)
	require.Equal(t, http.StatusOK, w.Code)

	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/transactions/TXN-STREAM/stream"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var event TransactionEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "transaction.snapshot", event.Type)
	assert.Equal(t, domain.TxAccepted, event.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/transactions/TXN-NONE/stream", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func itoa(n int64) string {
	data, _ := json.Marshal(n)
	return string(data)
}
