package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbs-integration-engine/internal/domain"
	"github.com/sbs-integration-engine/internal/gateway"
	"github.com/sbs-integration-engine/internal/normalizer"
	"github.com/sbs-integration-engine/internal/refdata"
	"github.com/sbs-integration-engine/internal/repository"
	"github.com/sbs-integration-engine/internal/rules"
	"github.com/sbs-integration-engine/internal/signer"
	"github.com/sbs-integration-engine/internal/signer/keystore"
)

const acceptedBody = `{"resourceType":"ClaimResponse","identifier":[{"value":"NPHIES-1"}],"outcome":"complete"}`

var fixedNow = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

type acceptingTransport struct {
	mu    sync.Mutex
	calls int
}

func (a *acceptingTransport) Submit(ctx context.Context, payload domain.SubmissionPayload) (*domain.TransportResponse, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return &domain.TransportResponse{StatusCode: 200, Body: []byte(acceptedBody)}, nil
}

func (a *acceptingTransport) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

type fixture struct {
	pipeline  *Pipeline
	transport *acceptingTransport
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	logger := testLogger()
	ctx := context.Background()

	refs, err := refdata.Load("../../configs/reference.yaml")
	require.NoError(t, err)

	norm := normalizer.NewService(normalizer.Config{}, normalizer.Dependencies{
		Mappings:  refs,
		Catalogue: refs,
	}, logger)

	refCtx, err := rules.LoadReferenceContext(ctx, refs, 1, 1)
	require.NoError(t, err)
	engine := rules.NewEngine(refCtx, logger)

	keys := keystore.NewMemoryStore(func() time.Time { return fixedNow })
	for _, facility := range []string{"FAC-001", "FAC-003"} {
		key, cert, err := keystore.GenerateTestKeypair(facility, fixedNow, 365*24*time.Hour)
		require.NoError(t, err)
		keys.Add(facility, key, cert)
	}
	sig := signer.NewSigner(signer.Config{}, keys, logger).WithClock(func() time.Time { return fixedNow })

	transport := &acceptingTransport{}
	gw := gateway.NewGateway(gateway.Config{Policy: gateway.DefaultPolicy()}, transport,
		repository.NewMemoryTransactionStore(), logger)

	p := New(config, Stages{
		Normalizer: norm,
		Pricer:     engine,
		Signer:     sig,
		Submitter:  gw,
		Tiers:      refs,
	}, logger).WithClock(func() time.Time { return fixedNow })

	return &fixture{pipeline: p, transport: transport}
}

func claim(facility string, items ...domain.ClaimItemRequest) *domain.ClaimRequest {
	return &domain.ClaimRequest{FacilityID: facility, Items: items}
}

func line(code, description string, price float64) domain.ClaimItemRequest {
	return domain.ClaimItemRequest{
		LocalCode:   code,
		Description: description,
		Quantity:    1,
		UnitPrice:   domain.NewMoney(price),
		ServiceDate: "2024-01-15",
	}
}

func TestProcess_SubmitsValidClaim(t *testing.T) {
	f := newFixture(t, Config{})

	result, err := f.pipeline.Process(context.Background(), claim("FAC-001",
		line("LAB-CBC-01", "CBC", 50),
		line("RAD-CXR-01", "Chest xray", 150),
	))
	require.NoError(t, err)

	assert.True(t, result.Completed)
	assert.Equal(t, domain.StageGateway, result.Stage)
	assert.Empty(t, result.StopReason)
	assert.Equal(t, 1, result.TierRank)
	require.NotNil(t, result.Pricing)
	assert.True(t, result.Pricing.IsValid)
	require.NotNil(t, result.Document.Signature)
	assert.Equal(t, "Organization/FAC-001", result.Document.Signature.Who.Reference)
	require.NotNil(t, result.Transaction)
	assert.Equal(t, domain.TxAccepted, result.Transaction.Status)
	assert.Equal(t, "NPHIES-1", result.Transaction.ExternalID)
	assert.Equal(t, result.DocumentID, result.Transaction.DocumentID)
	assert.Equal(t, 1, f.transport.Calls())
}

func TestProcess_StopsOnInvalidPricing(t *testing.T) {
	f := newFixture(t, Config{})

	result, err := f.pipeline.Process(context.Background(), claim("FAC-001", line("LAB-CBC-01", "CBC", 500)))
	require.NoError(t, err)

	assert.False(t, result.Completed)
	assert.Equal(t, domain.StageRules, result.Stage)
	assert.Equal(t, StopInvalid, result.StopReason)
	assert.False(t, result.Pricing.IsValid)
	assert.Nil(t, result.Document.Signature)
	assert.Nil(t, result.Transaction)
	assert.Zero(t, f.transport.Calls())
}

func TestProcess_SubmitInvalid(t *testing.T) {
	f := newFixture(t, Config{SubmitInvalid: true})

	result, err := f.pipeline.Process(context.Background(), claim("FAC-001", line("LAB-CBC-01", "CBC", 500)))
	require.NoError(t, err)

	assert.True(t, result.Completed)
	assert.False(t, result.Pricing.IsValid)
	assert.Equal(t, 1, f.transport.Calls())
}

func TestProcess_BlockOnReview(t *testing.T) {
	req := func() *domain.ClaimRequest {
		return claim("FAC-001",
			line("LAB-CBC-01", "CBC", 50),
			line("", "Lipid test", 90),
		)
	}

	blocking := newFixture(t, Config{BlockOnReview: true})
	result, err := blocking.pipeline.Process(context.Background(), req())
	require.NoError(t, err)
	assert.Equal(t, domain.StageRules, result.Stage)
	assert.Equal(t, StopNeedsReview, result.StopReason)
	assert.Equal(t, []int{2}, result.NeedsReview)
	assert.Equal(t, "SBS-LAB-003", result.Document.Items[1].StandardCode)
	assert.Zero(t, blocking.transport.Calls())

	permissive := newFixture(t, Config{})
	result, err = permissive.pipeline.Process(context.Background(), req())
	require.NoError(t, err)
	assert.True(t, result.Completed)
	assert.Equal(t, []int{2}, result.NeedsReview)
}

func TestProcess_UnassignedFacilityUsesDefaultTier(t *testing.T) {
	f := newFixture(t, Config{DefaultTier: 3, DryRun: true})

	result, err := f.pipeline.Process(context.Background(), claim("FAC-003", line("", "Lipid Profile", 90)))
	require.NoError(t, err)

	assert.Equal(t, 3, result.TierRank)
	assert.Equal(t, 3, result.Pricing.Tier.Rank)
	assert.Equal(t, domain.StageSigner, result.Stage)
	assert.Equal(t, StopDryRun, result.StopReason)
	assert.NotNil(t, result.Document.Signature)
	assert.Zero(t, f.transport.Calls())
}

func TestProcess_StageErrors(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.pipeline.Process(context.Background(), claim("FAC-001"))
	require.Error(t, err)
	var pe *domain.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, domain.StageIntake, pe.Stage)
	assert.Equal(t, domain.CodeInvalidInput, pe.Code)

	_, err = f.pipeline.Process(context.Background(), claim("FAC-002", line("1001", "Full blood count", 50)))
	require.Error(t, err)
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, domain.StageSigner, pe.Stage)
	assert.Equal(t, domain.CodeNoActiveCertificate, pe.Code)
	assert.ErrorIs(t, err, domain.ErrNoActiveCertificate)
	assert.Zero(t, f.transport.Calls())
}

func TestProcessBatch(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 2})

	results, err := f.pipeline.ProcessBatch(context.Background(), []*domain.ClaimRequest{
		claim("FAC-001", line("LAB-CBC-01", "CBC", 50)),
		claim(""),
		claim("FAC-001", line("CONS-GP-01", "GP visit", 200)),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.NotNil(t, results[0].Result)
	assert.True(t, results[0].Result.Completed)
	assert.Nil(t, results[0].Error)

	assert.Nil(t, results[1].Result)
	require.NotNil(t, results[1].Error)
	assert.Equal(t, domain.CodeInvalidInput, results[1].Error.Code)

	require.NotNil(t, results[2].Result)
	assert.True(t, results[2].Result.Completed)
	assert.Equal(t, 2, f.transport.Calls())
}

func TestProcessBatch_CancelledContext(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.ProcessBatch(ctx, []*domain.ClaimRequest{
		claim("FAC-001", line("LAB-CBC-01", "CBC", 50)),
	})
	assert.ErrorIs(t, err, context.Canceled)
}
