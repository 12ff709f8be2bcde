package setup

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbs-integration-engine/internal/domain"
	"github.com/sbs-integration-engine/internal/signer/keystore"
)

func TestRegisterAndUnregister(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent", "config.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"theme":"dark","mcpServers":{"other":{"command":"/bin/other"}}}`), 0o644))

	entry := EntryFor("/usr/local/bin/sbsctl", "/etc/sbs/config.yaml", map[string]string{"SBS_LOG_LEVEL": "debug"})
	assert.Equal(t, []string{"mcp", "--config", "/etc/sbs/config.yaml"}, entry.Args)
	require.NoError(t, Register(path, DefaultServerName, entry))

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"other", DefaultServerName}, cfg.ServerNames())
	assert.Equal(t, "/usr/local/bin/sbsctl", cfg.Servers[DefaultServerName].Command)
	assert.Equal(t, "debug", cfg.Servers[DefaultServerName].Env["SBS_LOG_LEVEL"])

	var raw map[string]json.RawMessage
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.JSONEq(t, `"dark"`, string(raw["theme"]))

	removed, err := Unregister(path, DefaultServerName)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = Unregister(path, DefaultServerName)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestLoadClientConfig(t *testing.T) {
	cfg, err := LoadClientConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Servers)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = LoadClientConfig(bad)
	assert.Error(t, err)
}

func TestRegister_RelativeCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, Register(path, "engine", EntryFor("bin/sbsctl", "", nil)))

	cfg, err := LoadClientConfig(path)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.Servers["engine"].Command))
	assert.Equal(t, []string{"mcp"}, cfg.Servers["engine"].Args)

	assert.Error(t, Register(path, "empty", ServerEntry{}))
}

type acceptingTransport struct{}

func (acceptingTransport) Submit(ctx context.Context, payload domain.SubmissionPayload) (*domain.TransportResponse, error) {
	return &domain.TransportResponse{
		StatusCode: http.StatusOK,
		Body:       []byte(`{"resourceType":"ClaimResponse","identifier":[{"value":"NPHIES-9"}],"outcome":"complete"}`),
	}, nil
}

func standaloneConfig(t *testing.T) *domain.Config {
	dir := t.TempDir()
	return &domain.Config{
		Reference: domain.ReferenceConfig{Source: "file", File: "../../configs/reference.yaml"},
		Pricing:   domain.PricingConfig{DefaultTier: 1, DefaultQuantityLimit: 1},
		Signer:    domain.SignerConfig{KeystoreDir: filepath.Join(dir, "keys")},
		Review:    domain.ReviewConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "review.db")},
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func TestBuild_Standalone(t *testing.T) {
	ctx := context.Background()
	cfg := standaloneConfig(t)

	key, cert, err := keystore.GenerateTestKeypair("FAC-001", time.Now(), 24*time.Hour)
	require.NoError(t, err)
	require.NoError(t, keystore.WriteKeypair(cfg.Signer.KeystoreDir, "FAC-001", key, cert))

	c, err := Build(ctx, cfg, Options{Transport: acceptingTransport{}}, testLogger())
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.DB)
	assert.Nil(t, c.Redis)
	assert.NotNil(t, c.Reviews)
	assert.Empty(t, c.HealthChecks())

	result, err := c.Pipeline.Process(ctx, &domain.ClaimRequest{
		FacilityID:    "FAC-001",
		TransactionID: "TXN-SETUP-1",
		Items: []domain.ClaimItemRequest{
			{LocalCode: "LAB-CBC-01", Quantity: 1, UnitPrice: domain.NewMoney(50), ServiceDate: "2024-01-15"},
			{LocalCode: "RAD-CXR-01", Quantity: 1, UnitPrice: domain.NewMoney(150), ServiceDate: "2024-01-15"},
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Completed)
	require.NotNil(t, result.Transaction)
	assert.Equal(t, domain.TxAccepted, result.Transaction.Status)

	tx, err := c.Transactions.Get(ctx, "TXN-SETUP-1")
	require.NoError(t, err)
	assert.Equal(t, "NPHIES-9", tx.ExternalID)

	api := c.APIServices()
	assert.NotNil(t, api.Reviews)
	assert.Equal(t, 1, api.DefaultTier)
	tools := c.MCPServices()
	assert.NotNil(t, tools.Transactions)
}

func TestBuild_DryRunUsesDefaultClient(t *testing.T) {
	cfg := standaloneConfig(t)
	cfg.Review.Driver = "none"

	c, err := Build(context.Background(), cfg, Options{DryRun: true, Keys: keystore.NewMemoryStore(nil)}, testLogger())
	require.NoError(t, err)
	defer c.Close()

	assert.Nil(t, c.Reviews)
	assert.Nil(t, c.APIServices().Reviews)
	assert.Contains(t, c.HealthChecks(), "clearinghouse")
	assert.NoError(t, c.HealthChecks()["clearinghouse"](context.Background()))
}

func TestBuild_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*domain.Config)
	}{
		{"unknown reference source", func(c *domain.Config) { c.Reference.Source = "ftp" }},
		{"postgres reference without database", func(c *domain.Config) { c.Reference.Source = "postgres" }},
		{"missing reference file", func(c *domain.Config) { c.Reference.File = "" }},
		{"missing keystore", func(c *domain.Config) { c.Signer.KeystoreDir = "" }},
		{"unknown review driver", func(c *domain.Config) { c.Review.Driver = "mongo" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := standaloneConfig(t)
			tt.modify(cfg)
			_, err := Build(context.Background(), cfg, Options{Transport: acceptingTransport{}}, testLogger())
			assert.Error(t, err)
		})
	}
}
