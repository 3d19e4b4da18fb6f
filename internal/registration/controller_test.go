package registration

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/careagent/neuron/internal/config"
	"github.com/careagent/neuron/internal/crypto"
	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/internal/storage"
)

type fakeDirectoryClient struct {
	registerCalls int64
	failRegister  bool
}

func (f *fakeDirectoryClient) Register(ctx context.Context, req DirectoryRequest) (*DirectoryResponse, error) {
	atomic.AddInt64(&f.registerCalls, 1)
	if f.failRegister {
		return nil, errors.New("directory unreachable")
	}
	return &DirectoryResponse{NeuronID: "neuron-1", BearerToken: "tok-123"}, nil
}

func (f *fakeDirectoryClient) Heartbeat(ctx context.Context, neuronID, bearerToken string) error {
	return nil
}

func (f *fakeDirectoryClient) RegisterProvider(ctx context.Context, neuronID, bearerToken string, req ProviderDirectoryRequest) (*ProviderDirectoryResponse, error) {
	return &ProviderDirectoryResponse{DirectoryID: "dir-1"}, nil
}

func (f *fakeDirectoryClient) RemoveProvider(ctx context.Context, neuronID, bearerToken, npi string) error {
	return nil
}

func (f *fakeDirectoryClient) UpdateEndpoint(ctx context.Context, neuronID, bearerToken, npi, endpointURL string) error {
	return nil
}

func testControllerCfg(t *testing.T) (*config.Config, *storage.DB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "neuron.db")
	db, err := storage.Open(context.Background(), config.StorageConfig{Path: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		Organization: config.OrganizationConfig{NPI: "1234567893", Name: "Test Clinic", Type: "clinic"},
		Storage:      config.StorageConfig{Path: dbPath},
		Heartbeat:    config.HeartbeatConfig{IntervalMs: 50},
		Axon:         config.AxonConfig{RegistryURL: "http://localhost", EndpointURL: "http://localhost/ws", BackoffCeilingMs: 1000},
	}
	return cfg, db
}

func testController(t *testing.T, client DirectoryClient) (*Controller, *storage.DB) {
	t.Helper()
	cfg, db := testControllerCfg(t)

	enc, err := crypto.NewEncryptor("01234567890123456789012345678901")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewController(cfg, db, client, NewProviderStore(db), enc, logger), db
}

func TestControllerRegistersOnInit(t *testing.T) {
	client := &fakeDirectoryClient{}
	c, _ := testController(t, client)

	require.NoError(t, c.Init(context.Background()))
	defer c.Shutdown(context.Background())

	require.Eventually(t, func() bool {
		return c.Health(context.Background()) == nil
	}, 2*time.Second, 10*time.Millisecond)
}

// TestControllerRestartIsIdempotent covers spec §8's restart-idempotency
// law: a second controller started against a database that already holds
// a registered row must come up healthy without ever calling Register
// again, since the neuron_id and bearer token the directory issued are
// still on file.
func TestControllerRestartIsIdempotent(t *testing.T) {
	cfg, db := testControllerCfg(t)
	enc, err := crypto.NewEncryptor("01234567890123456789012345678901")
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	firstClient := &fakeDirectoryClient{}
	first := NewController(cfg, db, firstClient, NewProviderStore(db), enc, logger)
	require.NoError(t, first.Init(context.Background()))
	require.Eventually(t, func() bool {
		return first.Health(context.Background()) == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, first.Shutdown(context.Background()))
	require.EqualValues(t, 1, atomic.LoadInt64(&firstClient.registerCalls))

	secondClient := &fakeDirectoryClient{failRegister: true}
	second := NewController(cfg, db, secondClient, NewProviderStore(db), enc, logger)
	require.NoError(t, second.Init(context.Background()))
	defer second.Shutdown(context.Background())

	require.Eventually(t, func() bool {
		return second.Health(context.Background()) == nil
	}, 2*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt64(&secondClient.registerCalls))
}

// TestControllerDegradesOnRegistrationFailure covers spec §4.5 scenario
// 3: when the directory is unreachable from startup, the controller
// reports Degraded and the health file reflects it, rather than leaving
// no health.json at all.
func TestControllerDegradesOnRegistrationFailure(t *testing.T) {
	client := &fakeDirectoryClient{failRegister: true}
	c, _ := testController(t, client)

	require.NoError(t, c.Init(context.Background()))
	defer c.Shutdown(context.Background())

	require.Eventually(t, func() bool {
		return c.currentState() == domain.NeuronDegraded
	}, 2*time.Second, 10*time.Millisecond)

	err := c.Health(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "degraded")

	data, readErr := os.ReadFile(c.healthFilePath())
	require.NoError(t, readErr)
	var snapshot domain.HealthSnapshot
	require.NoError(t, json.Unmarshal(data, &snapshot))
	require.Equal(t, domain.NeuronDegraded, snapshot.Status)
}
