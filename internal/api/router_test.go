package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/careagent/neuron/internal/config"
	"github.com/careagent/neuron/internal/registration"
	"github.com/careagent/neuron/internal/relationship"
	"github.com/careagent/neuron/internal/storage"
)

func setupRouter(t *testing.T) (string, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "neuron.db")
	db, err := storage.Open(context.Background(), config.StorageConfig{Path: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	keys := NewKeyStore(db)
	_, plaintext, err := keys.Create(context.Background(), "test-key")
	require.NoError(t, err)

	relStore := relationship.NewStore(db)
	provStore := registration.NewProviderStore(db)

	cfg := config.APIConfig{RateLimitMaxRequests: 100, RateLimitWindowMs: 60000}
	port := 21000 + int(time.Now().UnixNano())%5000
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	r := NewRouter(cfg, addr, keys, relStore, provStore, nil, OrganizationInfo{NPI: "1234567893", Name: "Test Clinic", Type: "clinic"})
	require.NoError(t, r.Init(context.Background()))
	t.Cleanup(func() { r.Shutdown(context.Background()) })

	time.Sleep(50 * time.Millisecond)
	return fmt.Sprintf("http://%s", addr), plaintext
}

func TestHealthIsPublic(t *testing.T) {
	base, _ := setupRouter(t)
	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOrganizationRequiresAPIKey(t *testing.T) {
	base, key := setupRouter(t)

	resp, err := http.Get(base + "/v1/organization")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, base+"/v1/organization", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", key)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var org OrganizationInfo
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(body, &org))
	require.Equal(t, "1234567893", org.NPI)
}

func TestMetricsEndpointIsPublic(t *testing.T) {
	base, _ := setupRouter(t)
	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
