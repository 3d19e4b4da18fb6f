package broker

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/careagent/neuron/internal/audit"
	"github.com/careagent/neuron/internal/config"
	"github.com/careagent/neuron/internal/consent"
	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/internal/registration"
	"github.com/careagent/neuron/internal/relationship"
	"github.com/careagent/neuron/internal/storage"
)

func freePort(t *testing.T) int {
	t.Helper()
	return 20000 + (int(time.Now().UnixNano()) % 10000)
}

func setupBroker(t *testing.T) (int, *registration.ProviderStore, *relationship.Store) {
	t.Helper()
	return setupBrokerCfg(t, config.WebSocketConfig{
		Path:                    "/ws/handshake",
		MaxConcurrentHandshakes: 5,
		AuthTimeoutMs:           2000,
		QueueTimeoutMs:          2000,
		MaxPayloadBytes:         65536,
	})
}

func setupBrokerCfg(t *testing.T, cfg config.WebSocketConfig) (int, *registration.ProviderStore, *relationship.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "neuron.db")
	db, err := storage.Open(context.Background(), config.StorageConfig{Path: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	relStore := relationship.NewStore(db)
	provStore := registration.NewProviderStore(db)

	verifier, err := consent.NewVerifier()
	require.NoError(t, err)

	journalPath := filepath.Join(t.TempDir(), "audit.jsonl")
	journal, err := audit.Open(config.AuditConfig{Path: journalPath, Enabled: true}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	b := New(cfg, addr, verifier, relStore, provStore, journal, testLogger())
	require.NoError(t, b.Init(context.Background()))
	t.Cleanup(func() { b.Shutdown(context.Background()) })

	time.Sleep(50 * time.Millisecond)
	return port, provStore, relStore
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func signedEnvelope(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, providerNPI string) domain.HandshakeEnvelope {
	t.Helper()
	claims := domain.ConsentClaims{
		PatientAgentID:   "patient-1",
		ProviderNPI:      providerNPI,
		ConsentedActions: []string{"read_records"},
		IssuedAt:         time.Now().Unix(),
		ExpiresAt:        time.Now().Add(5 * time.Minute).Unix(),
		Nonce:            "nonce-1",
	}
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, payload)
	enc := base64.URLEncoding.WithPadding(base64.NoPadding)

	return domain.HandshakeEnvelope{
		ConsentToken: domain.ConsentEnvelope{
			PayloadB64URL:   enc.EncodeToString(payload),
			SignatureB64URL: enc.EncodeToString(sig),
			PublicKeyB64URL: enc.EncodeToString(pub),
		},
		ProviderNPI: providerNPI,
	}
}

func TestHandshakeCompletesForRegisteredProvider(t *testing.T) {
	port, provStore, _ := setupBroker(t)

	require.NoError(t, provStore.Add(context.Background(), domain.ProviderRegistration{
		ProviderNPI: "1234567893", ReachableAddr: "wss://provider.example/relay",
	}))
	require.NoError(t, provStore.MarkSynced(context.Background(), "1234567893", domain.ProviderRegistered, nil))

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws/handshake", port)
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	env := signedEnvelope(t, pub, priv, "1234567893")
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, data))

	_, respData, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp domain.HandshakeResponse
	require.NoError(t, json.Unmarshal(respData, &resp))
	require.Empty(t, resp.Error)
	require.NotEmpty(t, resp.RelationshipID)
	require.Equal(t, "wss://provider.example/relay", resp.ProviderAddress)
}

// TestHandshakeQueueOverflowClosesAfterUpgrade exercises spec §4.6
// scenario 2: with the admission ceiling saturated, a further connection
// must still complete its WS upgrade (state connected) before being
// closed with queue_timeout once the queue wait expires.
func TestHandshakeQueueOverflowClosesAfterUpgrade(t *testing.T) {
	port, provStore, _ := setupBrokerCfg(t, config.WebSocketConfig{
		Path:                    "/ws/handshake",
		MaxConcurrentHandshakes: 1,
		AuthTimeoutMs:           5000,
		QueueTimeoutMs:          300,
		MaxPayloadBytes:         65536,
	})
	require.NoError(t, provStore.Add(context.Background(), domain.ProviderRegistration{
		ProviderNPI: "1234567893", ReachableAddr: "wss://provider.example/relay",
	}))
	require.NoError(t, provStore.MarkSynced(context.Background(), "1234567893", domain.ProviderRegistered, nil))

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws/handshake", port)

	// First connection occupies the sole admission slot by never sending
	// its auth frame, holding state awaiting_auth for the test's duration.
	holder, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer holder.Close()
	time.Sleep(50 * time.Millisecond) // let the broker admit the holder

	// Second connection must still complete its upgrade...
	queued, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer queued.Close()

	// ...and only afterward observe queue_timeout once admission never frees.
	_, respData, err := queued.ReadMessage()
	require.NoError(t, err)

	var resp domain.HandshakeResponse
	require.NoError(t, json.Unmarshal(respData, &resp))
	require.Equal(t, "queue_timeout", resp.Code)
}

func TestHandshakeRejectsUnknownProvider(t *testing.T) {
	port, _, _ := setupBroker(t)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws/handshake", port)
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	env := signedEnvelope(t, pub, priv, "1234567893")
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, data))

	_, respData, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp domain.HandshakeResponse
	require.NoError(t, json.Unmarshal(respData, &resp))
	require.Equal(t, "not_found", resp.Code)
}
