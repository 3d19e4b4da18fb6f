package audit

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/careagent/neuron/internal/config"
	"github.com/careagent/neuron/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAppendChainsHashes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	j, err := Open(config.AuditConfig{Path: path, Enabled: true}, testLogger())
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append(domain.AuditCategoryHandshake, "handshake.completed", "broker", map[string]string{
		"relationship_id": "r1",
	}))
	require.NoError(t, j.Append(domain.AuditCategoryRelationship, "relationship.created", "broker", map[string]string{
		"relationship_id": "r1",
		"status":          "active",
	}))

	result, err := Verify(path)
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, 2, result.EntriesRead)
}

func TestAppendRejectsUnknownDetailKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	j, err := Open(config.AuditConfig{Path: path, Enabled: true}, testLogger())
	require.NoError(t, err)
	defer j.Close()

	err = j.Append(domain.AuditCategoryHandshake, "handshake.completed", "broker", map[string]string{
		"bearer_token": "should-never-be-allowed",
	})
	require.Error(t, err)
}

func TestVerifyDetectsTamper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	j, err := Open(config.AuditConfig{Path: path, Enabled: true}, testLogger())
	require.NoError(t, err)
	require.NoError(t, j.Append(domain.AuditCategoryAPI, "api.request", "api", map[string]string{
		"method": "GET", "path": "/v1/status", "status_code": "200",
	}))
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(string(data)[:len(data)-2] + `x` + "\n")
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	result, err := Verify(path)
	require.NoError(t, err)
	require.False(t, result.OK)
}

func TestDisabledJournalAppendIsNoop(t *testing.T) {
	j, err := Open(config.AuditConfig{Enabled: false}, testLogger())
	require.NoError(t, err)
	require.NoError(t, j.Append(domain.AuditCategoryAdmin, "noop", "system", nil))
}

func TestVerifyEmptyFileIsOK(t *testing.T) {
	result, err := Verify(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.NoError(t, err)
	require.True(t, result.OK)
}
