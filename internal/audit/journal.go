// Package audit implements the tamper-evident hash-chained journal (spec
// §5): an append-only JSONL file where every entry's hash covers the
// canonical bytes of the entry plus the previous entry's hash, so that
// altering or removing any entry breaks the chain from that point on.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/careagent/neuron/internal/config"
	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/internal/metrics"
)

// allowedDetailKeys lists the only detail keys the journal accepts per
// category, mirroring the redaction allow-list pattern the teacher's
// middleware applies to request/response bodies: rather than redacting a
// deny-list after the fact, the journal refuses to write anything not on
// the allow-list in the first place, so a bearer token or consent payload
// can never land in the journal even by a caller's mistake.
var allowedDetailKeys = map[domain.AuditCategory]map[string]struct{}{
	domain.AuditCategoryHandshake: set("relationship_id", "provider_npi", "patient_agent_id", "outcome", "code"),
	domain.AuditCategoryRelationship: set("relationship_id", "provider_npi", "patient_agent_id",
		"status", "previous_status", "reason"),
	domain.AuditCategoryRegistration: set("neuron_id", "npi", "status", "attempt", "reachable_addr"),
	domain.AuditCategoryAPI:          set("key_id", "method", "path", "status_code"),
	domain.AuditCategoryAdmin:        set("actor", "target", "action"),
}

func set(keys ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

// Journal appends entries to a single JSONL file under a mutex, since the
// chain must be extended serially: entry N+1 cannot be computed before
// entry N's hash is known.
type Journal struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	lastHash string
	enabled  bool
	logger   *slog.Logger
}

// Open opens (creating if absent) the journal file, recovers the last
// entry's hash by scanning to the end, and returns a ready Journal. If
// audit logging is disabled in config, Open returns a Journal whose
// Append is a no-op, matching the teacher's "nil database means disabled"
// graceful-degradation pattern.
func Open(cfg config.AuditConfig, logger *slog.Logger) (*Journal, error) {
	if !cfg.Enabled {
		return &Journal{enabled: false, logger: logger}, nil
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}

	j := &Journal{path: cfg.Path, file: f, enabled: true, logger: logger, lastHash: domain.GenesisHash}

	last, err := tailHash(cfg.Path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("recover audit journal tail: %w", err)
	}
	if last != "" {
		j.lastHash = last
	}
	return j, nil
}

// tailHash scans the journal file and returns the entry_hash of the last
// well-formed line, or "" if the file is empty.
func tailHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e domain.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return "", fmt.Errorf("corrupt audit entry: %w", err)
		}
		last = e.EntryHash
	}
	return last, scanner.Err()
}

// Append writes a new entry to the chain. It is a no-op if the journal is
// disabled.
func (j *Journal) Append(category domain.AuditCategory, action, actor string, details map[string]string) error {
	if !j.enabled {
		return nil
	}
	for k := range details {
		if _, ok := allowedDetailKeys[category][k]; !ok {
			return fmt.Errorf("audit: detail key %q not allowed for category %q", k, category)
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := domain.AuditEntry{
		EntryID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Category:  category,
		Action:    action,
		Actor:     actor,
		Details:   details,
		PrevHash:  j.lastHash,
	}
	entry.EntryHash = hashEntry(entry)

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync audit entry: %w", err)
	}

	j.lastHash = entry.EntryHash
	j.logger.Debug("audit entry appended", "entry_id", entry.EntryID, "category", category, "action", action)
	metrics.AuditEntriesAppended.WithLabelValues(string(category)).Inc()
	return nil
}

// hashEntry computes SHA-256 over the canonical JSON of the entry's
// content fields (excluding entry_hash itself) chained with prev_hash.
// map[string]string marshals with lexicographically sorted keys per
// encoding/json, which is what makes this serialization canonical without
// a bespoke canonicalizer.
func hashEntry(e domain.AuditEntry) string {
	canon := map[string]any{
		"entry_id":  e.EntryID,
		"timestamp": e.Timestamp.Format(time.RFC3339Nano),
		"category":  e.Category,
		"action":    e.Action,
		"actor":     e.Actor,
		"details":   e.Details,
		"prev_hash": e.PrevHash,
	}
	b, _ := json.Marshal(canon)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Close closes the underlying file handle.
func (j *Journal) Close() error {
	if !j.enabled || j.file == nil {
		return nil
	}
	return j.file.Close()
}

// Verify walks the journal file from the beginning and confirms every
// entry's hash matches a recomputation and chains correctly to the next.
// It reports the first break it finds, with the entry and byte offset,
// per spec §5 "verify-audit" operation.
func Verify(path string) (domain.VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.VerifyResult{OK: true}, nil
		}
		return domain.VerifyResult{}, err
	}
	defer f.Close()

	result := domain.VerifyResult{OK: true}
	prev := domain.GenesisHash
	var offset int64

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := int64(len(line)) + 1 // + newline
		if len(line) == 0 {
			offset += lineLen
			continue
		}

		var e domain.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			result.OK = false
			result.BrokenOffset = offset
			result.BrokenAt = "unparseable entry"
			return result, nil
		}
		e.Offset = offset

		if e.PrevHash != prev {
			result.OK = false
			result.BrokenAt = e.EntryID
			result.BrokenOffset = offset
			result.ExpectedHash = prev
			result.ActualHash = e.PrevHash
			return result, nil
		}

		want := hashEntry(e)
		if want != e.EntryHash {
			result.OK = false
			result.BrokenAt = e.EntryID
			result.BrokenOffset = offset
			result.ExpectedHash = want
			result.ActualHash = e.EntryHash
			return result, nil
		}

		prev = e.EntryHash
		result.EntriesRead++
		offset += lineLen
	}
	if err := scanner.Err(); err != nil {
		return domain.VerifyResult{}, err
	}
	return result, nil
}
