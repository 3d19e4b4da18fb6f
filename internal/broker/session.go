package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/careagent/neuron/internal/audit"
	"github.com/careagent/neuron/internal/config"
	"github.com/careagent/neuron/internal/consent"
	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/internal/metrics"
	"github.com/careagent/neuron/internal/registration"
	"github.com/careagent/neuron/internal/relationship"
	"github.com/careagent/neuron/internal/storage"
)

// Keepalive tuning carried over verbatim from the teacher's realtime
// package: a single handshake session is much shorter-lived than a
// monitoring agent's connection, but the same ping/pong discipline keeps
// a stalled client from holding a semaphore slot forever.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Session drives one WebSocket connection through
// connected -> awaiting_auth -> verifying -> resolving -> exchanging -> closed
// (spec §4.1/§4.6).
type Session struct {
	id        string
	conn      *websocket.Conn
	cfg       config.WebSocketConfig
	verifier  *consent.Verifier
	relStore  *relationship.Store
	provStore *registration.ProviderStore
	journal   *audit.Journal
	logger    *slog.Logger

	state   domain.SessionState
	closeCh chan struct{}
}

func newSession(
	conn *websocket.Conn,
	cfg config.WebSocketConfig,
	verifier *consent.Verifier,
	relStore *relationship.Store,
	provStore *registration.ProviderStore,
	journal *audit.Journal,
	logger *slog.Logger,
) *Session {
	id := uuid.NewString()
	return &Session{
		id:        id,
		conn:      conn,
		cfg:       cfg,
		verifier:  verifier,
		relStore:  relStore,
		provStore: provStore,
		journal:   journal,
		logger:    logger.With("session_id", id),
		state:     domain.SessionConnected,
		closeCh:   make(chan struct{}),
	}
}

// Run executes the full handshake lifecycle for this connection and
// blocks until it closes. Panics in the per-session goroutine are
// recovered so one malformed client can never take down the broker.
func (s *Session) Run() {
	defer s.Close()
	defer s.recoverPanic()

	s.conn.SetReadLimit(int64(s.cfg.MaxPayloadBytes))
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.keepAlive()

	s.state = domain.SessionAwaitingAuth
	env, err := s.readHandshake()
	if err != nil {
		s.respondError(err)
		return
	}

	s.state = domain.SessionVerifying
	claims, err := s.verifier.Verify(env.ConsentToken)
	if err != nil {
		s.audit("handshake.rejected", map[string]string{"provider_npi": env.ProviderNPI, "code": domain.Code(err)})
		s.respondError(err)
		return
	}
	if claims.ProviderNPI != env.ProviderNPI {
		s.respondError(domain.ErrSchemaViolation)
		return
	}

	s.state = domain.SessionResolving
	rel, provider, err := s.resolve(claims, env.ConsentToken.PublicKeyB64URL)
	if err != nil {
		s.respondError(err)
		return
	}

	s.state = domain.SessionExchanging
	s.respond(domain.HandshakeResponse{
		RelationshipID:   rel.ID,
		ProviderAddress:  provider.ReachableAddr,
		ConsentedActions: rel.ConsentedActions,
	})
	s.audit("handshake.completed", map[string]string{
		"relationship_id": rel.ID,
		"provider_npi":     rel.ProviderNPI,
		"outcome":          "ok",
	})

	s.state = domain.SessionClosed
}

// readHandshake blocks for at most the configured auth timeout waiting
// for the client's single handshake frame.
func (s *Session) readHandshake() (*domain.HandshakeEnvelope, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout()))

	_, data, err := s.conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, domain.ErrPayloadTooLarge
		}
		return nil, domain.ErrAuthTimeout
	}
	if len(data) > s.cfg.MaxPayloadBytes {
		return nil, domain.ErrPayloadTooLarge
	}

	var env domain.HandshakeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, domain.ErrSchemaViolation
	}
	if env.ProviderNPI == "" || env.ConsentToken.PayloadB64URL == "" {
		return nil, domain.ErrSchemaViolation
	}
	return &env, nil
}

// resolve finds the provider and either reuses the existing active
// relationship for this pair or creates one, enforcing the relationship
// invariants (spec §4.5): a suspended or terminated relationship must not
// silently resurrect.
func (s *Session) resolve(claims *domain.ConsentClaims, patientPublicKey string) (*domain.Relationship, *domain.ProviderRegistration, error) {
	ctx := context.Background()

	providers, err := s.provStore.List(ctx)
	if err != nil {
		return nil, nil, domain.ErrInternal
	}
	var provider *domain.ProviderRegistration
	for i := range providers {
		if providers[i].ProviderNPI == claims.ProviderNPI {
			p := providers[i]
			provider = &p
			break
		}
	}
	if provider == nil || provider.Status != domain.ProviderRegistered {
		return nil, nil, domain.ErrNotFound
	}

	existing, err := s.relStore.FindActiveByPair(ctx, patientPublicKey, claims.ProviderNPI)
	switch {
	case err == nil:
		if existing.Status == domain.RelationshipSuspended {
			return nil, nil, domain.ErrSuspended
		}
		return existing, provider, nil
	case err == storage.ErrNotFound:
		rel := &domain.Relationship{
			PatientAgentID:   claims.PatientAgentID,
			PatientPublicKey: patientPublicKey,
			ProviderNPI:      claims.ProviderNPI,
			Status:           domain.RelationshipActive,
			ConsentedActions: claims.ConsentedActions,
		}
		if createErr := s.relStore.Create(ctx, rel); createErr != nil {
			return nil, nil, createErr
		}
		s.audit("relationship.created", map[string]string{
			"relationship_id": rel.ID, "provider_npi": rel.ProviderNPI, "status": string(rel.Status),
		})
		return rel, provider, nil
	default:
		return nil, nil, domain.ErrInternal
	}
}

func (s *Session) respond(resp domain.HandshakeResponse) {
	outcome := "completed"
	if resp.Error != "" {
		outcome = "rejected"
	}
	metrics.HandshakesCompleted.WithLabelValues(outcome).Inc()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) respondError(err error) {
	s.respond(domain.HandshakeResponse{Error: err.Error(), Code: domain.Code(err)})
}

// closeQueueTimeout closes an already-upgraded, still-queued session that
// never got an admission slot in time (spec §4.6 state connected ->
// closed on queue timeout).
func (s *Session) closeQueueTimeout() {
	s.audit("handshake.rejected", map[string]string{"code": domain.Code(domain.ErrQueueTimeout)})
	s.respondError(domain.ErrQueueTimeout)
	s.Close()
}

func (s *Session) audit(action string, details map[string]string) {
	category := domain.AuditCategoryHandshake
	if action == "relationship.created" {
		category = domain.AuditCategoryRelationship
	}
	if err := s.journal.Append(category, action, "broker", details); err != nil {
		s.logger.Error("audit append failed", "error", err)
	}
}

func (s *Session) keepAlive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

func (s *Session) recoverPanic() {
	if r := recover(); r != nil {
		s.logger.Error("session panic recovered", "panic", r)
		s.respondError(domain.ErrInternal)
	}
}

// Close closes the underlying connection exactly once.
func (s *Session) Close() {
	select {
	case <-s.closeCh:
		return
	default:
		close(s.closeCh)
		s.conn.Close()
	}
}
