// Package broker implements the handshake broker (spec §4.1): a
// WebSocket endpoint that authenticates a patient agent's signed consent,
// resolves or creates the relationship it names, exchanges the
// provider's reachable address, and closes the connection — never
// relaying clinical data itself. The read/write pump structure and
// ping/pong keepalive are carried over from the teacher's realtime.Client,
// generalized from a long-lived broadcast hub to a single-purpose,
// short-lived handshake session.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/careagent/neuron/internal/audit"
	"github.com/careagent/neuron/internal/config"
	"github.com/careagent/neuron/internal/consent"
	"github.com/careagent/neuron/internal/metrics"
	"github.com/careagent/neuron/internal/registration"
	"github.com/careagent/neuron/internal/relationship"
)

// Broker accepts handshake connections, gates concurrency with a weighted
// semaphore sized to cfg.MaxConcurrentHandshakes, and drives each
// connection through the session state machine.
type Broker struct {
	cfg       config.WebSocketConfig
	addr      string
	upgrader  websocket.Upgrader
	admission *semaphore.Weighted
	verifier  *consent.Verifier
	relStore  *relationship.Store
	provStore *registration.ProviderStore
	journal   *audit.Journal
	logger    *slog.Logger

	server *http.Server

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// New constructs a Broker bound to its collaborators. It does not start
// listening until Init is called.
func New(
	cfg config.WebSocketConfig,
	addr string,
	verifier *consent.Verifier,
	relStore *relationship.Store,
	provStore *registration.ProviderStore,
	journal *audit.Journal,
	logger *slog.Logger,
) *Broker {
	return &Broker{
		cfg:       cfg,
		addr:      addr,
		admission: semaphore.NewWeighted(int64(cfg.MaxConcurrentHandshakes)),
		verifier:  verifier,
		relStore:  relStore,
		provStore: provStore,
		journal:   journal,
		logger:    logger.With("component", "broker"),
		sessions:  make(map[*Session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (b *Broker) Name() string { return "broker" }

// Init starts an HTTP server exposing the handshake WebSocket endpoint.
// It is carried on its own listener rather than mounted on the REST
// API's echo instance so the handshake broker's admission control and
// read/write deadlines are not entangled with REST middleware.
func (b *Broker) Init(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(b.cfg.Path, b.handleUpgrade)

	b.server = &http.Server{
		Addr:         b.addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("listen for handshake broker: %w", err)
	}

	go func() {
		if err := b.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.logger.Error("handshake broker server error", "error", err)
		}
	}()
	return nil
}

func (b *Broker) Health(ctx context.Context) error {
	if b.server == nil {
		return fmt.Errorf("broker not started")
	}
	return nil
}

// Shutdown stops accepting new connections, then closes the connection of
// every tracked session, queued or admitted. It does not wait for the
// session goroutines to return; it returns ctx's error if ctx ends before
// those connections have been closed.
func (b *Broker) Shutdown(ctx context.Context) error {
	if b.server == nil {
		return nil
	}
	if err := b.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown broker server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		b.mu.Lock()
		for s := range b.sessions {
			s.Close()
		}
		b.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveSessions returns the number of in-flight handshake sessions.
func (b *Broker) ActiveSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// handleUpgrade completes the WS upgrade first, putting the session in
// state connected, then queues for an admission slot (spec §4.6: "a
// queued session is held in state connected"). A queue-timeout closes
// the already-upgraded session with queue_timeout instead of refusing the
// upgrade itself, so the client always observes an established
// connection before any rejection.
func (b *Broker) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	session := newSession(conn, b.cfg, b.verifier, b.relStore, b.provStore, b.journal, b.logger)
	b.trackSession(session)
	defer b.untrackSession(session)

	queueCtx, cancel := context.WithTimeout(r.Context(), b.cfg.QueueTimeout())
	defer cancel()

	metrics.HandshakeQueueDepth.Inc()
	err = b.admission.Acquire(queueCtx, 1)
	metrics.HandshakeQueueDepth.Dec()
	if err != nil {
		session.closeQueueTimeout()
		return
	}
	defer b.admission.Release(1)

	session.Run()
}

func (b *Broker) trackSession(s *Session) {
	b.mu.Lock()
	b.sessions[s] = struct{}{}
	b.mu.Unlock()
	metrics.ActiveHandshakeSessions.Inc()
}

func (b *Broker) untrackSession(s *Session) {
	b.mu.Lock()
	delete(b.sessions, s)
	b.mu.Unlock()
	metrics.ActiveHandshakeSessions.Dec()
}
