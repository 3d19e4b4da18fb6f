// Package registration implements the directory registration and
// heartbeat controller (spec §4.2): a state machine that registers this
// organization with the national directory, maintains a heartbeat with
// full-jitter exponential backoff on failure, and persists a health-check
// file an external monitor can poll without calling into the process.
package registration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/careagent/neuron/internal/config"
	"github.com/careagent/neuron/internal/crypto"
	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/internal/metrics"
	"github.com/careagent/neuron/internal/storage"
)

const backoffBase = 5 * time.Second

// Controller owns the NeuronRegistration row, the heartbeat loop, the
// health file, and the provider directory, forwarding provider add/remove
// to the directory client whenever this organization is itself currently
// registered. It implements core/registry.Module.
type Controller struct {
	cfg       config.Config
	db        *storage.DB
	client    DirectoryClient
	providers *ProviderStore
	encryptor *crypto.Encryptor
	logger    *slog.Logger

	mu            sync.RWMutex
	state         domain.NeuronStatus
	lastHeartbeat *time.Time
	attempt       int
	lastErr       error
	cancel        context.CancelFunc
	done          chan struct{}
}

// NewController constructs a Controller. client is an interface so
// production code wires *RestyDirectoryClient while tests inject a fake.
func NewController(cfg *config.Config, db *storage.DB, client DirectoryClient, providers *ProviderStore, encryptor *crypto.Encryptor, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:       *cfg,
		db:        db,
		client:    client,
		providers: providers,
		encryptor: encryptor,
		logger:    logger.With("component", "registration"),
		state:     domain.NeuronUnregistered,
	}
}

func (c *Controller) Name() string { return "registration" }

// Init loads (or creates) the single registration row and starts the
// background registration/heartbeat loop. It does not block on the
// directory being reachable: registration proceeds asynchronously with
// backoff, same as the teacher's engine starting modules without waiting
// on every external dependency to be healthy.
func (c *Controller) Init(ctx context.Context) error {
	if err := c.loadOrCreateRow(ctx); err != nil {
		return fmt.Errorf("load registration row: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(loopCtx)
	return nil
}

func (c *Controller) Health(ctx context.Context) error {
	if c.currentState() == domain.NeuronRegistered {
		return nil
	}
	return fmt.Errorf("registration: %s", c.currentState())
}

func (c *Controller) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// run drives the registration/heartbeat state machine until ctx is
// cancelled: register (or, per restart idempotency, skip straight to
// heartbeat scheduling if already registered), then hold the heartbeat
// loop, degrading and recovering in place on transient registry errors
// without ever re-registering a neuron_id the directory already has.
func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	for {
		if c.currentState() != domain.NeuronRegistered {
			if !c.registerUntilSuccess(ctx) {
				return
			}
		}

		if !c.heartbeatLoop(ctx) {
			return
		}
	}
}

// registerUntilSuccess retries registration with full-jitter backoff,
// marking the controller Degraded on every failed attempt, until it
// succeeds or ctx is cancelled (returning false in the latter case).
func (c *Controller) registerUntilSuccess(ctx context.Context) bool {
	for {
		if err := c.register(ctx); err != nil {
			c.recordFailure(err)
			c.setState(domain.NeuronDegraded)
			if !c.sleep(ctx, fullJitterBackoff(c.getAttempt(), backoffBase, c.cfg.Axon.BackoffCeiling())) {
				return false
			}
			continue
		}
		c.resetAttempt()
		return true
	}
}

// heartbeatLoop sends heartbeats at the fixed cadence while registered.
// A failed heartbeat degrades the controller and retries with full-jitter
// backoff in place; it never falls back to registerUntilSuccess, since a
// heartbeat failure does not invalidate the neuron_id already on file.
func (c *Controller) heartbeatLoop(ctx context.Context) bool {
	delay := c.cfg.Heartbeat.Interval()
	for {
		if !c.sleep(ctx, delay) {
			return false
		}

		if err := c.heartbeat(ctx); err != nil {
			c.recordFailure(err)
			c.setState(domain.NeuronDegraded)
			delay = fullJitterBackoff(c.getAttempt(), backoffBase, c.cfg.Axon.BackoffCeiling())
			continue
		}
		c.resetAttempt()
		c.markRegistered()
		delay = c.cfg.Heartbeat.Interval()
	}
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) register(ctx context.Context) error {
	resp, err := c.client.Register(ctx, DirectoryRequest{
		NPI:         c.cfg.Organization.NPI,
		Name:        c.cfg.Organization.Name,
		Type:        c.cfg.Organization.Type,
		EndpointURL: c.cfg.Axon.EndpointURL,
	})
	if err != nil {
		return err
	}

	sealed, err := c.sealBearerToken(resp.BearerToken)
	if err != nil {
		return fmt.Errorf("seal bearer token: %w", err)
	}

	now := time.Now().UTC()
	_, err = c.db.Querier(ctx).ExecContext(ctx, `
		UPDATE neuron_registration
		SET status = ?, neuron_id = ?, bearer_token_sealed = ?, last_error = NULL, attempt = 0, updated_at = ?
		WHERE id = 1`, string(domain.NeuronRegistered), resp.NeuronID, sealed, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("persist registration: %w", err)
	}

	c.markRegistered()
	c.logger.Info("registered with directory", "neuron_id", resp.NeuronID)
	return nil
}

func (c *Controller) heartbeat(ctx context.Context) error {
	neuronID, bearerToken, err := c.loadCredentials(ctx)
	if err != nil {
		return err
	}
	if err := c.client.Heartbeat(ctx, neuronID, bearerToken); err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = c.db.Querier(ctx).ExecContext(ctx, `
		UPDATE neuron_registration SET last_heartbeat_at = ?, updated_at = ? WHERE id = 1`,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lastHeartbeat = &now
	c.mu.Unlock()
	return nil
}

func (c *Controller) loadCredentials(ctx context.Context) (neuronID, bearerToken string, err error) {
	var sealed []byte
	var id sql.NullString
	row := c.db.Querier(ctx).QueryRowContext(ctx, `SELECT neuron_id, bearer_token_sealed FROM neuron_registration WHERE id = 1`)
	if err := row.Scan(&id, &sealed); err != nil {
		return "", "", fmt.Errorf("load credentials: %w", err)
	}
	token, err := c.unsealBearerToken(sealed)
	if err != nil {
		return "", "", fmt.Errorf("unseal bearer token: %w", err)
	}
	return id.String, token, nil
}

// sealBearerToken encrypts the directory's bearer token for storage; it
// never leaves the process decrypted except inside loadCredentials
// (spec §3: "bearer_token never appears in audit entries or
// user-visible output").
func (c *Controller) sealBearerToken(token string) ([]byte, error) {
	return c.encryptor.Encrypt([]byte(token))
}

func (c *Controller) unsealBearerToken(sealed []byte) (string, error) {
	plaintext, err := c.encryptor.Decrypt(sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (c *Controller) loadOrCreateRow(ctx context.Context) error {
	var count int
	row := c.db.Querier(ctx).QueryRowContext(ctx, `SELECT count(*) FROM neuron_registration WHERE id = 1`)
	if err := row.Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		var status string
		row := c.db.Querier(ctx).QueryRowContext(ctx, `SELECT status FROM neuron_registration WHERE id = 1`)
		if err := row.Scan(&status); err != nil {
			return err
		}
		c.setState(domain.NeuronStatus(status))
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := c.db.Querier(ctx).ExecContext(ctx, `
		INSERT INTO neuron_registration (id, status, attempt, created_at, updated_at)
		VALUES (1, ?, 0, ?, ?)`, string(domain.NeuronUnregistered), now, now)
	if err != nil {
		return err
	}
	c.setState(domain.NeuronUnregistered)
	return nil
}

// currentState returns the controller's in-memory state under lock.
func (c *Controller) currentState() domain.NeuronStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// setState transitions the in-memory state, updates the status gauge,
// and rewrites the health file snapshot — on every transition, not just
// the happy path, so an external monitor always has a current view even
// when the directory has never been reachable (spec §4.5 scenario 3).
func (c *Controller) setState(s domain.NeuronStatus) {
	c.mu.Lock()
	c.state = s
	lastHeartbeat := c.lastHeartbeat
	c.mu.Unlock()

	metrics.SetRegistrationStatus(string(s))

	if err := writeHealthFile(c.healthFilePath(), snapshotNow(s, lastHeartbeat)); err != nil {
		c.logger.Error("write health file failed", "error", err)
	}
}

func (c *Controller) healthFilePath() string {
	return c.cfg.Storage.Path + ".health.json"
}

func (c *Controller) markRegistered() {
	c.setState(domain.NeuronRegistered)
}

func (c *Controller) recordFailure(err error) {
	c.mu.Lock()
	c.attempt++
	c.lastErr = err
	attempt := c.attempt
	c.mu.Unlock()
	c.logger.Warn("registration/heartbeat attempt failed", "attempt", attempt, "error", err)
}

func (c *Controller) getAttempt() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempt
}

func (c *Controller) resetAttempt() {
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
}

// AddProvider is the synchronous addProvider wrapper (spec §4.5): it
// updates the provider store unconditionally, then, only if this
// organization is currently registered with the directory, forwards the
// change (a fresh registration or an endpoint update for an existing
// entry). A forwarding failure marks only this provider Failed; it never
// touches the controller's own state or any other provider.
func (c *Controller) AddProvider(ctx context.Context, npi, reachableAddr string) ([]domain.ProviderRegistration, error) {
	_, err := c.providers.Get(ctx, npi)
	isNew := errors.Is(err, storage.ErrNotFound)
	if err != nil && !isNew {
		return nil, err
	}

	if err := c.providers.Add(ctx, domain.ProviderRegistration{ProviderNPI: npi, ReachableAddr: reachableAddr}); err != nil {
		return nil, err
	}

	if c.currentState() != domain.NeuronRegistered {
		return c.providers.List(ctx)
	}

	neuronID, bearerToken, err := c.loadCredentials(ctx)
	if err != nil {
		c.markProviderSyncFailure(ctx, npi, err)
		return c.providers.List(ctx)
	}

	if isNew {
		_, err = c.client.RegisterProvider(ctx, neuronID, bearerToken, ProviderDirectoryRequest{NPI: npi, EndpointURL: reachableAddr})
	} else {
		err = c.client.UpdateEndpoint(ctx, neuronID, bearerToken, npi, reachableAddr)
	}
	if err != nil {
		c.markProviderSyncFailure(ctx, npi, err)
		return c.providers.List(ctx)
	}

	if err := c.providers.MarkSynced(ctx, npi, domain.ProviderRegistered, nil); err != nil {
		return nil, err
	}
	return c.providers.List(ctx)
}

// RemoveProvider is the synchronous removeProvider wrapper: if currently
// registered, it forwards the removal to the directory first (a
// forwarding failure is logged but does not block the local removal —
// the local store is the source of truth for what this broker will
// advertise), then deletes the local entry.
func (c *Controller) RemoveProvider(ctx context.Context, npi string) ([]domain.ProviderRegistration, error) {
	if c.currentState() == domain.NeuronRegistered {
		neuronID, bearerToken, err := c.loadCredentials(ctx)
		if err != nil {
			c.logger.Warn("directory provider removal skipped: credentials unavailable", "npi", npi, "error", err)
		} else if err := c.client.RemoveProvider(ctx, neuronID, bearerToken, npi); err != nil {
			c.logger.Warn("directory provider removal failed", "npi", npi, "error", err)
		}
	}

	if err := c.providers.Remove(ctx, npi); err != nil {
		return nil, err
	}
	return c.providers.List(ctx)
}

// ListProviders is the synchronous listProviders wrapper.
func (c *Controller) ListProviders(ctx context.Context) ([]domain.ProviderRegistration, error) {
	return c.providers.List(ctx)
}

func (c *Controller) markProviderSyncFailure(ctx context.Context, npi string, syncErr error) {
	if err := c.providers.MarkSynced(ctx, npi, domain.ProviderFailed, syncErr); err != nil {
		c.logger.Error("mark provider sync failure failed", "npi", npi, "error", err)
	}
}
