// Package engine wires every component into a single lifecycle,
// modeled directly on the teacher's engine.Engine: New() loads config
// and constructs collaborators, Init() starts every registry.Module in
// order, Run() blocks serving traffic until SIGINT/SIGTERM, and
// Shutdown() tears everything down in reverse order within a fixed
// deadline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/careagent/neuron/core/registry"
	"github.com/careagent/neuron/internal/api"
	"github.com/careagent/neuron/internal/audit"
	"github.com/careagent/neuron/internal/broker"
	"github.com/careagent/neuron/internal/config"
	"github.com/careagent/neuron/internal/consent"
	"github.com/careagent/neuron/internal/crypto"
	"github.com/careagent/neuron/internal/discovery"
	"github.com/careagent/neuron/internal/ipc"
	"github.com/careagent/neuron/internal/registration"
	"github.com/careagent/neuron/internal/relationship"
	"github.com/careagent/neuron/internal/storage"
)

// shutdownDeadline bounds how long Shutdown waits for every module to
// stop before giving up (spec §9).
const shutdownDeadline = 15 * time.Second

// Engine owns every component of the trust broker and the order they
// start and stop in: storage -> audit -> registration -> broker -> REST
// -> IPC -> discovery.
type Engine struct {
	reg    *registry.Registry
	db     *storage.DB
	logger *slog.Logger
	cfg    *config.Config
}

// New loads configuration and constructs every component, registering
// each as a core/registry.Module in startup order. It does not start
// listening until Init is called.
func New(ctx context.Context) (*Engine, error) {
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := ensureParentDirs(cfg.Storage.Path, cfg.Audit.Path, cfg.IPC.SocketPath); err != nil {
		return nil, fmt.Errorf("prepare data directories: %w", err)
	}

	db, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	logger.Info("storage opened", slog.String("path", cfg.Storage.Path))

	journal, err := audit.Open(cfg.Audit, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open audit journal: %w", err)
	}

	encryptor, err := crypto.NewEncryptor(cfg.Crypto.EncryptionKey)
	if err != nil {
		db.Close()
		journal.Close()
		return nil, fmt.Errorf("initialize encryptor: %w", err)
	}

	verifier, err := consent.NewVerifier()
	if err != nil {
		db.Close()
		journal.Close()
		return nil, fmt.Errorf("initialize consent verifier: %w", err)
	}

	relStore := relationship.NewStore(db)
	provStore := registration.NewProviderStore(db)
	keyStore := api.NewKeyStore(db)

	directoryClient := registration.NewRestyDirectoryClient(cfg.Axon)
	regController := registration.NewController(cfg, db, directoryClient, provStore, encryptor, logger)

	handshakeBroker := broker.New(cfg.WebSocket, cfg.Server.Address(), verifier, relStore, provStore, journal, logger)

	reg := registry.New(logger)
	reg.Register(regController)
	reg.Register(handshakeBroker)

	restRouter := api.NewRouter(cfg.API, cfg.Server.Address(), keyStore, relStore, provStore, reg,
		api.OrganizationInfo{NPI: cfg.Organization.NPI, Name: cfg.Organization.Name, Type: cfg.Organization.Type})
	reg.Register(restRouter)

	ipcServer := ipc.New(cfg.IPC.SocketPath, logger)
	ipc.RegisterCommands(ipcServer, regController, reg)
	reg.Register(ipcServer)

	advertiser := discovery.New(cfg.LocalNetwork, cfg.Organization.Name, cfg.Server.Port, cfg.Organization.NPI, logger)
	reg.Register(advertiser)

	return &Engine{
		reg:    reg,
		db:     db,
		logger: logger,
		cfg:    cfg,
	}, nil
}

// Registry returns the module registry for registering overrides, e.g.
// in tests that want to substitute a fake DirectoryClient.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

// Logger returns the configured logger.
func (e *Engine) Logger() *slog.Logger {
	return e.logger
}

// Init starts every registered module in order.
func (e *Engine) Init(ctx context.Context) error {
	if err := e.reg.InitAll(ctx); err != nil {
		return fmt.Errorf("initialize modules: %w", err)
	}
	return nil
}

// Run blocks until SIGINT/SIGTERM, then shuts down gracefully.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("neuron trust broker running", slog.String("address", e.cfg.Server.Address()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	e.logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	return e.Shutdown(shutdownCtx)
}

// Shutdown stops every module in reverse registration order within ctx's
// deadline, then closes storage.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.reg.ShutdownAll(ctx); err != nil {
		if !errors.Is(err, context.DeadlineExceeded) {
			e.logger.Error("module shutdown error", slog.String("error", err.Error()))
		}
	}
	return e.db.Close()
}

// ensureParentDirs creates the directories backing every file path this
// engine writes to (storage, audit journal, IPC socket), since a fresh
// checkout has no ./data directory yet.
func ensureParentDirs(paths ...string) error {
	for _, p := range paths {
		if dir := filepath.Dir(p); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
	}
	return nil
}
