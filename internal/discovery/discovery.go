// Package discovery advertises this neuron over the local network via
// mDNS/DNS-SD (spec §4.9), so agents on the same LAN can find a trust
// broker without a directory round-trip. It is entirely optional and
// disabled by default (config.LocalNetworkConfig.Enabled); when
// disabled, Advertiser is a no-op so the registry's lifecycle fan-out
// never has to special-case it. Grounded on github.com/grandcat/zeroconf,
// the mDNS library carried by the luxfi-consensus example manifest — the
// same concern the teacher has no equivalent of, since it runs entirely
// as a hosted web service with no LAN-discovery story.
package discovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grandcat/zeroconf"

	"github.com/careagent/neuron/internal/config"
)

// Advertiser registers an mDNS/DNS-SD service record while running and
// tears it down on Shutdown. It implements core/registry.Module.
type Advertiser struct {
	cfg      config.LocalNetworkConfig
	instance string
	port     int
	npi      string
	logger   *slog.Logger
	server   *zeroconf.Server
}

// New constructs an Advertiser for the given organization NPI and REST
// port. instance is the human-readable service instance name shown to
// LAN browsers.
func New(cfg config.LocalNetworkConfig, instance string, port int, npi string, logger *slog.Logger) *Advertiser {
	return &Advertiser{
		cfg:      cfg,
		instance: instance,
		port:     port,
		npi:      npi,
		logger:   logger.With("component", "discovery"),
	}
}

func (a *Advertiser) Name() string { return "discovery" }

// Init registers the mDNS service record. It is a no-op if local network
// advertisement is disabled in configuration.
func (a *Advertiser) Init(ctx context.Context) error {
	if !a.cfg.Enabled {
		a.logger.Debug("local network advertisement disabled")
		return nil
	}

	server, err := zeroconf.Register(
		a.instance,
		a.cfg.ServiceName,
		"local.",
		a.port,
		[]string{fmt.Sprintf("npi=%s", a.npi)},
		nil,
	)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	a.server = server
	a.logger.Info("advertising on local network", "service", a.cfg.ServiceName, "port", a.port)
	return nil
}

func (a *Advertiser) Health(ctx context.Context) error {
	// A nil server (disabled or not yet registered) is still healthy:
	// LAN discovery is optional and its absence never degrades the
	// broker's readiness.
	return nil
}

func (a *Advertiser) Shutdown(ctx context.Context) error {
	if a.server != nil {
		a.server.Shutdown()
	}
	return nil
}
