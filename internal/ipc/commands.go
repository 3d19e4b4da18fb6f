package ipc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/careagent/neuron/core/registry"
	"github.com/careagent/neuron/internal/domain"
	"github.com/careagent/neuron/internal/registration"
)

// ProviderAddArgs is the payload for the provider.add command.
type ProviderAddArgs struct {
	ProviderNPI   string `json:"provider_npi"`
	ReachableAddr string `json:"reachable_addr"`
}

// ProviderRemoveArgs is the payload for the provider.remove command.
type ProviderRemoveArgs struct {
	ProviderNPI string `json:"provider_npi"`
}

// StatusResult is the payload returned by the status command.
type StatusResult struct {
	Modules map[string]string `json:"modules"`
	Healthy bool              `json:"healthy"`
}

// RegisterCommands binds the standard neuronctl command set (spec §6) to
// a Server: provider.add, provider.remove, provider.list, and status.
// Provider add/remove are forwarded through the registration Controller
// rather than the ProviderStore directly, because spec §4.5 requires
// them to additionally reach the directory client whenever this
// organization is currently registered.
func RegisterCommands(s *Server, controller *registration.Controller, reg *registry.Registry) {
	s.Handle("provider.add", func(ctx context.Context, req Request) (any, error) {
		var args ProviderAddArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, fmt.Errorf("malformed provider.add args: %w", err)
		}
		if !domain.ValidNPI(args.ProviderNPI) {
			return nil, domain.ErrSchemaViolation
		}
		return controller.AddProvider(ctx, args.ProviderNPI, args.ReachableAddr)
	})

	s.Handle("provider.remove", func(ctx context.Context, req Request) (any, error) {
		var args ProviderRemoveArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, fmt.Errorf("malformed provider.remove args: %w", err)
		}
		return controller.RemoveProvider(ctx, args.ProviderNPI)
	})

	s.Handle("provider.list", func(ctx context.Context, req Request) (any, error) {
		return controller.ListProviders(ctx)
	})

	s.Handle("status", func(ctx context.Context, req Request) (any, error) {
		result := StatusResult{Modules: make(map[string]string), Healthy: true}
		if reg != nil {
			for name, err := range reg.HealthAll(ctx) {
				if err != nil {
					result.Modules[name] = err.Error()
					result.Healthy = false
				} else {
					result.Modules[name] = "healthy"
				}
			}
		}
		return result, nil
	})
}
