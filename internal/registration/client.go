package registration

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/careagent/neuron/internal/config"
	"github.com/careagent/neuron/internal/domain"
)

// DirectoryRequest is the body posted to the national directory on
// registration (spec §4.2).
type DirectoryRequest struct {
	NPI         string `json:"npi"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	EndpointURL string `json:"endpoint_url"`
}

// DirectoryResponse is the directory's registration acknowledgement.
type DirectoryResponse struct {
	NeuronID    string `json:"neuron_id"`
	BearerToken string `json:"bearer_token"`
}

// ProviderDirectoryRequest registers a provider under this organization's
// neuron_id with the directory (spec §4.5: "addProvider... forward to the
// directory client").
type ProviderDirectoryRequest struct {
	NPI         string `json:"npi"`
	EndpointURL string `json:"endpoint_url"`
}

// ProviderDirectoryResponse is the directory's provider-registration
// acknowledgement.
type ProviderDirectoryResponse struct {
	DirectoryID string `json:"directory_id"`
}

// DirectoryClient talks to the national directory registry. It is an
// interface so the controller can be tested without a live HTTP server,
// matching the teacher's port-style seams around outbound collaborators.
type DirectoryClient interface {
	Register(ctx context.Context, req DirectoryRequest) (*DirectoryResponse, error)
	Heartbeat(ctx context.Context, neuronID, bearerToken string) error
	RegisterProvider(ctx context.Context, neuronID, bearerToken string, req ProviderDirectoryRequest) (*ProviderDirectoryResponse, error)
	RemoveProvider(ctx context.Context, neuronID, bearerToken, npi string) error
	UpdateEndpoint(ctx context.Context, neuronID, bearerToken, npi, endpointURL string) error
}

// RestyDirectoryClient is the production DirectoryClient backed by
// go-resty/resty.
type RestyDirectoryClient struct {
	client *resty.Client
}

// NewRestyDirectoryClient builds a client pointed at cfg.RegistryURL.
func NewRestyDirectoryClient(cfg config.AxonConfig) *RestyDirectoryClient {
	client := resty.New().
		SetBaseURL(cfg.RegistryURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(0) // the controller owns backoff/retry, not the HTTP client

	return &RestyDirectoryClient{client: client}
}

func (c *RestyDirectoryClient) Register(ctx context.Context, req DirectoryRequest) (*DirectoryResponse, error) {
	var out DirectoryResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/v1/neurons")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRegistryUnreachable, err)
	}
	if resp.StatusCode() >= 500 {
		return nil, fmt.Errorf("%w: directory returned %d", domain.ErrRegistryUnreachable, resp.StatusCode())
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("%w: directory returned %d", domain.ErrRegistryRejected, resp.StatusCode())
	}
	return &out, nil
}

func (c *RestyDirectoryClient) Heartbeat(ctx context.Context, neuronID, bearerToken string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(bearerToken).
		Put("/v1/neurons/" + neuronID + "/heartbeat")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRegistryUnreachable, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return domain.ErrRegistryRejected
	case resp.StatusCode() >= 500:
		return domain.ErrRegistryUnreachable
	case resp.StatusCode() >= 400:
		return domain.ErrRegistryRejected
	}
	return nil
}

func (c *RestyDirectoryClient) RegisterProvider(ctx context.Context, neuronID, bearerToken string, req ProviderDirectoryRequest) (*ProviderDirectoryResponse, error) {
	var out ProviderDirectoryResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(bearerToken).
		SetBody(req).
		SetResult(&out).
		Post("/v1/neurons/" + neuronID + "/providers")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRegistryUnreachable, err)
	}
	if resp.StatusCode() >= 500 {
		return nil, fmt.Errorf("%w: directory returned %d", domain.ErrRegistryUnreachable, resp.StatusCode())
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("%w: directory returned %d", domain.ErrRegistryRejected, resp.StatusCode())
	}
	return &out, nil
}

func (c *RestyDirectoryClient) RemoveProvider(ctx context.Context, neuronID, bearerToken, npi string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(bearerToken).
		Delete("/v1/neurons/" + neuronID + "/providers/" + npi)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRegistryUnreachable, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return domain.ErrRegistryRejected
	case resp.StatusCode() >= 500:
		return domain.ErrRegistryUnreachable
	case resp.StatusCode() >= 400:
		return domain.ErrRegistryRejected
	}
	return nil
}

func (c *RestyDirectoryClient) UpdateEndpoint(ctx context.Context, neuronID, bearerToken, npi, endpointURL string) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(bearerToken).
		SetBody(map[string]string{"endpoint_url": endpointURL}).
		Put("/v1/neurons/" + neuronID + "/providers/" + npi)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRegistryUnreachable, err)
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return domain.ErrRegistryRejected
	case resp.StatusCode() >= 500:
		return domain.ErrRegistryUnreachable
	case resp.StatusCode() >= 400:
		return domain.ErrRegistryRejected
	}
	return nil
}
