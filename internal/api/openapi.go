package api

// openAPIDocument is a minimal OpenAPI 3.0 description of the REST
// surface, served at GET /openapi.json (spec §4.7).
var openAPIDocument = map[string]any{
	"openapi": "3.0.3",
	"info": map[string]any{
		"title":   "Neuron Trust Broker API",
		"version": "1",
	},
	"paths": map[string]any{
		"/health":                  map[string]any{"get": map[string]any{"summary": "Liveness/readiness check"}},
		"/v1/organization":         map[string]any{"get": map[string]any{"summary": "This organization's identity"}},
		"/v1/status":               map[string]any{"get": map[string]any{"summary": "Operational status"}},
		"/v1/relationships":        map[string]any{"get": map[string]any{"summary": "List relationships"}},
		"/v1/relationships/{id}":   map[string]any{"get": map[string]any{"summary": "Get a relationship"}, "delete": map[string]any{"summary": "Terminate a relationship"}},
		"/v1/registrations":        map[string]any{"get": map[string]any{"summary": "List provider registrations"}},
		"/v1/consent/status/{id}":  map[string]any{"get": map[string]any{"summary": "Consent status for a relationship"}},
	},
}
