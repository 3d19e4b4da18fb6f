package domain

// ConsentEnvelope is the wire shape of the handshake client's consent_token
// (spec §6): a base64url claims payload plus an Ed25519 signature over the
// raw decoded payload bytes, and the advertised public key.
type ConsentEnvelope struct {
	PayloadB64URL   string `json:"payload_b64url"`
	SignatureB64URL string `json:"signature_b64url"`
	PublicKeyB64URL string `json:"public_key_b64url"`
}

// ConsentClaims is the decoded payload of a ConsentEnvelope (spec §4.4).
// Unknown top-level keys in the decoded JSON are rejected by the verifier
// before unmarshaling into this struct (schema_violation).
type ConsentClaims struct {
	PatientAgentID   string   `json:"patient_agent_id"`
	ProviderNPI      string   `json:"provider_npi"`
	ConsentedActions []string `json:"consented_actions"`
	IssuedAt         int64    `json:"iat"`
	ExpiresAt        int64    `json:"exp"`
	Nonce            string   `json:"nonce,omitempty"`
}

// HandshakeEnvelope is the full client->broker auth frame (spec §6).
type HandshakeEnvelope struct {
	ConsentToken ConsentEnvelope `json:"consent_token"`
	ProviderNPI  string          `json:"provider_npi"`
	AddressHint  string          `json:"address_hint,omitempty"`
}

// HandshakeResponse is the broker->client response frame (spec §6).
type HandshakeResponse struct {
	RelationshipID   string   `json:"relationship_id,omitempty"`
	ProviderAddress  string   `json:"provider_address,omitempty"`
	ConsentedActions []string `json:"consented_actions,omitempty"`
	Error            string   `json:"error,omitempty"`
	Code             string   `json:"code,omitempty"`
}
