package domain

// SessionState is the handshake broker's per-connection state machine
// state (spec §3/§4.6).
type SessionState string

const (
	SessionConnected    SessionState = "connected"
	SessionAwaitingAuth SessionState = "awaiting_auth"
	SessionVerifying    SessionState = "verifying"
	SessionResolving    SessionState = "resolving"
	SessionExchanging   SessionState = "exchanging"
	SessionClosed       SessionState = "closed"
)
