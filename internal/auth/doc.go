// Package auth identifies the participant behind each gateway request.
//
// # Tokens
//
// Browsers present an HS256 JWT, normally minted by the identity provider:
//
//	{"sub": "<participant id>", "name": "<display name>", "exp": ...}
//
// The token travels in the Authorization header, or in the access_token
// query parameter for EventSource and WebSocket connections.
//
// # Dev Mode
//
// When auth.jwt_secret is empty the gateway trusts the X-Participant-ID and
// X-Participant-Name headers instead. Never expose a dev-mode gateway.
//
// # Display Names
//
// HTTPAuthMiddleware hands each identity to a ParticipantRecorder so
// conversation lists can show the other party's name. A dedupe cache keeps
// that to one write per identity per window.
package auth
