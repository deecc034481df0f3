// ABOUTME: HTTP middleware resolving the calling participant from a JWT or dev header
// ABOUTME: Records display names through a recorder, suppressed per identity by a dedupe cache

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/tenantline/internal/dedupe"
)

// Dev-mode identity headers, honoured only when no verifier is configured.
const (
	HeaderParticipantID   = "X-Participant-ID"
	HeaderParticipantName = "X-Participant-Name"
)

// ParticipantRecorder caches display metadata for authenticated callers.
type ParticipantRecorder interface {
	RememberParticipant(ctx context.Context, id, displayName string) error
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// requestToken prefers the Authorization header and falls back to the
// access_token query parameter, which EventSource and WebSocket clients
// need because they cannot set headers.
func requestToken(r *http.Request) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" {
		return extractBearerToken(h)
	}
	if tok := r.URL.Query().Get("access_token"); tok != "" {
		return tok, ""
	}
	return extractBearerToken("")
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HTTPAuthMiddleware authenticates every request. With a nil verifier the
// gateway is in dev mode and trusts the X-Participant-ID header. recorder
// and seen may be nil; when both are set each identity is recorded at most
// once per cache window.
func HTTPAuthMiddleware(verifier TokenVerifier, recorder ParticipantRecorder, seen *dedupe.Cache[struct{}], logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx, status, errMsg := authenticate(r, verifier)
			if errMsg != "" {
				writeAuthError(w, status, errMsg)
				return
			}

			if recorder != nil {
				key := authCtx.ParticipantID + "\x00" + authCtx.DisplayName
				if seen == nil || !seen.CheckAndMark(key) {
					if err := recorder.RememberParticipant(r.Context(), authCtx.ParticipantID, authCtx.DisplayName); err != nil {
						logger.Warn("failed to record participant", "participant_id", authCtx.ParticipantID, "error", err)
						if seen != nil {
							seen.Forget(key)
						}
					}
				}
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

func authenticate(r *http.Request, verifier TokenVerifier) (*AuthContext, int, string) {
	if verifier == nil {
		id := strings.TrimSpace(r.Header.Get(HeaderParticipantID))
		if id == "" {
			id = r.URL.Query().Get("participant_id")
		}
		if id == "" {
			return nil, http.StatusUnauthorized, "missing " + HeaderParticipantID + " header"
		}
		return &AuthContext{
			ParticipantID: id,
			DisplayName:   strings.TrimSpace(r.Header.Get(HeaderParticipantName)),
			DevMode:       true,
		}, 0, ""
	}

	token, errMsg := requestToken(r)
	if errMsg != "" {
		return nil, http.StatusUnauthorized, errMsg
	}
	id, err := verifier.Verify(token)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			return nil, http.StatusUnauthorized, "token expired"
		}
		return nil, http.StatusUnauthorized, "invalid token"
	}
	return &AuthContext{ParticipantID: id.ParticipantID, DisplayName: id.DisplayName}, 0, ""
}
