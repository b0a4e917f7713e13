package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

type subjectContextKey struct{}

// ErrTokenInvalid is returned by verifiers for any rejected token.
var ErrTokenInvalid = errors.New("invalid or expired token")

// TokenVerifier checks a bearer token and returns its subject.
type TokenVerifier interface {
	Verify(token string) (subject string, err error)
}

// parseToken validates a token with keyFunc and the expected issuer. An
// empty issuer skips the issuer check.
func parseToken(raw string, keyFunc jwt.Keyfunc, issuer string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, keyFunc)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if issuer != "" && !claims.VerifyIssuer(issuer, true) {
		return "", fmt.Errorf("%w: unexpected issuer %q", ErrTokenInvalid, claims.Issuer)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	return claims.Subject, nil
}

// HMACVerifier verifies HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
	issuer string
}

// NewHMACVerifier creates a verifier for tokens signed with secret.
func NewHMACVerifier(secret []byte, issuer string) *HMACVerifier {
	return &HMACVerifier{secret: secret, issuer: issuer}
}

// Verify implements TokenVerifier.
func (v *HMACVerifier) Verify(raw string) (string, error) {
	return parseToken(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	}, v.issuer)
}

// SignHMACToken issues an HS256 token for subject, valid for ttl.
func SignHMACToken(secret []byte, issuer, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		Issuer:    issuer,
		Subject:   subject,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// JWKSVerifier verifies tokens against a remote JSON Web Key Set, such as a
// Cognito user pool's. Keys are refreshed in the background.
type JWKSVerifier struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKSVerifier fetches the key set at url and keeps it refreshed every
// refresh interval until ctx is cancelled or Close is called.
func NewJWKSVerifier(ctx context.Context, url, issuer string, refresh time.Duration) (*JWKSVerifier, error) {
	if refresh <= 0 {
		refresh = time.Hour
	}
	logger := slog.Default().With("subsystem", "jwks")
	jwks, err := keyfunc.Get(url, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   refresh,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.Warn("jwks refresh failed", "url", url, "error", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fetching jwks from %s: %w", url, err)
	}
	return &JWKSVerifier{jwks: jwks, issuer: issuer}, nil
}

// Verify implements TokenVerifier.
func (v *JWKSVerifier) Verify(raw string) (string, error) {
	return parseToken(raw, v.jwks.Keyfunc, v.issuer)
}

// Close stops the background refresh.
func (v *JWKSVerifier) Close() {
	v.jwks.EndBackground()
}

// RequireBearer returns middleware that rejects requests without a valid
// bearer token. The token subject is stored in the request context. A nil
// verifier disables authentication.
func RequireBearer(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if verifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeEnvelope(w, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeEnvelope(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			subject, err := verifier.Verify(strings.TrimSpace(parts[1]))
			if err != nil {
				slog.Debug("bearer auth: token rejected", "error", err)
				writeEnvelope(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), subjectContextKey{}, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SubjectFromContext returns the authenticated token subject, or "" when the
// request was not authenticated.
func SubjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(subjectContextKey{}).(string)
	return s
}

// errorEnvelope matches the api package's error body.
type errorEnvelope struct {
	Error string `json:"error"`
}

func writeEnvelope(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: msg}) //nolint:errcheck
}
