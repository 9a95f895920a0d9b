package agent

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Auth configures RS256 bearer-token authentication for the status API.
// Every route except /healthz requires:
//
//	Authorization: Bearer <compact-JWT>
//
// signed with the private half of PublicKey. Expired tokens are rejected;
// Issuer and Audience are checked only when set.
type Auth struct {
	PublicKey *rsa.PublicKey
	Issuer    string
	Audience  string
}

// LoadAuth reads a PEM-encoded RSA public key (PKCS#1 or PKIX) from path.
func LoadAuth(path, issuer, audience string) (*Auth, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agent: read status auth key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("agent: parse status auth key %q: %w", path, err)
	}
	return &Auth{PublicKey: key, Issuer: issuer, Audience: audience}, nil
}

// WithAuth protects the status API with bearer-token authentication.
func WithAuth(auth *Auth) Option {
	return func(a *Agent) { a.auth = auth }
}

type claimsKey struct{}

// ClaimsFromContext returns the verified token claims stored by the auth
// middleware.
func ClaimsFromContext(ctx context.Context) (*jwt.RegisteredClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*jwt.RegisteredClaims)
	return c, ok
}

// requireBearer is chi middleware enforcing Auth. Failures get HTTP 401 with
// a JSON error body.
func (a *Agent) requireBearer(next http.Handler) http.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})}
	if a.auth.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.auth.Issuer))
	}
	if a.auth.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.auth.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (any, error) { return a.auth.PublicKey, nil }

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := parseBearer(parser, keyFunc, r.Header.Get("Authorization"))
		if err != nil {
			a.logger.Warn("status: authentication failed",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("error", err.Error()),
			)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func parseBearer(parser *jwt.Parser, keyFunc jwt.Keyfunc, header string) (*jwt.RegisteredClaims, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, errors.New("missing or malformed Authorization header")
	}
	claims := &jwt.RegisteredClaims{}
	if _, err := parser.ParseWithClaims(token, claims, keyFunc); err != nil {
		return nil, err
	}
	return claims, nil
}
