// Package auth identifies the caller of every API request. Sessions are
// scoped to the identity resolved here.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/cdd-agent/backend/internal/session"
	"github.com/cdd-agent/backend/pkg/config"
	"github.com/cdd-agent/backend/pkg/logger"
)

const (
	LocalsCaller = "caller"
	DevCaller    = "dev@localhost"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// TokenVerifier resolves a bearer token to a caller identity.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (string, error)
}

type oidcVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier checks JWTs against the issuer's published key set.
// Access tokens frequently carry an API audience rather than a client id,
// so the audience is only enforced when configured.
func NewOIDCVerifier(ctx context.Context, issuer, jwksURL, audience string) TokenVerifier {
	keySet := oidc.NewRemoteKeySet(ctx, jwksURL)
	cfg := &oidc.Config{ClientID: audience, SkipClientIDCheck: audience == ""}
	return &oidcVerifier{verifier: oidc.NewVerifier(issuer, keySet, cfg)}
}

func (v *oidcVerifier) Verify(ctx context.Context, rawToken string) (string, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	var claims struct {
		Email             string `json:"email"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := token.Claims(&claims); err != nil {
		return "", fmt.Errorf("%w: failed to parse token claims", ErrUnauthenticated)
	}

	switch {
	case claims.Email != "":
		return strings.ToLower(claims.Email), nil
	case claims.PreferredUsername != "":
		return claims.PreferredUsername, nil
	}
	return token.Subject, nil
}

// staticVerifier accepts "caller:token" pairs from configuration, used by
// service accounts and the CLI.
type staticVerifier struct {
	tokens map[string]string
}

func NewStaticVerifier(entries []string) TokenVerifier {
	tokens := make(map[string]string, len(entries))
	for _, e := range entries {
		caller, token, ok := strings.Cut(e, ":")
		if !ok {
			caller, token = "service", e
		}
		if token = strings.TrimSpace(token); token != "" {
			tokens[token] = strings.TrimSpace(caller)
		}
	}
	return &staticVerifier{tokens: tokens}
}

func (v *staticVerifier) Verify(_ context.Context, rawToken string) (string, error) {
	for token, caller := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(rawToken)) == 1 {
			return caller, nil
		}
	}
	return "", ErrUnauthenticated
}

type chain []TokenVerifier

func (c chain) Verify(ctx context.Context, rawToken string) (string, error) {
	err := ErrUnauthenticated
	for _, v := range c {
		caller, verr := v.Verify(ctx, rawToken)
		if verr == nil {
			return caller, nil
		}
		err = verr
	}
	return "", err
}

type Authenticator struct {
	verifier TokenVerifier
	bypass   bool
}

// New builds an authenticator from configuration. When auth is disabled, or
// dev bypass is set in a development build, every request runs as DevCaller.
func New(ctx context.Context, cfg config.AuthConfig, isDevelopment bool) (*Authenticator, error) {
	if !cfg.Enabled || (isDevelopment && cfg.DevBypass) {
		logger.Warn("Authentication bypassed", zap.String("caller", DevCaller))
		return &Authenticator{bypass: true}, nil
	}

	var verifiers chain
	if len(cfg.StaticTokens) > 0 {
		verifiers = append(verifiers, NewStaticVerifier(cfg.StaticTokens))
	}
	if cfg.Issuer != "" && cfg.JWKSURL != "" {
		verifiers = append(verifiers, NewOIDCVerifier(ctx, cfg.Issuer, cfg.JWKSURL, cfg.Audience))
	}
	if len(verifiers) == 0 {
		return nil, errors.New("auth configuration is incomplete: set issuer and jwksURL or static tokens")
	}
	return &Authenticator{verifier: verifiers}, nil
}

func NewWithVerifier(v TokenVerifier) *Authenticator {
	return &Authenticator{verifier: v}
}

func Bypass() *Authenticator {
	return &Authenticator{bypass: true}
}

// Middleware resolves the caller from the Authorization header, or from the
// access_token query parameter for websocket upgrades where browsers cannot
// set headers.
func (a *Authenticator) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		caller := DevCaller
		if !a.bypass {
			raw := bearer(c.Get(fiber.HeaderAuthorization))
			if raw == "" {
				raw = c.Query("access_token")
			}
			if raw == "" {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "missing bearer token",
					"code":  "unauthenticated",
				})
			}

			var err error
			caller, err = a.verifier.Verify(c.UserContext(), raw)
			if err != nil {
				logger.Warn("Rejected bearer token",
					zap.String("ip", c.IP()),
					zap.String("path", c.Path()),
					zap.Error(err),
				)
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "invalid token",
					"code":  "unauthenticated",
				})
			}
		}

		c.Locals(LocalsCaller, caller)
		c.SetUserContext(session.ContextWithCaller(c.UserContext(), caller))
		return c.Next()
	}
}

func bearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// Caller returns the identity stored by Middleware, or "" outside it.
func Caller(c *fiber.Ctx) string {
	caller, _ := c.Locals(LocalsCaller).(string)
	return caller
}
