// auth/tokenpool.go
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/campusops/relay/config"
	logger "github.com/campusops/relay/logging"
	"github.com/campusops/relay/model"
)

type poolClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// TokenPoolAuthorizer validates a bearer token against a directory of
// registered identities. Decisions are cached per raw token for the
// configured TTL; concurrent requests presenting the same token share a
// single validation in flight.
type TokenPoolAuthorizer struct {
	directory     Directory
	secret        []byte
	issuer        string
	tokenHeader   string
	requiredAttrs []string
	ttl           time.Duration

	cache  *decisionCache
	flight singleflight.Group
}

func NewTokenPoolAuthorizer(cfg config.AuthorizerConfig, directory Directory) *TokenPoolAuthorizer {
	return &TokenPoolAuthorizer{
		directory:     directory,
		secret:        []byte(cfg.JWTSecret),
		issuer:        cfg.Issuer,
		tokenHeader:   cfg.TokenHeader,
		requiredAttrs: cfg.RequiredAttributes,
		ttl:           cfg.ResultTTL,
		cache:         newDecisionCache(),
	}
}

// Authorize extracts the bearer token from the designated header and returns
// the cached or freshly validated decision. Invalid or expired tokens deny;
// they never fall through to allow.
func (a *TokenPoolAuthorizer) Authorize(ctx context.Context, req *model.Request) (model.AuthDecision, error) {
	token := strings.TrimPrefix(req.Header(a.tokenHeader), "Bearer ")
	if token == "" {
		return deny("no bearer token presented"), nil
	}

	if decision, ok := a.cache.Get(token); ok {
		return decision, nil
	}

	result, err, _ := a.flight.Do(token, func() (interface{}, error) {
		// A request that lost the singleflight race may arrive here
		// after the winner populated the cache.
		if decision, ok := a.cache.Get(token); ok {
			return decision, nil
		}
		decision, cacheable := a.validate(ctx, token)
		if cacheable {
			a.cache.Set(token, decision, a.ttl)
		}
		return decision, nil
	})
	if err != nil {
		return deny("validation failed"), err
	}
	return result.(model.AuthDecision), nil
}

// validate checks the token and consults the identity directory. The second
// return reports whether the decision is worth caching: rejections of tokens
// that fail signature or claim parsing are not, since attackers can mint
// unique garbage tokens faster than any TTL reclaims them.
func (a *TokenPoolAuthorizer) validate(ctx context.Context, token string) (model.AuthDecision, bool) {
	claims := &poolClaims{}
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		logger.Warn("Token validation failed", zap.Error(err))
		return deny("invalid or expired token"), false
	}

	username := claims.Email
	if username == "" {
		username = claims.Subject
	}
	if username == "" {
		return deny("token carries no username"), false
	}

	identity, err := a.directory.Lookup(ctx, username)
	if err != nil {
		logger.Error("Identity directory lookup failed",
			zap.Error(err),
			zap.String("username", username))
		// Transient outage; retry on the next presentation.
		return deny("directory lookup failed"), false
	}
	if identity == nil {
		return deny("identity not registered"), true
	}
	if !identity.Enabled {
		return deny("identity disabled"), true
	}
	for _, attr := range a.requiredAttrs {
		if attr == "email" {
			// Email is the username attribute itself.
			continue
		}
		if identity.Attributes[attr] == "" {
			return deny("missing required attribute " + attr), true
		}
	}

	return model.AuthDecision{
		Allow:     true,
		Principal: identity.Username,
		Reason:    "token validated",
		ExpiresAt: time.Now().Add(a.ttl),
	}, true
}
