// auth/tokenpool_test.go
package auth_test

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"

	"github.com/campusops/relay/auth"
	"github.com/campusops/relay/config"
	"github.com/campusops/relay/model"
)

const (
	testSecret = "test-signing-secret"
	testIssuer = "relay-userpool"
)

type fakeDirectory struct {
	identities map[string]*model.Identity
	lookups    atomic.Int64
	delay      time.Duration
}

func (d *fakeDirectory) Lookup(_ context.Context, username string) (*model.Identity, error) {
	d.lookups.Add(1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	return d.identities[username], nil
}

func newTokenAuthorizer(directory auth.Directory, ttl time.Duration, requiredAttrs ...string) *auth.TokenPoolAuthorizer {
	return auth.NewTokenPoolAuthorizer(config.AuthorizerConfig{
		ResultTTL:          ttl,
		TokenHeader:        "Authorization",
		JWTSecret:          testSecret,
		Issuer:             testIssuer,
		RequiredAttributes: requiredAttrs,
	}, directory)
}

func makeToken(t *testing.T, email string, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":   testIssuer,
		"email": email,
		"exp":   time.Now().Add(expiresIn).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	assert.NoError(t, err)
	return token
}

func tokenRequest(token string) *model.Request {
	req := &model.Request{Method: http.MethodPost, Path: "/", Headers: http.Header{}}
	if token != "" {
		req.Headers.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestTokenPoolAuthorize(t *testing.T) {
	directory := &fakeDirectory{identities: map[string]*model.Identity{
		"alice@university.edu": {Username: "alice@university.edu", Enabled: true},
	}}
	authorizer := newTokenAuthorizer(directory, 300*time.Second)

	decision, err := authorizer.Authorize(context.Background(), tokenRequest(makeToken(t, "alice@university.edu", time.Hour)))
	assert.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, "alice@university.edu", decision.Principal)
}

func TestConcurrentIdenticalTokensShareOneValidation(t *testing.T) {
	directory := &fakeDirectory{
		identities: map[string]*model.Identity{
			"alice@university.edu": {Username: "alice@university.edu", Enabled: true},
		},
		delay: 50 * time.Millisecond,
	}
	authorizer := newTokenAuthorizer(directory, 300*time.Second)
	token := makeToken(t, "alice@university.edu", time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := authorizer.Authorize(context.Background(), tokenRequest(token))
			assert.NoError(t, err)
			assert.True(t, decision.Allow)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), directory.lookups.Load())
}

func TestCacheExpiryTriggersRevalidation(t *testing.T) {
	directory := &fakeDirectory{identities: map[string]*model.Identity{
		"alice@university.edu": {Username: "alice@university.edu", Enabled: true},
	}}
	authorizer := newTokenAuthorizer(directory, 30*time.Millisecond)
	token := makeToken(t, "alice@university.edu", time.Hour)

	_, err := authorizer.Authorize(context.Background(), tokenRequest(token))
	assert.NoError(t, err)
	_, err = authorizer.Authorize(context.Background(), tokenRequest(token))
	assert.NoError(t, err)
	assert.Equal(t, int64(1), directory.lookups.Load(), "second request within TTL must hit the cache")

	time.Sleep(60 * time.Millisecond)

	_, err = authorizer.Authorize(context.Background(), tokenRequest(token))
	assert.NoError(t, err)
	assert.Equal(t, int64(2), directory.lookups.Load(), "request after TTL expiry must revalidate")
}

func TestInvalidTokenDenies(t *testing.T) {
	directory := &fakeDirectory{identities: map[string]*model.Identity{}}
	authorizer := newTokenAuthorizer(directory, 300*time.Second)

	decision, err := authorizer.Authorize(context.Background(), tokenRequest("not-a-jwt"))
	assert.NoError(t, err)
	assert.False(t, decision.Allow)
}

func TestExpiredTokenDenies(t *testing.T) {
	directory := &fakeDirectory{identities: map[string]*model.Identity{
		"alice@university.edu": {Username: "alice@university.edu", Enabled: true},
	}}
	authorizer := newTokenAuthorizer(directory, 300*time.Second)

	decision, err := authorizer.Authorize(context.Background(), tokenRequest(makeToken(t, "alice@university.edu", -time.Hour)))
	assert.NoError(t, err)
	assert.False(t, decision.Allow)
}

func TestUnregisteredIdentityDenies(t *testing.T) {
	directory := &fakeDirectory{identities: map[string]*model.Identity{}}
	authorizer := newTokenAuthorizer(directory, 300*time.Second)

	decision, err := authorizer.Authorize(context.Background(), tokenRequest(makeToken(t, "mallory@university.edu", time.Hour)))
	assert.NoError(t, err)
	assert.False(t, decision.Allow)
}

func TestDisabledIdentityDenies(t *testing.T) {
	directory := &fakeDirectory{identities: map[string]*model.Identity{
		"bob@university.edu": {Username: "bob@university.edu", Enabled: false},
	}}
	authorizer := newTokenAuthorizer(directory, 300*time.Second)

	decision, err := authorizer.Authorize(context.Background(), tokenRequest(makeToken(t, "bob@university.edu", time.Hour)))
	assert.NoError(t, err)
	assert.False(t, decision.Allow)
}

func TestMissingRequiredAttributeDenies(t *testing.T) {
	directory := &fakeDirectory{identities: map[string]*model.Identity{
		"alice@university.edu": {Username: "alice@university.edu", Enabled: true},
	}}
	authorizer := newTokenAuthorizer(directory, 300*time.Second, "email", "department")

	decision, err := authorizer.Authorize(context.Background(), tokenRequest(makeToken(t, "alice@university.edu", time.Hour)))
	assert.NoError(t, err)
	assert.False(t, decision.Allow)

	// A distinct token avoids the cached denial for the first one.
	directory.identities["alice@university.edu"].Attributes = map[string]string{"department": "physics"}
	decision, err = authorizer.Authorize(context.Background(), tokenRequest(makeToken(t, "alice@university.edu", 2*time.Hour)))
	assert.NoError(t, err)
	assert.True(t, decision.Allow)
}

func TestNoTokenDenies(t *testing.T) {
	directory := &fakeDirectory{identities: map[string]*model.Identity{}}
	authorizer := newTokenAuthorizer(directory, 300*time.Second)

	decision, err := authorizer.Authorize(context.Background(), tokenRequest(""))
	assert.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, int64(0), directory.lookups.Load())
}
