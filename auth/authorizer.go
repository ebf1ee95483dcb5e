// auth/authorizer.go
package auth

import (
	"context"

	"github.com/campusops/relay/model"
)

// Authorizer validates caller identity before an event is constructed or a
// consumer invoked. Implementations are selected per ingress surface.
type Authorizer interface {
	Authorize(ctx context.Context, req *model.Request) (model.AuthDecision, error)
}

// Directory is a lookup over registered identities. The token-pool strategy
// consults it after validating a token's signature and claims.
type Directory interface {
	Lookup(ctx context.Context, username string) (*model.Identity, error)
}
