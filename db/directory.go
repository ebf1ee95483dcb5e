// db/directory.go
package db

import (
	"context"

	"github.com/campusops/relay/model"
)

// IdentityDirectory exposes the Redis-backed identity store behind the
// auth.Directory contract.
type IdentityDirectory struct{}

func NewIdentityDirectory() *IdentityDirectory {
	return &IdentityDirectory{}
}

func (d *IdentityDirectory) Lookup(ctx context.Context, username string) (*model.Identity, error) {
	return GetIdentity(ctx, username)
}
