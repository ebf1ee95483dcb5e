// model/decision.go
package model

import "time"

// AuthDecision is the result of authorizing a request. Decisions from the
// token-pool strategy are cached until ExpiresAt.
type AuthDecision struct {
	Allow     bool      `json:"allow"`
	Principal string    `json:"principal"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Identity is a registered caller in the identity directory. Username is the
// primary key (an email address for the token pool).
type Identity struct {
	Username   string            `json:"username"`
	Enabled    bool              `json:"enabled"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
