// model/consumer.go
package model

import "time"

// PermissionGrant names the rule and/or source allowed to invoke a consumer.
// An empty field is a don't-care; at least one field must be set, which is
// enforced at configuration load.
type PermissionGrant struct {
	Rule   string
	Source string
}

// Covers reports whether the grant permits an invocation triggered by the
// named rule for an event from the given source.
func (g PermissionGrant) Covers(rule, source string) bool {
	if g.Rule == "" && g.Source == "" {
		return false
	}
	if g.Rule != "" && g.Rule != rule {
		return false
	}
	if g.Source != "" && g.Source != source {
		return false
	}
	return true
}

// ConsumerRef identifies a downstream compute unit and its invocation
// contract. The set of consumers is immutable after load and shared
// read-only across pipeline invocations.
type ConsumerRef struct {
	ID       string
	Endpoint string
	Grants   []PermissionGrant
}

// Permits reports whether any grant covers the triggering rule and source.
// No grant means hard rejection, never default-allow.
func (c ConsumerRef) Permits(rule, source string) bool {
	for _, g := range c.Grants {
		if g.Covers(rule, source) {
			return true
		}
	}
	return false
}

// InvocationResult is the per-target outcome of a dispatch. Accepted means
// the invocation was handed to async execution; rejection reasons are
// synchronous (permission denial, unknown consumer).
type InvocationResult struct {
	ConsumerID  string        `json:"consumer_id"`
	Rule        string        `json:"rule"`
	Accepted    bool          `json:"accepted"`
	StatusCode  int           `json:"status_code,omitempty"`
	ContentType string        `json:"-"`
	Body        []byte        `json:"-"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}
