// model/request.go
package model

import (
	"net/http"
	"time"
)

// Request is the normalized form of an inbound HTTP call. It is created once
// per call by the ingress layer and discarded when the pipeline completes.
type Request struct {
	ID         string
	Method     string
	Path       string
	Headers    http.Header
	Body       []byte
	SourceIP   string
	Country    string
	ReceivedAt time.Time
}

// Header returns the first value of the named header, or "".
func (r *Request) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}
