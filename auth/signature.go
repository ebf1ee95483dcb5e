// auth/signature.go
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/campusops/relay/model"
)

// Request headers carrying the signature material.
const (
	HeaderKeyID         = "X-Key-Id"
	HeaderSignature     = "X-Signature"
	HeaderSignatureDate = "X-Signature-Date"
)

const maxSignatureSkew = 15 * time.Minute

// SignatureAuthorizer validates an HMAC-SHA256 request signature against a
// fixed set of principals. Stateless; no caching beyond verification cost.
type SignatureAuthorizer struct {
	principals map[string]string
	now        func() time.Time
}

func NewSignatureAuthorizer(principals map[string]string) *SignatureAuthorizer {
	return &SignatureAuthorizer{
		principals: principals,
		now:        time.Now,
	}
}

// Authorize verifies the caller-presented signature. The signed canonical
// string is METHOD, PATH, the date header, and the hex SHA-256 of the body,
// joined by newlines.
func (a *SignatureAuthorizer) Authorize(_ context.Context, req *model.Request) (model.AuthDecision, error) {
	keyID := req.Header(HeaderKeyID)
	signature := req.Header(HeaderSignature)
	date := req.Header(HeaderSignatureDate)
	if keyID == "" || signature == "" || date == "" {
		return deny("missing signature headers"), nil
	}

	secret, ok := a.principals[keyID]
	if !ok {
		return deny("unknown key id"), nil
	}

	signedAt, err := time.Parse(time.RFC3339, date)
	if err != nil {
		return deny("malformed signature date"), nil
	}
	skew := a.now().Sub(signedAt)
	if skew < -maxSignatureSkew || skew > maxSignatureSkew {
		return deny("signature date outside allowed window"), nil
	}

	expected := Sign(req.Method, req.Path, date, req.Body, secret)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return deny("signature mismatch"), nil
	}

	return model.AuthDecision{
		Allow:     true,
		Principal: keyID,
		Reason:    "signature verified",
	}, nil
}

// Sign computes the request signature a caller must present. Exported so
// clients and tests share the exact canonicalization.
func Sign(method, path, date string, body []byte, secret string) string {
	bodySum := sha256.Sum256(body)
	canonical := method + "\n" + path + "\n" + date + "\n" + hex.EncodeToString(bodySum[:])

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

func deny(reason string) model.AuthDecision {
	return model.AuthDecision{Allow: false, Reason: reason}
}
