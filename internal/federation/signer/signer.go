// Package signer implements the canonical-request signing scheme used on
// signed peer calls. The caller proves possession of an assumed trust
// role by signing method, host, path, body hash, and date with the role's
// temporary secret key; bearer tokens cover only the acceptance flow.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/learningtapestry/ssdn-sub000/internal/federation/identity"
	apperrors "github.com/learningtapestry/ssdn-sub000/internal/platform/errors"
	"github.com/learningtapestry/ssdn-sub000/internal/platform/timeouts"
)

// Header names carried on signed requests.
const (
	HeaderCredential   = "X-Ssdn-Credential"
	HeaderDate         = "X-Ssdn-Date"
	HeaderSessionToken = "X-Ssdn-Session-Token"
	HeaderSignature    = "X-Ssdn-Signature"
)

// canonicalString builds the string to sign. Any change to method, host,
// path, body, or date invalidates the signature.
func canonicalString(method, host, path string, body []byte, date string) string {
	bodyHash := sha256.Sum256(body)
	return strings.Join([]string{
		strings.ToUpper(method),
		strings.ToLower(host),
		path,
		hex.EncodeToString(bodyHash[:]),
		date,
	}, "\n")
}

func signature(secret, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign stamps req with the signature headers for the given credentials.
// The body must match what will be sent on the wire.
func Sign(req *http.Request, creds identity.Credentials, body []byte, now time.Time) {
	date := now.UTC().Format(time.RFC3339)
	canonical := canonicalString(req.Method, req.URL.Host, req.URL.Path, body, date)
	req.Header.Set(HeaderCredential, creds.AccessKeyID)
	req.Header.Set(HeaderDate, date)
	req.Header.Set(HeaderSessionToken, creds.SessionToken)
	req.Header.Set(HeaderSignature, signature(creds.SecretAccessKey, canonical))
}

// Verify recomputes the signature of an incoming request against the
// secret resolved for its access key. It rejects missing headers, stale
// dates (beyond timeouts.SignatureSkew), and mismatched signatures.
func Verify(method, host, path string, body []byte, header http.Header, secret string, now time.Time) error {
	date := header.Get(HeaderDate)
	presented := header.Get(HeaderSignature)
	if date == "" || presented == "" {
		return apperrors.New(apperrors.CodeUnauthorized, "request is not signed")
	}

	signedAt, err := time.Parse(time.RFC3339, date)
	if err != nil {
		return apperrors.New(apperrors.CodeUnauthorized, "malformed signature date")
	}
	skew := now.Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > timeouts.SignatureSkew {
		return apperrors.New(apperrors.CodeUnauthorized, "signature date outside allowed skew")
	}

	canonical := canonicalString(method, host, path, body, date)
	expected := signature(secret, canonical)
	if !hmac.Equal([]byte(expected), []byte(presented)) {
		return apperrors.New(apperrors.CodeUnauthorized, "request signature mismatch")
	}
	return nil
}
