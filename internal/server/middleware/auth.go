package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	seqcrypto "github.com/alanyoungcy/seqvault/internal/crypto"
)

// Header names for signed requests.
const (
	HeaderSignature = "X-Seqvault-Signature"
	HeaderTimestamp = "X-Seqvault-Timestamp"
)

// maxBodySize bounds how much of a signed request body is read for digest
// verification.
const maxBodySize = 1 << 20

type callerKey struct{}

// SignedAuth returns middleware that authenticates requests carrying a
// signature header. The signature covers method, path, timestamp, and body;
// the recovered address is attached to the request context as the caller.
//
// Requests without a signature pass through unauthenticated: route handlers
// decide whether an identity is required. maxSkew bounds how far the signed
// timestamp may drift from server time.
func SignedAuth(maxSkew time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sig := r.Header.Get(HeaderSignature)
			if sig == "" {
				next.ServeHTTP(w, r)
				return
			}

			tsHeader := r.Header.Get(HeaderTimestamp)
			ts, err := strconv.ParseInt(tsHeader, 10, 64)
			if err != nil {
				writeUnauthorized(w, "invalid signature timestamp")
				return
			}
			skew := time.Since(time.Unix(ts, 0))
			if skew > maxSkew || skew < -maxSkew {
				writeUnauthorized(w, "signature timestamp outside allowed window")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
			if err != nil {
				writeUnauthorized(w, "unreadable request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			caller, err := seqcrypto.RecoverSigner(r.Method, r.URL.Path, ts, body, sig)
			if err != nil {
				writeUnauthorized(w, "invalid signature")
				return
			}

			ctx := context.WithValue(r.Context(), callerKey{}, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Caller returns the authenticated address attached by SignedAuth, if any.
func Caller(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
