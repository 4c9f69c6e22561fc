package crypto_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	seqcrypto "github.com/alanyoungcy/seqvault/internal/crypto"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSignAndRecover(t *testing.T) {
	signer, err := seqcrypto.NewSigner(testKey)
	require.NoError(t, err)

	ts := time.Now().Unix()
	body := []byte(`{"rules":[]}`)

	sig, err := signer.SignRequest("POST", "/api/vaults/0xabc/arm", ts, body)
	require.NoError(t, err)

	recovered, err := seqcrypto.RecoverSigner("POST", "/api/vaults/0xabc/arm", ts, body, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)
}

func TestRecoverRejectsTampering(t *testing.T) {
	signer, err := seqcrypto.NewSigner(testKey)
	require.NoError(t, err)

	ts := time.Now().Unix()
	body := []byte(`{"amount_in":100}`)
	sig, err := signer.SignRequest("POST", "/api/vaults/0xabc/first-step", ts, body)
	require.NoError(t, err)

	// Any change to the signed material recovers a different address.
	tampered := []struct {
		name   string
		method string
		path   string
		ts     int64
		body   []byte
	}{
		{"method", "GET", "/api/vaults/0xabc/first-step", ts, body},
		{"path", "POST", "/api/vaults/0xdef/first-step", ts, body},
		{"timestamp", "POST", "/api/vaults/0xabc/first-step", ts + 1, body},
		{"body", "POST", "/api/vaults/0xabc/first-step", ts, []byte(`{"amount_in":999}`)},
	}
	for _, tc := range tampered {
		t.Run(tc.name, func(t *testing.T) {
			addr, err := seqcrypto.RecoverSigner(tc.method, tc.path, tc.ts, tc.body, sig)
			if err == nil {
				assert.NotEqual(t, signer.Address(), addr)
			}
		})
	}
}

func TestRecoverRejectsMalformedSignature(t *testing.T) {
	ts := time.Now().Unix()

	_, err := seqcrypto.RecoverSigner("GET", "/api/health", ts, nil, "not hex")
	assert.Error(t, err)

	_, err = seqcrypto.RecoverSigner("GET", "/api/health", ts, nil, "0xdeadbeef")
	assert.Error(t, err)
}

func TestRequestDigestCanonical(t *testing.T) {
	ts := int64(1700000000)
	a := seqcrypto.RequestDigest("post", "/api/vaults", ts, nil)
	b := seqcrypto.RequestDigest("POST", "/api/vaults", ts, nil)
	assert.Equal(t, a, b, "method is canonicalised to upper case")

	c := seqcrypto.RequestDigest("POST", "/api/vaults", ts, []byte("x"))
	assert.NotEqual(t, a, c)
}
