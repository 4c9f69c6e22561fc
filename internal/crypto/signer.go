package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// requestPrefix namespaces signed API requests so a signature over a request
// can never be replayed as a signature over anything else.
const requestPrefix = "seqvault-request"

// Signer holds a secp256k1 private key and produces signatures over canonical
// request digests. Vault owners sign mutating API calls with their own key;
// the service holds one Signer for the provisioning identity.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key (with
// or without 0x prefix).
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignRequest signs the canonical digest of an API request and returns the
// hex-encoded 65-byte signature (r || s || v).
func (s *Signer) SignRequest(method, path string, timestamp int64, body []byte) (string, error) {
	digest := RequestDigest(method, path, timestamp, body)

	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; keep the conventional {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverSigner recovers the address that signed a request. The caller is
// responsible for checking timestamp freshness.
func RecoverSigner(method, path string, timestamp int64, body []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: expected 65-byte signature, got %d bytes", len(sig))
	}

	// Normalise v back to {0,1} for recovery.
	recSig := make([]byte, 65)
	copy(recSig, sig)
	if recSig[64] >= 27 {
		recSig[64] -= 27
	}

	digest := RequestDigest(method, path, timestamp, body)
	pub, err := ethcrypto.SigToPub(digest, recSig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}

	return ethcrypto.PubkeyToAddress(*pub), nil
}

// RequestDigest computes the canonical 32-byte digest of an API request:
//
//	keccak256(prefix || "\n" || METHOD || "\n" || path || "\n" || timestamp || "\n" || keccak256(body))
//
// wrapped in the Ethereum signed-message envelope so generic wallet tooling
// can produce compatible signatures.
func RequestDigest(method, path string, timestamp int64, body []byte) []byte {
	bodyHash := ethcrypto.Keccak256(body)

	msg := strings.Join([]string{
		requestPrefix,
		strings.ToUpper(method),
		path,
		strconv.FormatInt(timestamp, 10),
		hex.EncodeToString(bodyHash),
	}, "\n")

	msgHash := ethcrypto.Keccak256([]byte(msg))
	envelope := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msgHash))
	return ethcrypto.Keccak256([]byte(envelope), msgHash)
}
