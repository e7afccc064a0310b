package webhook

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Headers set on signed requests.
const (
	SignatureHeader = "X-Ledger-Signature"
	SignerHeader    = "X-Ledger-Signer"
	TimestampHeader = "X-Ledger-Timestamp"
)

// ParseSigningKey decodes a hex-encoded 32-byte secp256k1 private key.
func ParseSigningKey(hexKey string) (*secp256k1.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimPrefix(hexKey, "0x"), "0X")

	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("webhook: invalid signing key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("webhook: signing key must be 32 bytes, got %d", len(keyBytes))
	}

	key := secp256k1.PrivKeyFromBytes(keyBytes)
	if key.Key.IsZero() {
		return nil, fmt.Errorf("webhook: signing key is zero")
	}
	return key, nil
}

// SigningDigest is the hash a signature covers:
// SHA256(hex(SHA256(body)) + decimal timestamp nanos).
func SigningDigest(body []byte, tsNanos int64) [32]byte {
	bodyHash := sha256.Sum256(body)
	message := hex.EncodeToString(bodyHash[:]) + strconv.FormatInt(tsNanos, 10)
	return sha256.Sum256([]byte(message))
}

// sign returns the base64 raw signature r || s (64 bytes).
func sign(key *secp256k1.PrivateKey, body []byte, tsNanos int64) string {
	digest := SigningDigest(body, tsNanos)
	// RFC6979 deterministic; [recovery flag, r, s].
	compact := ecdsa.SignCompact(key, digest[:], false)
	return base64.StdEncoding.EncodeToString(compact[1:65])
}

// Verify checks a signature produced by a signing generator. signer is the
// hex compressed public key from SignerHeader.
func Verify(body []byte, tsNanos int64, signature, signer string) (bool, error) {
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(raw) != 64 {
		return false, fmt.Errorf("webhook: malformed signature")
	}
	pubBytes, err := hex.DecodeString(signer)
	if err != nil {
		return false, fmt.Errorf("webhook: malformed signer: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(pubBytes)
	if err != nil {
		return false, fmt.Errorf("webhook: malformed signer: %w", err)
	}

	var r, s secp256k1.ModNScalar
	if r.SetByteSlice(raw[:32]) || s.SetByteSlice(raw[32:]) {
		return false, fmt.Errorf("webhook: signature scalar overflows")
	}
	digest := SigningDigest(body, tsNanos)
	return ecdsa.NewSignature(&r, &s).Verify(digest[:], pub), nil
}

// signingTransport signs each request body and sets the ledger headers.
type signingTransport struct {
	base   http.RoundTripper
	key    *secp256k1.PrivateKey
	signer string
	now    func() time.Time
}

func newSigningTransport(base http.RoundTripper, key *secp256k1.PrivateKey) *signingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &signingTransport{
		base:   base,
		key:    key,
		signer: hex.EncodeToString(key.PubKey().SerializeCompressed()),
		now:    time.Now,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("webhook: read request body: %w", err)
		}
	}

	ts := t.now().UnixNano()

	clone := req.Clone(req.Context())
	clone.Header.Set(SignatureHeader, sign(t.key, body, ts))
	clone.Header.Set(SignerHeader, t.signer)
	clone.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))

	return t.base.RoundTrip(clone)
}
