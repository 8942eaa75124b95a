// Package jws implements the JWK/JWS primitives the ACME transport needs:
// RSA JWK serialization, the JWK thumbprint, and RS256 signing of the
// protected-header/payload pair. The account key is always RSA, so
// this package does not need to support EC JWS.
package jws

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/ebekker/acmewat/internal/b64"
)

// JWK is the RSA public-key JWK embedded in the protected header of every
// request made before the account has a "kid" (and, in this engine, is
// also used for the thumbprint computation after).
type JWK struct {
	Kty string `json:"kty"`
	E   string `json:"e"`
	N   string `json:"n"`
}

// PublicJWK builds the JWK for an RSA public key.
func PublicJWK(pub *rsa.PublicKey) JWK {
	return JWK{
		Kty: "RSA",
		E:   b64.Encode(bigEndianBytes(pub.E)),
		N:   b64.Encode(pub.N.Bytes()),
	}
}

func bigEndianBytes(e int) []byte {
	// the public exponent is almost always 65537 (3 bytes); encode minimally.
	b := []byte{byte(e >> 16), byte(e >> 8), byte(e)}
	i := 0
	for i < len(b)-1 && b[i] == 0 {
		i++
	}
	return b[i:]
}

// Header is the JWS header of an ACME request: alg plus exactly one of
// Kid or JWK (unregistered accounts sign with their JWK, registered
// accounts sign with their key ID), plus the replay nonce.
type Header struct {
	Alg   string `json:"alg"`
	JWK   *JWK   `json:"jwk,omitempty"`
	Kid   string `json:"kid,omitempty"`
	Nonce string `json:"nonce,omitempty"`
}

// Message is the signed-request body sent to the ACME server: the header
// in the clear plus its base64url-of-JSON form as "protected" — the
// same content twice, which is what lets a server key off "header" for
// the key-type hint before it has to base64-decode anything.
type Message struct {
	Header    Header `json:"header"`
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// Sign builds the JWS Message for payload, signed by key, using either the
// account's JWK (kid == "") or its key ID (kid != "").
func Sign(key *rsa.PrivateKey, kid string, nonce string, payload []byte) (*Message, error) {
	header := Header{Alg: "RS256", Nonce: nonce}
	if kid == "" {
		jwk := PublicJWK(&key.PublicKey)
		header.JWK = &jwk
	} else {
		header.Kid = kid
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("jws: marshal header: %w", err)
	}
	protected := b64.Encode(headerJSON)
	encodedPayload := b64.Encode(payload)

	signingInput := protected + "." + encodedPayload
	digest := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("jws: sign: %w", err)
	}
	return &Message{
		Header:    header,
		Protected: protected,
		Payload:   encodedPayload,
		Signature: b64.Encode(sig),
	}, nil
}

// thumbprintJWK declares exactly {e, kty, n} in alphabetical order. Go's
// encoding/json marshals struct fields in declaration order, so the
// declaration order below is what determines the wire order, and must stay
// alphabetical to match RFC 7638's canonicalization rule.
type thumbprintJWK struct {
	E   string `json:"e"`
	Kty string `json:"kty"`
	N   string `json:"n"`
}

// Thumbprint computes the RFC 7638 JWK thumbprint: SHA-256 of the
// canonical JSON `{"e":"…","kty":"RSA","n":"…"}` with no whitespace and
// fields in that exact order, then URL-safe base64.
func Thumbprint(pub *rsa.PublicKey) (string, error) {
	jwk := PublicJWK(pub)
	canon := thumbprintJWK{E: jwk.E, Kty: jwk.Kty, N: jwk.N}
	canonJSON, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("jws: marshal thumbprint: %w", err)
	}
	sum := sha256.Sum256(canonJSON)
	return b64.Encode(sum[:]), nil
}
