// Package b64 implements the URL-safe, unpadded base64 encoding used
// throughout the ACME wire protocol (JWS segments, key authorizations,
// thumbprints).
package b64

import "encoding/base64"

// Encode returns the URL-safe base64 encoding of b with padding stripped.
func Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// EncodeString is a convenience wrapper for string inputs.
func EncodeString(s string) string {
	return Encode([]byte(s))
}

// Decode reverses Encode. It tolerates both padded and unpadded input by
// re-padding to a multiple of 4 before decoding, since some ACME servers
// and test fixtures emit padded base64url.
func Decode(s string) ([]byte, error) {
	if m := len(s) % 4; m != 0 {
		s += pad[:4-m]
	}
	return base64.URLEncoding.DecodeString(s)
}

const pad = "===="
