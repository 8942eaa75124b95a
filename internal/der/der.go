// Package der implements the minimal subset of DER/ASN.1 encoding this
// engine needs to build PKCS#1/RFC 5915 private-key bodies and the OCSP
// Must-Staple extension without pulling in a general-purpose ASN.1 encoder.
//
// Every exported function returns an already tag-and-length-framed TLV; the
// SEQUENCE/context-tag helpers simply concatenate already-encoded children.
package der

import "errors"

const (
	tagInteger     = 0x02
	tagBitString   = 0x03
	tagOctetString = 0x04
	tagOID         = 0x06
	tagSequence    = 0x30
)

// ErrNegativeInteger is returned by Integer for negative inputs. The engine
// never needs to encode a signed DER INTEGER.
var ErrNegativeInteger = errors.New("der: negative integers are not supported")

// length encodes n using DER's short/long form length rules.
func length(n int) []byte {
	if n < 128 {
		return []byte{byte(n)}
	}
	// long form: 0x80|numLenBytes followed by the big-endian length
	var b []byte
	for n > 0 {
		b = append([]byte{byte(n & 0xff)}, b...)
		n >>= 8
	}
	return append([]byte{0x80 | byte(len(b))}, b...)
}

func tlv(tag byte, body []byte) []byte {
	out := make([]byte, 0, 2+len(body))
	out = append(out, tag)
	out = append(out, length(len(body))...)
	out = append(out, body...)
	return out
}

// Integer encodes an unsigned big-endian integer as a DER INTEGER: leading
// zero bytes are trimmed, an all-zero input becomes a single 0x00 byte, and
// a 0x00 byte is re-inserted if the high bit of the first significant byte
// would otherwise be read as a sign bit.
func Integer(b []byte) ([]byte, error) {
	// trim leading zeros
	i := 0
	for i < len(b) && b[i] == 0 {
		i++
	}
	trimmed := b[i:]
	if len(trimmed) == 0 {
		return tlv(tagInteger, []byte{0x00}), nil
	}
	if trimmed[0]&0x80 != 0 {
		trimmed = append([]byte{0x00}, trimmed...)
	}
	return tlv(tagInteger, trimmed), nil
}

// IntegerFromInt encodes a small non-negative integer (e.g. the OCSP
// Must-Staple feature value 5) as a DER INTEGER. Negative values are
// rejected since this engine never needs to round-trip a signed DER
// INTEGER.
func IntegerFromInt(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrNegativeInteger
	}
	if n == 0 {
		return Integer([]byte{0x00})
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte(n & 0xff)}, b...)
		n >>= 8
	}
	return Integer(b)
}

// OctetString wraps already-raw bytes.
func OctetString(b []byte) []byte {
	return tlv(tagOctetString, b)
}

// BitString prepends the single unused-bits byte (always 0 for this
// engine's use, which is whole-byte-aligned key material) and wraps it.
func BitString(b []byte) []byte {
	body := make([]byte, 0, 1+len(b))
	body = append(body, 0x00)
	body = append(body, b...)
	return tlv(tagBitString, body)
}

// Sequence concatenates already-encoded children under a SEQUENCE tag.
func Sequence(children ...[]byte) []byte {
	var body []byte
	for _, c := range children {
		body = append(body, c...)
	}
	return tlv(tagSequence, body)
}

// ContextTag wraps already-encoded content under a constructed
// context-specific tag number n, e.g. `[0]`, `[1]`.
func ContextTag(n int, content []byte) []byte {
	return tlv(byte(0xa0|n), content)
}

// OID encodes an OID given as its numeric components (1.3.6.1.5.5.7.3.1 is
// []uint32{1, 3, 6, 1, 5, 5, 7, 3, 1}) as a DER OBJECT IDENTIFIER. The
// caller is trusted to supply a syntactically valid OID;
// this engine only ever encodes its own fixed OID literals.
func OID(components []uint32) []byte {
	if len(components) < 2 {
		panic("der: OID requires at least two components")
	}
	body := []byte{byte(components[0]*40 + components[1])}
	for _, c := range components[2:] {
		body = append(body, encodeBase128(c)...)
	}
	return tlv(tagOID, body)
}

func encodeBase128(v uint32) []byte {
	if v == 0 {
		return []byte{0x00}
	}
	var b []byte
	for v > 0 {
		b = append([]byte{byte(v & 0x7f)}, b...)
		v >>= 7
	}
	for i := 0; i < len(b)-1; i++ {
		b[i] |= 0x80
	}
	return b
}
