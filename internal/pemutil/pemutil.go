// Package pemutil builds the PEM bodies this engine needs directly from
// the DER primitives in internal/der, and provides the inverse decoders.
//
// RSA private keys are framed as the PKCS#1 SEQUENCE of
// (version, n, e, d, p, q, dp, dq, qinv); EC private keys follow RFC 5915:
// SEQUENCE(version=1, OCTET STRING d, [0] named-curve OID, [1] BIT STRING
// uncompressed point).
package pemutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"

	"github.com/ebekker/acmewat/internal/der"
)

// ErrUnsupportedKeyType is returned for any private key type other than
// *rsa.PrivateKey or *ecdsa.PrivateKey. ECDH keys are explicitly
// unsupported for now; no fixture exercises
// that path.
var ErrUnsupportedKeyType = errors.New("pemutil: unsupported private key type")

var (
	oidP256 = []uint32{1, 2, 840, 10045, 3, 1, 7}
	oidP384 = []uint32{1, 3, 132, 0, 34}
)

// EncodeCertificate frames a DER certificate as a PEM CERTIFICATE block.
func EncodeCertificate(derBytes []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
}

// EncodePrivateKey dispatches to the RSA or EC encoder based on concrete type.
func EncodePrivateKey(key crypto.Signer) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return EncodeRSAPrivateKey(k)
	case *ecdsa.PrivateKey:
		return EncodeECPrivateKey(k)
	default:
		return nil, ErrUnsupportedKeyType
	}
}

// EncodeRSAPrivateKey builds the PKCS#1 body for k and frames it as
// "RSA PRIVATE KEY".
func EncodeRSAPrivateKey(k *rsa.PrivateKey) ([]byte, error) {
	k.Precompute()
	version, err := der.Integer([]byte{0x00})
	if err != nil {
		return nil, err
	}
	n, err := der.Integer(k.N.Bytes())
	if err != nil {
		return nil, err
	}
	e, err := der.IntegerFromInt(k.E)
	if err != nil {
		return nil, err
	}
	d, err := der.Integer(k.D.Bytes())
	if err != nil {
		return nil, err
	}
	p, err := der.Integer(k.Primes[0].Bytes())
	if err != nil {
		return nil, err
	}
	q, err := der.Integer(k.Primes[1].Bytes())
	if err != nil {
		return nil, err
	}
	dp, err := der.Integer(k.Precomputed.Dp.Bytes())
	if err != nil {
		return nil, err
	}
	dq, err := der.Integer(k.Precomputed.Dq.Bytes())
	if err != nil {
		return nil, err
	}
	qinv, err := der.Integer(k.Precomputed.Qinv.Bytes())
	if err != nil {
		return nil, err
	}
	body := der.Sequence(version, n, e, d, p, q, dp, dq, qinv)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: body}), nil
}

// EncodeECPrivateKey builds the RFC 5915 body for k and frames it as
// "EC PRIVATE KEY".
func EncodeECPrivateKey(k *ecdsa.PrivateKey) ([]byte, error) {
	var oid []uint32
	switch k.Curve {
	case elliptic.P256():
		oid = oidP256
	case elliptic.P384():
		oid = oidP384
	default:
		return nil, ErrUnsupportedKeyType
	}
	version, err := der.Integer([]byte{0x01})
	if err != nil {
		return nil, err
	}
	byteLen := (k.Curve.Params().BitSize + 7) / 8
	d := leftPad(k.D.Bytes(), byteLen)
	point := append([]byte{0x04}, leftPad(k.X.Bytes(), byteLen)...)
	point = append(point, leftPad(k.Y.Bytes(), byteLen)...)

	body := der.Sequence(
		version,
		der.OctetString(d),
		der.ContextTag(0, der.OID(oid)),
		der.ContextTag(1, der.BitString(point)),
	)
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: body}), nil
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// DecodeRSAPrivateKey is the inverse of EncodeRSAPrivateKey, used by tests
// and the export package; it defers to the standard library's PKCS#1
// parser since the wire format is bit-identical to what x509 expects.
func DecodeRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("pemutil: no PEM block found")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

// DecodeECPrivateKey is the inverse of EncodeECPrivateKey.
func DecodeECPrivateKey(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("pemutil: no PEM block found")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

// DecodeCertificate is the inverse of EncodeCertificate.
func DecodeCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("pemutil: no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}
