// Package keys implements the named persistent key handle:
// open_or_create(name, alg, size) -> KeyHandle, backed by
// internal/keystore. It is the sole place that generates fresh key
// material; the JWS and CSR layers only ever consume a *Handle.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/ebekker/acmewat/internal/acmeerr"
	"github.com/ebekker/acmewat/internal/keystore"
)

// Algorithm identifies a supported key algorithm. RSA size is
// configurable; ECDSA sizes are forced by the curve choice.
type Algorithm string

const (
	RSA        Algorithm = "RSA"
	ECDSAP256  Algorithm = "ECDSA-P256"
	ECDSAP384  Algorithm = "ECDSA-P384"
)

// Policy describes how a key handle may be used once opened, per the
// keystore contract.
type Policy struct {
	Exportable           bool
	AllowPlaintextExport bool
}

// Handle is a named, persistent asymmetric key pair.
type Handle struct {
	Name      string
	Algorithm Algorithm
	Size      int // bits; meaningful for RSA only
	Policy    Policy

	signer interface{} // *rsa.PrivateKey or *ecdsa.PrivateKey
}

// RSAKey returns the underlying RSA key, or nil if this handle wraps an
// EC key.
func (h *Handle) RSAKey() *rsa.PrivateKey {
	k, _ := h.signer.(*rsa.PrivateKey)
	return k
}

// ECKey returns the underlying EC key, or nil if this handle wraps an RSA
// key.
func (h *Handle) ECKey() *ecdsa.PrivateKey {
	k, _ := h.signer.(*ecdsa.PrivateKey)
	return k
}

// Signer returns the underlying key as a crypto.Signer, for callers (the
// CSR builder) that don't care which concrete algorithm backs it.
func (h *Handle) Signer() crypto.Signer {
	return h.signer.(crypto.Signer)
}

// OpenOrCreate returns the existing key named name in store, or generates
// and persists a new one of the given algorithm/size if none exists yet.
// Opening semantics: existence wins over the
// requested algorithm, so callers that need a specific algorithm must
// delete-then-recreate (see lifecycle.Manager's reissue path).
func OpenOrCreate(store *keystore.Store, name string, alg Algorithm, sizeBits int, policy Policy) (*Handle, error) {
	if err := validateAlgorithm(alg, sizeBits); err != nil {
		return nil, err
	}
	entry, err := store.OpenOrCreateKey(name)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		signer, err := x509.ParsePKCS8PrivateKey(entry.PrivateKey)
		if err != nil {
			return nil, acmeerr.Wrap("keys.OpenOrCreate", acmeerr.KeystoreOperationFailed, err)
		}
		return fromSigner(name, alg, sizeBits, policy, signer), nil
	}
	h, err := generate(name, alg, sizeBits, policy)
	if err != nil {
		return nil, err
	}
	if err := h.persist(store); err != nil {
		return nil, err
	}
	return h, nil
}

func validateAlgorithm(alg Algorithm, sizeBits int) error {
	switch alg {
	case RSA:
		if sizeBits < 2048 || sizeBits > 4096 || sizeBits%64 != 0 {
			return acmeerr.New("keys.validateAlgorithm", acmeerr.Malformed, "RSA size must be a multiple of 64 in [2048,4096]")
		}
	case ECDSAP256, ECDSAP384:
		// size is forced by the curve; any requested value is ignored by generate.
	default:
		return acmeerr.New("keys.validateAlgorithm", acmeerr.Malformed, fmt.Sprintf("unsupported algorithm %q", alg))
	}
	return nil
}

func generate(name string, alg Algorithm, sizeBits int, policy Policy) (*Handle, error) {
	switch alg {
	case RSA:
		k, err := rsa.GenerateKey(rand.Reader, sizeBits)
		if err != nil {
			return nil, acmeerr.Wrap("keys.generate", acmeerr.KeystoreOperationFailed, err)
		}
		return fromSigner(name, alg, sizeBits, policy, k), nil
	case ECDSAP256:
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, acmeerr.Wrap("keys.generate", acmeerr.KeystoreOperationFailed, err)
		}
		return fromSigner(name, alg, 256, policy, k), nil
	case ECDSAP384:
		k, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		if err != nil {
			return nil, acmeerr.Wrap("keys.generate", acmeerr.KeystoreOperationFailed, err)
		}
		return fromSigner(name, alg, 384, policy, k), nil
	default:
		return nil, acmeerr.New("keys.generate", acmeerr.Malformed, fmt.Sprintf("unsupported algorithm %q", alg))
	}
}

func fromSigner(name string, alg Algorithm, sizeBits int, policy Policy, signer interface{}) *Handle {
	h := &Handle{Name: name, Algorithm: alg, Size: sizeBits, Policy: policy, signer: signer}
	switch k := signer.(type) {
	case *rsa.PrivateKey:
		h.Size = k.N.BitLen()
		h.Algorithm = RSA
	case *ecdsa.PrivateKey:
		h.Size = k.Curve.Params().BitSize
		if h.Size == 384 {
			h.Algorithm = ECDSAP384
		} else {
			h.Algorithm = ECDSAP256
		}
	}
	return h
}

func (h *Handle) persist(store *keystore.Store) error {
	var pkcs8 []byte
	var err error
	switch k := h.signer.(type) {
	case *rsa.PrivateKey:
		pkcs8, err = x509.MarshalPKCS8PrivateKey(k)
	case *ecdsa.PrivateKey:
		pkcs8, err = x509.MarshalPKCS8PrivateKey(k)
	default:
		return acmeerr.New("keys.persist", acmeerr.Malformed, "unknown signer type")
	}
	if err != nil {
		return acmeerr.Wrap("keys.persist", acmeerr.KeystoreOperationFailed, err)
	}
	return store.Put(h.Name, pkcs8, nil, nil)
}

// Delete removes the named key from store. Used by the lifecycle manager
// on a reissue that rotates algorithms.
func Delete(store *keystore.Store, name string) error {
	return store.Delete(name)
}

// ExportPrivateKey returns the raw PKCS#8 DER of the key, honoring the
// exportability policy. KeystoreOperationFailed is returned if the policy
// forbids it.
func (h *Handle) ExportPrivateKey() ([]byte, error) {
	if !h.Policy.Exportable {
		return nil, acmeerr.New("keys.ExportPrivateKey", acmeerr.KeystoreOperationFailed, "key is not marked exportable")
	}
	switch k := h.signer.(type) {
	case *rsa.PrivateKey:
		return x509.MarshalPKCS8PrivateKey(k)
	case *ecdsa.PrivateKey:
		return x509.MarshalPKCS8PrivateKey(k)
	default:
		return nil, acmeerr.New("keys.ExportPrivateKey", acmeerr.KeystoreOperationFailed, "unknown signer type")
	}
}
