// Package csrtest provides tiny self-signed certificate fixtures shared by
// this module's test suites. It is test-only support code, not part of the
// engine.
package csrtest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

// SelfSigned returns a minimal self-signed certificate for cn, valid until
// notAfter, signed by key.
func SelfSigned(t *testing.T, key *rsa.PrivateKey, cn string, notAfter time.Time) *x509.Certificate {
	t.Helper()
	return selfSigned(t, key, cn, notAfter, nil)
}

// SelfSignedWithAIA is SelfSigned plus an Authority Information Access
// extension whose CA Issuers URL is aiaURL, for exercising issuer-chain
// fetch without a real CA.
func SelfSignedWithAIA(t *testing.T, key *rsa.PrivateKey, cn string, notAfter time.Time, aiaURL string) *x509.Certificate {
	t.Helper()
	return selfSigned(t, key, cn, notAfter, []string{aiaURL})
}

func selfSigned(t *testing.T, key *rsa.PrivateKey, cn string, notAfter time.Time, aiaURLs []string) *x509.Certificate {
	t.Helper()
	return selfSignedWithKey(t, key, &key.PublicKey, cn, notAfter, aiaURLs)
}

// SelfSignedECDSA is SelfSigned for an ECDSA key, for exercising
// algorithm checks that compare against a non-RSA prior certificate.
func SelfSignedECDSA(t *testing.T, key *ecdsa.PrivateKey, cn string, notAfter time.Time) *x509.Certificate {
	t.Helper()
	return selfSignedWithKey(t, key, &key.PublicKey, cn, notAfter, nil)
}

func selfSignedWithKey(t *testing.T, signer crypto.Signer, pub interface{}, cn string, notAfter time.Time, aiaURLs []string) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		DNSNames:              []string{cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		IssuingCertificateURL: aiaURLs,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, signer)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}
