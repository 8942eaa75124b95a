// Package csr implements the PKCS#10 certificate request builder of
// the PKCS#10 certificate request builder: a fresh (or inherited)
// private key, CN/SAN/KeyUsage/EKU,
// and the optional OCSP Must-Staple extension, built directly from the
// DER primitives of internal/der for the Must-Staple value rather than a
// COM-based request builder. KeyUsage and ExtendedKeyUsage reuse
// encoding/asn1 (via crypto/x509/pkix), since those extensions are
// standard x509 shapes outside the PKCS#1/RFC 5915 bodies C1 targets.
package csr

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"

	"github.com/ebekker/acmewat/internal/acmeerr"
	"github.com/ebekker/acmewat/internal/b64"
	"github.com/ebekker/acmewat/internal/der"
)

// OIDs used on the CSR. Spelled out as OIDs, not names, since
// friendly EKU names are locale-dependent.
var (
	oidKeyUsage      = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtKeyUsage   = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidServerAuth    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}
	oidClientAuth    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}
	oidMustStaple    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 24}
)

// Request describes the certificate being requested.
type Request struct {
	Primary        string
	SAN            []string
	OCSPMustStaple bool
}

// Build generates the DER-encoded PKCS#10 request signed by signer,
// matching the Subject/KeyUsage/EKU/SAN/Must-Staple layout a CA expects.
// signer selects the signature algorithm: SHA-256 for RSA and
// P-256, SHA-384 for P-384.
func Build(signer crypto.Signer, req Request) ([]byte, error) {
	sigAlg, err := signatureAlgorithmFor(signer)
	if err != nil {
		return nil, err
	}

	extensions, err := buildExtensions(req.OCSPMustStaple)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: req.Primary},
		DNSNames:           dnsNames(req.Primary, req.SAN),
		SignatureAlgorithm: sigAlg,
		ExtraExtensions:    extensions,
	}

	derBytes, err := x509.CreateCertificateRequest(rand.Reader, tmpl, signer)
	if err != nil {
		return nil, acmeerr.Wrap("csr.Build", acmeerr.Unknown, err)
	}
	return derBytes, nil
}

// EncodeForWire returns the url-safe-base64, unpadded encoding POSTed as
// the "csr" field to newOrder/finalize.
func EncodeForWire(derBytes []byte) string {
	return b64.Encode(derBytes)
}

func dnsNames(primary string, san []string) []string {
	names := make([]string, 0, 1+len(san))
	names = append(names, primary)
	names = append(names, san...)
	return names
}

func signatureAlgorithmFor(signer crypto.Signer) (x509.SignatureAlgorithm, error) {
	switch k := signer.(type) {
	case *rsa.PrivateKey:
		return x509.SHA256WithRSA, nil
	case *ecdsa.PrivateKey:
		switch k.Curve.Params().BitSize {
		case 256:
			return x509.ECDSAWithSHA256, nil
		case 384:
			return x509.ECDSAWithSHA384, nil
		default:
			return 0, acmeerr.New("csr.signatureAlgorithmFor", acmeerr.Malformed, "unsupported EC curve size")
		}
	default:
		return 0, acmeerr.New("csr.signatureAlgorithmFor", acmeerr.Malformed, "unsupported signer type")
	}
}

func buildExtensions(mustStaple bool) ([]pkix.Extension, error) {
	keyUsageValue, err := asn1.Marshal(asn1.BitString{Bytes: []byte{0xa0}, BitLength: 3})
	if err != nil {
		return nil, acmeerr.Wrap("csr.buildExtensions", acmeerr.Unknown, err)
	}
	ekuValue, err := asn1.Marshal([]asn1.ObjectIdentifier{oidServerAuth, oidClientAuth})
	if err != nil {
		return nil, acmeerr.Wrap("csr.buildExtensions", acmeerr.Unknown, err)
	}

	extensions := []pkix.Extension{
		{Id: oidKeyUsage, Critical: true, Value: keyUsageValue},
		{Id: oidExtKeyUsage, Critical: false, Value: ekuValue},
	}
	if mustStaple {
		extensions = append(extensions, mustStapleExtension())
	}
	return extensions, nil
}

// mustStapleExtension builds OID 1.3.6.1.5.5.7.1.24 with DER value
// SEQUENCE(INTEGER(5)): "30 03 02 01 05", using the engine's own DER
// primitives, for byte-exact output.
func mustStapleExtension() pkix.Extension {
	five, _ := der.IntegerFromInt(5)
	value := der.Sequence(five)
	return pkix.Extension{Id: oidMustStaple, Critical: false, Value: value}
}
