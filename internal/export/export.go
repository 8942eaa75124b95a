// Package export renders an installed certificate and its private key
// into the on-disk formats operators actually want to copy elsewhere:
// PKCS#12, and PEM (leaf, key, combined, and issuer chain). It is a
// standalone convenience layer — nothing in internal/lifecycle calls it,
// and its output plays no part in the reuse/renew/reissue decision.
package export

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/ebekker/acmewat/internal/acmeerr"
	"github.com/ebekker/acmewat/internal/pemutil"
)

// Bundle is the minimal material export needs: the leaf certificate, its
// private key, and whatever intermediate chain was already on hand.
type Bundle struct {
	Leaf  *x509.Certificate
	Key   crypto.Signer
	Chain []*x509.Certificate
}

// PKCS12 encodes the bundle as a password-protected PFX container.
func PKCS12(b Bundle, password string) ([]byte, error) {
	data, err := pkcs12.Encode(rand.Reader, b.Key, b.Leaf, b.Chain, password)
	if err != nil {
		return nil, acmeerr.Wrap("export.PKCS12", acmeerr.Unknown, err)
	}
	return data, nil
}

// PEMLeaf returns the leaf certificate alone, PEM-framed.
func PEMLeaf(b Bundle) []byte {
	return pemutil.EncodeCertificate(b.Leaf.Raw)
}

// PEMKey returns the private key alone, PEM-framed.
func PEMKey(b Bundle) ([]byte, error) {
	return pemutil.EncodePrivateKey(b.Key)
}

// PEMCombined returns leaf, key, and chain concatenated in that order,
// the common "everything in one file" layout many servers expect.
func PEMCombined(b Bundle) ([]byte, error) {
	keyPEM, err := PEMKey(b)
	if err != nil {
		return nil, err
	}
	out := append([]byte{}, PEMLeaf(b)...)
	out = append(out, keyPEM...)
	for _, c := range b.Chain {
		out = append(out, pemutil.EncodeCertificate(c.Raw)...)
	}
	return out, nil
}

// PEMChain returns just the intermediate chain, PEM-framed, in order.
func PEMChain(chain []*x509.Certificate) []byte {
	var out []byte
	for _, c := range chain {
		out = append(out, pemutil.EncodeCertificate(c.Raw)...)
	}
	return out
}

// FetchIssuer follows leaf's Authority Information Access extension
// (OID 1.3.6.1.5.5.7.1.1, CA Issuers method 1.3.6.1.5.5.7.48.2 — already
// parsed into IssuingCertificateURL by crypto/x509) to download its
// issuing certificate. It returns acmeerr.IssuerUnreachable if the leaf
// carries no CA Issuers URL or the fetch fails.
func FetchIssuer(client *http.Client, leaf *x509.Certificate) (*x509.Certificate, error) {
	if client == nil {
		client = http.DefaultClient
	}
	url, err := caIssuersURL(leaf)
	if err != nil {
		return nil, err
	}
	resp, err := client.Get(url)
	if err != nil {
		return nil, acmeerr.Wrap("export.FetchIssuer", acmeerr.IssuerUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, acmeerr.New("export.FetchIssuer", acmeerr.IssuerUnreachable, fmt.Sprintf("status %d fetching issuer", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, acmeerr.Wrap("export.FetchIssuer", acmeerr.IssuerUnreachable, err)
	}
	cert, err := x509.ParseCertificate(body)
	if err != nil {
		return nil, acmeerr.Wrap("export.FetchIssuer", acmeerr.IssuerUnreachable, err)
	}
	return cert, nil
}

// FetchChain walks FetchIssuer from leaf up to (but not including) a
// self-signed root, stopping after maxDepth hops as a loop guard.
func FetchChain(client *http.Client, leaf *x509.Certificate, maxDepth int) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	cur := leaf
	for i := 0; i < maxDepth; i++ {
		if cur.CheckSignatureFrom(cur) == nil {
			break // self-signed: reached the root, stop before including it
		}
		issuer, err := FetchIssuer(client, cur)
		if err != nil {
			return chain, err
		}
		if issuer.CheckSignatureFrom(issuer) == nil {
			break // the fetched issuer is the self-signed root: leave it out
		}
		chain = append(chain, issuer)
		cur = issuer
	}
	return chain, nil
}

func caIssuersURL(cert *x509.Certificate) (string, error) {
	if len(cert.IssuingCertificateURL) > 0 {
		return cert.IssuingCertificateURL[0], nil
	}
	return "", acmeerr.New("export.caIssuersURL", acmeerr.IssuerUnreachable, "no CA Issuers URL in Authority Information Access")
}
