// Package lifecycle implements the certificate lifecycle manager: decide
// between reuse, renewal, or full reissue for a given primary/SAN set,
// locate the prior certificate by friendly name, walk authorization for
// every identifier, build and submit the CSR, and install the result.
package lifecycle

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ebekker/acmewat/internal/acmeerr"
	"github.com/ebekker/acmewat/internal/challenge"
	"github.com/ebekker/acmewat/internal/csr"
	"github.com/ebekker/acmewat/internal/directory"
	"github.com/ebekker/acmewat/internal/keys"
	"github.com/ebekker/acmewat/internal/keystore"
	"github.com/ebekker/acmewat/internal/transport"
)

// Decision is the outcome of verify.
type Decision string

const (
	Reuse   Decision = "reuse"
	Renew   Decision = "renew"
	Reissue Decision = "reissue"
)

// Config configures the algorithm/size targets and renewal window that
// drive verify's comparisons.
type Config struct {
	Algorithm        keys.Algorithm
	SizeBits         int // meaningful for RSA only
	RenewDays        int
	RotateKeyOnRenew bool
	OCSPMustStaple   bool
}

// Manager owns one keystore and the collaborators needed to walk
// authorization and submit a finalize request for a certificate.
type Manager struct {
	Store         *keystore.Store
	Transport     *transport.Transport
	Directory     *directory.Directory
	AccountKey    *rsa.PrivateKey
	Kid           string
	CAURL         string
	ChallengeType challenge.Type
	Callbacks     challenge.Callbacks
	Config        Config
	Log           *zap.Logger
}

// Record pairs a decision with the prior installed record it was computed
// against, if any.
type Record struct {
	Decision Decision
	Prior    *keystore.CertRecord
}

// FriendlyName builds the keystore correlation key for primary under this
// manager's CA, per the "<primary> - <b64u(CA-URL)>" convention shared
// with the account config path.
func (m *Manager) FriendlyName(primary string) string {
	return FriendlyName(primary, m.CAURL)
}

// FriendlyName is the free function form, usable without a Manager.
func FriendlyName(primary, caURL string) string {
	return fmt.Sprintf("%s - %s", primary, base64.RawURLEncoding.EncodeToString([]byte(caURL)))
}

// Verify implements the reuse/renew/reissue decision table: absent prior
// cert or an algorithm/size mismatch or a SAN-bag difference forces
// reissue; a prior cert within RenewDays of expiry forces renew; anything
// else is reuse.
func (m *Manager) Verify(primary string, san []string) (Record, error) {
	friendly := m.FriendlyName(primary)
	records, err := m.Store.EnumerateByFriendlyName(friendly)
	if err != nil {
		return Record{}, err
	}
	if len(records) == 0 {
		return Record{Decision: Reissue}, nil
	}
	prior := records[0]

	if !certAlgorithmMatches(prior.Certificate.PublicKey, m.Config) {
		return Record{Decision: Reissue, Prior: &prior}, nil
	}
	if !sanBagEqual(prior.Certificate.DNSNames, wantedBag(primary, san)) {
		return Record{Decision: Reissue, Prior: &prior}, nil
	}
	renewBy := prior.Certificate.NotAfter.Add(-time.Duration(m.Config.RenewDays) * 24 * time.Hour)
	if time.Now().After(renewBy) {
		return Record{Decision: Renew, Prior: &prior}, nil
	}
	return Record{Decision: Reuse, Prior: &prior}, nil
}

// Sign walks authorization for every identifier and then builds,
// finalizes, and installs the certificate per the decision in rec.
func (m *Manager) Sign(ctx context.Context, primary string, san []string, rec Record) (*keystore.CertRecord, error) {
	for _, domain := range append([]string{primary}, san...) {
		o := &challenge.Orchestrator{
			Transport:   m.Transport,
			AccountKey:  m.AccountKey,
			Kid:         m.Kid,
			NewAuthzURL: m.Directory.NewAuthz,
			Type:        m.ChallengeType,
			Callbacks:   m.Callbacks,
			Log:         m.Log,
		}
		if err := o.Authorize(ctx, domain); err != nil {
			return nil, err
		}
	}

	friendly := m.FriendlyName(primary)
	alias := keyAlias(friendly)

	if rec.Decision == Reissue {
		_ = keys.Delete(m.Store, alias)
	} else if rec.Decision == Renew && m.Config.RotateKeyOnRenew {
		_ = keys.Delete(m.Store, alias)
	}
	// Exportable: the keystore contract binds a cert entry to its key by
	// value (Store.Put copies the PKCS#8 bytes into the cert's own alias),
	// so the signing key must be readable back out of its staging alias.
	keyHandle, err := keys.OpenOrCreate(m.Store, alias, m.Config.Algorithm, m.Config.SizeBits, keys.Policy{Exportable: true})
	if err != nil {
		return nil, err
	}

	req := csr.Request{Primary: primary, SAN: san, OCSPMustStaple: m.Config.OCSPMustStaple}
	derBytes, err := csr.Build(keyHandle.Signer(), req)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{"csr": csr.EncodeForWire(derBytes)}
	leafDER, _, err := m.Transport.SignedRaw(m.AccountKey, m.Kid, m.Directory.NewOrder, "new-cert", payload)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return nil, acmeerr.Wrap("lifecycle.Sign", acmeerr.Unknown, err)
	}

	pkcs8, err := keyHandle.ExportPrivateKey()
	if err != nil {
		return nil, err
	}
	if err := m.Store.Put(certAlias(friendly, leaf), pkcs8, leafDER, nil); err != nil {
		return nil, err
	}

	if m.Log != nil {
		m.Log.Info("certificate installed", zap.String("friendlyName", friendly), zap.Time("notAfter", leaf.NotAfter))
	}
	return &keystore.CertRecord{FriendlyName: friendly, Alias: certAlias(friendly, leaf), Certificate: leaf}, nil
}

func keyAlias(friendly string) string {
	return friendly + "|key"
}

func certAlias(friendly string, cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return fmt.Sprintf("%s|%x", friendly, sum[:8])
}

func wantedBag(primary string, san []string) []string {
	return append([]string{primary}, san...)
}

func sanBagEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := map[string]int{}
	for _, n := range a {
		seen[n]++
	}
	for _, n := range b {
		seen[n]--
	}
	for _, count := range seen {
		if count != 0 {
			return false
		}
	}
	return true
}

// certAlgorithmMatches checks the key actually bound into the prior
// certificate against cfg, without touching the keystore — opening or
// creating the key alias here would mask a missing key behind a freshly
// generated one and make this check spuriously pass.
func certAlgorithmMatches(pub interface{}, cfg Config) bool {
	switch cfg.Algorithm {
	case keys.RSA:
		rsaPub, ok := pub.(*rsa.PublicKey)
		return ok && rsaPub.N.BitLen() == cfg.SizeBits
	case keys.ECDSAP256:
		ecPub, ok := pub.(*ecdsa.PublicKey)
		return ok && ecPub.Curve == elliptic.P256()
	case keys.ECDSAP384:
		ecPub, ok := pub.(*ecdsa.PublicKey)
		return ok && ecPub.Curve == elliptic.P384()
	default:
		return false
	}
}
