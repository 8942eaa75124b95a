// Package keystore implements the platform-local keystore contract of
// the platform-local keystore on top of a single encrypted, file-backed container
// (github.com/pavlo-v-chernykh/keystore-go/v4) instead of a native OS
// credential store. This is the "file-backed encrypted store" substitute
// what the design calls for on non-Windows targets.
//
// Two independent Scopes (User, Machine) are modeled as two independent
// container files, matching the "two independent contexts" requirement.
package keystore

import (
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	ks "github.com/pavlo-v-chernykh/keystore-go/v4"

	"github.com/ebekker/acmewat/internal/acmeerr"
)

// Scope selects one of the two independent keystore contexts.
type Scope int

const (
	ScopeUser Scope = iota
	ScopeMachine
)

// Entry is a named private key plus its bound certificate chain, if any.
type Entry struct {
	Alias       string
	PrivateKey  []byte // PKCS#8 DER
	Certificate []byte // leaf certificate, DER
	Chain       [][]byte
}

// Store is a single opened keystore container, guarded by a mutex so
// concurrent callers within one process (e.g. a driver processing several
// domains) never interleave a load-modify-store cycle.
type Store struct {
	mu       sync.Mutex
	path     string
	password []byte
}

// Open returns the Store backed by the container file at path, creating
// its parent directory; the file itself is first written by Put. The
// caller picks one path per scope. path is configuration, not
// discovered automatically, because "per-user" vs. "per-machine" on a
// non-Windows target is a deployment decision, not something this package
// can infer.
func Open(path string, password []byte) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, acmeerr.Wrap("keystore.Open", acmeerr.KeystoreOperationFailed, err)
	}
	return &Store{path: path, password: password}, nil
}

func (s *Store) load() (ks.KeyStore, error) {
	store := ks.New()
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return store, err
	}
	defer f.Close()
	if err := store.Load(f, s.password); err != nil {
		return store, err
	}
	return store, nil
}

func (s *Store) save(store ks.KeyStore) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := store.Store(f, s.password); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// OpenOrCreateKey returns the existing entry named alias, or nil if none
// exists yet — the caller (internal/keys) is responsible for generating
// and installing a fresh key via Put when this returns nil.
func (s *Store) OpenOrCreateKey(alias string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, err := s.load()
	if err != nil {
		return nil, acmeerr.Wrap("keystore.OpenOrCreateKey", acmeerr.KeystoreOperationFailed, err)
	}
	if !store.IsPrivateKeyEntry(alias) {
		return nil, nil
	}
	pke, err := store.GetPrivateKeyEntry(alias, s.password)
	if err != nil {
		return nil, acmeerr.Wrap("keystore.OpenOrCreateKey", acmeerr.KeystoreOperationFailed, err)
	}
	entry := &Entry{Alias: alias, PrivateKey: pke.PrivateKey}
	for i, c := range pke.CertificateChain {
		if i == 0 {
			entry.Certificate = c.Content
		} else {
			entry.Chain = append(entry.Chain, c.Content)
		}
	}
	return entry, nil
}

// Put installs or replaces the named entry, binding certBytes (if any) to
// privKeyPKCS8 in a single atomic rewrite of the container — this is the
// "install-with-private-key-binding" operation, the step
// that lets an in-place renewal take effect without reconfiguring whatever
// consumes the keystore slot.
func (s *Store) Put(alias string, privKeyPKCS8 []byte, certBytes []byte, chain [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, err := s.load()
	if err != nil {
		return acmeerr.Wrap("keystore.Put", acmeerr.KeystoreOperationFailed, err)
	}
	var certs []ks.Certificate
	if certBytes != nil {
		certs = append(certs, ks.Certificate{Type: "X509", Content: certBytes})
	}
	for _, c := range chain {
		certs = append(certs, ks.Certificate{Type: "X509", Content: c})
	}
	entry := ks.PrivateKeyEntry{
		CreationTime:     time.Now(),
		PrivateKey:       privKeyPKCS8,
		CertificateChain: certs,
	}
	if err := store.SetPrivateKeyEntry(alias, entry, s.password); err != nil {
		return acmeerr.Wrap("keystore.Put", acmeerr.KeystoreOperationFailed, err)
	}
	if err := s.save(store); err != nil {
		return acmeerr.Wrap("keystore.Put", acmeerr.KeystoreOperationFailed, err)
	}
	return nil
}

// Delete removes the named entry. It is not an error to delete a name that
// does not exist.
func (s *Store) Delete(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, err := s.load()
	if err != nil {
		return acmeerr.Wrap("keystore.Delete", acmeerr.KeystoreOperationFailed, err)
	}
	if !store.IsPrivateKeyEntry(alias) {
		return nil
	}
	store.DeleteEntry(alias)
	return s.save(store)
}

// CertRecord is one "certificate store" row: a friendly name, the
// certificate it's bound to, and the alias of the key backing it.
type CertRecord struct {
	FriendlyName string
	Alias        string
	Certificate  *x509.Certificate
}

// EnumerateByFriendlyName returns every installed certificate whose alias
// is prefixed "friendlyName|", sorted by NotAfter descending and, for
// exact ties, by certificate thumbprint — matching the tie-break rule of
// certificate lifecycle manager.
func (s *Store) EnumerateByFriendlyName(friendlyName string) ([]CertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, err := s.load()
	if err != nil {
		return nil, acmeerr.Wrap("keystore.EnumerateByFriendlyName", acmeerr.KeystoreOperationFailed, err)
	}
	prefix := friendlyName + "|"
	var out []CertRecord
	for _, alias := range store.Aliases() {
		if len(alias) <= len(prefix) || alias[:len(prefix)] != prefix {
			continue
		}
		pke, err := store.GetPrivateKeyEntry(alias, s.password)
		if err != nil || len(pke.CertificateChain) == 0 {
			continue
		}
		cert, err := x509.ParseCertificate(pke.CertificateChain[0].Content)
		if err != nil {
			continue
		}
		out = append(out, CertRecord{FriendlyName: friendlyName, Alias: alias, Certificate: cert})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Certificate.NotAfter.Equal(out[j].Certificate.NotAfter) {
			return out[i].Certificate.NotAfter.After(out[j].Certificate.NotAfter)
		}
		return thumbprintHex(out[i].Certificate) < thumbprintHex(out[j].Certificate)
	})
	return out, nil
}

func thumbprintHex(c *x509.Certificate) string {
	sum := sha256.Sum256(c.Raw)
	return fmt.Sprintf("%x", sum)
}
