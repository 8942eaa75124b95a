package lifecycle

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ebekker/acmewat/internal/csrtest"
	"github.com/ebekker/acmewat/internal/directory"
	"github.com/ebekker/acmewat/internal/keys"
	"github.com/ebekker/acmewat/internal/keystore"
	"github.com/ebekker/acmewat/internal/transport"
)

func testStore(t *testing.T) *keystore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keystore.p12")
	s, err := keystore.Open(path, []byte("pw"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func mgr(store *keystore.Store, alg keys.Algorithm, sizeBits, renewDays int) *Manager {
	return &Manager{
		Store:  store,
		CAURL:  "https://ca.example/directory",
		Config: Config{Algorithm: alg, SizeBits: sizeBits, RenewDays: renewDays},
	}
}

func TestVerifyReissuesWhenNoPriorCertificate(t *testing.T) {
	m := mgr(testStore(t), keys.RSA, 4096, 30)
	rec, err := m.Verify("example.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Decision != Reissue {
		t.Errorf("decision = %q, want reissue", rec.Decision)
	}
}

func TestVerifyReissuesOnAlgorithmMismatch(t *testing.T) {
	store := testStore(t)
	m := mgr(store, keys.RSA, 4096, 30)
	friendly := m.FriendlyName("example.com")

	// prior certificate is bound to an ECDSA key; Verify must read that
	// straight off the certificate, not from whatever happens to sit
	// under the key alias.
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	cert := csrtest.SelfSignedECDSA(t, key, "example.com", time.Now().Add(90*24*time.Hour))
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(certAlias(friendly, cert), pkcs8, cert.Raw, nil); err != nil {
		t.Fatal(err)
	}

	rec, err := m.Verify("example.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Decision != Reissue {
		t.Errorf("decision = %q, want reissue on algorithm mismatch", rec.Decision)
	}
}

func TestVerifyReissuesOnRSASizeMismatch(t *testing.T) {
	store := testStore(t)
	m := mgr(store, keys.RSA, 4096, 30)
	friendly := m.FriendlyName("example.com")

	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	cert := csrtest.SelfSigned(t, key, "example.com", time.Now().Add(90*24*time.Hour))
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(certAlias(friendly, cert), pkcs8, cert.Raw, nil); err != nil {
		t.Fatal(err)
	}

	rec, err := m.Verify("example.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Decision != Reissue {
		t.Errorf("decision = %q, want reissue on RSA size mismatch", rec.Decision)
	}
}

func TestVerifyReissuesOnSANBagDifference(t *testing.T) {
	store := testStore(t)
	m := mgr(store, keys.RSA, 2048, 30)
	friendly := m.FriendlyName("example.com")

	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	cert := csrtest.SelfSigned(t, key, "example.com", time.Now().Add(90*24*time.Hour))
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(certAlias(friendly, cert), pkcs8, cert.Raw, nil); err != nil {
		t.Fatal(err)
	}

	rec, err := m.Verify("example.com", []string{"www.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Decision != Reissue {
		t.Errorf("decision = %q, want reissue when SAN bag differs", rec.Decision)
	}
}

func TestVerifyRenewsWhenWithinRenewWindow(t *testing.T) {
	store := testStore(t)
	m := mgr(store, keys.RSA, 2048, 30)
	friendly := m.FriendlyName("example.com")

	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	cert := csrtest.SelfSigned(t, key, "example.com", time.Now().Add(15*24*time.Hour))
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(certAlias(friendly, cert), pkcs8, cert.Raw, nil); err != nil {
		t.Fatal(err)
	}

	rec, err := m.Verify("example.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Decision != Renew {
		t.Errorf("decision = %q, want renew at notAfter=now+15d with renewDays=30", rec.Decision)
	}
}

func TestVerifyReusesWhenFarFromExpiry(t *testing.T) {
	store := testStore(t)
	m := mgr(store, keys.RSA, 2048, 30)
	friendly := m.FriendlyName("example.com")

	key, _ := rsa.GenerateKey(rand.Reader, 2048)
	cert := csrtest.SelfSigned(t, key, "example.com", time.Now().Add(90*24*time.Hour))
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(certAlias(friendly, cert), pkcs8, cert.Raw, nil); err != nil {
		t.Fatal(err)
	}

	rec, err := m.Verify("example.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Decision != Reuse {
		t.Errorf("decision = %q, want reuse at notAfter=now+90d with renewDays=30", rec.Decision)
	}
}

func TestFriendlyNameFormat(t *testing.T) {
	got := FriendlyName("example.com", "https://ca.example/directory")
	if got == "" || got == "example.com" {
		t.Errorf("FriendlyName should embed the CA URL, got %q", got)
	}
}

func nonceHandler(inner http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "n")
		if r.Method == http.MethodHead {
			return
		}
		inner(w, r)
	}
}

// TestSignInstallsCertificateWithPrivateKey drives Sign end to end against a
// fake CA that grants authorization immediately and hands back a raw leaf
// DER on finalize, then reads the installed entry back the same way
// cmd/acmewat-serve does: enumerate by friendly name, open the key at that
// alias, and parse it as PKCS#8. A regression here means a renewed
// certificate comes back with no usable key behind it.
func TestSignInstallsCertificateWithPrivateKey(t *testing.T) {
	accountKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/new-authz", nonceHandler(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "valid",
			"challenges": []map[string]interface{}{
				{"type": "http-01", "url": "http://unused/chal/1", "token": "tok", "status": "valid"},
			},
		})
	}))
	mux.HandleFunc("/new-order", nonceHandler(func(w http.ResponseWriter, r *http.Request) {
		leaf := csrtest.SelfSigned(t, leafKey, "example.com", time.Now().Add(90*24*time.Hour))
		_, _ = w.Write(leaf.Raw)
	}))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := testStore(t)
	tr := transport.New(srv.Client(), zap.NewNop(), srv.URL+"/new-authz")

	m := &Manager{
		Store:      store,
		Transport:  tr,
		Directory:  &directory.Directory{NewAuthz: srv.URL + "/new-authz", NewOrder: srv.URL + "/new-order"},
		AccountKey: accountKey,
		Kid:        srv.URL + "/acct/1",
		CAURL:      "https://ca.example/directory",
		Config:     Config{Algorithm: keys.RSA, SizeBits: 2048, RenewDays: 30},
		Log:        zap.NewNop(),
	}

	rec, err := m.Sign(context.Background(), "example.com", nil, Record{Decision: Reissue})
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Alias == "" {
		t.Fatal("Sign returned no installed record")
	}

	entry, err := store.OpenOrCreateKey(rec.Alias)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		t.Fatal("installed cert alias has no keystore entry")
	}
	if len(entry.PrivateKey) == 0 {
		t.Fatal("installed cert entry carries no private key bytes")
	}
	key, err := x509.ParsePKCS8PrivateKey(entry.PrivateKey)
	if err != nil {
		t.Fatalf("installed private key does not parse as PKCS#8: %v", err)
	}
	if _, ok := key.(*rsa.PrivateKey); !ok {
		t.Fatalf("installed key type = %T, want *rsa.PrivateKey", key)
	}
}
