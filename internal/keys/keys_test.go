package keys

import (
	"path/filepath"
	"testing"

	"github.com/ebekker/acmewat/internal/keystore"
)

func newStore(t *testing.T) *keystore.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := keystore.Open(filepath.Join(dir, "store.ks"), []byte("test-password"))
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestOpenOrCreateGeneratesThenReuses(t *testing.T) {
	store := newStore(t)
	h1, err := OpenOrCreate(store, "account-key", RSA, 2048, Policy{Exportable: true})
	if err != nil {
		t.Fatal(err)
	}
	if h1.RSAKey() == nil {
		t.Fatalf("expected RSA key")
	}

	h2, err := OpenOrCreate(store, "account-key", RSA, 4096, Policy{Exportable: true})
	if err != nil {
		t.Fatal(err)
	}
	if h1.RSAKey().N.Cmp(h2.RSAKey().N) != 0 {
		t.Errorf("expected second open to return the same persisted key, not a new 4096-bit one")
	}
}

func TestOpenOrCreateECDSA(t *testing.T) {
	store := newStore(t)
	h, err := OpenOrCreate(store, "ec-key", ECDSAP384, 0, Policy{Exportable: true})
	if err != nil {
		t.Fatal(err)
	}
	if h.ECKey() == nil {
		t.Fatalf("expected EC key")
	}
	if h.Size != 384 {
		t.Errorf("expected size 384, got %d", h.Size)
	}
}

func TestInvalidRSASizeRejected(t *testing.T) {
	store := newStore(t)
	if _, err := OpenOrCreate(store, "bad-key", RSA, 2050, Policy{}); err == nil {
		t.Errorf("expected error for non-multiple-of-64 RSA size")
	}
}

func TestExportRespectsPolicy(t *testing.T) {
	store := newStore(t)
	h, err := OpenOrCreate(store, "k", RSA, 2048, Policy{Exportable: false})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.ExportPrivateKey(); err == nil {
		t.Errorf("expected export to fail when not exportable")
	}
}
