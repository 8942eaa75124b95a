package pemutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"
)

func TestRSARoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	pemBytes, err := EncodeRSAPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeRSAPrivateKey(pemBytes)
	if err != nil {
		t.Fatal(err)
	}
	if got.N.Cmp(key.N) != 0 || got.E != key.E || got.D.Cmp(key.D) != 0 {
		t.Errorf("round-tripped key does not match original")
	}
}

func TestECRoundTrip(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pemBytes, err := EncodeECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeECPrivateKey(pemBytes)
	if err != nil {
		t.Fatal(err)
	}
	if got.X.Cmp(key.X) != 0 || got.Y.Cmp(key.Y) != 0 || got.D.Cmp(key.D) != 0 {
		t.Errorf("round-tripped key does not match original")
	}
}

func TestEncodePrivateKeyUnsupportedType(t *testing.T) {
	if _, err := EncodePrivateKey(nil); err == nil {
		t.Errorf("expected error for nil signer")
	}
}
