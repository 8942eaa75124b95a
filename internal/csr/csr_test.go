package csr

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"testing"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestBuildIncludesSANAndCN(t *testing.T) {
	key := testKey(t)
	derBytes, err := Build(key, Request{Primary: "example.com", SAN: []string{"www.example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := x509.ParseCertificateRequest(derBytes)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Subject.CommonName != "example.com" {
		t.Errorf("CN = %q, want example.com", parsed.Subject.CommonName)
	}
	if len(parsed.DNSNames) != 2 || parsed.DNSNames[0] != "example.com" || parsed.DNSNames[1] != "www.example.com" {
		t.Errorf("unexpected DNSNames: %v", parsed.DNSNames)
	}
}

func TestBuildIncludesMustStapleExtension(t *testing.T) {
	key := testKey(t)
	derBytes, err := Build(key, Request{Primary: "example.com", OCSPMustStaple: true})
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := x509.ParseCertificateRequest(derBytes)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, ext := range parsed.Extensions {
		if ext.Id.String() == "1.3.6.1.5.5.7.1.24" {
			found = true
			want := []byte{0x30, 0x03, 0x02, 0x01, 0x05}
			if string(ext.Value) != string(want) {
				t.Errorf("must-staple value = % x, want % x", ext.Value, want)
			}
		}
	}
	if !found {
		t.Errorf("must-staple extension not found")
	}
}

func TestBuildWithoutMustStapleOmitsExtension(t *testing.T) {
	key := testKey(t)
	derBytes, err := Build(key, Request{Primary: "example.com"})
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := x509.ParseCertificateRequest(derBytes)
	if err != nil {
		t.Fatal(err)
	}
	for _, ext := range parsed.Extensions {
		if ext.Id.String() == "1.3.6.1.5.5.7.1.24" {
			t.Errorf("must-staple extension present when not requested")
		}
	}
}

func TestBuildIncludesKeyUsageAndEKU(t *testing.T) {
	key := testKey(t)
	derBytes, err := Build(key, Request{Primary: "example.com"})
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := x509.ParseCertificateRequest(derBytes)
	if err != nil {
		t.Fatal(err)
	}
	var hasKeyUsage, hasEKU bool
	for _, ext := range parsed.Extensions {
		switch ext.Id.String() {
		case "2.5.29.15":
			hasKeyUsage = true
			if !ext.Critical {
				t.Errorf("KeyUsage extension must be critical")
			}
		case "2.5.29.37":
			hasEKU = true
		}
	}
	if !hasKeyUsage || !hasEKU {
		t.Errorf("missing extensions: keyUsage=%v eku=%v", hasKeyUsage, hasEKU)
	}
}
