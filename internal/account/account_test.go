package account

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/ebekker/acmewat/internal/acmeerr"
	"github.com/ebekker/acmewat/internal/b64"
	"github.com/ebekker/acmewat/internal/directory"
	"github.com/ebekker/acmewat/internal/transport"
)

func setup(t *testing.T, handler http.HandlerFunc) (*Manager, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	dir := &directory.Directory{NewAccount: srv.URL + "/new-reg", Account: srv.URL + "/reg/", TermsOfService: srv.URL + "/terms"}
	tr := transport.New(srv.Client(), zap.NewNop(), srv.URL)
	path := filepath.Join(t.TempDir(), "account.json")
	return &Manager{Transport: tr, Directory: dir, AccountKey: key, Path: path, Log: zap.NewNop()}, path
}

func nonceHandler(inner http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Replay-Nonce", "n")
			return
		}
		inner(w, r)
	}
}

func TestFirstRunWithoutAcceptTermsFails(t *testing.T) {
	m, path := setup(t, nonceHandler(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://x/acct/1")
		w.WriteHeader(201)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{})
	}))
	m.AcceptTerms = false

	err := m.Ensure([]string{"mailto:a@x"}, false)
	if !acmeerr.Is(err, acmeerr.TermsNotAccepted) {
		t.Fatalf("expected TermsNotAccepted, got %v", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Errorf("expected no config file to be written, stat err = %v", statErr)
	}
}

func TestFirstRunWithAcceptTermsWritesAgreement(t *testing.T) {
	m, path := setup(t, nonceHandler(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://x/acct/1")
		w.WriteHeader(201)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{})
	}))
	m.AcceptTerms = true

	if err := m.Ensure([]string{"mailto:a@x"}, false); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agreement != m.Directory.TermsOfService {
		t.Errorf("agreement = %q, want %q", cfg.Agreement, m.Directory.TermsOfService)
	}
}

func TestContactChangeTriggersExactlyOneUpdate(t *testing.T) {
	updates := 0
	m, _ := setup(t, nonceHandler(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/new-reg" {
			w.Header().Set("Location", "https://x/acct/1")
			w.WriteHeader(201)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{})
			return
		}
		updates++
		w.WriteHeader(200)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{})
	}))
	m.AcceptTerms = true

	if err := m.Ensure([]string{"mailto:a@x"}, false); err != nil {
		t.Fatal(err)
	}

	// second run: re-load from disk like a fresh process would.
	m2, _ := setup(t, nonceHandler(func(w http.ResponseWriter, r *http.Request) {}))
	m2.Path = m.Path
	m2.AcceptTerms = true
	// point at the same server as m to share the update counter
	m2.Transport = m.Transport
	m2.Directory = m.Directory

	if err := m2.Ensure([]string{"mailto:b@x"}, false); err != nil {
		t.Fatal(err)
	}
	if updates != 1 {
		t.Errorf("expected exactly one update request, got %d", updates)
	}
}

func TestUpdateAfterReloadTargetsAccountURL(t *testing.T) {
	var updatePath string
	m, _ := setup(t, nonceHandler(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/new-reg" {
			w.Header().Set("Location", "https://x/acct/1")
			w.WriteHeader(201)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": 7})
			return
		}
		updatePath = r.URL.Path
		w.WriteHeader(200)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{})
	}))
	m.AcceptTerms = true

	if err := m.Ensure([]string{"mailto:a@x"}, false); err != nil {
		t.Fatal(err)
	}

	// second process: no in-memory kid, only what Load reconstructs from
	// the persisted id.
	m2, _ := setup(t, nonceHandler(func(w http.ResponseWriter, r *http.Request) {}))
	m2.Path = m.Path
	m2.AcceptTerms = true
	m2.Transport = m.Transport
	m2.Directory = m.Directory

	if err := m2.Ensure([]string{"mailto:b@x"}, false); err != nil {
		t.Fatal(err)
	}
	if updatePath != "/reg/7" {
		t.Errorf("update request path = %q, want %q", updatePath, "/reg/7")
	}
}

func TestInvalidEmailSelfHealRetriesWithClearedContact(t *testing.T) {
	calls := 0
	m, _ := setup(t, nonceHandler(func(w http.ResponseWriter, r *http.Request) {
		calls++
		// the request is a JWS envelope; contact lives in its base64url payload.
		var msg struct {
			Payload string `json:"payload"`
		}
		_ = json.NewDecoder(r.Body).Decode(&msg)
		var body map[string]interface{}
		raw, _ := b64.Decode(msg.Payload)
		_ = json.Unmarshal(raw, &body)
		if contacts, _ := body["contact"].([]interface{}); len(contacts) > 0 {
			w.WriteHeader(400)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"type":   "urn:ietf:params:acme:error:invalidEmail",
				"detail": "bad email",
			})
			return
		}
		w.Header().Set("Location", "https://x/acct/1")
		w.WriteHeader(201)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{})
	}))
	m.AcceptTerms = true
	m.AutoFix = true

	if err := m.EnsureRegistered([]string{"mailto:bad"}, false); err != nil {
		t.Fatalf("expected self-heal to succeed, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls (initial + self-heal retry), got %d", calls)
	}
}

func TestUnauthorizedRequiresAllowRebind(t *testing.T) {
	m, _ := setup(t, nonceHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"type":   "urn:ietf:params:acme:error:unauthorized",
			"detail": "no such account",
		})
	}))
	m.AcceptTerms = true
	m.AutoFix = true
	m.AllowRebind = false

	err := m.EnsureRegistered([]string{"mailto:a@x"}, false)
	if !acmeerr.Is(err, acmeerr.Unauthorized) {
		t.Fatalf("expected Unauthorized to propagate without AllowRebind, got %v", err)
	}
}
