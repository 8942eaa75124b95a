// Package account implements the account lifecycle: loading/persisting
// the account config file, registration, contact and terms updates, and
// self-healing on the error kinds that invalidate local state.
package account

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/ebekker/acmewat/internal/acmeerr"
	"github.com/ebekker/acmewat/internal/directory"
	"github.com/ebekker/acmewat/internal/transport"
)

// Config is the JSON document persisted at
// <account-dir>/<b64u(CA-URL)>/<accountIdentifier>.json.
// Only ID, Contact and Agreement are written; other fields of the CA's
// response are not persisted. Extra holds every top-level field found in
// the file when Load reads it, and Save does not write it back.
type Config struct {
	ID        json.Number            `json:"id,omitempty"`
	Contact   []string               `json:"contact,omitempty"`
	Agreement string                 `json:"agreement,omitempty"`
	Extra     map[string]interface{} `json:"-"`
}

// Path returns the on-disk location of the account config for caURL and
// accountIdentifier under accountDir.
func Path(accountDir, caURL, accountIdentifier string) string {
	enc := base64.RawURLEncoding.EncodeToString([]byte(caURL))
	return filepath.Join(accountDir, enc, accountIdentifier+".json")
}

// Load reads the account config at path, or returns (nil, nil) if it does
// not exist yet — the account manager distinguishes
// NoLocalAccount from Registered purely by file presence.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, acmeerr.Wrap("account.Load", acmeerr.Unknown, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, acmeerr.Wrap("account.Load", acmeerr.Unknown, err)
	}
	var extra map[string]interface{}
	_ = json.Unmarshal(data, &extra)
	cfg.Extra = extra
	return &cfg, nil
}

// Save persists cfg to path, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return acmeerr.Wrap("account.Save", acmeerr.Unknown, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return acmeerr.Wrap("account.Save", acmeerr.Unknown, err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Manager drives the account state machine.
type Manager struct {
	Transport    *transport.Transport
	Directory    *directory.Directory
	AccountKey   *rsa.PrivateKey
	Path         string
	Log          *zap.Logger

	// AutoFix enables the InvalidEmail/Malformed self-heals below.
	// AllowRebind additionally permits the Unauthorized self-heal,
	// which discards the server-side binding (a separate, louder
	// opt-in from AutoFix, decided this way deliberately).
	AutoFix     bool
	AllowRebind bool
	AcceptTerms bool

	cfg *Config
	kid string
}

type registerResponse struct {
	ID        json.Number `json:"id,omitempty"`
	Agreement string      `json:"agreement"`
	Contact   []string    `json:"contact"`
}

// Ensure is the driver's single entry point: it loads local state, then
// runs ensureTermsAccepted followed by ensureRegistered's contact check —
// except when there is no local account yet, in which case terms must
// already be accepted before the first newAccount POST is attempted at
// all, since the CA will not create an account no one has agreed to terms
// for. That ordering is what makes "no local config, AcceptTerms off"
// exit with TermsNotAccepted and persist no config file.
func (m *Manager) Ensure(contacts []string, reset bool) error {
	cfg, err := Load(m.Path)
	if err != nil {
		return err
	}
	m.cfg = cfg
	m.restoreKid()

	if cfg == nil || reset {
		if m.Directory.TermsOfService != "" && !m.AcceptTerms {
			return acmeerr.New("account.Ensure", acmeerr.TermsNotAccepted, "")
		}
		return m.create(contacts)
	}
	if err := m.EnsureTermsAccepted(); err != nil {
		return err
	}
	if !bagEqual(m.cfg.Contact, contacts) {
		updated := *m.cfg
		updated.Contact = contacts
		return m.update(&updated)
	}
	return nil
}

// EnsureRegistered implements the ensureRegistered operation in
// isolation, for callers that have already satisfied the terms gate (e.g.
// a contact-only update on an already-registered account).
func (m *Manager) EnsureRegistered(contacts []string, reset bool) error {
	cfg, err := Load(m.Path)
	if err != nil {
		return err
	}
	m.cfg = cfg
	m.restoreKid()

	if cfg == nil || reset {
		return m.create(contacts)
	}
	if !bagEqual(cfg.Contact, contacts) {
		updated := *cfg
		updated.Contact = contacts
		return m.update(&updated)
	}
	return nil
}

// EnsureTermsAccepted implements the ensureTermsAccepted
// operation.
func (m *Manager) EnsureTermsAccepted() error {
	if m.Directory.TermsOfService == "" {
		return nil
	}
	if m.cfg != nil && m.cfg.Agreement == m.Directory.TermsOfService {
		return nil
	}
	if !m.AcceptTerms {
		return acmeerr.New("account.EnsureTermsAccepted", acmeerr.TermsNotAccepted, "")
	}
	cfg := m.cfg
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Agreement = m.Directory.TermsOfService
	return m.update(cfg)
}

func (m *Manager) create(contacts []string) error {
	return m.createWithHeal(contacts, true)
}

func (m *Manager) createWithHeal(contacts []string, allowHeal bool) error {
	payload := map[string]interface{}{
		"contact": contacts,
	}
	if m.AcceptTerms {
		payload["agreement"] = m.Directory.TermsOfService
	}
	var resp registerResponse
	httpResp, err := m.Transport.Signed(m.AccountKey, "", m.Directory.NewAccount, "new-reg", payload, &resp)
	if err != nil {
		if !allowHeal {
			return err
		}
		return m.maybeSelfHeal(err, contacts)
	}
	m.kid = httpResp.Header.Get("Location")
	cfg := &Config{ID: resp.ID, Contact: contacts}
	if m.AcceptTerms {
		cfg.Agreement = m.Directory.TermsOfService
	}
	m.cfg = cfg
	if m.Log != nil {
		m.Log.Info("account created", zap.String("kid", m.kid))
	}
	return Save(m.Path, cfg)
}

func (m *Manager) update(cfg *Config) error {
	url := m.Directory.Account
	if m.kid != "" {
		url = m.kid
	}
	var resp registerResponse
	_, err := m.Transport.Signed(m.AccountKey, m.kidOrSelf(), url, "reg", cfg, &resp)
	if err != nil {
		return m.maybeSelfHeal(err, cfg.Contact)
	}
	m.cfg = cfg
	if m.Log != nil {
		m.Log.Info("account updated", zap.Strings("contact", cfg.Contact))
	}
	return Save(m.Path, cfg)
}

func (m *Manager) kidOrSelf() string {
	return m.kid
}

// restoreKid reconstructs the account's key-ID URL from the id persisted
// in m.cfg when this process never itself registered or loaded the
// account before — every run after the first one that created it. Without
// this, update would POST to the bare, accountless Account URL instead of
// account + id.
func (m *Manager) restoreKid() {
	if m.kid != "" || m.cfg == nil || m.cfg.ID == "" || m.Directory.Account == "" {
		return
	}
	m.kid = m.Directory.Account + m.cfg.ID.String()
}

// Kid returns the account's key-ID URL, available once Ensure has
// registered or loaded the account.
func (m *Manager) Kid() string {
	return m.kid
}

// maybeSelfHeal implements the self-healing policy: InvalidEmail
// retries once with contact cleared; Malformed falls through to a fresh
// create; Unauthorized does too, but only when AllowRebind is set, since
// it discards the server-side binding (a documented hazard). All
// three require AutoFix; without it, every kind is fatal. Each heal is a
// single shot — the retried create runs with healing disabled, so a CA
// that keeps rejecting the same request fails outright on the second
// attempt instead of recursing forever.
func (m *Manager) maybeSelfHeal(err error, contacts []string) error {
	if !m.AutoFix {
		return err
	}
	switch {
	case acmeerr.Is(err, acmeerr.InvalidEmail):
		if m.Log != nil {
			m.Log.Warn("invalidEmail, retrying with contact cleared")
		}
		return m.createWithHeal(nil, false)
	case acmeerr.Is(err, acmeerr.Malformed):
		if m.Log != nil {
			m.Log.Warn("malformed account request, retrying with a fresh create")
		}
		return m.createWithHeal(contacts, false)
	case acmeerr.Is(err, acmeerr.Unauthorized):
		if !m.AllowRebind {
			return err
		}
		if m.Log != nil {
			m.Log.Warn("unauthorized, rebinding with a fresh create (this discards the prior server-side binding)")
		}
		return m.createWithHeal(contacts, false)
	default:
		return err
	}
}

func bagEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := append([]string{}, a...)
	sb := append([]string{}, b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}
