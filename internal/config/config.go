// Package config loads the driver's run configuration (distinct from the
// ACME account config file, which is a CA-mandated JSON shape owned by
// internal/account) from a YAML/JSON file or the environment, using
// viper for layered default/file/env resolution.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Run is the fully-resolved driver configuration for one invocation.
type Run struct {
	DirectoryURL  string   `mapstructure:"directory_url"`
	Dialect       string   `mapstructure:"dialect"`
	Domains       []string `mapstructure:"domains"`
	ChallengeType string   `mapstructure:"challenge_type"`

	AccountDir  string   `mapstructure:"account_dir"`
	AccountID   string   `mapstructure:"account_id"`
	AcceptTerms bool     `mapstructure:"accept_terms"`
	AutoFix     bool     `mapstructure:"auto_fix"`
	AllowRebind bool     `mapstructure:"allow_rebind"`
	Contacts    []string `mapstructure:"contacts"`

	KeystorePath     string `mapstructure:"keystore_path"`
	KeystorePassword string `mapstructure:"keystore_password"`

	KeyAlgorithm       string `mapstructure:"key_algorithm"`
	KeySizeBits        int    `mapstructure:"key_size_bits"`
	AccountKeySizeBits int    `mapstructure:"account_key_size_bits"`
	RenewDays          int    `mapstructure:"renew_days"`
	RotateKeyOnRenew   bool   `mapstructure:"rotate_key_on_renew"`
	OCSPMustStaple     bool   `mapstructure:"ocsp_must_staple"`

	LockPath       string `mapstructure:"lock_path"`
	DisableLocking bool   `mapstructure:"disable_locking"`

	ChallengePollTimeoutSeconds int `mapstructure:"challenge_poll_timeout_seconds"`

	HTTPChallengeAddr string `mapstructure:"http_challenge_addr"`
	DNSResolver       string `mapstructure:"dns_resolver"`
}

// defaults seeds the viper keys listed below before binding, so an
// incomplete config file still produces a usable Run rather than
// zero-valued fields silently. Keys not listed here (directory_url,
// domains, contacts, keystore_password, dns_resolver,
// challenge_poll_timeout_seconds) have no default.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"dialect":               "acme2-boulder",
		"challenge_type":        "http-01",
		"account_dir":           "./accounts",
		"account_id":            "account",
		"accept_terms":          false,
		"auto_fix":              false,
		"allow_rebind":          false,
		"keystore_path":         "./keystore.p12",
		"key_algorithm":         "RSA",
		"key_size_bits":         4096,
		"account_key_size_bits": 4096,
		"renew_days":            30,
		"rotate_key_on_renew":   false,
		"ocsp_must_staple":      false,
		"lock_path":             "./acmewat.lock",
		"disable_locking":       false,
		"http_challenge_addr":   ":80",
	}
}

// Load reads the run configuration from path (if non-empty) and the
// ACMEWAT_ environment prefix, falling back to defaults for any key
// neither source sets.
func Load(path string) (*Run, error) {
	v := viper.New()
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix("ACMEWAT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var run Run
	if err := v.Unmarshal(&run); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if len(run.Domains) == 0 {
		return nil, fmt.Errorf("config: domains must not be empty")
	}
	return &run, nil
}
