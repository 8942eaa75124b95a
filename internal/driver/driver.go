// Package driver wires the collaborators (transport, directory, account,
// lifecycle, lockfile) into the single top-level pipeline: verify, walk
// authorization and sign if needed, install, and report the result. It
// contains no CLI argument parsing — that is wiring for cmd/acmewat, not
// this package's concern.
package driver

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ebekker/acmewat/internal/account"
	"github.com/ebekker/acmewat/internal/challenge"
	"github.com/ebekker/acmewat/internal/challenge/defaults"
	"github.com/ebekker/acmewat/internal/config"
	"github.com/ebekker/acmewat/internal/directory"
	"github.com/ebekker/acmewat/internal/keys"
	"github.com/ebekker/acmewat/internal/keystore"
	"github.com/ebekker/acmewat/internal/lifecycle"
	"github.com/ebekker/acmewat/internal/lockfile"
	"github.com/ebekker/acmewat/internal/transport"
)

// Result is what one run produced, for the composition root to report.
type Result struct {
	Decision lifecycle.Decision
	Record   *keystore.CertRecord
}

// Run executes the full pipeline for cfg against an already-open
// keystore. httpClient is injectable for tests; nil uses
// http.DefaultClient.
func Run(ctx context.Context, cfg *config.Run, store *keystore.Store, httpClient *http.Client, log *zap.Logger) (*Result, error) {
	if len(cfg.Domains) == 0 {
		return nil, fmt.Errorf("driver: no domains configured")
	}
	primary, san := cfg.Domains[0], cfg.Domains[1:]

	var guard *lockfile.Guard
	if !cfg.DisableLocking {
		g, err := lockfile.Acquire(cfg.LockPath)
		if err != nil {
			return nil, err
		}
		guard = g
		defer guard.Release()
	}

	dir, err := directory.Fetch(httpClient, cfg.DirectoryURL, directory.Dialect(cfg.Dialect))
	if err != nil {
		return nil, err
	}

	tr := transport.New(httpClient, log, cfg.DirectoryURL)

	accountKeySizeBits := cfg.AccountKeySizeBits
	if accountKeySizeBits == 0 {
		accountKeySizeBits = 4096
	}
	accountKeyHandle, err := keys.OpenOrCreate(store, accountKeyAlias(cfg.DirectoryURL, cfg.AccountID), keys.RSA, accountKeySizeBits, keys.Policy{})
	if err != nil {
		return nil, err
	}

	acctPath := account.Path(cfg.AccountDir, cfg.DirectoryURL, cfg.AccountID)
	acctMgr := &account.Manager{
		Transport:   tr,
		Directory:   dir,
		AccountKey:  accountKeyHandle.RSAKey(),
		Path:        acctPath,
		Log:         log,
		AutoFix:     cfg.AutoFix,
		AllowRebind: cfg.AllowRebind,
		AcceptTerms: cfg.AcceptTerms,
	}
	if err := acctMgr.Ensure(cfg.Contacts, false); err != nil {
		return nil, err
	}

	callbacks, err := defaultCallbacks(cfg, log)
	if err != nil {
		return nil, err
	}

	lifecycleMgr := &lifecycle.Manager{
		Store:         store,
		Transport:     tr,
		Directory:     dir,
		AccountKey:    accountKeyHandle.RSAKey(),
		Kid:           acctMgr.Kid(),
		CAURL:         cfg.DirectoryURL,
		ChallengeType: challenge.Type(cfg.ChallengeType),
		Callbacks:     callbacks,
		Config: lifecycle.Config{
			Algorithm:        keys.Algorithm(cfg.KeyAlgorithm),
			SizeBits:         cfg.KeySizeBits,
			RenewDays:        cfg.RenewDays,
			RotateKeyOnRenew: cfg.RotateKeyOnRenew,
			OCSPMustStaple:   cfg.OCSPMustStaple,
		},
		Log: log,
	}

	rec, err := lifecycleMgr.Verify(primary, san)
	if err != nil {
		return nil, err
	}

	if rec.Decision == lifecycle.Reuse {
		if log != nil {
			log.Info("certificate reused, no network calls needed", zap.String("primary", primary))
		}
		return &Result{Decision: rec.Decision, Record: rec.Prior}, nil
	}

	if cfg.ChallengePollTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.ChallengePollTimeoutSeconds)*time.Second)
		defer cancel()
	}

	installed, err := lifecycleMgr.Sign(ctx, primary, san, rec)
	if err != nil {
		return nil, err
	}
	return &Result{Decision: rec.Decision, Record: installed}, nil
}

// accountKeyAlias names the account key's keystore slot by the base64url
// encoding of the CA URL plus the account identifier, so two distinct accounts against the same
// CA never collide onto one shared key.
func accountKeyAlias(caURL, accountID string) string {
	return "account-key|" + base64.RawURLEncoding.EncodeToString([]byte(caURL)) + "|" + accountID
}

func defaultCallbacks(cfg *config.Run, log *zap.Logger) (challenge.Callbacks, error) {
	switch challenge.Type(cfg.ChallengeType) {
	case challenge.DNS01:
		return defaults.NewDNSPromptCallback(cfg.DNSResolver, log), nil
	default:
		return defaults.NewHTTPFileCallback(cfg.HTTPChallengeAddr, log), nil
	}
}
