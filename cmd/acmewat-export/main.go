// Command acmewat-export dumps the latest installed certificate for one
// domain out of the keystore into PKCS#12 and PEM files. It is a
// standalone convenience tool, never run automatically by acmewat
// itself. Configuration comes from the same file acmewat reads, plus an
// output directory argument.
package main

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ebekker/acmewat/internal/config"
	"github.com/ebekker/acmewat/internal/export"
	"github.com/ebekker/acmewat/internal/keystore"
	"github.com/ebekker/acmewat/internal/lifecycle"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "acmewat-export:", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: acmewat-export <config-path> <output-dir>")
	}
	cfg, err := config.Load(os.Args[1])
	if err != nil {
		return err
	}
	outDir := os.Args[2]
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return err
	}

	store, err := keystore.Open(cfg.KeystorePath, []byte(cfg.KeystorePassword))
	if err != nil {
		return err
	}

	primary := cfg.Domains[0]
	friendly := lifecycle.FriendlyName(primary, cfg.DirectoryURL)
	records, err := store.EnumerateByFriendlyName(friendly)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no installed certificate found for %s", friendly)
	}
	top := records[0]

	entry, err := store.OpenOrCreateKey(top.Alias)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("keystore entry %q vanished between enumerate and open", top.Alias)
	}
	key, err := x509.ParsePKCS8PrivateKey(entry.PrivateKey)
	if err != nil {
		return err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return fmt.Errorf("unsupported private key type %T", key)
	}

	bundle := export.Bundle{Leaf: top.Certificate, Key: signer}

	log := zap.NewNop()
	chain, err := export.FetchChain(http.DefaultClient, bundle.Leaf, 4)
	if err != nil {
		log.Warn("could not fetch full issuer chain", zap.Error(err))
	}
	bundle.Chain = chain

	return writeAll(outDir, bundle, cfg.KeystorePassword)
}

func writeAll(outDir string, bundle export.Bundle, password string) error {
	pfx, err := export.PKCS12(bundle, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outDir, "certificate.p12"), pfx, 0o600); err != nil {
		return err
	}

	combined, err := export.PEMCombined(bundle)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outDir, "combined.pem"), combined, 0o600); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(outDir, "cert.pem"), export.PEMLeaf(bundle), 0o600); err != nil {
		return err
	}
	keyPEM, err := export.PEMKey(bundle)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(outDir, "key.pem"), keyPEM, 0o600); err != nil {
		return err
	}
	if len(bundle.Chain) > 0 {
		if err := os.WriteFile(filepath.Join(outDir, "chain.pem"), export.PEMChain(bundle.Chain), 0o600); err != nil {
			return err
		}
	}
	return nil
}
