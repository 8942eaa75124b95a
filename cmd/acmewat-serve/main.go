// Command acmewat-serve is a demonstration TLS front end that proves
// out in-place renewal: it never reads a certificate file from disk,
// only the keystore slot a driver run installs into, so a renewal that
// replaces that slot takes effect on the next handshake with no
// restart and no reconfiguration.
package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ebekker/acmewat/internal/keystore"
	"github.com/ebekker/acmewat/internal/lifecycle"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "acmewat-serve:", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 5 {
		return fmt.Errorf("usage: acmewat-serve <keystore-path> <keystore-password> <primary-domain> <ca-url> [addr]")
	}
	keystorePath, password, primary, caURL := os.Args[1], os.Args[2], os.Args[3], os.Args[4]
	addr := ":5001"
	if len(os.Args) > 5 {
		addr = os.Args[5]
	}

	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := keystore.Open(keystorePath, []byte(password))
	if err != nil {
		return err
	}
	friendly := lifecycle.FriendlyName(primary, caURL)

	tlsConfig := &tls.Config{
		GetCertificate: reloadingCertificate(store, friendly, log),
	}

	router := gin.Default()
	router.GET("/", func(c *gin.Context) {
		c.Data(200, "text/plain", []byte("served by acmewat-serve"))
	})
	shutdownCh := make(chan bool, 1)
	router.GET("/shutdown", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "shutting down"})
		log.Info("received shutdown request")
		shutdownCh <- true
	})

	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- router.RunListener(ln)
	}()

	select {
	case <-shutdownCh:
		return ln.Close()
	case err := <-errCh:
		return err
	}
}

// reloadingCertificate returns a tls.Config.GetCertificate callback that
// reads the highest-priority record for friendly out of store on every
// call — the installed cert, key, and chain the keystore holds at
// handshake time, not whatever was current when the server started.
func reloadingCertificate(store *keystore.Store, friendly string, log *zap.Logger) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		records, err := store.EnumerateByFriendlyName(friendly)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("no certificate installed for %s", friendly)
		}
		top := records[0]

		entry, err := store.OpenOrCreateKey(top.Alias)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, fmt.Errorf("keystore entry %q vanished", top.Alias)
		}
		key, err := x509.ParsePKCS8PrivateKey(entry.PrivateKey)
		if err != nil {
			return nil, err
		}

		chain := [][]byte{entry.Certificate}
		chain = append(chain, entry.Chain...)
		cert := &tls.Certificate{Certificate: chain, PrivateKey: key, Leaf: top.Certificate}
		if log != nil {
			log.Debug("served certificate", zap.String("notAfter", top.Certificate.NotAfter.String()))
		}
		return cert, nil
	}
}
