// Package directory implements the ACME directory resolver: fetch the
// CA's directory document and normalize it across the
// three dialect variants.
package directory

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ebekker/acmewat/internal/acmeerr"
)

// Dialect selects how the raw directory document is interpreted.
type Dialect string

const (
	DialectACME1Boulder Dialect = "acme1-boulder" // legacy new-reg/new-authz/new-cert
	DialectACME2Boulder Dialect = "acme2-boulder" // modern newAccount/newAuthz/newOrder
	DialectACME1        Dialect = "acme1"
)

// Directory is the normalized set of endpoint URLs, populated once per
// run and immutable thereafter.
type Directory struct {
	NewNonce        string
	NewAccount      string
	NewAuthz        string
	NewOrder        string
	KeyChange       string
	RevokeCert      string
	Account         string
	Authz           string
	Order           string
	TermsOfService  string
}

// legacy is the wire shape of the acme1-boulder / acme1 dialects.
type legacy struct {
	NewReg     string `json:"new-reg"`
	NewAuthz   string `json:"new-authz"`
	NewCert    string `json:"new-cert"`
	KeyChange  string `json:"key-change"`
	RevokeCert string `json:"revoke-cert"`
	Meta       struct {
		TermsOfService string `json:"terms-of-service"`
	} `json:"meta"`
}

// modern is the wire shape of the acme2-boulder (RFC 8555) dialect.
type modern struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewAuthz   string `json:"newAuthz"`
	NewOrder   string `json:"newOrder"`
	KeyChange  string `json:"keyChange"`
	RevokeCert string `json:"revokeCert"`
	Meta       struct {
		TermsOfService string `json:"termsOfService"`
	} `json:"meta"`
}

// Fetch retrieves the directory document at url and normalizes it
// according to dialect.
func Fetch(client *http.Client, url string, dialect Dialect) (*Directory, error) {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(url)
	if err != nil {
		return nil, acmeerr.Wrap("directory.Fetch", acmeerr.DirectoryFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, acmeerr.New("directory.Fetch", acmeerr.DirectoryFetchFailed, resp.Status)
	}

	switch dialect {
	case DialectACME2Boulder:
		var m modern
		if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
			return nil, acmeerr.Wrap("directory.Fetch", acmeerr.DirectoryFetchFailed, err)
		}
		return &Directory{
			NewNonce:       m.NewNonce,
			NewAccount:     m.NewAccount,
			NewAuthz:       m.NewAuthz,
			NewOrder:       m.NewOrder,
			KeyChange:      m.KeyChange,
			RevokeCert:     m.RevokeCert,
			Account:        m.NewAccount,
			Authz:          m.NewAuthz,
			Order:          m.NewOrder,
			TermsOfService: m.Meta.TermsOfService,
		}, nil
	case DialectACME1Boulder, DialectACME1:
		var l legacy
		if err := json.NewDecoder(resp.Body).Decode(&l); err != nil {
			return nil, acmeerr.Wrap("directory.Fetch", acmeerr.DirectoryFetchFailed, err)
		}
		return &Directory{
			NewNonce:       "", // legacy dialects have no distinct newNonce endpoint
			NewAccount:     l.NewReg,
			NewAuthz:       l.NewAuthz,
			NewOrder:       l.NewCert,
			KeyChange:      l.KeyChange,
			RevokeCert:     l.RevokeCert,
			Account:        synthesize(l.NewReg, "reg"),
			Authz:          synthesize(l.NewAuthz, "authz"),
			Order:          synthesize(l.NewCert, "cert"),
			TermsOfService: l.Meta.TermsOfService,
		}, nil
	default:
		return nil, acmeerr.New("directory.Fetch", acmeerr.DirectoryFetchFailed, "unknown dialect "+string(dialect))
	}
}

// synthesize replaces the trailing path segment of a "new-*" URL with
// newSegment + "/", matching the legacy-boulder derivation rule
// ("new-reg → reg/" etc).
func synthesize(newURL string, newSegment string) string {
	if newURL == "" {
		return ""
	}
	trimmed := strings.TrimSuffix(newURL, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return trimmed + "/" + newSegment + "/"
	}
	return trimmed[:idx+1] + newSegment + "/"
}
