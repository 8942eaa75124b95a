// Package transport implements the ACME signed-request transport of
// the ACME signed-request transport: HEAD/GET/POST with a User-Agent,
// Replay-Nonce handling,
// and typed-error promotion of JSON problem documents.
package transport

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ebekker/acmewat/internal/acmeerr"
	"github.com/ebekker/acmewat/internal/jws"
)

const userAgent = "acmewat/1.0 (+https://github.com/ebekker/acmewat)"

// problemDocument is the JSON body of a non-2xx ACME response.
type problemDocument struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// Transport is the signed-request client. It is safe for sequential use
// by a single driver run; a driver run has no internal
// parallelism, so no further synchronization is attempted beyond guarding
// the cached-nonce field.
type Transport struct {
	client       *http.Client
	log          *zap.Logger
	directoryURL string

	mu          sync.Mutex
	cachedNonce string
}

// New builds a Transport. directoryURL is used as the fallback target for
// a fresh-nonce HEAD when no cached nonce is available.
func New(client *http.Client, log *zap.Logger, directoryURL string) *Transport {
	if client == nil {
		client = http.DefaultClient
	}
	return &Transport{client: client, log: log, directoryURL: directoryURL}
}

// Nonce performs HEAD against url and returns the Replay-Nonce header,
// failing with acmeerr.NoNonce if the header is absent.
func (t *Transport) Nonce(url string) (string, error) {
	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return "", acmeerr.Wrap("transport.Nonce", acmeerr.NoNonce, err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := t.client.Do(req)
	if err != nil {
		return "", acmeerr.Wrap("transport.Nonce", acmeerr.NoNonce, err)
	}
	defer resp.Body.Close()
	nonce := resp.Header.Get("Replay-Nonce")
	if nonce == "" {
		return "", acmeerr.New("transport.Nonce", acmeerr.NoNonce, "no Replay-Nonce header in response")
	}
	return nonce, nil
}

// nextNonce returns the cached nonce harvested from the previous response
// if any, otherwise performs a fresh HEAD against the directory URL. This
// implements a chain-when-possible, fresh-otherwise nonce strategy.
func (t *Transport) nextNonce() (string, error) {
	t.mu.Lock()
	cached := t.cachedNonce
	t.cachedNonce = ""
	t.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	return t.Nonce(t.directoryURL)
}

func (t *Transport) harvestNonce(resp *http.Response) {
	if n := resp.Header.Get("Replay-Nonce"); n != "" {
		t.mu.Lock()
		t.cachedNonce = n
		t.mu.Unlock()
	}
}

// Get performs an unsigned GET and decodes the JSON body into out. Used
// for challenge polling, which is explicitly unsigned.
func (t *Transport) Get(url string, out interface{}) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, acmeerr.Wrap("transport.Get", acmeerr.Unknown, err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, acmeerr.Wrap("transport.Get", acmeerr.Unknown, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, acmeerr.Wrap("transport.Get", acmeerr.Unknown, err)
	}
	if resp.StatusCode >= 300 {
		return resp, problemError("transport.Get", body)
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp, acmeerr.Wrap("transport.Get", acmeerr.Unknown, err)
		}
	}
	return resp, nil
}

// Raw performs an unsigned GET and returns the raw response body, for
// responses that are not JSON (such as a raw-DER certificate).
func (t *Transport) Raw(url string) ([]byte, *http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, acmeerr.Wrap("transport.Raw", acmeerr.Unknown, err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, nil, acmeerr.Wrap("transport.Raw", acmeerr.Unknown, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, acmeerr.Wrap("transport.Raw", acmeerr.Unknown, err)
	}
	if resp.StatusCode >= 300 {
		return nil, resp, problemError("transport.Raw", body)
	}
	return body, resp, nil
}

// Signed composes a JWS body over payload (with "resource" injected),
// sends it to url via POST, and decodes the JSON response into out. key
// and kid select JWK-header vs. kid-header signing.
// Every call fetches (or reuses a chained) nonce and retries exactly once
// with a fresh HEAD-sourced nonce if the server reports badNonce.
func (t *Transport) Signed(key *rsa.PrivateKey, kid string, url string, resource string, payload interface{}, out interface{}) (*http.Response, error) {
	body, err := withResource(payload, resource)
	if err != nil {
		return nil, acmeerr.Wrap("transport.Signed", acmeerr.Unknown, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		nonce, err := t.nextNonce()
		if err != nil {
			return nil, err
		}
		msg, err := jws.Sign(key, kid, nonce, body)
		if err != nil {
			return nil, acmeerr.Wrap("transport.Signed", acmeerr.Unknown, err)
		}
		reqBody, err := json.Marshal(msg)
		if err != nil {
			return nil, acmeerr.Wrap("transport.Signed", acmeerr.Unknown, err)
		}
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(reqBody))
		if err != nil {
			return nil, acmeerr.Wrap("transport.Signed", acmeerr.Unknown, err)
		}
		req.Header.Set("Content-Type", "application/jose+json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, acmeerr.Wrap("transport.Signed", acmeerr.Unknown, err)
		}
		t.harvestNonce(resp)
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return resp, acmeerr.Wrap("transport.Signed", acmeerr.Unknown, readErr)
		}

		if resp.StatusCode >= 300 {
			perr := problemError("transport.Signed", respBody)
			if perr.Kind == acmeerr.BadNonce && attempt == 0 {
				if t.log != nil {
					t.log.Warn("badNonce, retrying with a fresh nonce")
				}
				t.mu.Lock()
				t.cachedNonce = ""
				t.mu.Unlock()
				continue
			}
			return resp, perr
		}
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return resp, acmeerr.Wrap("transport.Signed", acmeerr.Unknown, err)
			}
		}
		return resp, nil
	}
	return nil, acmeerr.New("transport.Signed", acmeerr.BadNonce, "exhausted retry after badNonce")
}

// SignedRaw behaves like Signed but returns the raw response body instead
// of decoding JSON, for the one endpoint (order finalize) whose success
// response is a bare DER certificate.
func (t *Transport) SignedRaw(key *rsa.PrivateKey, kid string, url string, resource string, payload interface{}) ([]byte, *http.Response, error) {
	body, err := withResource(payload, resource)
	if err != nil {
		return nil, nil, acmeerr.Wrap("transport.SignedRaw", acmeerr.Unknown, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		nonce, err := t.nextNonce()
		if err != nil {
			return nil, nil, err
		}
		msg, err := jws.Sign(key, kid, nonce, body)
		if err != nil {
			return nil, nil, acmeerr.Wrap("transport.SignedRaw", acmeerr.Unknown, err)
		}
		reqBody, err := json.Marshal(msg)
		if err != nil {
			return nil, nil, acmeerr.Wrap("transport.SignedRaw", acmeerr.Unknown, err)
		}
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(reqBody))
		if err != nil {
			return nil, nil, acmeerr.Wrap("transport.SignedRaw", acmeerr.Unknown, err)
		}
		req.Header.Set("Content-Type", "application/jose+json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, nil, acmeerr.Wrap("transport.SignedRaw", acmeerr.Unknown, err)
		}
		t.harvestNonce(resp)
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, resp, acmeerr.Wrap("transport.SignedRaw", acmeerr.Unknown, readErr)
		}

		if resp.StatusCode >= 300 {
			perr := problemError("transport.SignedRaw", respBody)
			if perr.Kind == acmeerr.BadNonce && attempt == 0 {
				if t.log != nil {
					t.log.Warn("badNonce, retrying with a fresh nonce")
				}
				t.mu.Lock()
				t.cachedNonce = ""
				t.mu.Unlock()
				continue
			}
			return nil, resp, perr
		}
		return respBody, resp, nil
	}
	return nil, nil, acmeerr.New("transport.SignedRaw", acmeerr.BadNonce, "exhausted retry after badNonce")
}

func withResource(payload interface{}, resource string) ([]byte, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]interface{}{}
	}
	m["resource"] = resource
	return json.Marshal(m)
}

// problemError parses body as a problem document and promotes its "type"
// suffix (the portion after the last ":") to a typed Kind; unrecognized
// kinds propagate with their raw string in Detail.
func problemError(op string, body []byte) *acmeerr.Error {
	var doc problemDocument
	if err := json.Unmarshal(body, &doc); err != nil || doc.Type == "" {
		return acmeerr.New(op, acmeerr.Unknown, string(body))
	}
	suffix := doc.Type
	if idx := strings.LastIndex(doc.Type, ":"); idx >= 0 {
		suffix = doc.Type[idx+1:]
	}
	kind, ok := knownKinds[suffix]
	if !ok {
		return &acmeerr.Error{Op: op, Kind: acmeerr.Unknown, Detail: fmt.Sprintf("%s: %s", suffix, doc.Detail)}
	}
	return &acmeerr.Error{Op: op, Kind: kind, Detail: doc.Detail}
}

var knownKinds = map[string]acmeerr.Kind{
	"invalidEmail": acmeerr.InvalidEmail,
	"malformed":    acmeerr.Malformed,
	"unauthorized": acmeerr.Unauthorized,
	"badNonce":     acmeerr.BadNonce,
}
