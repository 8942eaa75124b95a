// Package challenge implements the authorization/challenge orchestrator
// the authorization/challenge orchestrator: request authorization,
// select a challenge, compute its
// key authorization, deploy/cleanup via user-supplied callbacks, and poll
// to a terminal status.
package challenge

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ebekker/acmewat/internal/acmeerr"
	"github.com/ebekker/acmewat/internal/b64"
	"github.com/ebekker/acmewat/internal/jws"
	"github.com/ebekker/acmewat/internal/transport"
)

// Type identifies a challenge type.
type Type string

const (
	HTTP01 Type = "http-01"
	DNS01  Type = "dns-01"
)

// Callbacks is the two-method capability the driver injects for
// challenge deployment, mapping the deploy/cleanup hooks to a
// capability rather than two bare function values.
type Callbacks interface {
	Deploy(domain, selector, value string) error
	Cleanup(domain, selector, value, status string) error
}

// CallbackFuncs adapts two plain functions to the Callbacks interface, for
// callers that would rather not define a named type.
type CallbackFuncs struct {
	DeployFunc  func(domain, selector, value string) error
	CleanupFunc func(domain, selector, value, status string) error
}

func (f CallbackFuncs) Deploy(domain, selector, value string) error {
	return f.DeployFunc(domain, selector, value)
}

func (f CallbackFuncs) Cleanup(domain, selector, value, status string) error {
	if f.CleanupFunc == nil {
		return nil
	}
	return f.CleanupFunc(domain, selector, value, status)
}

type identifierPayload struct {
	Identifier struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"identifier"`
}

type authzChallenge struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Token  string `json:"token"`
	Status string `json:"status"`
}

type authzResponse struct {
	Status     string           `json:"status"`
	Challenges []authzChallenge `json:"challenges"`
}

type challengeResponse struct {
	Status string `json:"status"`
	Error  struct {
		Detail string `json:"detail"`
	} `json:"error"`
}

// Orchestrator drives one identifier's authorization to a terminal state.
type Orchestrator struct {
	Transport   *transport.Transport
	AccountKey  *rsa.PrivateKey
	Kid         string
	NewAuthzURL string
	Type        Type
	Callbacks   Callbacks
	Log         *zap.Logger

	// PollInterval defaults to 1s. PollTimeout is an optional ceiling;
	// zero means unbounded, matching the default "poll until terminal"
	// behavior.
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Authorize runs the state machine for one domain.
func (o *Orchestrator) Authorize(ctx context.Context, domain string) error {
	authz, err := o.requestAuthz(domain)
	if err != nil {
		return err
	}
	for _, c := range authz.Challenges {
		if c.Status == "valid" {
			if o.Log != nil {
				o.Log.Info("authorization already valid, skipping challenge", zap.String("domain", domain))
			}
			return nil
		}
	}

	c, err := o.pick(authz)
	if err != nil {
		return err
	}

	thumbprint, err := jws.Thumbprint(&o.AccountKey.PublicKey)
	if err != nil {
		return acmeerr.Wrap("challenge.Authorize", acmeerr.Unknown, err)
	}
	keyAuth := c.Token + "." + thumbprint

	selector, value := o.selectorAndValue(domain, c.Token, keyAuth)
	if err := o.Callbacks.Deploy(domain, selector, value); err != nil {
		return acmeerr.Wrap("challenge.Authorize", acmeerr.Unknown, err)
	}

	respondErr := o.respond(c.URL, keyAuth)
	if respondErr != nil {
		_ = o.Callbacks.Cleanup(domain, selector, value, "invalid")
		return respondErr
	}

	status, pollErr := o.poll(ctx, c.URL)
	cleanupErr := o.Callbacks.Cleanup(domain, selector, value, status)
	if pollErr != nil {
		return pollErr
	}
	if cleanupErr != nil && o.Log != nil {
		o.Log.Warn("cleanup callback failed", zap.Error(cleanupErr))
	}
	if status != "valid" {
		return acmeerr.New("challenge.Authorize", acmeerr.ChallengeInvalid, status)
	}
	return nil
}

func (o *Orchestrator) requestAuthz(domain string) (*authzResponse, error) {
	var payload identifierPayload
	payload.Identifier.Type = "dns"
	payload.Identifier.Value = domain

	var resp authzResponse
	if _, err := o.Transport.Signed(o.AccountKey, o.Kid, o.NewAuthzURL, "new-authz", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (o *Orchestrator) pick(authz *authzResponse) (*authzChallenge, error) {
	for i := range authz.Challenges {
		c := &authz.Challenges[i]
		if Type(c.Type) == o.Type {
			if c.Status != "" && c.Status != "pending" {
				return nil, acmeerr.New("challenge.pick", acmeerr.ChallengeNotPending, c.Status)
			}
			return c, nil
		}
	}
	return nil, acmeerr.New("challenge.pick", acmeerr.ChallengeNotPending, fmt.Sprintf("no %s challenge offered", o.Type))
}

// selectorAndValue implements the deploy/cleanup argument
// shapes: for http-01, selector is the raw token and value is the key
// authorization; for dns-01, selector is "_acme-challenge.<domain>" and
// value is base64url(SHA-256(keyAuthorization)).
func (o *Orchestrator) selectorAndValue(domain, token, keyAuth string) (selector, value string) {
	switch o.Type {
	case DNS01:
		sum := sha256.Sum256([]byte(keyAuth))
		return "_acme-challenge." + domain, b64.Encode(sum[:])
	default:
		return token, keyAuth
	}
}

func (o *Orchestrator) respond(url, keyAuth string) error {
	payload := map[string]string{"keyAuthorization": keyAuth}
	_, err := o.Transport.Signed(o.AccountKey, o.Kid, url, "challenge", payload, nil)
	return err
}

// poll implements the poll loop: unsigned GETs every
// PollInterval (default 1s) until a terminal status is observed.
func (o *Orchestrator) poll(ctx context.Context, url string) (string, error) {
	interval := o.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	var deadline time.Time
	if o.PollTimeout > 0 {
		deadline = time.Now().Add(o.PollTimeout)
	}

	for {
		var resp challengeResponse
		if _, err := o.Transport.Get(url, &resp); err != nil {
			return "", err
		}
		switch resp.Status {
		case "pending", "processing", "":
			if !deadline.IsZero() && time.Now().After(deadline) {
				return "", acmeerr.New("challenge.poll", acmeerr.ChallengeTimeout, "")
			}
			select {
			case <-ctx.Done():
				return "", acmeerr.Wrap("challenge.poll", acmeerr.ChallengeTimeout, ctx.Err())
			case <-time.After(interval):
			}
		case "valid", "invalid":
			return resp.Status, nil
		default:
			return "", acmeerr.New("challenge.poll", acmeerr.ChallengeNotPending, resp.Status)
		}
	}
}
