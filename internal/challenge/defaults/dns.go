package defaults

import (
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// DNSPromptCallback prints the TXT record the operator must publish and
// then polls an authoritative (or any configured) resolver until that
// record is visible, rather than only printing guidance and returning
// immediately.
type DNSPromptCallback struct {
	Resolver     string // "host:port", e.g. "8.8.8.8:53"
	PollInterval time.Duration
	PollTimeout  time.Duration
	Print        func(string)
	Log          *zap.Logger

	client *dns.Client
}

// NewDNSPromptCallback builds a callback that queries resolver for
// propagation. A nil print func defaults to fmt.Println.
func NewDNSPromptCallback(resolver string, log *zap.Logger) *DNSPromptCallback {
	return &DNSPromptCallback{
		Resolver:     resolver,
		PollInterval: 5 * time.Second,
		PollTimeout:  2 * time.Minute,
		Log:          log,
		client:       &dns.Client{},
	}
}

// Deploy prints the record the operator must publish, then blocks until
// the resolver answers it or PollTimeout elapses. A timeout is not
// treated as fatal here — the ACME server's own challenge poll is the
// authoritative check; this is an operator convenience.
func (c *DNSPromptCallback) Deploy(domain, selector, value string) error {
	c.print(fmt.Sprintf("publish TXT record %s with value %q", selector, value))
	if c.Log != nil {
		c.Log.Info("dns-01 challenge record requested", zap.String("domain", domain), zap.String("name", selector))
	}
	c.pollUntilVisible(selector, value)
	return nil
}

// Cleanup prints removal guidance; there is nothing to poll for removal.
func (c *DNSPromptCallback) Cleanup(domain, selector, value, status string) error {
	c.print(fmt.Sprintf("you may now remove the TXT record %s (status=%s)", selector, status))
	return nil
}

func (c *DNSPromptCallback) print(msg string) {
	if c.Print != nil {
		c.Print(msg)
		return
	}
	fmt.Println(msg)
}

func (c *DNSPromptCallback) pollUntilVisible(name, value string) {
	if c.Resolver == "" {
		return
	}
	deadline := time.Now().Add(c.PollTimeout)
	for time.Now().Before(deadline) {
		if c.lookupMatches(name, value) {
			if c.Log != nil {
				c.Log.Info("dns-01 record visible", zap.String("name", name))
			}
			return
		}
		time.Sleep(c.PollInterval)
	}
	if c.Log != nil {
		c.Log.Warn("dns-01 record not visible before timeout, continuing anyway", zap.String("name", name))
	}
}

func (c *DNSPromptCallback) lookupMatches(name, value string) bool {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	resp, _, err := c.client.Exchange(msg, c.Resolver)
	if err != nil || resp == nil {
		return false
	}
	for _, ans := range resp.Answer {
		txt, ok := ans.(*dns.TXT)
		if !ok {
			continue
		}
		if strings.Join(txt.Txt, "") == value {
			return true
		}
	}
	return false
}
