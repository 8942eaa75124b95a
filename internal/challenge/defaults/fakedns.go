package defaults

import (
	"sync"

	"github.com/miekg/dns"
)

// FakeNameserver is an authoritative-enough stand-in for a real resolver,
// used by tests to exercise DNSPromptCallback's polling without touching
// the network.
type FakeNameserver struct {
	server *dns.Server

	mu      sync.Mutex
	records map[string]string // fqdn -> TXT value
}

// NewFakeNameserver starts listening on addr (e.g. "127.0.0.1:0" is not
// supported by miekg/dns's UDP listener setup; callers should pick a
// fixed high port for tests).
func NewFakeNameserver(addr string) (*FakeNameserver, error) {
	ns := &FakeNameserver{records: map[string]string{}}
	mux := dns.NewServeMux()
	mux.HandleFunc(".", ns.serve)
	ns.server = &dns.Server{Addr: addr, Net: "udp", Handler: mux}

	ready := make(chan error, 1)
	ns.server.NotifyStartedFunc = func() { ready <- nil }
	go func() {
		if err := ns.server.ListenAndServe(); err != nil {
			select {
			case ready <- err:
			default:
			}
		}
	}()
	if err := <-ready; err != nil {
		return nil, err
	}
	return ns, nil
}

// SetTXT publishes value as the TXT record for fqdn.
func (ns *FakeNameserver) SetTXT(fqdn, value string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.records[dns.Fqdn(fqdn)] = value
}

// Addr returns the listening address.
func (ns *FakeNameserver) Addr() string {
	return ns.server.Addr
}

// Shutdown stops the server.
func (ns *FakeNameserver) Shutdown() error {
	return ns.server.Shutdown()
}

func (ns *FakeNameserver) serve(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	if len(r.Question) == 1 && r.Question[0].Qtype == dns.TypeTXT {
		ns.mu.Lock()
		value, ok := ns.records[r.Question[0].Name]
		ns.mu.Unlock()
		if ok {
			msg.Answer = append(msg.Answer, &dns.TXT{
				Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
				Txt: []string{value},
			})
		}
	}
	_ = w.WriteMsg(msg)
}
