// Package dnsblock is a sinkhole DNS server. Domains of restricted
// resources resolve to the unspecified address; everything else is
// forwarded upstream.
package dnsblock

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/kbudget/internal/metrics"
	"github.com/goodtune/kbudget/internal/restriction"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// Config holds DNS server configuration
type Config struct {
	ListenAddr  string
	UpstreamDNS []string
	BlockTTL    uint32
	Timeout     time.Duration
	CacheSize   int
	EnableTCP   bool
	EnableUDP   bool
}

// Server handles DNS queries and implements restriction.Mechanism.
type Server struct {
	upstreamDNS []string
	blockTTL    uint32
	logger      zerolog.Logger

	// blocked maps a domain to the resources restricting it.
	mu      sync.RWMutex
	blocked map[string]map[string]struct{}

	// matches caches the blocked suffix found for a query name, "" for none.
	matches *lru.Cache[string, string]

	client *dns.Client

	udpServer *dns.Server
	tcpServer *dns.Server
}

// NewServer creates a new DNS server
func NewServer(config Config, logger zerolog.Logger) (*Server, error) {
	if len(config.UpstreamDNS) == 0 {
		return nil, fmt.Errorf("at least one upstream DNS server is required")
	}
	size := config.CacheSize
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create match cache: %w", err)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	s := &Server{
		upstreamDNS: config.UpstreamDNS,
		blockTTL:    config.BlockTTL,
		logger:      logger.With().Str("component", "dns").Logger(),
		blocked:     make(map[string]map[string]struct{}),
		matches:     cache,
		client:      &dns.Client{Timeout: timeout},
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSRequest)

	if config.EnableUDP {
		s.udpServer = &dns.Server{Addr: config.ListenAddr, Net: "udp", Handler: mux}
	}
	if config.EnableTCP {
		s.tcpServer = &dns.Server{Addr: config.ListenAddr, Net: "tcp", Handler: mux}
	}

	return s, nil
}

// SetPacketConn serves UDP on a pre-created socket (systemd socket activation).
func (s *Server) SetPacketConn(pc net.PacketConn) {
	if s.udpServer != nil {
		s.udpServer.PacketConn = pc
	}
}

// SetListener serves TCP on a pre-created listener.
func (s *Server) SetListener(ln net.Listener) {
	if s.tcpServer != nil {
		s.tcpServer.Listener = ln
	}
}

// Start starts the servers and returns once they are listening.
func (s *Server) Start() error {
	servers := []*dns.Server{s.udpServer, s.tcpServer}
	errChan := make(chan error, len(servers))
	var started sync.WaitGroup

	for _, srv := range servers {
		if srv == nil {
			continue
		}
		started.Add(1)
		var once sync.Once
		done := func() { once.Do(started.Done) }
		srv.NotifyStartedFunc = done

		go func(srv *dns.Server) {
			s.logger.Info().Str("addr", srv.Addr).Str("net", srv.Net).Msg("Starting DNS server")
			var err error
			if srv.PacketConn != nil || srv.Listener != nil {
				err = srv.ActivateAndServe()
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil {
				errChan <- fmt.Errorf("%s server error: %w", srv.Net, err)
				done()
			}
		}(srv)
	}

	started.Wait()
	select {
	case err := <-errChan:
		return err
	default:
		return nil
	}
}

// Stop stops the DNS server
func (s *Server) Stop() error {
	var errs []error
	for _, srv := range []*dns.Server{s.udpServer, s.tcpServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown error: %w", srv.Net, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// UDPAddr returns the bound UDP address once started.
func (s *Server) UDPAddr() net.Addr {
	if s.udpServer == nil || s.udpServer.PacketConn == nil {
		return nil
	}
	return s.udpServer.PacketConn.LocalAddr()
}

// Apply implements restriction.Mechanism.
func (s *Server) Apply(_ context.Context, targets []restriction.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, t := range targets {
		for _, domain := range t.Domains {
			domain = normalize(domain)
			if domain == "" {
				continue
			}
			owners, ok := s.blocked[domain]
			if !ok {
				owners = make(map[string]struct{})
				s.blocked[domain] = owners
				changed = true
			}
			owners[t.Resource] = struct{}{}
		}
	}
	if changed {
		s.matches.Purge()
	}
	return nil
}

// Clear implements restriction.Mechanism. A domain shared with another
// restricted resource stays blocked.
func (s *Server) Clear(_ context.Context, targets []restriction.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, t := range targets {
		for _, domain := range t.Domains {
			domain = normalize(domain)
			owners, ok := s.blocked[domain]
			if !ok {
				continue
			}
			delete(owners, t.Resource)
			if len(owners) == 0 {
				delete(s.blocked, domain)
				changed = true
			}
		}
	}
	if changed {
		s.matches.Purge()
	}
	return nil
}

// Blocked reports whether name or one of its parent domains is blocked.
func (s *Server) Blocked(name string) bool {
	return s.match(normalize(name)) != ""
}

func (s *Server) match(name string) string {
	if name == "" {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if hit, ok := s.matches.Get(name); ok {
		return hit
	}
	found := ""
	for candidate := name; candidate != ""; {
		if _, ok := s.blocked[candidate]; ok {
			found = candidate
			break
		}
		_, rest, ok := strings.Cut(candidate, ".")
		if !ok {
			break
		}
		candidate = rest
	}
	s.matches.Add(name, found)
	return found
}

func normalize(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// handleDNSRequest handles incoming DNS requests
func (s *Server) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	if len(r.Question) == 0 {
		msg := new(dns.Msg)
		msg.SetRcode(r, dns.RcodeFormatError)
		s.write(w, msg)
		return
	}

	question := r.Question[0]
	domain := normalize(question.Name)
	qtype := dns.TypeToString[question.Qtype]

	if blockedBy := s.match(domain); blockedBy != "" {
		msg := new(dns.Msg)
		msg.SetReply(r)
		msg.Authoritative = true
		if answer := s.createBlockResponse(&question); answer != nil {
			msg.Answer = append(msg.Answer, answer)
		}
		s.logger.Debug().Str("domain", domain).Str("matched", blockedBy).Str("type", qtype).Msg("DNS query blocked")
		metrics.DNSQueriesTotal.WithLabelValues("block", qtype).Inc()
		s.write(w, msg)
		return
	}

	resp, upstream, err := s.forwardToUpstream(r)
	if err != nil {
		s.logger.Warn().Err(err).Str("domain", domain).Msg("Upstream DNS query failed")
		msg := new(dns.Msg)
		msg.SetRcode(r, dns.RcodeServerFailure)
		metrics.DNSQueriesTotal.WithLabelValues("error", qtype).Inc()
		s.write(w, msg)
		return
	}

	s.logger.Debug().Str("domain", domain).Str("upstream", upstream).Str("type", qtype).Msg("DNS query forwarded")
	metrics.DNSQueriesTotal.WithLabelValues("forward", qtype).Inc()
	resp.Id = r.Id
	s.write(w, resp)
}

func (s *Server) write(w dns.ResponseWriter, msg *dns.Msg) {
	if err := w.WriteMsg(msg); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write DNS response")
	}
}

// createBlockResponse answers with the unspecified address. Other query
// types get an empty answer.
func (s *Server) createBlockResponse(q *dns.Question) dns.RR {
	hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: s.blockTTL}
	switch q.Qtype {
	case dns.TypeA:
		return &dns.A{Hdr: hdr, A: net.IPv4zero.To4()}
	case dns.TypeAAAA:
		return &dns.AAAA{Hdr: hdr, AAAA: net.IPv6zero}
	default:
		return nil
	}
}

// forwardToUpstream forwards a DNS query to upstream DNS servers
func (s *Server) forwardToUpstream(r *dns.Msg) (*dns.Msg, string, error) {
	for _, upstream := range s.upstreamDNS {
		resp, _, err := s.client.Exchange(r, upstream)
		if err == nil && resp != nil {
			return resp, upstream, nil
		}
		s.logger.Warn().
			Err(err).
			Str("upstream", upstream).
			Msg("Upstream DNS query failed, trying next")

		metrics.DNSUpstreamErrors.WithLabelValues(upstream).Inc()
	}
	return nil, "", fmt.Errorf("all upstream DNS servers failed")
}
