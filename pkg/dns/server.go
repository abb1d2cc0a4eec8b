package dns

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/httpseal/sealtap/pkg/logger"
)

// Server answers A queries with a distinct loopback address per domain so the
// transparent proxy can recover the domain from the address a client dialed
type Server struct {
	dnsIP  string
	port   int
	server *dns.Server
	logger logger.Logger

	// localhost IP -> real domain, and back
	domainMap map[string]string
	ipMap     map[string]string
	nextIP    net.IP
	mutex     sync.RWMutex
}

// NewServer creates a new DNS server
func NewServer(dnsIP string, port int, log logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		dnsIP:     dnsIP,
		port:      port,
		logger:    log,
		domainMap: make(map[string]string),
		ipMap:     make(map[string]string),
		nextIP:    net.IPv4(127, 0, 0, 2).To4(),
	}
}

// Start binds the UDP socket and serves in the background
func (s *Server) Start() error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleDNSRequest)

	conn, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", s.dnsIP, s.port))
	if err != nil {
		return fmt.Errorf("failed to listen for DNS on %s:%d: %w", s.dnsIP, s.port, err)
	}

	s.server = &dns.Server{
		PacketConn: conn,
		Handler:    mux,
	}

	go func() {
		if err := s.server.ActivateAndServe(); err != nil {
			s.logger.Error("DNS server error: %v", err)
		}
	}()

	s.logger.Debug("DNS server started on %s", conn.LocalAddr())
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.server == nil || s.server.PacketConn == nil {
		return ""
	}
	return s.server.PacketConn.LocalAddr().String()
}

// Stop stops the DNS server
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Shutdown()
	}
	return nil
}

// GetDomainForIP returns the real domain for a given localhost IP
func (s *Server) GetDomainForIP(ip string) (string, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	domain, exists := s.domainMap[ip]
	return domain, exists
}

// Mappings returns a copy of the domain -> IP table
func (s *Server) Mappings() map[string]string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make(map[string]string, len(s.ipMap))
	for domain, ip := range s.ipMap {
		out[domain] = ip
	}
	return out
}

func (s *Server) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	for _, question := range r.Question {
		domain := strings.ToLower(strings.TrimSuffix(question.Name, "."))

		switch question.Qtype {
		case dns.TypeA:
			ip := s.allocateIP(domain)
			s.logger.Debug("DNS query for %s -> %s", domain, ip)

			msg.Answer = append(msg.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name:   question.Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    60,
				},
				A: net.ParseIP(ip),
			})
		case dns.TypeAAAA:
			// No answer pushes clients onto the IPv4 mapping
			s.logger.Debug("DNS AAAA query for %s answered empty", domain)
		default:
			s.logger.Debug("DNS query type %s for %s not handled", dns.TypeToString[question.Qtype], domain)
		}
	}

	if err := w.WriteMsg(msg); err != nil {
		s.logger.Warn("Failed to write DNS reply: %v", err)
	}
}

// allocateIP allocates a new localhost IP for the given domain
func (s *Server) allocateIP(domain string) string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if ip, ok := s.ipMap[domain]; ok {
		return ip
	}

	ip := s.nextIP.String()
	if previous, ok := s.domainMap[ip]; ok {
		// The range wrapped; the address is reassigned
		delete(s.ipMap, previous)
	}
	s.domainMap[ip] = domain
	s.ipMap[domain] = ip
	s.nextIP = incrementIP(s.nextIP)

	return ip
}

// incrementIP increments an IPv4 address within 127.0.0.0/8, wrapping to 127.0.0.2
func incrementIP(ip net.IP) net.IP {
	nextIP := make(net.IP, net.IPv4len)
	copy(nextIP, ip.To4())

	for i := len(nextIP) - 1; i >= 0; i-- {
		nextIP[i]++
		if nextIP[i] != 0 {
			break
		}
	}

	if nextIP[0] != 127 || nextIP.Equal(net.IPv4(127, 255, 255, 255)) {
		return net.IPv4(127, 0, 0, 2).To4()
	}
	return nextIP
}
