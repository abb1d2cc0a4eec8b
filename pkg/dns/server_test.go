package dns

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateIP(t *testing.T) {
	s := NewServer("127.0.0.1", 0, nil)

	a := s.allocateIP("api.example.com")
	b := s.allocateIP("cdn.example.com")
	assert.Equal(t, "127.0.0.2", a)
	assert.Equal(t, "127.0.0.3", b)
	assert.Equal(t, a, s.allocateIP("api.example.com"), "allocation is stable per domain")

	domain, ok := s.GetDomainForIP("127.0.0.3")
	assert.True(t, ok)
	assert.Equal(t, "cdn.example.com", domain)

	_, ok = s.GetDomainForIP("127.0.0.9")
	assert.False(t, ok)

	assert.Equal(t, map[string]string{"api.example.com": a, "cdn.example.com": b}, s.Mappings())
}

func TestIncrementIP(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"127.0.0.2", "127.0.0.3"},
		{"127.0.0.255", "127.0.1.0"},
		{"127.0.255.255", "127.1.0.0"},
		{"127.255.255.254", "127.0.0.2"},
		{"127.255.255.255", "127.0.0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, incrementIP(net.ParseIP(tt.in)).String())
		})
	}
}

func TestServeQueries(t *testing.T) {
	s := NewServer("127.0.0.1", 0, nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	client := new(dns.Client)

	query := new(dns.Msg)
	query.SetQuestion("Example.org.", dns.TypeA)
	reply, _, err := client.Exchange(query, s.Addr())
	require.NoError(t, err)
	require.Len(t, reply.Answer, 1)
	a, ok := reply.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.2", a.A.String())

	domain, ok := s.GetDomainForIP("127.0.0.2")
	assert.True(t, ok)
	assert.Equal(t, "example.org", domain)

	query.SetQuestion("example.org.", dns.TypeAAAA)
	reply, _, err = client.Exchange(query, s.Addr())
	require.NoError(t, err)
	assert.Empty(t, reply.Answer)
	assert.Equal(t, dns.RcodeSuccess, reply.Rcode)
}
