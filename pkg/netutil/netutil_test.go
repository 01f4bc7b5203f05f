package netutil

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voice_bridge/pkg/sip"
)

// startSTUNServer отвечает на Binding запросы адресом отправителя
func startSTUNServer(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			from := addr.(*net.UDPAddr)
			res, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: from.IP, Port: from.Port},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			pc.WriteTo(res.Raw, addr)
		}
	}()
	return pc.LocalAddr().String()
}

func TestMappedAddress(t *testing.T) {
	server := startSTUNServer(t)

	addr, err := MappedAddress(context.Background(), server)
	require.NoError(t, err)
	assert.True(t, addr.IP.Equal(net.IPv4(127, 0, 0, 1)))
	assert.Positive(t, addr.Port)

	ip, err := PublicIP(context.Background(), server)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip.String())
}

func TestMappedAddressTimeout(t *testing.T) {
	silent, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = MappedAddress(ctx, silent.LocalAddr().String())
	assert.Error(t, err)
}

// startDNSServer публикует _sip._udp.pbx.test с двумя целями
func startDNSServer(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)

		q := req.Question[0]
		if q.Qtype != dns.TypeSRV || q.Name != "_sip._udp.pbx.test." {
			m.Rcode = dns.RcodeNameError
			w.WriteMsg(m)
			return
		}

		header := dns.RR_Header{Name: q.Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60}
		m.Answer = append(m.Answer,
			&dns.SRV{Hdr: header, Priority: 20, Weight: 10, Port: 5090, Target: "backup.pbx.test."},
			&dns.SRV{Hdr: header, Priority: 10, Weight: 5, Port: 5070, Target: "main.pbx.test."},
		)
		m.Extra = append(m.Extra,
			&dns.A{
				Hdr: dns.RR_Header{Name: "main.pbx.test.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.IPv4(127, 0, 0, 2),
			},
			&dns.A{
				Hdr: dns.RR_Header{Name: "backup.pbx.test.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.IPv4(127, 0, 0, 3),
			},
		)
		w.WriteMsg(m)
	})

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go server.ActivateAndServe()
	<-started
	t.Cleanup(func() { server.Shutdown() })

	return pc.LocalAddr().String()
}

func TestLookupSRV(t *testing.T) {
	resolver := &SRVResolver{Server: startDNSServer(t)}

	addr, err := resolver.LookupSRV(context.Background(), "pbx.test")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.2:5070", addr.String())

	_, err = resolver.LookupSRV(context.Background(), "missing.test")
	assert.ErrorIs(t, err, ErrNoSRV)
}

func TestResolveLine(t *testing.T) {
	resolver := &SRVResolver{Server: startDNSServer(t)}
	ctx := context.Background()

	addr, err := resolver.Resolve(ctx, sip.Line{Username: "1000", Domain: "pbx.test"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.2:5070", addr.String())

	// явный порт отключает SRV
	addr, err = resolver.Resolve(ctx, sip.Line{Username: "1000", Domain: "pbx.test", Registrar: "127.0.0.1:5080"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5080", addr.String())

	addr, err = resolver.Resolve(ctx, sip.Line{Username: "1000", Domain: "127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5060", addr.String())
}

func TestAdvertisedHost(t *testing.T) {
	host, err := AdvertisedHost("198.51.100.7", nil, "127.0.0.1:9")
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", host)

	host, err = AdvertisedHost("", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5060}, "127.0.0.1:9")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)

	host, err = AdvertisedHost("", &net.UDPAddr{IP: net.IPv4zero, Port: 5060}, "127.0.0.1:9")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
}
