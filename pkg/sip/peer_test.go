package sip

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
)

const readTimeout = 3 * time.Second

// testPeer удаленная сторона на loopback: отправляет сырые SIP сообщения
// и разбирает полученные
type testPeer struct {
	t      *testing.T
	conn   *net.UDPConn
	parser *sip.Parser
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testPeer{t: t, conn: conn, parser: sip.NewParser()}
}

func (p *testPeer) addr() *net.UDPAddr {
	return p.conn.LocalAddr().(*net.UDPAddr)
}

func (p *testPeer) send(to *net.UDPAddr, msg string) {
	p.t.Helper()
	_, err := p.conn.WriteToUDP([]byte(msg), to)
	require.NoError(p.t, err)
}

func (p *testPeer) read() (sip.Message, *net.UDPAddr) {
	p.t.Helper()
	buf := make([]byte, maxDatagramSize)
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	n, from, err := p.conn.ReadFromUDP(buf)
	require.NoError(p.t, err)

	data := make([]byte, n)
	copy(data, buf[:n])
	msg, err := p.parser.ParseSIP(data)
	require.NoError(p.t, err, string(data))
	return msg, from
}

func (p *testPeer) readRequest() *sip.Request {
	p.t.Helper()
	msg, _ := p.read()
	req, ok := msg.(*sip.Request)
	require.True(p.t, ok, "ожидался запрос, получено:\n%s", msg.String())
	return req
}

// readMethod читает запросы, пропуская ретрансмиссии других методов
func (p *testPeer) readMethod(method sip.RequestMethod) *sip.Request {
	p.t.Helper()
	for i := 0; i < 10; i++ {
		req := p.readRequest()
		if req.Method == method {
			return req
		}
	}
	p.t.Fatalf("запрос %s не получен", method)
	return nil
}

func (p *testPeer) readResponse() *sip.Response {
	p.t.Helper()
	msg, _ := p.read()
	res, ok := msg.(*sip.Response)
	require.True(p.t, ok, "ожидался ответ, получено:\n%s", msg.String())
	return res
}

// expectStatus читает ответы, пока не придет ответ с кодом code.
// Предварительные ответы и ретрансмиссии пропускаются.
func (p *testPeer) expectStatus(code int) *sip.Response {
	p.t.Helper()
	for i := 0; i < 10; i++ {
		res := p.readResponse()
		if int(res.StatusCode) == code {
			return res
		}
	}
	p.t.Fatalf("ответ %d не получен", code)
	return nil
}

// rawRequest параметры запроса, собираемого вручную
type rawRequest struct {
	method  string
	uri     string
	branch  string
	from    string
	fromTag string
	to      string
	toTag   string
	callID  string
	cseq    int
	cseqFor string
	contact bool
	headers []string
	body    string
}

func (p *testPeer) request(r rawRequest) string {
	cseqMethod := r.cseqFor
	if cseqMethod == "" {
		cseqMethod = r.method
	}
	if r.branch == "" {
		r.branch = newBranch()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s SIP/2.0\r\n", r.method, r.uri)
	fmt.Fprintf(&b, "Via: SIP/2.0/UDP %s;branch=%s\r\n", p.addr(), r.branch)
	b.WriteString("Max-Forwards: 70\r\n")
	fmt.Fprintf(&b, "From: <%s>;tag=%s\r\n", r.from, r.fromTag)
	if r.toTag != "" {
		fmt.Fprintf(&b, "To: <%s>;tag=%s\r\n", r.to, r.toTag)
	} else {
		fmt.Fprintf(&b, "To: <%s>\r\n", r.to)
	}
	fmt.Fprintf(&b, "Call-ID: %s\r\n", r.callID)
	fmt.Fprintf(&b, "CSeq: %d %s\r\n", r.cseq, cseqMethod)
	if r.contact {
		fmt.Fprintf(&b, "Contact: <sip:caller@%s>\r\n", p.addr())
	}
	for _, h := range r.headers {
		b.WriteString(h + "\r\n")
	}
	if r.body != "" {
		b.WriteString("Content-Type: application/sdp\r\n")
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n%s", len(r.body), r.body)
	return b.String()
}

func offerSDP(rtpPort int, formats string, extra ...string) string {
	return "v=0\r\n" +
		"o=- 1 1 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 127.0.0.1\r\n" +
		"t=0 0\r\n" +
		fmt.Sprintf("m=audio %d RTP/AVP %s\r\n", rtpPort, formats) +
		strings.Join(extra, "") +
		"a=sendrecv\r\n"
}

func shortPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     200 * time.Millisecond,
		Multiplier:      2,
	}
}

func newTestEndpoint(t *testing.T, policy RetryPolicy) *Endpoint {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	ep, err := NewEndpoint(EndpointConfig{
		Conn:      conn,
		Host:      "127.0.0.1",
		UserAgent: "voice_bridge-test",
		Policy:    policy,
	})
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	return ep
}

// waitEvent ждет событие типа typ, пропуская остальные
func waitEvent(t *testing.T, events <-chan Event, typ EventType) Event {
	t.Helper()
	timeout := time.After(readTimeout)
	for {
		select {
		case ev := <-events:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("событие %s не получено", typ)
			return Event{}
		}
	}
}
