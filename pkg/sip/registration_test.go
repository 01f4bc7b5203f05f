package sip

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChallenge = `Digest realm="test", nonce="abc123", algorithm=MD5`

// startRegistration запускает регистрацию линии 1000 на testPeer
func startRegistration(t *testing.T, peer *testPeer, minRefresh time.Duration) (*Registration, chan Event) {
	t.Helper()
	ep := newTestEndpoint(t, shortPolicy())
	runEndpoint(t, ep)

	events := make(chan Event, 16)
	reg, err := NewRegistration(RegistrationConfig{
		Line: Line{
			Name:     "main",
			Username: "1000",
			Password: "secret",
			Domain:   "127.0.0.1",
			Expires:  time.Minute,
		},
		Endpoint:  ep,
		Registrar: peer.addr(),
		Policy: RetryPolicy{
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
			Multiplier:      2,
		},
		MinRefresh: minRefresh,
		Events:     events,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return reg, events
}

// nextRegister пропускает ретрансмиссии запросов с CSeq не больше after
func nextRegister(peer *testPeer, after uint32) *sip.Request {
	peer.t.Helper()
	for i := 0; i < 10; i++ {
		req := peer.readRequest()
		if req.CSeq().SeqNo > after {
			return req
		}
	}
	peer.t.Fatal("новый REGISTER не получен")
	return nil
}

func challengeResponse(req *sip.Request, code int) *sip.Response {
	name, _ := challengeHeaders(code)
	res := sip.NewResponseFromRequest(req, code, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader(name, testChallenge))
	return res
}

func TestRegistrationChallengeAndRefresh(t *testing.T) {
	peer := newTestPeer(t)
	reg, events := startRegistration(t, peer, 50*time.Millisecond)

	first, from := peer.read()
	req := first.(*sip.Request)
	assert.Equal(t, sip.REGISTER, req.Method)
	assert.Equal(t, "60", headerValue(req, "Expires"))
	assert.Nil(t, req.GetHeader("Proxy-Authorization"))
	peer.send(from, challengeResponse(req, 407).String())

	second := nextRegister(peer, req.CSeq().SeqNo)
	assert.Equal(t, req.CSeq().SeqNo+1, second.CSeq().SeqNo)
	assert.Equal(t, headerValue(req, "Call-ID"), headerValue(second, "Call-ID"))

	header := second.GetHeader("Proxy-Authorization")
	require.NotNil(t, header)
	cred, err := digest.ParseCredentials(header.Value())
	require.NoError(t, err)
	assert.Equal(t, "1000", cred.Username)
	assert.Equal(t, "sip:127.0.0.1", cred.URI)

	ha1 := md5hex("1000:test:secret")
	ha2 := md5hex("REGISTER:sip:127.0.0.1")
	assert.Equal(t, md5hex(ha1+":abc123:"+ha2), cred.Response)

	ok := sip.NewResponseFromRequest(second, 200, "OK", nil)
	ok.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:1000@%s>;expires=2", from)))
	peer.send(from, ok.String())

	waitEvent(t, events, EventRegistered)
	info := reg.Info()
	assert.Equal(t, RegistrationRegistered, info.State)
	assert.Equal(t, 2*time.Second, info.Expires)
	assert.Equal(t, "test", info.Realm)

	// обновление через половину срока
	refresh := nextRegister(peer, second.CSeq().SeqNo)
	assert.Equal(t, sip.REGISTER, refresh.Method)
	assert.Greater(t, refresh.CSeq().SeqNo, second.CSeq().SeqNo)
	peer.send(from, sip.NewResponseFromRequest(refresh, 403, "Forbidden", nil).String())

	failed := waitEvent(t, events, EventRegistrationFailed)
	assert.Equal(t, 403, failed.StatusCode)
	assert.Equal(t, "main", failed.Line)
	assert.Positive(t, failed.RetryIn)

	var statusErr *StatusError
	require.True(t, errors.As(failed.Err, &statusErr))
	assert.GreaterOrEqual(t, reg.Info().Retries, 1)
}

func TestRegistrationRejectedCredentials(t *testing.T) {
	peer := newTestPeer(t)
	reg, events := startRegistration(t, peer, 0)

	first, from := peer.read()
	peer.send(from, challengeResponse(first.(*sip.Request), 401).String())

	second := nextRegister(peer, first.(*sip.Request).CSeq().SeqNo)
	require.NotNil(t, second.GetHeader("Authorization"))
	peer.send(from, challengeResponse(second, 401).String())

	failed := waitEvent(t, events, EventRegistrationFailed)
	assert.Equal(t, 401, failed.StatusCode)

	var authErr *AuthError
	require.True(t, errors.As(failed.Err, &authErr))
	assert.Equal(t, "test", authErr.Realm)
	assert.NotEqual(t, RegistrationRegistered, reg.State())
}

func TestRegistrationUnregisterOnStop(t *testing.T) {
	peer := newTestPeer(t)
	ep := newTestEndpoint(t, shortPolicy())
	runEndpoint(t, ep)

	events := make(chan Event, 16)
	reg, err := NewRegistration(RegistrationConfig{
		Line:      Line{Name: "main", Username: "1000", Domain: "127.0.0.1"},
		Endpoint:  ep,
		Registrar: peer.addr(),
		Events:    events,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.Run(ctx)
	}()

	msg, from := peer.read()
	req := msg.(*sip.Request)
	peer.send(from, sip.NewResponseFromRequest(req, 200, "OK", nil).String())
	waitEvent(t, events, EventRegistered)

	cancel()
	bye := nextRegister(peer, req.CSeq().SeqNo)
	assert.Equal(t, sip.REGISTER, bye.Method)
	assert.Equal(t, "0", headerValue(bye, "Expires"))
	peer.send(from, sip.NewResponseFromRequest(bye, 200, "OK", nil).String())

	select {
	case <-done:
	case <-time.After(readTimeout):
		t.Fatal("регистрация не остановилась")
	}
	waitEvent(t, events, EventUnregistered)
	assert.Equal(t, RegistrationUnregistered, reg.State())
}

func TestRefreshInterval(t *testing.T) {
	r := &Registration{minRefresh: DefaultMinRefresh}
	assert.Equal(t, 30*time.Minute, r.refreshInterval(time.Hour))
	assert.Equal(t, DefaultMinRefresh, r.refreshInterval(30*time.Second))
}

func TestRegistrationUnregisterAfterCancelledRefresh(t *testing.T) {
	peer := newTestPeer(t)
	ep := newTestEndpoint(t, shortPolicy())
	runEndpoint(t, ep)

	events := make(chan Event, 16)
	reg, err := NewRegistration(RegistrationConfig{
		Line:       Line{Name: "main", Username: "1000", Domain: "127.0.0.1"},
		Endpoint:   ep,
		Registrar:  peer.addr(),
		MinRefresh: 50 * time.Millisecond,
		Events:     events,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.Run(ctx)
	}()

	msg, from := peer.read()
	first := msg.(*sip.Request)
	ok := sip.NewResponseFromRequest(first, 200, "OK", nil)
	ok.AppendHeader(sip.NewHeader("Expires", "1"))
	peer.send(from, ok.String())
	waitEvent(t, events, EventRegistered)

	// обновление остается без ответа, контекст отменяется во время запроса
	refresh := nextRegister(peer, first.CSeq().SeqNo)
	assert.NotEqual(t, "0", headerValue(refresh, "Expires"))
	cancel()

	unregister := nextRegister(peer, refresh.CSeq().SeqNo)
	assert.Equal(t, "0", headerValue(unregister, "Expires"))
	peer.send(from, sip.NewResponseFromRequest(unregister, 200, "OK", nil).String())

	select {
	case <-done:
	case <-time.After(readTimeout):
		t.Fatal("регистрация не остановилась")
	}
	waitEvent(t, events, EventUnregistered)
	assert.Equal(t, RegistrationUnregistered, reg.State())
}
