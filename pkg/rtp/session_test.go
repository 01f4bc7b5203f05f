package rtp

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLoopbackPair создает сессию на loopback и "удаленную" сторону,
// принимающую ее пакеты.
func newLoopbackPair(t *testing.T, dtmfPT uint8) (*Session, *net.UDPConn) {
	t.Helper()

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	transport, err := NewUDPTransport(UDPTransportConfig{
		LocalAddr:  "127.0.0.1:0",
		RemoteAddr: peer.LocalAddr().String(),
	})
	require.NoError(t, err)

	session, err := NewSession(SessionConfig{
		Transport:       transport,
		PayloadType:     0,
		DTMFPayloadType: dtmfPT,
	})
	require.NoError(t, err)
	t.Cleanup(func() { session.Stop() })

	return session, peer
}

func readPacket(t *testing.T, conn *net.UDPConn) *rtp.Packet {
	t.Helper()

	buf := make([]byte, 1500)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)

	p := &rtp.Packet{}
	require.NoError(t, p.Unmarshal(buf[:n]))
	return p
}

func TestPacketizerWraparound(t *testing.T) {
	p := &packetizer{ssrc: 42, sequence: 65535, timestamp: 1<<32 - SamplesPerFrame}
	payload := make([]byte, 160)

	first := p.next(0, true, payload)
	second := p.next(0, false, payload)
	third := p.next(0, false, payload)

	assert.Equal(t, uint16(65535), first.SequenceNumber)
	assert.Equal(t, uint32(1<<32-SamplesPerFrame), first.Timestamp)
	assert.Equal(t, uint16(0), second.SequenceNumber)
	assert.Equal(t, uint32(0), second.Timestamp)
	assert.Equal(t, uint16(1), third.SequenceNumber)
	assert.Equal(t, uint32(SamplesPerFrame), third.Timestamp)

	for _, pkt := range []*rtp.Packet{first, second, third} {
		assert.Equal(t, uint8(2), pkt.Version)
		assert.Equal(t, uint32(42), pkt.SSRC)
		assert.False(t, pkt.Padding)
		assert.False(t, pkt.Extension)
		assert.Empty(t, pkt.CSRC)
	}
}

func TestPacketizerRandomStart(t *testing.T) {
	a, err := newPacketizer()
	require.NoError(t, err)
	b, err := newPacketizer()
	require.NoError(t, err)

	// Совпадение всех трех значений практически невозможно
	assert.False(t, a.ssrc == b.ssrc && a.sequence == b.sequence && a.timestamp == b.timestamp)
}

func TestHeaderWireFormat(t *testing.T) {
	p := &packetizer{ssrc: 0x01020304, sequence: 0x0A0B, timestamp: 0x11223344}
	data, err := p.next(0, true, make([]byte, 160)).Marshal()
	require.NoError(t, err)

	require.Len(t, data, 12+160)
	assert.Equal(t, byte(0x80), data[0])
	assert.Equal(t, byte(0x80), data[1])
	assert.Equal(t, []byte{0x0A, 0x0B}, data[2:4])
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44}, data[4:8])
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, data[8:12])
}

func TestSessionSendPacing(t *testing.T) {
	session, peer := newLoopbackPair(t, 0)

	const frames = 5
	for i := 0; i < frames; i++ {
		frame := make([]byte, 160)
		frame[0] = byte(i)
		session.Outbound() <- frame
	}

	require.NoError(t, session.Start(context.Background()))

	start := time.Now()
	var packets []*rtp.Packet
	for i := 0; i < frames; i++ {
		packets = append(packets, readPacket(t, peer))
	}
	elapsed := time.Since(start)

	// Пять фреймов не могут уйти быстрее четырех интервалов
	assert.GreaterOrEqual(t, elapsed, 3*FrameDuration)

	for i, p := range packets {
		assert.Equal(t, byte(i), p.Payload[0])
		assert.Equal(t, uint8(0), p.PayloadType)
		assert.Equal(t, session.SSRC(), p.SSRC)
		assert.Equal(t, i == 0, p.Marker, "marker только у первого пакета")
		if i > 0 {
			assert.Equal(t, packets[i-1].SequenceNumber+1, p.SequenceNumber)
			assert.Equal(t, packets[i-1].Timestamp+SamplesPerFrame, p.Timestamp)
		}
	}

	// счетчик обновляется после записи в сокет
	assert.Eventually(t, func() bool {
		return session.Stats().PacketsSent == uint64(frames)
	}, time.Second, 5*time.Millisecond)
}

func TestSessionMarkerAfterGap(t *testing.T) {
	session, peer := newLoopbackPair(t, 0)
	require.NoError(t, session.Start(context.Background()))

	session.Outbound() <- make([]byte, 160)
	first := readPacket(t, peer)
	assert.True(t, first.Marker)

	// Пропускаем несколько интервалов без данных
	time.Sleep(5 * FrameDuration)

	session.Outbound() <- make([]byte, 160)
	second := readPacket(t, peer)
	assert.True(t, second.Marker)
	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	assert.Equal(t, first.Timestamp+SamplesPerFrame, second.Timestamp)
}

func TestSessionDropsInvalidDatagrams(t *testing.T) {
	session, peer := newLoopbackPair(t, 0)
	require.NoError(t, session.Start(context.Background()))

	local := session.transport.LocalAddr().(*net.UDPAddr)

	// 5 байт: короче заголовка
	_, err := peer.WriteToUDP([]byte{0x80, 0, 0, 1, 2}, local)
	require.NoError(t, err)

	// Версия 1
	bad := make([]byte, 20)
	bad[0] = 0x40
	_, err = peer.WriteToUDP(bad, local)
	require.NoError(t, err)

	good := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: 7, Timestamp: 1000, SSRC: 9},
		Payload: []byte{1, 2, 3},
	}
	data, err := good.Marshal()
	require.NoError(t, err)
	_, err = peer.WriteToUDP(data, local)
	require.NoError(t, err)

	select {
	case p := <-session.Inbound():
		assert.Equal(t, uint16(7), p.Sequence)
		assert.Equal(t, []byte{1, 2, 3}, p.Payload)
		assert.False(t, p.OutOfOrder)
	case <-time.After(time.Second):
		t.Fatal("пакет не принят")
	}

	assert.Equal(t, uint64(2), session.Stats().PacketsDropped)
	assert.Equal(t, uint64(1), session.Stats().PacketsReceived)
}

func TestSessionOutOfOrderFlag(t *testing.T) {
	transport, err := NewUDPTransport(UDPTransportConfig{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	session, err := NewSession(SessionConfig{Transport: transport})
	require.NoError(t, err)
	defer session.Stop()

	session.handlePacket(0, 10, 1600, 1, false, []byte{1})
	session.handlePacket(0, 12, 1920, 1, false, []byte{2})
	session.handlePacket(0, 11, 1760, 1, false, []byte{3})
	session.handlePacket(0, 13, 2080, 1, false, []byte{4})

	var flags []bool
	for i := 0; i < 4; i++ {
		flags = append(flags, (<-session.Inbound()).OutOfOrder)
	}
	assert.Equal(t, []bool{false, false, true, false}, flags)
	assert.Equal(t, uint64(1), session.Stats().OutOfOrder)
}

func TestSessionOutOfOrderAcrossWrap(t *testing.T) {
	transport, err := NewUDPTransport(UDPTransportConfig{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	session, err := NewSession(SessionConfig{Transport: transport})
	require.NoError(t, err)
	defer session.Stop()

	session.handlePacket(0, 65535, 0, 1, false, nil)
	session.handlePacket(0, 0, 160, 1, false, nil)

	assert.False(t, (<-session.Inbound()).OutOfOrder)
	assert.False(t, (<-session.Inbound()).OutOfOrder)
}

func TestSessionReceivesDTMF(t *testing.T) {
	transport, err := NewUDPTransport(UDPTransportConfig{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	session, err := NewSession(SessionConfig{Transport: transport, DTMFPayloadType: 101})
	require.NoError(t, err)
	defer session.Stop()

	progress := DTMFPayload{Event: DTMF5, Duration: 160}.Marshal()
	end := DTMFPayload{Event: DTMF5, EndFlag: true, Duration: 800}.Marshal()

	session.handlePacket(101, 1, 5000, 1, true, progress)
	session.handlePacket(101, 2, 5000, 1, false, end)
	session.handlePacket(101, 3, 5000, 1, false, end)
	session.handlePacket(101, 4, 5000, 1, false, end)

	select {
	case ev := <-session.DTMF():
		assert.Equal(t, DTMF5, ev.Digit)
		assert.Equal(t, 100*time.Millisecond, ev.Duration)
	default:
		t.Fatal("событие не получено")
	}

	select {
	case ev := <-session.DTMF():
		t.Fatalf("лишнее событие %v", ev)
	default:
	}
	assert.Empty(t, session.Inbound())
}

func TestSessionSendsDTMF(t *testing.T) {
	session, peer := newLoopbackPair(t, 101)
	require.NoError(t, session.Start(context.Background()))
	require.NoError(t, session.SendDTMF(DTMF1, 60*time.Millisecond))

	var packets []*rtp.Packet
	for {
		p := readPacket(t, peer)
		packets = append(packets, p)
		payload, err := ParseDTMFPayload(p.Payload)
		require.NoError(t, err)
		if payload.EndFlag && len(packets) >= 3 {
			last := packets[len(packets)-3:]
			allEnd := true
			for _, lp := range last {
				pl, _ := ParseDTMFPayload(lp.Payload)
				allEnd = allEnd && pl.EndFlag
			}
			if allEnd {
				break
			}
		}
	}

	assert.True(t, packets[0].Marker)
	for i, p := range packets {
		assert.Equal(t, uint8(101), p.PayloadType)
		assert.Equal(t, packets[0].Timestamp, p.Timestamp)
		if i > 0 {
			assert.Equal(t, packets[i-1].SequenceNumber+1, p.SequenceNumber)
		}
	}

	end, _ := ParseDTMFPayload(packets[len(packets)-1].Payload)
	assert.Equal(t, DTMF1, end.Event)
	assert.Equal(t, uint16(480), end.Duration)
}

func TestSessionSendDTMFNotNegotiated(t *testing.T) {
	session, _ := newLoopbackPair(t, 0)
	assert.Error(t, session.SendDTMF(DTMF1, 100*time.Millisecond))
}

func TestSessionPaused(t *testing.T) {
	session, peer := newLoopbackPair(t, 0)
	session.SetPaused(true)
	require.NoError(t, session.Start(context.Background()))

	session.Outbound() <- make([]byte, 160)
	time.Sleep(3 * FrameDuration)
	assert.Equal(t, uint64(0), session.Stats().PacketsSent)

	session.SetPaused(false)
	session.Outbound() <- make([]byte, 160)
	p := readPacket(t, peer)
	assert.True(t, p.Marker)
}

func TestSessionStopReleasesSocket(t *testing.T) {
	session, _ := newLoopbackPair(t, 0)
	require.NoError(t, session.Start(context.Background()))

	addr := session.transport.LocalAddr().(*net.UDPAddr)

	stopped := make(chan struct{})
	go func() {
		session.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(FrameDuration * 5):
		t.Fatal("Stop не завершился вовремя")
	}

	_, ok := <-session.Inbound()
	assert.False(t, ok)
	assert.Equal(t, SessionStateClosed, session.State())

	conn, err := net.ListenUDP("udp", addr)
	require.NoError(t, err, "порт должен быть свободен после Stop")
	conn.Close()

	assert.NoError(t, session.Stop())
}

func TestSessionStopOnContextCancel(t *testing.T) {
	session, _ := newLoopbackPair(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, session.Start(ctx))
	cancel()

	select {
	case <-session.Done():
	case <-time.After(time.Second):
		t.Fatal("сессия не остановилась по отмене контекста")
	}
}

func TestUDPTransportValidation(t *testing.T) {
	transport, err := NewUDPTransport(UDPTransportConfig{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer transport.Close()

	sender, err := net.DialUDP("udp", nil, transport.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.Write([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)

	_, _, err = transport.Receive(context.Background())
	var invalid *InvalidPacketError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, DropTooShort, invalid.Reason)
	assert.True(t, errors.Is(err, ErrInvalidPacket))
	assert.Nil(t, transport.RemoteAddr(), "некорректный пакет не задает удаленный адрес")
}

func TestUDPTransportSendWithoutRemote(t *testing.T) {
	transport, err := NewUDPTransport(UDPTransportConfig{LocalAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer transport.Close()

	err = transport.Send(&rtp.Packet{Header: rtp.Header{Version: 2}})
	assert.ErrorIs(t, err, ErrNoRemoteAddr)
}
