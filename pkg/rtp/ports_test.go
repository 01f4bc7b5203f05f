package rtp

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocatorEvenPorts(t *testing.T) {
	pa, err := NewPortAllocator("127.0.0.1", PortRange{Min: 41001, Max: 41010})
	require.NoError(t, err)

	var conns []*net.UDPConn
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	for i := 0; i < 3; i++ {
		conn, port, err := pa.Allocate()
		require.NoError(t, err)
		conns = append(conns, conn)

		assert.Equal(t, 0, port%2, "RTP порт должен быть четным")
		assert.GreaterOrEqual(t, port, 41002)
		assert.LessOrEqual(t, port, 41009)
		assert.Equal(t, port, conn.LocalAddr().(*net.UDPAddr).Port)
	}
	assert.Equal(t, 3, pa.InUse())
}

func TestPortAllocatorExhaustion(t *testing.T) {
	pa, err := NewPortAllocator("127.0.0.1", PortRange{Min: 41100, Max: 41103})
	require.NoError(t, err)

	c1, p1, err := pa.Allocate()
	require.NoError(t, err)
	defer c1.Close()
	c2, _, err := pa.Allocate()
	require.NoError(t, err)
	defer c2.Close()

	_, _, err = pa.Allocate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoPortAvailable))

	c1.Close()
	pa.Release(p1)

	c3, p3, err := pa.Allocate()
	require.NoError(t, err)
	defer c3.Close()
	assert.Equal(t, p1, p3)
}

func TestPortAllocatorInvalidRange(t *testing.T) {
	_, err := NewPortAllocator("", PortRange{Min: 0, Max: 100})
	assert.Error(t, err)

	_, err = NewPortAllocator("", PortRange{Min: 20000, Max: 20000})
	assert.Error(t, err)

	_, err = NewPortAllocator("", PortRange{Min: 20000, Max: 70000})
	assert.Error(t, err)
}

func TestDTMFPayloadRoundTrip(t *testing.T) {
	p := DTMFPayload{Event: DTMFPound, EndFlag: true, Volume: 10, Duration: 1234}
	parsed, err := ParseDTMFPayload(p.Marshal())
	require.NoError(t, err)
	assert.Equal(t, p, parsed)

	_, err = ParseDTMFPayload([]byte{1, 2})
	assert.Error(t, err)
}

func TestParseDTMFDigit(t *testing.T) {
	d, ok := ParseDTMFDigit('#')
	require.True(t, ok)
	assert.Equal(t, DTMFPound, d)

	d, ok = ParseDTMFDigit('b')
	require.True(t, ok)
	assert.Equal(t, DTMFB, d)
	assert.Equal(t, "B", d.String())

	_, ok = ParseDTMFDigit('x')
	assert.False(t, ok)
}
