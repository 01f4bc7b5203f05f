package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounters(t *testing.T) {
	c := New()

	c.PacketSent(160)
	c.PacketSent(160)
	c.PacketReceived(160)
	c.PacketDropped("short")
	c.PacketOutOfOrder()
	c.RegistrationAttempt("100", "ok")
	c.SetRegistered("100", true)
	c.CallStarted()
	c.CallEnded("inbound", "completed", true)
	c.NegotiationFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.rtpPackets.WithLabelValues("sent")))
	assert.Equal(t, 320.0, testutil.ToFloat64(c.rtpBytes.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rtpDropped.WithLabelValues("short")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rtpOutOfOrder))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.registered.WithLabelValues("100")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.callsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsTotal.WithLabelValues("inbound", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.negotiationFailures))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.PacketSent(1)
		c.PacketDropped("x")
		c.SetRegistered("a", false)
		c.CallEnded("inbound", "rejected", false)
		c.SIPDropped("malformed")
	})
}

func TestHandler(t *testing.T) {
	c := New()
	c.SIPRetransmission()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "voice_bridge_sip_retransmissions_total 1"))
}
