package sdp

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const asteriskOffer = "v=0\r\n" +
	"o=root 1821 1821 IN IP4 192.168.1.10\r\n" +
	"s=Asterisk PBX\r\n" +
	"c=IN IP4 192.168.1.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 17000 RTP/AVP 0 8 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=fmtp:101 0-16\r\n" +
	"a=ptime:20\r\n" +
	"a=sendrecv\r\n"

func TestParseOffer(t *testing.T) {
	desc, err := Parse([]byte(asteriskOffer))
	require.NoError(t, err)

	assert.Equal(t, "root", desc.Origin.Username)
	assert.Equal(t, uint64(1821), desc.Origin.SessionID)
	assert.Equal(t, "Asterisk PBX", desc.SessionName)
	assert.Equal(t, "192.168.1.10", desc.ConnectionAddress)

	audio, ok := desc.Audio()
	require.True(t, ok)
	assert.Equal(t, 17000, audio.Port)
	assert.Equal(t, "RTP/AVP", audio.Transport)
	assert.Equal(t, []uint8{0, 8, 101}, audio.Formats)
	assert.Equal(t, 20, audio.Ptime)
	assert.Equal(t, DirectionSendRecv, audio.Direction)

	require.Len(t, audio.Codecs, 3)
	assert.Equal(t, "PCMU", audio.Codecs[0].Name)
	assert.Equal(t, "PCMA", audio.Codecs[1].Name)
	assert.True(t, audio.Codecs[2].IsTelephoneEvent())
	assert.Equal(t, "0-16", audio.Codecs[2].Fmtp)
}

func TestParseStaticPayloadWithoutRTPMap(t *testing.T) {
	body := "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\nm=audio 4000 RTP/AVP 8 0\r\n"

	desc, err := Parse([]byte(body))
	require.NoError(t, err)

	audio, _ := desc.Audio()
	require.Len(t, audio.Codecs, 2)
	assert.Equal(t, CodecPCMA.Name, audio.Codecs[0].Name)
	assert.Equal(t, CodecPCMU.Name, audio.Codecs[1].Name)
}

func TestParseWithoutTiming(t *testing.T) {
	body := "v=0\no=- 1 1 IN IP4 10.0.0.1\ns=-\nc=IN IP4 10.0.0.1\nm=audio 4000 RTP/AVP 0\n"

	desc, err := Parse([]byte(body))
	require.NoError(t, err)
	assert.Len(t, desc.Media, 1)
}

func TestParsePreservesUnknownLines(t *testing.T) {
	body := "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nc=IN IP4 10.0.0.1\r\nt=0 0\r\n" +
		"y=session-private\r\n" +
		"a=x-custom:42\r\n" +
		"m=audio 4000 RTP/AVP 0\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n" +
		"a=x-media-custom\r\n" +
		"w=media-private\r\n"

	desc, err := Parse([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, []string{"y=session-private"}, desc.Extra)
	assert.Equal(t, []Attribute{{Key: "x-custom", Value: "42"}}, desc.Attributes)

	audio, _ := desc.Audio()
	assert.Equal(t, []string{"w=media-private"}, audio.Extra)
	assert.Equal(t, []Attribute{{Key: "x-media-custom"}}, audio.Attributes)

	out, err := desc.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(out), "y=session-private\r\n")
	assert.Contains(t, string(out), "w=media-private\r\n")
	assert.Contains(t, string(out), "a=x-custom:42\r\n")

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, desc, again)
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"пустое тело", ""},
		{"нет версии", "o=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\n"},
		{"плохой порт", "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio abc RTP/AVP 0\r\n"},
		{"плохой payload type", "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 4000 RTP/AVP PCMU\r\n"},
		{"плохой rtpmap", "v=0\r\no=- 1 1 IN IP4 10.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 4000 RTP/AVP 0\r\na=rtpmap:zero\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	desc := &Description{
		Origin:            Origin{Username: "bridge", SessionID: 7, SessionVersion: 8, Address: "10.0.0.5"},
		SessionName:       "call",
		ConnectionAddress: "10.0.0.5",
		Media: []Media{{
			Type:      "audio",
			Port:      12000,
			Transport: "RTP/AVP",
			Formats:   []uint8{0, 101},
			Codecs:    []Codec{CodecPCMU, CodecTelephoneEvent},
			Ptime:     20,
			Direction: DirectionSendRecv,
		}},
	}

	body, err := desc.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(body)
	require.NoError(t, err)
	assert.Equal(t, desc, parsed)

	again, err := parsed.Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(body), string(again))
}

func TestIsHold(t *testing.T) {
	base := func(mutate func(d *Description)) *Description {
		d, err := Parse([]byte(asteriskOffer))
		require.NoError(t, err)
		mutate(d)
		return d
	}

	assert.False(t, base(func(*Description) {}).IsHold())
	assert.True(t, base(func(d *Description) { d.Media = nil }).IsHold())
	assert.True(t, base(func(d *Description) { d.ConnectionAddress = "0.0.0.0" }).IsHold())
	assert.True(t, base(func(d *Description) { d.Media[0].Port = 0 }).IsHold())
	assert.True(t, base(func(d *Description) { d.Media[0].Direction = DirectionInactive }).IsHold())
}

func offerWith(t *testing.T, formats string, extra ...string) *Description {
	t.Helper()
	body := "v=0\r\no=- 1 1 IN IP4 192.168.1.10\r\ns=-\r\nc=IN IP4 192.168.1.10\r\nt=0 0\r\n" +
		"m=audio 17000 RTP/AVP " + formats + "\r\n" + strings.Join(extra, "")
	desc, err := Parse([]byte(body))
	require.NoError(t, err)
	return desc
}

func TestAnswerSelectsFirstCommonCodec(t *testing.T) {
	n := NewNegotiator("")

	res, err := n.Answer(offerWith(t, "0 8"), "10.0.0.5", 12000)
	require.NoError(t, err)

	assert.Equal(t, PayloadPCMU, res.Codec.PayloadType)
	assert.Nil(t, res.TelephoneEvent)
	assert.False(t, res.Hold)
	assert.Equal(t, "192.168.1.10:17000", res.RemoteAddr)

	audio, ok := res.Answer.Audio()
	require.True(t, ok)
	assert.Equal(t, []uint8{0}, audio.Formats)
	assert.Equal(t, 12000, audio.Port)
	assert.Equal(t, DirectionSendRecv, audio.Direction)
	assert.Equal(t, "10.0.0.5", res.Answer.ConnectionAddress)

	body, err := res.Answer.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(body), "m=audio 12000 RTP/AVP 0\r\n")
	assert.Contains(t, string(body), "a=rtpmap:0 PCMU/8000\r\n")
}

func TestAnswerPreservesOfferOrder(t *testing.T) {
	n := NewNegotiator("", CodecPCMA, CodecPCMU)

	res, err := n.Answer(offerWith(t, "0 8"), "10.0.0.5", 12000)
	require.NoError(t, err)
	assert.Equal(t, PayloadPCMU, res.Codec.PayloadType)

	audio, ok := res.Answer.Audio()
	require.True(t, ok)
	assert.Equal(t, []uint8{0, 8}, audio.Formats)

	body, err := res.Answer.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(body), "m=audio 12000 RTP/AVP 0 8\r\n")
	assert.Contains(t, string(body), "a=rtpmap:8 PCMA/8000\r\n")

	// общие кодеки в порядке предложения, неизвестные пропускаются
	res, err = n.Answer(offerWith(t, "8 3 0 96",
		"a=rtpmap:96 telephone-event/8000\r\n"), "10.0.0.5", 12000)
	require.NoError(t, err)
	assert.Equal(t, PayloadPCMA, res.Codec.PayloadType)
	audio, _ = res.Answer.Audio()
	assert.Equal(t, []uint8{8, 0}, audio.Formats)
}

func TestAnswerTelephoneEvent(t *testing.T) {
	n := NewNegotiator("")

	res, err := n.Answer(offerWith(t, "8 0 96",
		"a=rtpmap:96 telephone-event/8000\r\n"), "10.0.0.5", 12000)
	require.NoError(t, err)

	require.NotNil(t, res.TelephoneEvent)
	assert.Equal(t, uint8(96), res.TelephoneEvent.PayloadType)
	assert.Equal(t, "0-16", res.TelephoneEvent.Fmtp)

	audio, _ := res.Answer.Audio()
	assert.Equal(t, []uint8{0, 96}, audio.Formats)
}

func TestAnswerNoCommonCodec(t *testing.T) {
	n := NewNegotiator("")

	_, err := n.Answer(offerWith(t, "3"), "10.0.0.5", 12000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoCommonCodec))

	_, err = n.Answer(offerWith(t, "101", "a=rtpmap:101 telephone-event/8000\r\n"), "10.0.0.5", 12000)
	assert.True(t, errors.Is(err, ErrNoCommonCodec))
}

func TestAnswerHold(t *testing.T) {
	n := NewNegotiator("")

	t.Run("inactive", func(t *testing.T) {
		res, err := n.Answer(offerWith(t, "0", "a=inactive\r\n"), "10.0.0.5", 12000)
		require.NoError(t, err)
		assert.True(t, res.Hold)
		assert.Empty(t, res.RemoteAddr)

		audio, _ := res.Answer.Audio()
		assert.Equal(t, DirectionInactive, audio.Direction)
	})

	t.Run("sendonly", func(t *testing.T) {
		res, err := n.Answer(offerWith(t, "0", "a=sendonly\r\n"), "10.0.0.5", 12000)
		require.NoError(t, err)
		assert.True(t, res.Hold)

		audio, _ := res.Answer.Audio()
		assert.Equal(t, DirectionRecvOnly, audio.Direction)
	})

	t.Run("нулевой адрес", func(t *testing.T) {
		offer := offerWith(t, "0")
		offer.ConnectionAddress = "0.0.0.0"

		res, err := n.Answer(offer, "10.0.0.5", 12000)
		require.NoError(t, err)
		assert.True(t, res.Hold)

		audio, _ := res.Answer.Audio()
		assert.Equal(t, DirectionInactive, audio.Direction)
	})

	t.Run("без медиа", func(t *testing.T) {
		offer := offerWith(t, "0")
		offer.Media = nil

		res, err := n.Answer(offer, "10.0.0.5", 0)
		require.NoError(t, err)
		assert.True(t, res.Hold)
		assert.Equal(t, DirectionInactive, res.Answer.Direction)
		assert.Empty(t, res.Answer.Media)
	})
}

func TestOfferAndAccept(t *testing.T) {
	n := NewNegotiator("bridge")

	offer := n.Offer("10.0.0.5", 12000)
	audio, ok := offer.Audio()
	require.True(t, ok)
	assert.Equal(t, []uint8{0, 101}, audio.Formats)

	body, err := offer.Marshal()
	require.NoError(t, err)

	remote, err := Parse(body)
	require.NoError(t, err)

	peer := NewNegotiator("peer")
	answer, err := peer.Answer(remote, "10.0.0.9", 14000)
	require.NoError(t, err)

	res, err := n.Accept(answer.Answer)
	require.NoError(t, err)
	assert.Equal(t, PayloadPCMU, res.Codec.PayloadType)
	assert.Equal(t, "10.0.0.9:14000", res.RemoteAddr)
	require.NotNil(t, res.TelephoneEvent)
}

func TestSessionVersionIncrements(t *testing.T) {
	n := NewNegotiator("")
	a := n.Offer("10.0.0.5", 1000)
	b := n.Offer("10.0.0.5", 1000)
	assert.Greater(t, b.Origin.SessionVersion, a.Origin.SessionVersion)
}
