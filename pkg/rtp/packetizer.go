package rtp

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pion/rtp"
)

// SamplesPerFrame приращение timestamp на один 20 мс фрейм при 8 кГц
const SamplesPerFrame = 160

// packetizer формирует заголовки исходящих пакетов. Принадлежит
// единственной горутине отправки и не защищен мьютексом.
type packetizer struct {
	ssrc      uint32
	sequence  uint16
	timestamp uint32
}

// newPacketizer выбирает случайные SSRC, начальный номер и timestamp
func newPacketizer() (*packetizer, error) {
	var seed struct {
		SSRC      uint32
		Sequence  uint16
		Timestamp uint32
	}
	if err := binary.Read(rand.Reader, binary.BigEndian, &seed); err != nil {
		return nil, err
	}
	return &packetizer{
		ssrc:      seed.SSRC,
		sequence:  seed.Sequence,
		timestamp: seed.Timestamp,
	}, nil
}

// next формирует аудио пакет. Номер увеличивается на 1, timestamp на
// SamplesPerFrame, оба с переполнением по модулю разрядности.
func (p *packetizer) next(payloadType uint8, marker bool, payload []byte) *rtp.Packet {
	packet := p.packet(payloadType, marker, p.timestamp, payload)
	p.timestamp += SamplesPerFrame
	return packet
}

// packet формирует пакет с явным timestamp, увеличивая только номер.
// Используется для RFC 4733 событий, где все пакеты события несут
// timestamp его начала.
func (p *packetizer) packet(payloadType uint8, marker bool, timestamp uint32, payload []byte) *rtp.Packet {
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        ExpectedRTPVersion,
			Padding:        false,
			Extension:      false,
			Marker:         marker,
			PayloadType:    payloadType,
			SequenceNumber: p.sequence,
			Timestamp:      timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
	p.sequence++
	return packet
}
