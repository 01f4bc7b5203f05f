package rtp

import (
	"errors"
	"time"
)

// DTMFDigit код события согласно RFC 4733
type DTMFDigit uint8

const (
	DTMF0     DTMFDigit = 0
	DTMF1     DTMFDigit = 1
	DTMF2     DTMFDigit = 2
	DTMF3     DTMFDigit = 3
	DTMF4     DTMFDigit = 4
	DTMF5     DTMFDigit = 5
	DTMF6     DTMFDigit = 6
	DTMF7     DTMFDigit = 7
	DTMF8     DTMFDigit = 8
	DTMF9     DTMFDigit = 9
	DTMFStar  DTMFDigit = 10 // *
	DTMFPound DTMFDigit = 11 // #
	DTMFA     DTMFDigit = 12
	DTMFB     DTMFDigit = 13
	DTMFC     DTMFDigit = 14
	DTMFD     DTMFDigit = 15
)

const dtmfSymbols = "0123456789*#ABCD"

// Rune возвращает символ клавиши, '?' для кодов вне 0-15
func (d DTMFDigit) Rune() rune {
	if int(d) < len(dtmfSymbols) {
		return rune(dtmfSymbols[d])
	}
	return '?'
}

func (d DTMFDigit) String() string {
	return string(d.Rune())
}

// ParseDTMFDigit возвращает код события для символа
func ParseDTMFDigit(symbol rune) (DTMFDigit, bool) {
	if symbol >= 'a' && symbol <= 'd' {
		symbol -= 'a' - 'A'
	}
	for i, s := range dtmfSymbols {
		if s == symbol {
			return DTMFDigit(i), true
		}
	}
	return 0, false
}

// DTMFPayload полезная нагрузка telephone-event (RFC 4733, 4 байта)
type DTMFPayload struct {
	Event    DTMFDigit
	EndFlag  bool
	Volume   uint8  // 0-63, уровень в -dBm0
	Duration uint16 // в единицах RTP timestamp
}

// DTMFEvent распознанное нажатие клавиши
type DTMFEvent struct {
	Digit     DTMFDigit
	Duration  time.Duration
	Timestamp uint32
}

var errShortDTMFPayload = errors.New("payload telephone-event короче 4 байт")

// Marshal сериализует payload
func (p DTMFPayload) Marshal() []byte {
	data := make([]byte, 4)
	data[0] = uint8(p.Event)
	if p.EndFlag {
		data[1] |= 0x80
	}
	data[1] |= p.Volume & 0x3F
	data[2] = byte(p.Duration >> 8)
	data[3] = byte(p.Duration)
	return data
}

// ParseDTMFPayload разбирает payload telephone-event
func ParseDTMFPayload(data []byte) (DTMFPayload, error) {
	if len(data) < 4 {
		return DTMFPayload{}, errShortDTMFPayload
	}
	return DTMFPayload{
		Event:    DTMFDigit(data[0]),
		EndFlag:  data[1]&0x80 != 0,
		Volume:   data[1] & 0x3F,
		Duration: uint16(data[2])<<8 | uint16(data[3]),
	}, nil
}

// dtmfDetector выдает одно событие на нажатие. Отправитель повторяет
// конечный пакет несколько раз с тем же timestamp.
type dtmfDetector struct {
	lastTimestamp uint32
	reported      bool
}

func (d *dtmfDetector) feed(timestamp uint32, payload DTMFPayload) (DTMFEvent, bool) {
	if d.reported && timestamp == d.lastTimestamp {
		return DTMFEvent{}, false
	}
	if timestamp != d.lastTimestamp {
		d.lastTimestamp = timestamp
		d.reported = false
	}
	if !payload.EndFlag || payload.Event > DTMFD {
		return DTMFEvent{}, false
	}

	d.reported = true
	return DTMFEvent{
		Digit:     payload.Event,
		Duration:  time.Duration(payload.Duration) * time.Second / 8000,
		Timestamp: timestamp,
	}, true
}
