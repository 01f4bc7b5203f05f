// Package sdp содержит структурированное представление SDP (RFC 4566)
// и согласование offer/answer (RFC 3264) для аудио звонков.
//
// Разбор и сериализация строк выполняются через pion/sdp, поверх которого
// пакет хранит только то, что нужно телефонии: адрес, порт, список
// payload type в порядке предпочтения и направление медиа. Строки
// неизвестных типов сохраняются без изменений и возвращаются при сборке.
package sdp

import (
	"errors"
	"strconv"
	"strings"
)

// Direction направление медиа потока
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
)

// parseDirection возвращает направление, если атрибут является атрибутом направления
func parseDirection(key string) (Direction, bool) {
	switch Direction(key) {
	case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
		return Direction(key), true
	}
	return "", false
}

// Reverse возвращает направление с точки зрения противоположной стороны
func (d Direction) Reverse() Direction {
	switch d {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	}
	return d
}

// Payload types статических кодеков RFC 3551
const (
	PayloadPCMU uint8 = 0
	PayloadPCMA uint8 = 8
)

// Codec описание кодека из a=rtpmap (и a=fmtp)
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Channels    int
	Fmtp        string
}

// String возвращает значение для a=rtpmap без payload type
func (c Codec) String() string {
	s := c.Name + "/" + strconv.FormatUint(uint64(c.ClockRate), 10)
	if c.Channels > 1 {
		s += "/" + strconv.Itoa(c.Channels)
	}
	return s
}

// Matches сравнивает кодеки по имени и частоте, без учета payload type
func (c Codec) Matches(other Codec) bool {
	return strings.EqualFold(c.Name, other.Name) && c.ClockRate == other.ClockRate
}

// IsTelephoneEvent проверяет, является ли кодек RFC 4733 событиями
func (c Codec) IsTelephoneEvent() bool {
	return strings.EqualFold(c.Name, "telephone-event")
}

var (
	// CodecPCMU G.711 μ-law
	CodecPCMU = Codec{PayloadType: PayloadPCMU, Name: "PCMU", ClockRate: 8000}

	// CodecPCMA G.711 A-law
	CodecPCMA = Codec{PayloadType: PayloadPCMA, Name: "PCMA", ClockRate: 8000}

	// CodecTelephoneEvent RFC 4733 DTMF события
	CodecTelephoneEvent = Codec{PayloadType: 101, Name: "telephone-event", ClockRate: 8000, Fmtp: "0-16"}
)

// staticCodecs кодеки, допускающие отсутствие a=rtpmap
var staticCodecs = map[uint8]Codec{
	0:  CodecPCMU,
	3:  {PayloadType: 3, Name: "GSM", ClockRate: 8000},
	4:  {PayloadType: 4, Name: "G723", ClockRate: 8000},
	8:  CodecPCMA,
	9:  {PayloadType: 9, Name: "G722", ClockRate: 8000},
	18: {PayloadType: 18, Name: "G729", ClockRate: 8000},
}

// Attribute атрибут a=key[:value], не интерпретируемый пакетом
type Attribute struct {
	Key   string
	Value string
}

func (a Attribute) String() string {
	if a.Value == "" {
		return a.Key
	}
	return a.Key + ":" + a.Value
}

// Origin поле o=
type Origin struct {
	Username       string
	SessionID      uint64
	SessionVersion uint64
	Address        string
}

// Media описание одного m= блока
type Media struct {
	Type      string
	Port      int
	Transport string

	// Formats payload types из m= строки в исходном порядке
	Formats []uint8

	// RawFormats форматы потоков с транспортом, отличным от RTP
	RawFormats []string

	// Codecs описания кодеков в порядке Formats
	Codecs []Codec

	// ConnectionAddress адрес из c= уровня медиа, пустой если не задан
	ConnectionAddress string

	// Direction направление, пустое если атрибут не указан
	Direction Direction

	// Ptime значение a=ptime в миллисекундах, 0 если не указано
	Ptime int

	Attributes []Attribute

	// Extra строки неизвестных типов внутри блока
	Extra []string
}

// Codec возвращает описание кодека по payload type
func (m *Media) Codec(pt uint8) (Codec, bool) {
	for _, c := range m.Codecs {
		if c.PayloadType == pt {
			return c, true
		}
	}
	return Codec{}, false
}

// Description структурированное SDP описание сессии. После разбора
// не изменяется, для каждого согласования строится новое.
type Description struct {
	Origin            Origin
	SessionName       string
	ConnectionAddress string

	// Direction направление уровня сессии, пустое если не указано
	Direction Direction

	Attributes []Attribute
	Media      []Media

	// Extra строки неизвестных типов уровня сессии
	Extra []string
}

// Audio возвращает первый аудио поток
func (d *Description) Audio() (*Media, bool) {
	for i := range d.Media {
		if d.Media[i].Type == "audio" {
			return &d.Media[i], true
		}
	}
	return nil, false
}

// MediaAddress возвращает адрес для потока с учетом c= уровня сессии
func (d *Description) MediaAddress(m *Media) string {
	if m.ConnectionAddress != "" {
		return m.ConnectionAddress
	}
	return d.ConnectionAddress
}

// MediaDirection возвращает действующее направление потока
func (d *Description) MediaDirection(m *Media) Direction {
	if m.Direction != "" {
		return m.Direction
	}
	if d.Direction != "" {
		return d.Direction
	}
	return DirectionSendRecv
}

// IsHold проверяет, является ли описание постановкой на удержание:
// нет медиа потоков, нулевой адрес или порт, либо удаленная сторона
// не собирается передавать аудио.
func (d *Description) IsHold() bool {
	audio, ok := d.Audio()
	if !ok {
		return true
	}
	if audio.Port == 0 || isNullAddress(d.MediaAddress(audio)) {
		return true
	}
	switch d.MediaDirection(audio) {
	case DirectionInactive, DirectionSendOnly:
		return true
	}
	return false
}

func isNullAddress(addr string) bool {
	return addr == "0.0.0.0" || addr == "0" || addr == "::"
}

var (
	// ErrMalformed SDP не удалось разобрать
	ErrMalformed = errors.New("некорректное SDP")

	// ErrNoCommonCodec в предложении нет поддерживаемых кодеков
	ErrNoCommonCodec = errors.New("нет общих кодеков")
)
