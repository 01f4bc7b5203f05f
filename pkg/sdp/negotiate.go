package sdp

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

// Negotiator строит offer и answer для одного локального адреса.
// Безопасен для конкурентного использования.
type Negotiator struct {
	// Supported кодеки в порядке локального предпочтения
	Supported []Codec

	// Username значение username в o=
	Username string

	// SessionName значение s=
	SessionName string

	sessionVersion atomic.Uint64
}

// NewNegotiator создает Negotiator с G.711 μ-law и telephone-event
func NewNegotiator(username string, supported ...Codec) *Negotiator {
	if len(supported) == 0 {
		supported = []Codec{CodecPCMU, CodecTelephoneEvent}
	}
	if username == "" {
		username = "-"
	}

	n := &Negotiator{
		Supported:   supported,
		Username:    username,
		SessionName: "voice_bridge",
	}
	n.sessionVersion.Store(uint64(time.Now().Unix()))
	return n
}

// Result итог согласования
type Result struct {
	// Answer описание для отправки удаленной стороне
	Answer *Description

	// Codec выбранный аудио кодек с payload type из предложения
	Codec Codec

	// TelephoneEvent согласованный RFC 4733 формат, nil если не согласован
	TelephoneEvent *Codec

	// RemoteAddr адрес RTP удаленной стороны (host:port), пустой при удержании
	RemoteAddr string

	// Hold предложение ставит звонок на удержание, медиа не передается
	Hold bool
}

// Answer строит ответ на предложение. Ответ перечисляет все общие кодеки
// в порядке предложения, передача идет первым из них (Result.Codec).
// Если общих кодеков нет, возвращается ErrNoCommonCodec.
// Предложение без медиа, с нулевым адресом или портом, а также
// inactive/sendonly считается удержанием: ответ получает a=inactive
// (или recvonly для sendonly).
func (n *Negotiator) Answer(offer *Description, localAddr string, localPort int) (*Result, error) {
	if offer == nil {
		return nil, fmt.Errorf("%w: пустое предложение", ErrMalformed)
	}

	answer := n.newDescription(localAddr)
	res := &Result{Answer: answer, Hold: offer.IsHold()}

	audio, ok := offer.Audio()
	if !ok {
		answer.Direction = DirectionInactive
		return res, nil
	}

	var selected []Codec
	for _, oc := range audio.Codecs {
		local, ok := n.supports(oc)
		if !ok {
			continue
		}
		c := oc
		if c.Fmtp == "" {
			c.Fmtp = local.Fmtp
		}

		if c.IsTelephoneEvent() {
			if res.TelephoneEvent == nil {
				te := c
				res.TelephoneEvent = &te
			}
			continue
		}
		if res.Codec.Name == "" {
			res.Codec = c
		}
		selected = append(selected, c)
	}

	if res.Codec.Name == "" {
		return nil, fmt.Errorf("%w: предложены %v", ErrNoCommonCodec, audio.Formats)
	}
	if res.TelephoneEvent != nil {
		selected = append(selected, *res.TelephoneEvent)
	}

	media := Media{
		Type:      "audio",
		Port:      localPort,
		Transport: audio.Transport,
		Codecs:    selected,
		Ptime:     audio.Ptime,
		Direction: DirectionSendRecv,
	}
	for _, c := range selected {
		media.Formats = append(media.Formats, c.PayloadType)
	}

	offerDir := offer.MediaDirection(audio)
	switch {
	case offerDir == DirectionSendOnly:
		media.Direction = DirectionRecvOnly
	case res.Hold:
		media.Direction = DirectionInactive
	case offerDir == DirectionRecvOnly:
		media.Direction = DirectionSendOnly
	}

	if !res.Hold {
		res.RemoteAddr = net.JoinHostPort(offer.MediaAddress(audio), strconv.Itoa(audio.Port))
	}

	answer.Media = []Media{media}
	return res, nil
}

// Offer строит предложение со всеми поддерживаемыми кодеками
func (n *Negotiator) Offer(localAddr string, localPort int) *Description {
	desc := n.newDescription(localAddr)

	media := Media{
		Type:      "audio",
		Port:      localPort,
		Transport: "RTP/AVP",
		Codecs:    append([]Codec(nil), n.Supported...),
		Ptime:     20,
		Direction: DirectionSendRecv,
	}
	for _, c := range n.Supported {
		media.Formats = append(media.Formats, c.PayloadType)
	}

	desc.Media = []Media{media}
	return desc
}

// Accept разбирает ответ на собственное предложение
func (n *Negotiator) Accept(answer *Description) (*Result, error) {
	audio, ok := answer.Audio()
	if !ok || audio.Port == 0 {
		return &Result{Answer: answer, Hold: true}, nil
	}

	res := &Result{Answer: answer, Hold: answer.IsHold()}
	for _, c := range audio.Codecs {
		if _, ok := n.supports(c); !ok {
			continue
		}
		if c.IsTelephoneEvent() {
			te := c
			res.TelephoneEvent = &te
			continue
		}
		if res.Codec.Name == "" {
			res.Codec = c
		}
	}
	if res.Codec.Name == "" {
		return nil, fmt.Errorf("%w: в ответе %v", ErrNoCommonCodec, audio.Formats)
	}

	if !res.Hold {
		res.RemoteAddr = net.JoinHostPort(answer.MediaAddress(audio), strconv.Itoa(audio.Port))
	}
	return res, nil
}

func (n *Negotiator) supports(c Codec) (Codec, bool) {
	for _, s := range n.Supported {
		if s.Matches(c) {
			return s, true
		}
	}
	return Codec{}, false
}

func (n *Negotiator) newDescription(localAddr string) *Description {
	version := n.sessionVersion.Add(1)
	return &Description{
		Origin: Origin{
			Username:       n.Username,
			SessionID:      version,
			SessionVersion: version,
			Address:        localAddr,
		},
		SessionName:       n.SessionName,
		ConnectionAddress: localAddr,
	}
}
