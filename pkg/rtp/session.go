// Package rtp реализует медиа транспорт звонка по RFC 3550: строгую
// отправку 20 мс фреймов по таймеру, прием и валидацию входящих пакетов
// и RFC 4733 события DTMF.
//
// Session владеет сокетом и двумя горутинами: отправки (единственный
// владелец номера последовательности и timestamp) и приема. Аудио
// передается через ограниченные каналы, без jitter буфера: пакеты,
// пришедшие не по порядку, помечаются, но не переупорядочиваются.
package rtp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/voice_bridge/pkg/logging"
)

// FrameDuration интервал отправки пакетов
const FrameDuration = 20 * time.Millisecond

// DefaultQueueSize размер очередей по умолчанию (1 секунда аудио)
const DefaultQueueSize = 50

// dtmfEndRepeats сколько раз повторяется конечный пакет события
const dtmfEndRepeats = 3

// SessionState состояние RTP сессии
type SessionState int32

const (
	SessionStateIdle SessionState = iota
	SessionStateActive
	SessionStateClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionStateIdle:
		return "idle"
	case SessionStateActive:
		return "active"
	case SessionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Observer получает события о пакетах. Реализуется metrics.Collector.
type Observer interface {
	PacketSent(payloadBytes int)
	PacketReceived(payloadBytes int)
	PacketDropped(reason string)
	PacketOutOfOrder()
}

// Packet входящий аудио пакет
type Packet struct {
	PayloadType uint8
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
	Marker      bool
	Payload     []byte

	// OutOfOrder номер не больше последнего принятого
	OutOfOrder bool
}

// Stats счетчики сессии
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	PacketsDropped  uint64
	OutOfOrder      uint64
	SendErrors      uint64
	DTMFReceived    uint64
}

// SessionConfig параметры сессии
type SessionConfig struct {
	Transport Transport

	// PayloadType payload type аудио
	PayloadType uint8

	// DTMFPayloadType payload type telephone-event, 0 если не согласован
	DTMFPayloadType uint8

	// QueueSize емкость очередей входящих и исходящих фреймов
	QueueSize int

	Observer Observer
	Logger   *logrus.Entry
}

type dtmfRequest struct {
	digit    DTMFDigit
	duration time.Duration
}

// dtmfSending состояние отправляемого события, доступно только горутине отправки
type dtmfSending struct {
	payload   DTMFPayload
	timestamp uint32
	total     uint16
	first     bool
}

// Session медиа сессия одного звонка
type Session struct {
	transport   Transport
	payloadType uint8
	dtmfPT      uint8
	observer    Observer
	logger      *logrus.Entry

	packetizer *packetizer
	gap        bool
	sendingEv  *dtmfSending

	outbound chan []byte
	inbound  chan Packet
	dtmfIn   chan DTMFEvent
	dtmfOut  chan dtmfRequest

	lastSeq  uint16
	haveLast bool
	detector dtmfDetector

	paused atomic.Bool
	state  atomic.Int32

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	packetsDropped  atomic.Uint64
	outOfOrder      atomic.Uint64
	sendErrors      atomic.Uint64
	dtmfReceived    atomic.Uint64

	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSession создает сессию поверх транспорта. Сессия становится
// владельцем транспорта и закрывает его в Stop.
func NewSession(config SessionConfig) (*Session, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("транспорт не задан")
	}
	if config.PayloadType > 127 || config.DTMFPayloadType > 127 {
		return nil, fmt.Errorf("неверный payload type")
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}

	p, err := newPacketizer()
	if err != nil {
		return nil, fmt.Errorf("ошибка генерации SSRC: %w", err)
	}

	return &Session{
		transport:   config.Transport,
		payloadType: config.PayloadType,
		dtmfPT:      config.DTMFPayloadType,
		observer:    config.Observer,
		logger:      logging.OrDiscard(config.Logger),
		packetizer:  p,
		gap:         true,
		outbound:    make(chan []byte, config.QueueSize),
		inbound:     make(chan Packet, config.QueueSize),
		dtmfIn:      make(chan DTMFEvent, 16),
		dtmfOut:     make(chan dtmfRequest, 16),
		done:        make(chan struct{}),
	}, nil
}

// Start запускает горутины отправки и приема
func (s *Session) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(SessionStateIdle), int32(SessionStateActive)) {
		return fmt.Errorf("сессия в состоянии %s", s.State())
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.sendLoop(ctx)
	go s.receiveLoop(ctx)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.WithFields(logrus.Fields{
		"ssrc":   s.packetizer.ssrc,
		"local":  s.transport.LocalAddr(),
		"remote": s.transport.RemoteAddr(),
	}).Debug("RTP сессия запущена")
	return nil
}

// Stop останавливает горутины и закрывает сокет. Повторные вызовы безопасны.
func (s *Session) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.state.Store(int32(SessionStateClosed))
		if s.cancel != nil {
			s.cancel()
		}
		err = s.transport.Close()
		s.wg.Wait()

		close(s.inbound)
		close(s.dtmfIn)
		close(s.done)

		s.logger.WithField("stats", s.Stats()).Debug("RTP сессия остановлена")
	})
	return err
}

// Outbound очередь исходящих фреймов (160 байт μ-law на 20 мс).
// Писатели должны прекратить запись после закрытия Done.
func (s *Session) Outbound() chan<- []byte {
	return s.outbound
}

// Inbound входящие аудио пакеты. Закрывается в Stop.
func (s *Session) Inbound() <-chan Packet {
	return s.inbound
}

// DTMF входящие RFC 4733 события. Закрывается в Stop.
func (s *Session) DTMF() <-chan DTMFEvent {
	return s.dtmfIn
}

// Done закрывается после полной остановки сессии
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SendDTMF ставит RFC 4733 событие в очередь отправки
func (s *Session) SendDTMF(digit DTMFDigit, duration time.Duration) error {
	if s.dtmfPT == 0 {
		return fmt.Errorf("telephone-event не согласован")
	}
	if digit > DTMFD || duration <= 0 {
		return fmt.Errorf("неверное DTMF событие %d/%s", digit, duration)
	}

	select {
	case s.dtmfOut <- dtmfRequest{digit: digit, duration: duration}:
		return nil
	case <-s.done:
		return ErrTransportClosed
	default:
		return fmt.Errorf("очередь DTMF переполнена")
	}
}

// SetPaused приостанавливает отправку (удержание). Фреймы из очереди
// при этом отбрасываются, первый пакет после паузы получает marker.
func (s *Session) SetPaused(paused bool) {
	s.paused.Store(paused)
}

// Paused сообщает, приостановлена ли отправка
func (s *Session) Paused() bool {
	return s.paused.Load()
}

// SetRemoteAddr меняет адрес удаленной стороны (re-INVITE)
func (s *Session) SetRemoteAddr(addr string) error {
	return s.transport.SetRemoteAddr(addr)
}

// SSRC идентификатор источника сессии
func (s *Session) SSRC() uint32 {
	return s.packetizer.ssrc
}

// PayloadType payload type аудио
func (s *Session) PayloadType() uint8 {
	return s.payloadType
}

// State текущее состояние
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Stats снимок счетчиков
func (s *Session) Stats() Stats {
	return Stats{
		PacketsSent:     s.packetsSent.Load(),
		PacketsReceived: s.packetsReceived.Load(),
		BytesSent:       s.bytesSent.Load(),
		BytesReceived:   s.bytesReceived.Load(),
		PacketsDropped:  s.packetsDropped.Load(),
		OutOfOrder:      s.outOfOrder.Load(),
		SendErrors:      s.sendErrors.Load(),
		DTMFReceived:    s.dtmfReceived.Load(),
	}
}

// sendLoop отправляет не более одного пакета за интервал таймера
func (s *Session) sendLoop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("Паника в sendLoop")
		}
	}()

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick выполняет один шаг отправки
func (s *Session) tick() {
	if s.sendingEv == nil {
		select {
		case req := <-s.dtmfOut:
			s.beginDTMF(req)
		default:
		}
	}

	if s.sendingEv != nil {
		// Аудио во время события не передается
		select {
		case <-s.outbound:
		default:
		}
		s.stepDTMF()
		return
	}

	select {
	case frame := <-s.outbound:
		if s.paused.Load() {
			s.gap = true
			return
		}
		packet := s.packetizer.next(s.payloadType, s.gap, frame)
		s.gap = false
		s.send(packet.Payload, s.transport.Send(packet))
	default:
		// Нет данных: пауза в речи, следующий пакет получит marker
		s.gap = true
	}
}

func (s *Session) beginDTMF(req dtmfRequest) {
	total := req.duration * 8000 / time.Second
	if total > 0xFFFF {
		total = 0xFFFF
	}
	s.sendingEv = &dtmfSending{
		payload:   DTMFPayload{Event: req.digit, Volume: 10},
		timestamp: s.packetizer.timestamp,
		total:     uint16(total),
		first:     true,
	}
}

// stepDTMF отправляет очередной пакет события. Duration растет на
// фрейм за шаг, по достижении полной длительности отправляются конечные
// пакеты и timestamp аудио сдвигается на длительность события.
func (s *Session) stepDTMF() {
	ev := s.sendingEv

	next := uint32(ev.payload.Duration) + SamplesPerFrame
	if next >= uint32(ev.total) {
		ev.payload.Duration = ev.total
		ev.payload.EndFlag = true
	} else {
		ev.payload.Duration = uint16(next)
	}

	repeats := 1
	if ev.payload.EndFlag {
		repeats = dtmfEndRepeats
	}
	for i := 0; i < repeats; i++ {
		packet := s.packetizer.packet(s.dtmfPT, ev.first, ev.timestamp, ev.payload.Marshal())
		ev.first = false
		s.send(packet.Payload, s.transport.Send(packet))
	}

	if ev.payload.EndFlag {
		frames := (uint32(ev.total) + SamplesPerFrame - 1) / SamplesPerFrame
		s.packetizer.timestamp = ev.timestamp + frames*SamplesPerFrame
		s.sendingEv = nil
		s.gap = true
	}
}

func (s *Session) send(payload []byte, err error) {
	if err != nil {
		s.sendErrors.Add(1)
		if !errors.Is(err, ErrNoRemoteAddr) && !errors.Is(err, ErrTransportClosed) {
			s.logger.WithError(err).Debug("Ошибка отправки RTP")
		}
		return
	}
	s.packetsSent.Add(1)
	s.bytesSent.Add(uint64(len(payload)))
	if s.observer != nil {
		s.observer.PacketSent(len(payload))
	}
}

// receiveLoop принимает пакеты до закрытия транспорта
func (s *Session) receiveLoop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("Паника в receiveLoop")
		}
	}()

	for {
		packet, _, err := s.transport.Receive(ctx)
		if err != nil {
			var invalid *InvalidPacketError
			switch {
			case errors.As(err, &invalid):
				s.drop(invalid.Reason)
				continue
			case errors.Is(err, ErrTransportClosed), ctx.Err() != nil:
				return
			default:
				s.logger.WithError(err).Debug("Ошибка приема RTP")
				continue
			}
		}

		s.handlePacket(packet.Header.PayloadType, packet.Header.SequenceNumber,
			packet.Header.Timestamp, packet.Header.SSRC, packet.Header.Marker, packet.Payload)
	}
}

func (s *Session) handlePacket(pt uint8, seq uint16, ts, ssrc uint32, marker bool, payload []byte) {
	outOfOrder := false
	if s.haveLast && int16(seq-s.lastSeq) <= 0 {
		outOfOrder = true
		s.outOfOrder.Add(1)
		if s.observer != nil {
			s.observer.PacketOutOfOrder()
		}
	} else {
		s.lastSeq = seq
		s.haveLast = true
	}

	s.packetsReceived.Add(1)
	s.bytesReceived.Add(uint64(len(payload)))
	if s.observer != nil {
		s.observer.PacketReceived(len(payload))
	}

	if s.dtmfPT != 0 && pt == s.dtmfPT {
		s.handleDTMF(ts, payload)
		return
	}

	select {
	case s.inbound <- Packet{
		PayloadType: pt,
		Sequence:    seq,
		Timestamp:   ts,
		SSRC:        ssrc,
		Marker:      marker,
		Payload:     payload,
		OutOfOrder:  outOfOrder,
	}:
	default:
		s.drop(DropQueueFull)
	}
}

func (s *Session) handleDTMF(ts uint32, payload []byte) {
	p, err := ParseDTMFPayload(payload)
	if err != nil {
		s.drop(DropMalformed)
		return
	}

	ev, ok := s.detector.feed(ts, p)
	if !ok {
		return
	}
	s.dtmfReceived.Add(1)

	select {
	case s.dtmfIn <- ev:
	default:
		s.drop(DropQueueFull)
	}
}

func (s *Session) drop(reason DropReason) {
	s.packetsDropped.Add(1)
	if s.observer != nil {
		s.observer.PacketDropped(string(reason))
	}
}
