package rtp

import (
	"context"
	"errors"
	"net"

	"github.com/pion/rtp"
)

// Константы валидации пакетов согласно RFC 3550
const (
	// MinRTPPacketSize минимальный размер RTP заголовка
	MinRTPPacketSize = 12

	// MaxRTPPacketSize максимальный размер датаграммы (MTU)
	MaxRTPPacketSize = 1500

	// ExpectedRTPVersion RFC 3550: версия RTP должна быть 2
	ExpectedRTPVersion = 2
)

var (
	// ErrTransportClosed транспорт закрыт
	ErrTransportClosed = errors.New("транспорт закрыт")

	// ErrNoRemoteAddr удаленный адрес еще не известен
	ErrNoRemoteAddr = errors.New("удаленный адрес не установлен")

	// ErrInvalidPacket датаграмма не является корректным RTP пакетом
	ErrInvalidPacket = errors.New("некорректный RTP пакет")
)

// DropReason причина отбрасывания входящей датаграммы
type DropReason string

const (
	DropTooShort   DropReason = "too_short"
	DropBadVersion DropReason = "bad_version"
	DropMalformed  DropReason = "malformed"
	DropQueueFull  DropReason = "queue_full"
)

// InvalidPacketError описывает причину отказа в приеме датаграммы
type InvalidPacketError struct {
	Reason DropReason
	Size   int
}

func (e *InvalidPacketError) Error() string {
	return "некорректный RTP пакет: " + string(e.Reason)
}

func (e *InvalidPacketError) Unwrap() error {
	return ErrInvalidPacket
}

// Transport абстракция сетевого транспорта для RTP пакетов
type Transport interface {
	// Send отправляет пакет удаленной стороне
	Send(packet *rtp.Packet) error

	// Receive ждет следующий корректный пакет. Некорректные датаграммы
	// возвращаются как *InvalidPacketError.
	Receive(ctx context.Context) (*rtp.Packet, net.Addr, error)

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetRemoteAddr(addr string) error

	// Close освобождает сокет. Заблокированный Receive возвращает ErrTransportClosed.
	Close() error
}

// validateDatagram проверяет датаграмму до разбора заголовка
func validateDatagram(data []byte) error {
	if len(data) < MinRTPPacketSize {
		return &InvalidPacketError{Reason: DropTooShort, Size: len(data)}
	}
	if data[0]>>6 != ExpectedRTPVersion {
		return &InvalidPacketError{Reason: DropBadVersion, Size: len(data)}
	}
	return nil
}
