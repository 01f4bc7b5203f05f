package rtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/rtp"
)

// UDPTransport реализует Transport поверх UDP сокета.
// Оптимизирован для телефонии: DSCP EF и приоритет сокета.
type UDPTransport struct {
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr

	closed bool
	mutex  sync.RWMutex
}

// UDPTransportConfig параметры UDP транспорта
type UDPTransportConfig struct {
	// Conn уже привязанный сокет (например, от PortAllocator)
	Conn *net.UDPConn

	// LocalAddr адрес для привязки, если Conn не задан
	LocalAddr string

	// RemoteAddr адрес удаленной стороны. Если пуст, устанавливается
	// по первому принятому пакету.
	RemoteAddr string

	// DSCP маркировка QoS, 0 отключает
	DSCP int
}

// NewUDPTransport создает UDP транспорт
func NewUDPTransport(config UDPTransportConfig) (*UDPTransport, error) {
	conn := config.Conn
	if conn == nil {
		localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("ошибка разрешения локального адреса: %w", err)
		}
		conn, err = net.ListenUDP("udp", localAddr)
		if err != nil {
			return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
		}
	}

	if err := setSockOptForVoice(conn, config.DSCP); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка настройки сокета: %w", err)
	}

	t := &UDPTransport{conn: conn}

	if config.RemoteAddr != "" {
		if err := t.SetRemoteAddr(config.RemoteAddr); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return t, nil
}

// Send отправляет RTP пакет
func (t *UDPTransport) Send(packet *rtp.Packet) error {
	t.mutex.RLock()
	closed := t.closed
	remoteAddr := t.remoteAddr
	t.mutex.RUnlock()

	if closed {
		return ErrTransportClosed
	}
	if remoteAddr == nil {
		return ErrNoRemoteAddr
	}

	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка маршалинга RTP пакета: %w", err)
	}

	if _, err := t.conn.WriteToUDP(data, remoteAddr); err != nil {
		return fmt.Errorf("ошибка отправки RTP: %w", err)
	}
	return nil
}

// Receive читает следующую датаграмму. Блокируется до прихода данных
// или закрытия транспорта.
func (t *UDPTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	buffer := make([]byte, MaxRTPPacketSize)
	n, addr, err := t.conn.ReadFromUDP(buffer)
	if err != nil {
		if errors.Is(err, net.ErrClosed) || t.isClosed() {
			return nil, nil, ErrTransportClosed
		}
		return nil, nil, fmt.Errorf("ошибка чтения RTP: %w", err)
	}

	data := buffer[:n]
	if err := validateDatagram(data); err != nil {
		return nil, addr, err
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		return nil, addr, &InvalidPacketError{Reason: DropMalformed, Size: n}
	}

	// Symmetric RTP: запоминаем адрес отправителя, если он не был известен
	t.mutex.Lock()
	if t.remoteAddr == nil {
		t.remoteAddr = addr
	}
	t.mutex.Unlock()

	return packet, addr, nil
}

// LocalAddr возвращает локальный адрес
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// RemoteAddr возвращает удаленный адрес
func (t *UDPTransport) RemoteAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.remoteAddr == nil {
		return nil
	}
	return t.remoteAddr
}

// SetRemoteAddr устанавливает удаленный адрес
func (t *UDPTransport) SetRemoteAddr(addr string) error {
	remoteAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("ошибка разрешения удаленного адреса: %w", err)
	}

	t.mutex.Lock()
	t.remoteAddr = remoteAddr
	t.mutex.Unlock()
	return nil
}

// Close закрывает сокет
func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func (t *UDPTransport) isClosed() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.closed
}

// setSockOptForVoice настраивает сокет для голосового трафика
func setSockOptForVoice(conn *net.UDPConn, dscp int) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	return rawConn.Control(func(fd uintptr) {
		setSockOptPriority(int(fd))
		if dscp > 0 {
			setSockOptDSCP(int(fd), dscp)
		}
	})
}
