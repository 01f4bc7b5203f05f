package rtp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrNoPortAvailable в диапазоне нет свободной пары портов
var ErrNoPortAvailable = errors.New("нет свободных RTP портов")

// PortRange диапазон портов RTP (включительно)
type PortRange struct {
	Min int `mapstructure:"min" yaml:"min"`
	Max int `mapstructure:"max" yaml:"max"`
}

// PortAllocator выделяет четные RTP порты из диапазона. Следующий за RTP
// нечетный порт резервируется под RTCP. Сокет RTP порта привязывается
// сразу и передается вызывающему, чтобы порт не мог занять кто-то еще.
type PortAllocator struct {
	host      string
	portRange PortRange
	next      int
	used      map[int]bool
	mutex     sync.Mutex
}

// NewPortAllocator создает аллокатор для адреса host (пустой означает все интерфейсы)
func NewPortAllocator(host string, portRange PortRange) (*PortAllocator, error) {
	if portRange.Min <= 0 || portRange.Max <= 0 || portRange.Max > 65535 {
		return nil, fmt.Errorf("неверный диапазон портов: Min=%d, Max=%d", portRange.Min, portRange.Max)
	}
	if portRange.Min%2 != 0 {
		portRange.Min++
	}
	if portRange.Max-portRange.Min < 1 {
		return nil, fmt.Errorf("диапазон портов слишком мал для пары RTP/RTCP: %d-%d", portRange.Min, portRange.Max)
	}

	return &PortAllocator{
		host:      host,
		portRange: portRange,
		next:      portRange.Min,
		used:      make(map[int]bool),
	}, nil
}

// Allocate выделяет четный порт и возвращает привязанный к нему сокет.
// Поиск начинается с позиции после последнего выделенного порта.
func (pa *PortAllocator) Allocate() (*net.UDPConn, int, error) {
	pa.mutex.Lock()
	defer pa.mutex.Unlock()

	pairs := (pa.portRange.Max - pa.portRange.Min + 1) / 2
	for i := 0; i < pairs; i++ {
		port := pa.next
		pa.next += 2
		if pa.next+1 > pa.portRange.Max {
			pa.next = pa.portRange.Min
		}

		if pa.used[port] {
			continue
		}

		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(pa.host, strconv.Itoa(port)))
		if err != nil {
			return nil, 0, fmt.Errorf("ошибка разрешения адреса: %w", err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			// Порт занят другим процессом
			continue
		}

		pa.used[port] = true
		return conn, port, nil
	}

	return nil, 0, fmt.Errorf("%w в диапазоне %d-%d", ErrNoPortAvailable, pa.portRange.Min, pa.portRange.Max)
}

// Release возвращает порт в пул. Сокет закрывает владелец.
func (pa *PortAllocator) Release(port int) {
	pa.mutex.Lock()
	defer pa.mutex.Unlock()
	delete(pa.used, port)
}

// InUse количество выделенных портов
func (pa *PortAllocator) InUse() int {
	pa.mutex.Lock()
	defer pa.mutex.Unlock()
	return len(pa.used)
}
