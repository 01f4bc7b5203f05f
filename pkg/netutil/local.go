package netutil

import (
	"fmt"
	"net"
)

// LocalIP адрес интерфейса, через который идет маршрут к target.
// Пакеты не отправляются: UDP сокет только связывается с адресом.
func LocalIP(target string) (net.IP, error) {
	conn, err := net.Dial("udp", target)
	if err != nil {
		return nil, fmt.Errorf("нет маршрута к %s: %w", target, err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// AdvertisedHost адрес для Via, Contact и SDP. Явно заданный адрес
// имеет приоритет. Для сокета на конкретном адресе берется он, для
// 0.0.0.0 адрес исходящего интерфейса к remote.
func AdvertisedHost(configured string, listen *net.UDPAddr, remote string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if listen != nil && listen.IP != nil && !listen.IP.IsUnspecified() {
		return listen.IP.String(), nil
	}
	ip, err := LocalIP(remote)
	if err != nil {
		return "", err
	}
	return ip.String(), nil
}
