//go:build linux

package rtp

import (
	"golang.org/x/sys/unix"
)

// setSockOptPriority поднимает приоритет сокета для интерактивного аудио.
// В контейнерах без CAP_NET_ADMIN вызов может не пройти, это не критично.
func setSockOptPriority(fd int) {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, 6)
}

// setSockOptDSCP устанавливает DSCP маркировку (IPv4 и IPv6)
func setSockOptDSCP(fd, dscp int) {
	// DSCP находится в старших 6 битах TOS
	tos := dscp << 2
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
}
