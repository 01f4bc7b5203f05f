// Package netutil определяет сетевые адреса endpoint: публичный IP через
// STUN, адрес исходящего интерфейса и адрес регистратора через DNS SRV.
package netutil

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
)

// DefaultSTUNTimeout сколько ждать ответ STUN сервера
const DefaultSTUNTimeout = 3 * time.Second

// PublicIP выполняет STUN Binding запрос и возвращает IP из
// XOR-MAPPED-ADDRESS. Порт отображения не используется: за NAT с
// сохранением порта он совпадает, остальные случаи не поддерживаются.
func PublicIP(ctx context.Context, server string) (net.IP, error) {
	addr, err := MappedAddress(ctx, server)
	if err != nil {
		return nil, err
	}
	return addr.IP, nil
}

// MappedAddress адрес и порт, под которыми STUN сервер видит клиента
func MappedAddress(ctx context.Context, server string) (*net.UDPAddr, error) {
	if _, deadline := ctx.Deadline(); !deadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultSTUNTimeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", server)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к STUN %s: %w", server, err)
	}

	client, err := stun.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка создания STUN клиента: %w", err)
	}
	defer client.Close()

	type result struct {
		addr *net.UDPAddr
		err  error
	}
	results := make(chan result, 1)

	go func() {
		var res result
		message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		err := client.Do(message, func(ev stun.Event) {
			if ev.Error != nil {
				res.err = ev.Error
				return
			}
			var mapped stun.XORMappedAddress
			if err := mapped.GetFrom(ev.Message); err != nil {
				res.err = fmt.Errorf("в ответе нет XOR-MAPPED-ADDRESS: %w", err)
				return
			}
			res.addr = &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}
		})
		if err != nil && res.err == nil {
			res.err = err
		}
		results <- res
	}()

	select {
	case res := <-results:
		if res.err != nil {
			return nil, fmt.Errorf("STUN запрос к %s: %w", server, res.err)
		}
		return res.addr, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("STUN запрос к %s: %w", server, ctx.Err())
	}
}
