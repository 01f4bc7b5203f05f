package netutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/voice_bridge/pkg/logging"
	"github.com/arzzra/voice_bridge/pkg/sip"
)

// ErrNoSRV домен не публикует записи _sip._udp
var ErrNoSRV = errors.New("нет SRV записей")

// SRVResolver определяет адрес регистратора по RFC 3263: для имени без
// порта запрашиваются записи _sip._udp, при их отсутствии используется
// A запись и порт 5060.
type SRVResolver struct {
	// Server DNS сервер host:port. Пустой означает первый сервер из
	// /etc/resolv.conf.
	Server  string
	Timeout time.Duration
	Logger  *logrus.Entry
}

// Resolve реализует sip.ResolveFunc
func (r *SRVResolver) Resolve(ctx context.Context, line sip.Line) (*net.UDPAddr, error) {
	host := line.Registrar
	if host == "" {
		host = line.Domain
	}
	if _, _, err := net.SplitHostPort(host); err == nil || net.ParseIP(host) != nil {
		return sip.ResolveRegistrar(ctx, line)
	}

	addr, err := r.LookupSRV(ctx, host)
	if err == nil {
		return addr, nil
	}
	logging.OrDiscard(r.Logger).WithFields(logrus.Fields{
		"host":  host,
		"error": err,
	}).Debug("SRV не найден, используется A запись")
	return sip.ResolveRegistrar(ctx, line)
}

// LookupSRV выбирает цель _sip._udp.<domain> с наименьшим приоритетом
// и наибольшим весом. Адрес цели берется из дополнительной секции
// ответа, если он там есть.
func (r *SRVResolver) LookupSRV(ctx context.Context, domain string) (*net.UDPAddr, error) {
	server, err := r.server()
	if err != nil {
		return nil, err
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := &dns.Client{Net: "udp", Timeout: timeout}

	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn("_sip._udp."+domain), dns.TypeSRV)
	query.RecursionDesired = true

	answer, _, err := client.ExchangeContext(ctx, query, server)
	if err != nil {
		return nil, fmt.Errorf("SRV запрос %s: %w", domain, err)
	}
	if answer.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNoSRV, domain, dns.RcodeToString[answer.Rcode])
	}

	var records []*dns.SRV
	for _, rr := range answer.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSRV, domain)
	}
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})

	target := records[0]
	port := strconv.Itoa(int(target.Port))
	for _, rr := range answer.Extra {
		if a, ok := rr.(*dns.A); ok && strings.EqualFold(a.Hdr.Name, target.Target) {
			return net.ResolveUDPAddr("udp", net.JoinHostPort(a.A.String(), port))
		}
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, strings.TrimSuffix(target.Target, "."))
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("не удалось разрешить цель SRV %s: %w", target.Target, err)
	}
	return net.ResolveUDPAddr("udp", net.JoinHostPort(ips[0].IP.String(), port))
}

func (r *SRVResolver) server() (string, error) {
	if r.Server != "" {
		return r.Server, nil
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", fmt.Errorf("ошибка чтения resolv.conf: %w", err)
	}
	if len(conf.Servers) == 0 {
		return "", errors.New("в resolv.conf нет серверов")
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}
