package sip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/voice_bridge/pkg/logging"
	"github.com/arzzra/voice_bridge/pkg/metrics"
)

// DefaultInviteTimeout сколько ждать финальный ответ на INVITE после
// предварительного (таймер C прокси, 3 минуты)
const DefaultInviteTimeout = 3 * time.Minute

const maxDatagramSize = 65535

// Incoming входящее сообщение, не принадлежащее клиентской транзакции:
// запрос либо ответ без ожидающей транзакции (ретрансмиссия 2xx на INVITE).
type Incoming struct {
	Request  *sip.Request
	Response *sip.Response
	Source   *net.UDPAddr
}

// EndpointConfig параметры endpoint
type EndpointConfig struct {
	Conn *net.UDPConn

	// Host и Port адрес для Via и Contact. Пустой Host означает
	// локальный адрес сокета.
	Host string
	Port int

	UserAgent string

	// Policy расписание ретрансмиссий клиентских транзакций
	Policy RetryPolicy

	InviteTimeout time.Duration

	Metrics *metrics.Collector
	Logger  *logrus.Entry
}

// Endpoint общий UDP сокет сигнализации. Единственная горутина чтения
// разбирает датаграммы, сопоставляет ответы с клиентскими транзакциями
// и передает остальные сообщения диспетчеру через Incoming.
type Endpoint struct {
	conn          *net.UDPConn
	host          string
	port          int
	userAgent     string
	policy        RetryPolicy
	inviteTimeout time.Duration
	metrics       *metrics.Collector
	logger        *logrus.Entry

	parser   *sip.Parser
	incoming chan Incoming

	mu      sync.Mutex
	pending map[string]chan *sip.Response

	closed    chan struct{}
	closeOnce sync.Once
}

// NewEndpoint создает endpoint поверх открытого сокета
func NewEndpoint(config EndpointConfig) (*Endpoint, error) {
	if config.Conn == nil {
		return nil, fmt.Errorf("сокет сигнализации не задан")
	}

	local := config.Conn.LocalAddr().(*net.UDPAddr)
	if config.Host == "" {
		config.Host = local.IP.String()
	}
	if config.Port == 0 {
		config.Port = local.Port
	}
	if config.Policy.MaxAttempts == 0 {
		config.Policy = DefaultTransactionPolicy()
	}
	if config.InviteTimeout <= 0 {
		config.InviteTimeout = DefaultInviteTimeout
	}

	return &Endpoint{
		conn:          config.Conn,
		host:          config.Host,
		port:          config.Port,
		userAgent:     config.UserAgent,
		policy:        config.Policy,
		inviteTimeout: config.InviteTimeout,
		metrics:       config.Metrics,
		logger:        logging.OrDiscard(config.Logger),
		parser:        sip.NewParser(),
		incoming:      make(chan Incoming, 64),
		pending:       make(map[string]chan *sip.Response),
		closed:        make(chan struct{}),
	}, nil
}

// Host адрес, указываемый в Via и Contact
func (e *Endpoint) Host() string { return e.host }

// Port порт, указываемый в Via и Contact
func (e *Endpoint) Port() int { return e.port }

// LocalAddr адрес сокета
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Incoming запросы и ответы вне транзакций. Канал не закрывается,
// читатель завершается по Done.
func (e *Endpoint) Incoming() <-chan Incoming {
	return e.incoming
}

// Done закрывается после остановки endpoint
func (e *Endpoint) Done() <-chan struct{} {
	return e.closed
}

// Run читает сокет до отмены контекста или закрытия endpoint
func (e *Endpoint) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			e.Close()
		case <-e.closed:
		}
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.closed:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				e.Close()
				return nil
			}
			e.logger.WithError(err).Warn("Ошибка чтения сокета сигнализации")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		e.handleDatagram(ctx, data, addr)
	}
}

// handleDatagram разбирает датаграмму. Некорректные сообщения
// отбрасываются с диагностикой.
func (e *Endpoint) handleDatagram(ctx context.Context, data []byte, source *net.UDPAddr) {
	if len(data) <= 4 && len(bytesTrim(data)) == 0 {
		// keepalive CRLF
		return
	}

	msg, err := e.parser.ParseSIP(data)
	if err != nil {
		e.metrics.SIPDropped("malformed")
		e.logger.WithFields(logrus.Fields{
			"source": source.String(),
			"size":   len(data),
			"error":  err,
		}).Warn("Отброшено некорректное SIP сообщение")
		return
	}

	if err := validateMessage(msg); err != nil {
		e.metrics.SIPDropped("missing_headers")
		e.logger.WithField("source", source.String()).WithError(err).Warn("Отброшено SIP сообщение")
		return
	}

	in := Incoming{Source: source}
	switch m := msg.(type) {
	case *sip.Response:
		if e.deliver(m) {
			return
		}
		in.Response = m
	case *sip.Request:
		in.Request = m
	default:
		return
	}

	select {
	case e.incoming <- in:
	case <-ctx.Done():
	case <-e.closed:
	}
}

// deliver передает ответ ожидающей транзакции
func (e *Endpoint) deliver(res *sip.Response) bool {
	key, err := transactionKey(res)
	if err != nil {
		return false
	}

	e.mu.Lock()
	ch, ok := e.pending[key]
	e.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case ch <- res:
	default:
		e.logger.WithField("key", key).Debug("Очередь ответов транзакции переполнена")
	}
	return true
}

// Send отправляет сообщение без ожидания ответа (ответы, ACK)
func (e *Endpoint) Send(msg sip.Message, addr *net.UDPAddr) error {
	select {
	case <-e.closed:
		return ErrEndpointClosed
	default:
	}
	_, err := e.conn.WriteToUDP([]byte(msg.String()), addr)
	if err != nil {
		return fmt.Errorf("ошибка отправки на %s: %w", addr, err)
	}
	return nil
}

// Request выполняет клиентскую транзакцию: отправляет запрос и
// повторяет его по политике ретрансмиссий до получения ответа.
// Предварительные ответы передаются в onProvisional; после первого
// из них INVITE больше не повторяется и ждет финальный ответ до
// InviteTimeout. Ошибки записи в сокет считаются потерянной отправкой
// и покрываются следующей ретрансмиссией. На финальный не-2xx ответ
// на INVITE endpoint сам отправляет ACK.
func (e *Endpoint) Request(ctx context.Context, req *sip.Request, addr *net.UDPAddr, onProvisional func(*sip.Response)) (*sip.Response, error) {
	key, err := transactionKey(req)
	if err != nil {
		return nil, err
	}

	responses := make(chan *sip.Response, 8)
	e.mu.Lock()
	e.pending[key] = responses
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, key)
		e.mu.Unlock()
	}()

	logger := e.logger.WithFields(logrus.Fields{
		"method":  string(req.Method),
		"call_id": headerValue(req, "Call-ID"),
		"dst":     addr.String(),
	})

	data := []byte(req.String())
	e.write(data, addr, logger)

	schedule := e.policy.NewBackOff()
	timer := time.NewTimer(schedule.NextBackOff())
	defer timer.Stop()

	retransmit := true
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-e.closed:
			return nil, ErrEndpointClosed

		case res := <-responses:
			if res.StatusCode < 200 {
				if onProvisional != nil {
					onProvisional(res)
				}
				if req.Method == sip.INVITE && retransmit {
					retransmit = false
					resetTimer(timer, e.inviteTimeout)
				}
				continue
			}
			if req.Method == sip.INVITE && res.StatusCode >= 300 {
				e.ackFailure(req, res, addr, logger)
			}
			return res, nil

		case <-timer.C:
			if !retransmit {
				return nil, fmt.Errorf("%s: нет финального ответа: %w", req.Method, ErrTransactionTimeout)
			}
			next := schedule.NextBackOff()
			if next == backoff.Stop {
				return nil, fmt.Errorf("%s: %w", req.Method, ErrTransactionTimeout)
			}
			e.metrics.SIPRetransmission()
			e.write(data, addr, logger)
			timer.Reset(next)
		}
	}
}

func (e *Endpoint) write(data []byte, addr *net.UDPAddr, logger *logrus.Entry) {
	if _, err := e.conn.WriteToUDP(data, addr); err != nil {
		logger.WithError(err).Warn("Ошибка отправки запроса, будет ретрансмиссия")
	}
}

// ackFailure подтверждает финальный не-2xx ответ на INVITE. ACK входит
// в ту же транзакцию: тот же branch и номер CSeq.
func (e *Endpoint) ackFailure(invite *sip.Request, res *sip.Response, addr *net.UDPAddr, logger *logrus.Entry) {
	ack := sip.NewRequest(sip.ACK, invite.Recipient)
	if via := invite.Via(); via != nil {
		ack.AppendHeader(via)
	}
	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)
	if from := invite.From(); from != nil {
		ack.AppendHeader(from)
	}
	if to := res.To(); to != nil {
		ack.AppendHeader(to)
	}
	if callID := invite.CallID(); callID != nil {
		ack.AppendHeader(callID)
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	ack.SetBody(nil)

	if err := e.Send(ack, addr); err != nil {
		logger.WithError(err).Warn("Не удалось отправить ACK")
	}
}

// Close останавливает endpoint и закрывает сокет
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		err = e.conn.Close()
	})
	return err
}

// validateMessage проверяет обязательные заголовки
func validateMessage(msg sip.Message) error {
	var missing []string
	check := func(name string, present bool) {
		if !present {
			missing = append(missing, name)
		}
	}

	switch m := msg.(type) {
	case *sip.Request:
		check("Via", m.Via() != nil)
		check("From", m.From() != nil)
		check("To", m.To() != nil)
		check("Call-ID", m.CallID() != nil)
		check("CSeq", m.CSeq() != nil)
	case *sip.Response:
		check("Via", m.Via() != nil)
		check("From", m.From() != nil)
		check("To", m.To() != nil)
		check("Call-ID", m.CallID() != nil)
		check("CSeq", m.CSeq() != nil)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: нет заголовков %v", ErrMalformedMessage, missing)
	}
	return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func bytesTrim(data []byte) []byte {
	for len(data) > 0 && (data[0] == '\r' || data[0] == '\n' || data[0] == ' ') {
		data = data[1:]
	}
	return data
}
