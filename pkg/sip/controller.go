package sip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/voice_bridge/pkg/engine"
	"github.com/arzzra/voice_bridge/pkg/logging"
	"github.com/arzzra/voice_bridge/pkg/metrics"
	"github.com/arzzra/voice_bridge/pkg/rtp"
	"github.com/arzzra/voice_bridge/pkg/sdp"
)

// DefaultSIPPort порт SIP по умолчанию
const DefaultSIPPort = 5060

// DialogLinger сколько помнить ответы завершенного звонка (Timer J, 64*T1)
const DialogLinger = 64 * T1

// ResolveFunc определяет UDP адрес регистратора линии
type ResolveFunc func(ctx context.Context, line Line) (*net.UDPAddr, error)

// ControllerConfig параметры контроллера
type ControllerConfig struct {
	Endpoint *Endpoint
	Lines    []Line
	Ports    *rtp.PortAllocator

	// Negotiator по умолчанию PCMU и telephone-event
	Negotiator *sdp.Negotiator

	// Engine разговорный движок, по умолчанию эхо
	Engine engine.Engine

	// MediaHost адрес в SDP, по умолчанию адрес endpoint
	MediaHost string

	RegistrationPolicy RetryPolicy
	TransactionPolicy  RetryPolicy
	MinRefresh         time.Duration

	// DisableRegistration линии не регистрируются, звонки принимаются
	// по прямому адресу
	DisableRegistration bool

	// RingDelay пауза между 180 Ringing и ответом
	RingDelay time.Duration

	// Greeting длительность тона при ответе, 0 отключает
	Greeting time.Duration

	DSCP      int
	QueueSize int

	// ResolveRegistrar по умолчанию Registrar или Domain линии с портом 5060
	ResolveRegistrar ResolveFunc

	Metrics *metrics.Collector
	Logger  *logrus.Entry
}

type controllerRequest struct {
	// call исходящий звонок для постановки на учет
	call *Call

	snapshot chan []CallInfo
	reply    chan error
}

// Controller связывает линии, регистрации и звонки. Единственная
// горутина диспетчера владеет реестром звонков (Call-ID -> Call) и
// занятостью линий; звонки снимаются с учета сообщением в removals.
type Controller struct {
	endpoint   *Endpoint
	lines      []Line
	byName     map[string]Line
	ports      *rtp.PortAllocator
	negotiator *sdp.Negotiator
	engine     engine.Engine
	mediaHost  string
	regPolicy  RetryPolicy
	txPolicy   RetryPolicy
	minRefresh time.Duration
	register   bool
	ringDelay  time.Duration
	greeting   time.Duration
	dscp       int
	queueSize  int
	resolve    ResolveFunc
	metrics    *metrics.Collector
	logger     *logrus.Entry

	events   chan Event
	removals chan *Call
	requests chan controllerRequest
	stopped  chan struct{}
	running  atomic.Bool

	regMu         sync.Mutex
	registrations []*Registration

	// только горутина диспетчера
	calls    map[string]*Call
	busy     map[string]string
	finished map[string]finishedDialog
	workers  sync.WaitGroup
}

// finishedDialog последние ответы завершенного звонка. Хранятся
// DialogLinger, чтобы ретрансмиссия BYE получила тот же ответ.
type finishedDialog struct {
	responses map[string]*sip.Response
	expires   time.Time
}

// NewController проверяет конфигурацию и создает контроллер
func NewController(config ControllerConfig) (*Controller, error) {
	if config.Endpoint == nil {
		return nil, fmt.Errorf("endpoint не задан")
	}
	if config.Ports == nil {
		return nil, fmt.Errorf("аллокатор RTP портов не задан")
	}

	byName := make(map[string]Line, len(config.Lines))
	for i, line := range config.Lines {
		if line.Name == "" {
			line.Name = line.Username
			config.Lines[i] = line
		}
		if line.Username == "" || line.Domain == "" {
			return nil, fmt.Errorf("линия %q: не заданы username или domain", line.Name)
		}
		if _, dup := byName[line.Name]; dup {
			return nil, fmt.Errorf("линия %q описана дважды", line.Name)
		}
		byName[line.Name] = line
	}

	logger := logging.OrDiscard(config.Logger)
	if config.Negotiator == nil {
		config.Negotiator = sdp.NewNegotiator("voice_bridge")
	}
	if config.Engine == nil {
		config.Engine = &engine.Echo{Logger: logger.WithField("component", "engine")}
	}
	if config.MediaHost == "" {
		config.MediaHost = config.Endpoint.Host()
	}
	if config.TransactionPolicy.MaxAttempts == 0 {
		config.TransactionPolicy = DefaultTransactionPolicy()
	}
	if config.RegistrationPolicy.InitialInterval <= 0 {
		config.RegistrationPolicy = DefaultRegistrationPolicy()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = engine.DefaultQueueSize
	}
	if config.ResolveRegistrar == nil {
		config.ResolveRegistrar = ResolveRegistrar
	}

	return &Controller{
		endpoint:   config.Endpoint,
		lines:      config.Lines,
		byName:     byName,
		ports:      config.Ports,
		negotiator: config.Negotiator,
		engine:     config.Engine,
		mediaHost:  config.MediaHost,
		regPolicy:  config.RegistrationPolicy,
		txPolicy:   config.TransactionPolicy,
		minRefresh: config.MinRefresh,
		register:   !config.DisableRegistration,
		ringDelay:  config.RingDelay,
		greeting:   config.Greeting,
		dscp:       config.DSCP,
		queueSize:  config.QueueSize,
		resolve:    config.ResolveRegistrar,
		metrics:    config.Metrics,
		logger:     logger,
		events:     make(chan Event, DefaultEventBuffer),
		removals:   make(chan *Call),
		requests:   make(chan controllerRequest),
		stopped:    make(chan struct{}),
		calls:      make(map[string]*Call),
		busy:       make(map[string]string),
		finished:   make(map[string]finishedDialog),
	}, nil
}

// ResolveRegistrar адрес регистратора линии без DNS SRV: Registrar или
// Domain, порт 5060 если не указан
func ResolveRegistrar(ctx context.Context, line Line) (*net.UDPAddr, error) {
	host := line.Registrar
	if host == "" {
		host = line.Domain
	}
	return resolveHostPort(ctx, host)
}

func resolveHostPort(ctx context.Context, hostport string) (*net.UDPAddr, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, fmt.Sprint(DefaultSIPPort)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("не удалось разрешить %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip4 := ip.IP.To4(); ip4 != nil {
			return net.ResolveUDPAddr("udp", net.JoinHostPort(ip4.String(), port))
		}
	}
	return net.ResolveUDPAddr("udp", net.JoinHostPort(ips[0].IP.String(), port))
}

// Events события регистраций и звонков. При переполнении события
// отбрасываются.
func (ctl *Controller) Events() <-chan Event {
	return ctl.events
}

// Run запускает endpoint, диспетчер и регистрации линий. При отмене
// контекста звонки завершаются, регистрации снимаются, после чего
// закрывается сокет сигнализации.
func (ctl *Controller) Run(ctx context.Context) error {
	if !ctl.running.CompareAndSwap(false, true) {
		return fmt.Errorf("контроллер уже запущен")
	}

	endpointCtx, stopEndpoint := context.WithCancel(context.Background())
	defer stopEndpoint()
	endpointDone := make(chan error, 1)
	go func() {
		endpointDone <- ctl.endpoint.Run(endpointCtx)
	}()

	ctl.logger.WithFields(logrus.Fields{
		"addr":  ctl.endpoint.LocalAddr().String(),
		"lines": len(ctl.lines),
	}).Info("SIP контроллер запущен")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ctl.dispatch(gctx)
		return nil
	})
	if ctl.register {
		for _, line := range ctl.lines {
			line := line
			g.Go(func() error {
				ctl.runRegistration(gctx, line)
				return nil
			})
		}
	}

	err := g.Wait()
	stopEndpoint()
	<-endpointDone

	ctl.logger.Info("SIP контроллер остановлен")
	return err
}

// runRegistration определяет адрес регистратора (с повтором по
// политике) и поддерживает регистрацию до отмены контекста
func (ctl *Controller) runRegistration(ctx context.Context, line Line) {
	logger := ctl.logger.WithField("line", line.Name)

	var registrar *net.UDPAddr
	resolve := func() error {
		addr, err := ctl.resolve(ctx, line)
		if err != nil {
			return err
		}
		registrar = addr
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.WithError(err).WithField("retry_in", wait).Warn("Регистратор недоступен")
		emitEvent(ctl.events, Event{
			Type:    EventRegistrationFailed,
			Line:    line.Name,
			Err:     err,
			RetryIn: wait,
		}, logger)
	}
	if err := backoff.RetryNotify(resolve, backoff.WithContext(ctl.regPolicy.NewBackOff(), ctx), notify); err != nil {
		return
	}

	reg, err := NewRegistration(RegistrationConfig{
		Line:       line,
		Endpoint:   ctl.endpoint,
		Registrar:  registrar,
		Policy:     ctl.regPolicy,
		MinRefresh: ctl.minRefresh,
		Events:     ctl.events,
		Metrics:    ctl.metrics,
		Logger:     ctl.logger.WithField("component", "registration"),
	})
	if err != nil {
		logger.WithError(err).Error("Некорректная линия")
		return
	}

	ctl.regMu.Lock()
	ctl.registrations = append(ctl.registrations, reg)
	ctl.regMu.Unlock()

	reg.Run(ctx)
}

// Registrations состояние регистраций линий
func (ctl *Controller) Registrations() []RegistrationInfo {
	ctl.regMu.Lock()
	defer ctl.regMu.Unlock()

	out := make([]RegistrationInfo, 0, len(ctl.registrations))
	for _, reg := range ctl.registrations {
		out = append(out, reg.Info())
	}
	return out
}

// Calls снимок активных звонков
func (ctl *Controller) Calls() []CallInfo {
	if !ctl.running.Load() {
		return nil
	}
	snapshot := make(chan []CallInfo, 1)
	if err := ctl.submit(context.Background(), controllerRequest{snapshot: snapshot}); err != nil {
		return nil
	}
	return <-snapshot
}

// Dial звонит target с линии lineName. target задается как SIP URI или
// номер в домене линии. Возвращает звонок после 2xx и запуска медиа.
func (ctl *Controller) Dial(ctx context.Context, lineName, target string) (*Call, error) {
	line, ok := ctl.byName[lineName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLine, lineName)
	}

	uri, err := dialTarget(line, target)
	if err != nil {
		return nil, err
	}
	peer, err := ctl.resolvePeer(ctx, line, uri)
	if err != nil {
		return nil, err
	}

	call := ctl.newCall(line, DirectionOutbound, newCallID(ctl.endpoint.Host()), uri.String())
	call.remoteTarget = uri
	call.peer = peer

	reply := make(chan error, 1)
	if err := ctl.submit(ctx, controllerRequest{call: call, reply: reply}); err != nil {
		return nil, err
	}
	if err := <-reply; err != nil {
		return nil, err
	}

	select {
	case err := <-call.established:
		if err != nil {
			return nil, err
		}
		return call, nil
	case <-ctx.Done():
		call.Hangup()
		return nil, ctx.Err()
	}
}

func dialTarget(line Line, target string) (sip.Uri, error) {
	if !strings.Contains(target, ":") {
		return sip.Uri{Scheme: "sip", User: target, Host: line.Domain}, nil
	}
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("некорректный адрес %q: %w", target, err)
	}
	return uri, nil
}

// resolvePeer адрес, куда отправляется INVITE: звонки в домен линии
// идут через ее регистратор, остальные напрямую
func (ctl *Controller) resolvePeer(ctx context.Context, line Line, uri sip.Uri) (*net.UDPAddr, error) {
	if strings.EqualFold(uri.Host, line.Domain) {
		return ctl.resolve(ctx, line)
	}
	port := uri.Port
	if port == 0 {
		port = DefaultSIPPort
	}
	return resolveHostPort(ctx, net.JoinHostPort(uri.Host, fmt.Sprint(port)))
}

func (ctl *Controller) submit(ctx context.Context, req controllerRequest) error {
	select {
	case ctl.requests <- req:
		return nil
	case <-ctl.stopped:
		return ErrEndpointClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// removeCall вызывается горутиной звонка после освобождения ресурсов
func (ctl *Controller) removeCall(call *Call) {
	select {
	case ctl.removals <- call:
	case <-ctl.stopped:
	}
}

// dispatch единственный владелец реестра звонков
func (ctl *Controller) dispatch(ctx context.Context) {
	defer close(ctl.stopped)

	incoming := ctl.endpoint.Incoming()
	for {
		select {
		case <-ctx.Done():
			ctl.drain()
			return

		case in := <-incoming:
			ctl.route(ctx, in)

		case call := <-ctl.removals:
			ctl.forget(call)

		case req := <-ctl.requests:
			ctl.serve(ctx, req)
		}
	}
}

// drain ждет завершения звонков при остановке
func (ctl *Controller) drain() {
	incoming := ctl.endpoint.Incoming()
	for len(ctl.calls) > 0 {
		select {
		case call := <-ctl.removals:
			ctl.forget(call)

		case in := <-incoming:
			callID := headerValue(messageOf(in), "Call-ID")
			if call, ok := ctl.calls[callID]; ok {
				ctl.forward(call, in)
			} else if in.Request != nil && in.Request.Method != sip.ACK {
				ctl.respond(in, 503, "Service Unavailable")
			}

		case req := <-ctl.requests:
			if req.snapshot != nil {
				req.snapshot <- ctl.snapshot()
			}
			if req.reply != nil {
				req.reply <- ErrEndpointClosed
			}
		}
	}
	ctl.workers.Wait()
}

func (ctl *Controller) serve(ctx context.Context, req controllerRequest) {
	if req.snapshot != nil {
		req.snapshot <- ctl.snapshot()
		return
	}

	call := req.call
	if _, busy := ctl.busy[call.line.Name]; busy {
		req.reply <- fmt.Errorf("%w: %s", ErrLineBusy, call.line.Name)
		return
	}
	ctl.track(call)
	req.reply <- nil

	ctl.workers.Add(1)
	go func() {
		defer ctl.workers.Done()
		call.runOutbound(ctx)
	}()
}

func (ctl *Controller) snapshot() []CallInfo {
	out := make([]CallInfo, 0, len(ctl.calls))
	for _, call := range ctl.calls {
		out = append(out, call.Info())
	}
	return out
}

// route направляет сообщение звонку по Call-ID или обрабатывает
// запрос вне диалога
func (ctl *Controller) route(ctx context.Context, in Incoming) {
	msg := messageOf(in)
	callID := headerValue(msg, "Call-ID")
	if call, ok := ctl.calls[callID]; ok {
		ctl.forward(call, in)
		return
	}
	if ctl.replayFinished(in) {
		return
	}

	if in.Response != nil {
		ctl.metrics.SIPDropped("stray_response")
		ctl.logger.WithFields(logrus.Fields{
			"call_id": callID,
			"status":  int(in.Response.StatusCode),
		}).Debug("Ответ без транзакции и звонка")
		return
	}

	req := in.Request
	switch req.Method {
	case sip.INVITE:
		ctl.accept(ctx, in)
	case sip.OPTIONS:
		ctl.respond(in, 200, "OK")
	case sip.ACK:
		// ACK на отказ уже завершенного звонка
	case sip.BYE, sip.CANCEL:
		ctl.respond(in, 481, "Call/Transaction Does Not Exist")
	default:
		if toTag(req) != "" {
			ctl.respond(in, 481, "Call/Transaction Does Not Exist")
			return
		}
		ctl.respond(in, 405, "Method Not Allowed")
	}
}

// accept ставит на учет новый входящий звонок
func (ctl *Controller) accept(ctx context.Context, in Incoming) {
	req := in.Request
	if toTag(req) != "" {
		// re-INVITE неизвестного диалога
		ctl.respond(in, 481, "Call/Transaction Does Not Exist")
		return
	}

	line, ok := ctl.lookupLine(req)
	if !ok {
		ctl.logger.WithField("uri", req.Recipient.String()).Warn("Звонок на неизвестный номер")
		ctl.respond(in, 404, "Not Found")
		return
	}

	callID := headerValue(req, "Call-ID")
	remote := req.From().Address.String()
	if _, busy := ctl.busy[line.Name]; busy {
		ctl.logger.WithFields(logrus.Fields{
			"line": line.Name,
			"from": remote,
		}).Info("Линия занята")
		ctl.respond(in, 486, "Busy Here")
		emitEvent(ctl.events, Event{
			Type:       EventCallRejected,
			Line:       line.Name,
			CallID:     callID,
			Remote:     remote,
			StatusCode: 486,
			Reason:     "Busy Here",
			Err:        ErrLineBusy,
		}, ctl.logger)
		return
	}

	call := ctl.newCall(line, DirectionInbound, callID, remote)
	ctl.track(call)

	ctl.workers.Add(1)
	go func() {
		defer ctl.workers.Done()
		call.runInbound(ctx, in)
	}()
}

// lookupLine линия по user части Request-URI, затем To
func (ctl *Controller) lookupLine(req *sip.Request) (Line, bool) {
	users := []string{req.Recipient.User}
	if to := req.To(); to != nil {
		users = append(users, to.Address.User)
	}
	for _, user := range users {
		if user == "" {
			continue
		}
		for _, line := range ctl.lines {
			if line.Username == user {
				return line, true
			}
		}
	}
	return Line{}, false
}

func (ctl *Controller) track(call *Call) {
	ctl.calls[call.id] = call
	ctl.busy[call.line.Name] = call.id
}

// forget снимает звонок с учета. Вызывается после close(call.done),
// поэтому ответы звонка больше не меняются.
func (ctl *Controller) forget(call *Call) {
	if ctl.calls[call.id] == call {
		delete(ctl.calls, call.id)
	}
	if ctl.busy[call.line.Name] == call.id {
		delete(ctl.busy, call.line.Name)
	}

	now := time.Now()
	for id, d := range ctl.finished {
		if now.After(d.expires) {
			delete(ctl.finished, id)
		}
	}
	if len(call.responses) > 0 {
		ctl.finished[call.id] = finishedDialog{
			responses: call.responses,
			expires:   now.Add(DialogLinger),
		}
	}
}

// replayFinished повторяет ответ завершенного звонка на ретрансмиссию
// запроса. Возвращает false, если ответа нет.
func (ctl *Controller) replayFinished(in Incoming) bool {
	req := in.Request
	if req == nil {
		return false
	}
	callID := headerValue(req, "Call-ID")
	d, ok := ctl.finished[callID]
	if !ok {
		return false
	}
	if time.Now().After(d.expires) {
		delete(ctl.finished, callID)
		return false
	}
	res, ok := d.responses[requestKey(req)]
	if !ok {
		return false
	}
	if err := ctl.endpoint.Send(res, in.Source); err != nil && !errors.Is(err, ErrEndpointClosed) {
		ctl.logger.WithError(err).Warn("Ошибка отправки ответа")
	}
	return true
}

// forward передает сообщение горутине звонка, не блокируя диспетчер.
// Если очередь звонка заполнена, сообщение отбрасывается: UDP отправитель
// повторит запрос по своему таймеру.
func (ctl *Controller) forward(call *Call, in Incoming) {
	select {
	case call.requests <- in:
	case <-call.done:
	default:
		ctl.metrics.SIPDropped("call_queue_full")
		ctl.logger.WithField("call_id", call.id).Warn("Очередь звонка заполнена, сообщение отброшено")
	}
}

// respond отвечает на запрос вне диалога
func (ctl *Controller) respond(in Incoming, code int, reason string) {
	tag := ""
	if code >= 200 && toTag(in.Request) == "" {
		tag = newTag()
	}
	res := ctl.endpoint.newResponse(in.Request, code, reason, tag, nil)
	if in.Request.Method == sip.OPTIONS || code == 405 {
		res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	}
	if err := ctl.endpoint.Send(res, in.Source); err != nil && !errors.Is(err, ErrEndpointClosed) {
		ctl.logger.WithError(err).Warn("Ошибка отправки ответа")
	}
}

func messageOf(in Incoming) sip.Message {
	if in.Response != nil {
		return in.Response
	}
	return in.Request
}
