package sip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/voice_bridge/pkg/engine"
	"github.com/arzzra/voice_bridge/pkg/g711"
	"github.com/arzzra/voice_bridge/pkg/rtp"
	"github.com/arzzra/voice_bridge/pkg/sdp"
)

const (
	// ackWait сколько ждать ACK на финальный не-2xx ответ (таймер H)
	ackWait = 64 * T1

	byeTimeout    = 5 * time.Second
	cancelTimeout = 5 * time.Second

	dtmfToneDuration = 100 * time.Millisecond
	dtmfToneGap      = 60 * time.Millisecond

	greetingFrequency = 440
)

// CallDirection направление звонка
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// CallInfo снимок состояния звонка
type CallInfo struct {
	ID        string
	Line      string
	Direction CallDirection
	State     CallState
	Remote    string
	Codec     string
	Hold      bool
	StartedAt time.Time
	Stats     rtp.Stats
}

type commandKind int

const (
	cmdHangup commandKind = iota
	cmdSay
	cmdDTMF
)

type callCommand struct {
	kind   commandKind
	text   string
	result chan error
}

// Call один SIP диалог на линии. Всем состоянием звонка владеет его
// горутина (runInbound или runOutbound): запросы диалога приходят от
// диспетчера через requests, команды API через commands.
type Call struct {
	id        string
	line      Line
	direction CallDirection
	remoteStr string
	ctl       *Controller
	logger    *logrus.Entry
	fsm       *fsm.FSM

	// диалог
	local        party
	remote       party
	remoteTarget sip.Uri
	peer         *net.UDPAddr
	cseq         uint32
	remoteCSeq   uint32
	inviteCSeq   uint32
	inviteIn     Incoming
	responses    map[string]*sip.Response
	ack          *sip.Request

	// ответ 200 на INVITE и его ретрансмиссии до ACK
	okResponse *sip.Response
	okSchedule backoff.BackOff
	retransmit *time.Timer
	ringTimer  *time.Timer

	negotiated *sdp.Result
	conn       *net.UDPConn
	port       int
	core       *engine.Core
	tones      chan []byte
	pumps      sync.WaitGroup

	engineCancel context.CancelFunc
	engineDone   chan error

	mu        sync.Mutex
	session   *rtp.Session
	stats     rtp.Stats
	hold      bool
	codec     string
	startedAt time.Time

	started   bool
	endReason string

	requests    chan Incoming
	commands    chan callCommand
	established chan error
	done        chan struct{}
}

func (ctl *Controller) newCall(line Line, direction CallDirection, id, remote string) *Call {
	logger := ctl.logger.WithFields(logrus.Fields{
		"call_id":   id,
		"line":      line.Name,
		"direction": string(direction),
	})

	return &Call{
		id:          id,
		line:        line,
		direction:   direction,
		remoteStr:   remote,
		ctl:         ctl,
		logger:      logger,
		fsm:         newStateMachine(string(CallIdle), callEvents(), logger),
		local:       party{displayName: line.DisplayName, tag: newTag()},
		responses:   make(map[string]*sip.Response),
		requests:    make(chan Incoming, 16),
		commands:    make(chan callCommand, 8),
		established: make(chan error, 1),
		done:        make(chan struct{}),
	}
}

// ID Call-ID звонка
func (c *Call) ID() string { return c.id }

// Line имя линии
func (c *Call) Line() string { return c.line.Name }

// Direction направление звонка
func (c *Call) Direction() CallDirection { return c.direction }

// State текущее состояние
func (c *Call) State() CallState {
	return CallState(c.fsm.Current())
}

// Done закрывается после завершения звонка и освобождения ресурсов
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Info снимок состояния звонка
func (c *Call) Info() CallInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := CallInfo{
		ID:        c.id,
		Line:      c.line.Name,
		Direction: c.direction,
		State:     c.State(),
		Remote:    c.remoteStr,
		Codec:     c.codec,
		Hold:      c.hold,
		StartedAt: c.startedAt,
		Stats:     c.stats,
	}
	if c.session != nil {
		info.Stats = c.session.Stats()
	}
	return info
}

// Hangup завершает звонок: BYE для установленного, CANCEL для
// исходящего в наборе, 603 для входящего до ответа.
func (c *Call) Hangup() error {
	return c.command(cmdHangup, "")
}

// Say передает движку текст для озвучивания абоненту
func (c *Call) Say(text string) error {
	return c.command(cmdSay, text)
}

// SendDTMF отправляет символы DTMF абоненту: RFC 4733 событиями, если
// согласован telephone-event, иначе тонами в аудио потоке.
func (c *Call) SendDTMF(digits string) error {
	for _, d := range digits {
		if _, ok := g711.LookupDTMF(d); !ok {
			return fmt.Errorf("неизвестный символ DTMF %q", d)
		}
	}
	return c.command(cmdDTMF, digits)
}

func (c *Call) command(kind commandKind, text string) error {
	cmd := callCommand{kind: kind, text: text, result: make(chan error, 1)}
	select {
	case c.commands <- cmd:
	case <-c.done:
		if kind == cmdHangup {
			return nil
		}
		return fmt.Errorf("%w: звонок завершен", ErrInvalidState)
	}

	select {
	case err := <-cmd.result:
		return err
	case <-c.done:
		if kind == cmdHangup {
			return nil
		}
		return fmt.Errorf("%w: звонок завершен", ErrInvalidState)
	}
}

// runInbound обслуживает входящий звонок от INVITE до закрытия
func (c *Call) runInbound(ctx context.Context, in Incoming) {
	defer c.finish()

	c.acceptInvite(ctx, in)
	c.loop(ctx)
}

// runOutbound набирает номер и обслуживает установленный звонок.
// Результат набора передается в established.
func (c *Call) runOutbound(ctx context.Context) {
	defer c.finish()

	err := c.dial(ctx)
	c.established <- err
	if err != nil {
		return
	}
	c.loop(ctx)
}

// acceptInvite обрабатывает начальный INVITE: предварительные ответы,
// выделение RTP порта, согласование SDP. При ошибке звонок отклоняется
// до создания медиа сессии.
func (c *Call) acceptInvite(ctx context.Context, in Incoming) {
	req := in.Request
	c.inviteIn = in
	c.peer = in.Source
	c.inviteCSeq = req.CSeq().SeqNo
	c.remoteCSeq = c.inviteCSeq

	from := req.From()
	c.remote = party{displayName: from.DisplayName, uri: from.Address, tag: fromTag(req)}
	c.local.uri = req.To().Address
	c.remoteTarget = from.Address
	if target, ok := contactTarget(req); ok {
		c.remoteTarget = target
	}

	if err := fire(c.fsm, evInvite, c.logger); err != nil {
		return
	}
	c.reply(in, 100, "Trying", nil)
	c.reply(in, 180, "Ringing", nil)

	c.logger.WithField("from", c.remoteStr).Info("Входящий звонок")
	c.emit(Event{Type: EventCallIncoming})

	// порт выделяется и для удержания: ответ inactive несет настоящий
	// порт, снятие с удержания его использует
	conn, port, err := c.ctl.ports.Allocate()
	if err != nil {
		c.reject(ctx, in, 503, "Service Unavailable", err)
		return
	}
	c.conn, c.port = conn, port

	result, err := c.negotiate(req.Body(), port)
	if err != nil {
		c.ctl.metrics.NegotiationFailed()
		c.reject(ctx, in, 488, "Not Acceptable Here", err)
		return
	}
	c.setNegotiated(result)

	if c.ctl.ringDelay > 0 {
		c.ringTimer = time.NewTimer(c.ctl.ringDelay)
		return
	}
	c.answer(ctx)
}

// negotiate строит ответ на предложение из тела запроса
func (c *Call) negotiate(body []byte, port int) (*sdp.Result, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: нет SDP предложения", sdp.ErrMalformed)
	}
	offer, err := sdp.Parse(body)
	if err != nil {
		return nil, err
	}
	return c.ctl.negotiator.Answer(offer, c.ctl.mediaHost, port)
}

func (c *Call) setNegotiated(result *sdp.Result) {
	c.negotiated = result
	c.mu.Lock()
	c.hold = result.Hold
	if result.Codec.Name != "" {
		c.codec = result.Codec.String()
	}
	c.mu.Unlock()
}

// answer отправляет 200 OK с SDP ответом и запускает его ретрансмиссии
func (c *Call) answer(ctx context.Context) {
	body, err := c.negotiated.Answer.Marshal()
	if err != nil {
		c.reject(ctx, c.inviteIn, 500, "Server Internal Error", err)
		return
	}
	if err := fire(c.fsm, evAnswer, c.logger); err != nil {
		return
	}

	c.okResponse = c.reply(c.inviteIn, 200, "OK", body)
	c.okSchedule = c.ctl.txPolicy.NewBackOff()
	c.retransmit = time.NewTimer(c.okSchedule.NextBackOff())
}

// reject отправляет финальный отказ на INVITE и ждет ACK
func (c *Call) reject(ctx context.Context, in Incoming, code int, reason string, cause error) {
	if c.endReason == "" {
		c.endReason = "rejected"
	}
	fire(c.fsm, evTerminate, c.logger)
	c.stopMedia()
	c.releasePort()
	c.reply(in, code, reason, nil)

	c.logger.WithFields(logrus.Fields{
		"status": code,
		"error":  cause,
	}).Warn("Звонок отклонен")
	c.emit(Event{Type: EventCallRejected, StatusCode: code, Reason: reason, Err: cause})

	c.lingerForAck(ctx)
}

// lingerForAck поглощает ретрансмиссии INVITE до прихода ACK на отказ
func (c *Call) lingerForAck(ctx context.Context) {
	timer := time.NewTimer(ackWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case cmd := <-c.commands:
			c.refuse(cmd)
		case in := <-c.requests:
			if in.Request == nil {
				continue
			}
			switch in.Request.Method {
			case sip.ACK:
				return
			case sip.INVITE:
				c.resend(in)
			default:
				c.reply(in, 481, "Call/Transaction Does Not Exist", nil)
			}
		}
	}
}

// loop основной цикл звонка до перехода в terminating
func (c *Call) loop(ctx context.Context) {
	for !c.ended() {
		select {
		case <-ctx.Done():
			c.shutdown()

		case in := <-c.requests:
			c.handleIncoming(ctx, in)

		case cmd := <-c.commands:
			c.handleCommand(ctx, cmd)

		case <-timerC(c.ringTimer):
			c.ringTimer = nil
			c.answer(ctx)

		case <-timerC(c.retransmit):
			next := c.okSchedule.NextBackOff()
			if next == backoff.Stop {
				c.retransmit = nil
				c.logger.Warn("Нет ACK на 200 OK")
				c.terminate("ack_timeout", true)
				continue
			}
			c.ctl.metrics.SIPRetransmission()
			c.send(c.okResponse, c.inviteIn.Source)
			c.retransmit.Reset(next)

		case err := <-c.engineDone:
			c.engineDone = nil
			if err != nil && !errors.Is(err, engine.ErrHangup) && ctx.Err() == nil {
				c.logger.WithError(err).Warn("Движок завершился с ошибкой")
			}
			c.terminate("engine_hangup", true)
		}
	}
}

func (c *Call) ended() bool {
	switch c.State() {
	case CallTerminating, CallClosed:
		return true
	}
	return false
}

// shutdown завершение по остановке контроллера
func (c *Call) shutdown() {
	switch c.State() {
	case CallRinging:
		c.endReason = "shutdown"
		fire(c.fsm, evTerminate, c.logger)
		c.reply(c.inviteIn, 480, "Temporarily Unavailable", nil)
	default:
		c.terminate("shutdown", true)
	}
}

func (c *Call) handleIncoming(ctx context.Context, in Incoming) {
	if in.Response != nil {
		c.handleResponse(in)
		return
	}

	req := in.Request
	switch req.Method {
	case sip.ACK:
		if c.State() == CallAnswering && req.CSeq().SeqNo == c.inviteCSeq {
			c.onAck(ctx)
		}
		return
	case sip.CANCEL:
		c.onCancel(ctx, in)
		return
	}

	if _, ok := c.responses[requestKey(req)]; ok {
		c.resend(in)
		return
	}
	seq := req.CSeq().SeqNo
	if c.remoteCSeq != 0 && seq <= c.remoteCSeq {
		c.reply(in, 500, "Server Internal Error", nil)
		return
	}
	c.remoteCSeq = seq

	switch req.Method {
	case sip.BYE:
		c.onBye(in)
	case sip.INVITE:
		c.onReinvite(ctx, in)
	case sip.OPTIONS:
		c.reply(in, 200, "OK", nil)
	case sip.INFO:
		c.onInfo(in)
	default:
		c.reply(in, 405, "Method Not Allowed", nil)
	}
}

// handleResponse ответы вне транзакций: ретрансмиссия 2xx на INVITE
// означает, что ACK потерян.
func (c *Call) handleResponse(in Incoming) {
	res := in.Response
	cseq := res.CSeq()
	if c.ack == nil || cseq == nil || cseq.MethodName != sip.INVITE {
		return
	}
	if code := int(res.StatusCode); code >= 200 && code < 300 {
		c.send(c.ack, c.peer)
	}
}

func (c *Call) onAck(ctx context.Context) {
	if c.retransmit != nil {
		c.retransmit.Stop()
		c.retransmit = nil
	}
	if err := fire(c.fsm, evAck, c.logger); err != nil {
		return
	}
	c.startActive(ctx)
}

func (c *Call) onCancel(ctx context.Context, in Incoming) {
	c.reply(in, 200, "OK", nil)
	if c.State() != CallRinging {
		// финальный ответ уже отправлен, CANCEL ни на что не влияет
		return
	}

	c.endReason = "cancelled"
	c.reject(ctx, c.inviteIn, 487, "Request Terminated", nil)
}

func (c *Call) onBye(in Incoming) {
	if c.State() == CallRinging {
		c.reply(c.inviteIn, 487, "Request Terminated", nil)
	}
	c.terminate("remote_bye", false)
	c.reply(in, 200, "OK", nil)
	c.logger.Info("Удаленная сторона завершила звонок")
}

// onReinvite пересогласование внутри диалога: удержание, снятие с
// удержания, смена адреса медиа.
func (c *Call) onReinvite(ctx context.Context, in Incoming) {
	if c.State() != CallActive {
		c.reply(in, 491, "Request Pending", nil)
		return
	}

	result, err := c.negotiate(in.Request.Body(), c.port)
	if err != nil {
		c.ctl.metrics.NegotiationFailed()
		c.logger.WithError(err).Warn("Не удалось согласовать re-INVITE")
		c.reply(in, 488, "Not Acceptable Here", nil)
		return
	}

	body, err := result.Answer.Marshal()
	if err != nil {
		c.reply(in, 500, "Server Internal Error", nil)
		return
	}

	wasHold := c.hold
	c.setNegotiated(result)
	if err := c.applyMedia(ctx); err != nil {
		c.logger.WithError(err).Error("Ошибка запуска медиа")
		c.reply(in, 500, "Server Internal Error", nil)
		c.terminate("media_error", true)
		return
	}
	c.reply(in, 200, "OK", body)

	switch {
	case result.Hold && !wasHold:
		c.logger.Info("Звонок на удержании")
		c.emit(Event{Type: EventCallHold})
	case !result.Hold && wasHold:
		c.logger.Info("Звонок снят с удержания")
		c.emit(Event{Type: EventCallResumed})
	}
}

// applyMedia приводит медиа сессию к согласованному описанию
func (c *Call) applyMedia(ctx context.Context) error {
	if c.negotiated.Hold {
		if c.session != nil {
			c.session.SetPaused(true)
		}
		return nil
	}
	if c.session == nil {
		return c.startMedia(ctx)
	}
	if err := c.session.SetRemoteAddr(c.negotiated.RemoteAddr); err != nil {
		return err
	}
	c.session.SetPaused(false)
	return nil
}

// onInfo DTMF через INFO (application/dtmf-relay)
func (c *Call) onInfo(in Incoming) {
	c.reply(in, 200, "OK", nil)

	for _, line := range strings.Split(string(in.Request.Body()), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "Signal") {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		digit := []rune(value)[0]
		if _, ok := g711.LookupDTMF(digit); ok {
			c.deliverDigit(c.core, digit)
		}
	}
}

func (c *Call) handleCommand(ctx context.Context, cmd callCommand) {
	switch cmd.kind {
	case cmdHangup:
		cmd.result <- nil
		if c.State() == CallRinging {
			c.endReason = "local_hangup"
			c.reject(ctx, c.inviteIn, 603, "Decline", nil)
			return
		}
		c.terminate("local_hangup", true)

	case cmdSay:
		if c.core == nil {
			cmd.result <- fmt.Errorf("%w: звонок не активен", ErrInvalidState)
			return
		}
		select {
		case c.core.Prompts <- cmd.text:
			cmd.result <- nil
		default:
			cmd.result <- fmt.Errorf("очередь подсказок переполнена")
		}

	case cmdDTMF:
		cmd.result <- c.sendDTMF(cmd.text)
	}
}

// refuse отвечает на команду вне активной фазы звонка
func (c *Call) refuse(cmd callCommand) {
	if cmd.kind == cmdHangup {
		cmd.result <- nil
		return
	}
	cmd.result <- fmt.Errorf("%w: звонок не активен", ErrInvalidState)
}

func (c *Call) sendDTMF(digits string) error {
	if c.session == nil || c.hold {
		return fmt.Errorf("%w: нет медиа", ErrInvalidState)
	}

	if c.negotiated.TelephoneEvent != nil {
		for _, d := range digits {
			digit, ok := rtp.ParseDTMFDigit(d)
			if !ok {
				return fmt.Errorf("неизвестный символ DTMF %q", d)
			}
			if err := c.session.SendDTMF(digit, dtmfToneDuration); err != nil {
				return err
			}
		}
		return nil
	}

	select {
	case c.tones <- g711.DTMFSequence(digits, dtmfToneDuration, dtmfToneGap):
		return nil
	default:
		return fmt.Errorf("очередь тонов переполнена")
	}
}

// dial отправляет INVITE с предложением и ждет финальный ответ. На
// 401/407 запрос повторяется один раз с digest.
func (c *Call) dial(ctx context.Context) error {
	if err := fire(c.fsm, evDial, c.logger); err != nil {
		return err
	}

	conn, port, err := c.ctl.ports.Allocate()
	if err != nil {
		c.fail("no_port")
		return err
	}
	c.conn, c.port = conn, port

	body, err := c.ctl.negotiator.Offer(c.ctl.mediaHost, port).Marshal()
	if err != nil {
		c.fail("failed")
		return err
	}

	contact := c.ctl.endpoint.contactURI(c.line.Username)
	c.local.uri = c.line.AOR()
	c.remote = party{uri: c.remoteTarget}

	var challenge *sip.Response
	for {
		c.cseq++
		req := c.ctl.endpoint.buildRequest(requestParams{
			method:  sip.INVITE,
			target:  c.remoteTarget,
			from:    c.local,
			to:      c.remote,
			callID:  c.id,
			cseq:    c.cseq,
			contact: &contact,
			body:    body,
		})
		if challenge != nil {
			if _, err := authorize(req, challenge, c.line.credentials()); err != nil {
				c.fail("failed")
				return err
			}
		}

		c.logger.WithField("target", c.remoteTarget.String()).Info("Исходящий звонок")
		res, cancelled, err := c.inviteTransaction(ctx, req)
		if err != nil {
			if cancelled {
				c.fail("cancelled")
			} else {
				c.fail("timeout")
			}
			return err
		}

		code := int(res.StatusCode)
		switch {
		case code == 401 || code == 407:
			if challenge != nil {
				c.fail("auth")
				return &AuthError{Method: string(sip.INVITE), StatusCode: code}
			}
			challenge = res

		case code >= 200 && code < 300:
			return c.connect(ctx, req, res, cancelled)

		default:
			statusErr := &StatusError{Method: string(sip.INVITE), StatusCode: code, Reason: res.Reason}
			if cancelled {
				c.fail("cancelled")
			} else {
				c.fail("rejected")
			}
			c.emit(Event{Type: EventCallRejected, StatusCode: code, Reason: res.Reason, Err: statusErr})
			return statusErr
		}
	}
}

// inviteTransaction выполняет INVITE в отдельной горутине, чтобы
// Hangup и отмена контекста могли отправить CANCEL.
func (c *Call) inviteTransaction(ctx context.Context, req *sip.Request) (*sip.Response, bool, error) {
	type outcome struct {
		res *sip.Response
		err error
	}

	txCtx, cancelTx := context.WithCancel(context.Background())
	defer cancelTx()

	results := make(chan outcome, 1)
	go func() {
		res, err := c.ctl.endpoint.Request(txCtx, req, c.peer, func(res *sip.Response) {
			c.logger.WithField("status", int(res.StatusCode)).Debug("Предварительный ответ")
		})
		results <- outcome{res: res, err: err}
	}()

	var (
		cancelled bool
		giveUp    <-chan time.Time
		ctxDone   = ctx.Done()
	)
	cancelInvite := func(reason string) {
		if cancelled {
			return
		}
		cancelled = true
		c.endReason = reason
		c.sendCancel(req)
		giveUp = time.After(cancelTimeout)
	}

	for {
		select {
		case r := <-results:
			return r.res, cancelled, r.err
		case <-ctxDone:
			ctxDone = nil
			cancelInvite("shutdown")
		case cmd := <-c.commands:
			if cmd.kind == cmdHangup {
				cmd.result <- nil
				cancelInvite("local_hangup")
				continue
			}
			c.refuse(cmd)
		case in := <-c.requests:
			if in.Request != nil && in.Request.Method != sip.ACK {
				c.reply(in, 481, "Call/Transaction Does Not Exist", nil)
			}
		case <-giveUp:
			cancelTx()
		}
	}
}

// sendCancel отменяет INVITE: тот же branch, Call-ID, From, To и номер CSeq
func (c *Call) sendCancel(invite *sip.Request) {
	branch, _ := invite.Via().Params.Get("branch")
	req := c.ctl.endpoint.buildRequest(requestParams{
		method: sip.CANCEL,
		target: invite.Recipient,
		from:   c.local,
		to:     c.remote,
		callID: c.id,
		cseq:   invite.CSeq().SeqNo,
		branch: branch,
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if _, err := c.ctl.endpoint.Request(ctx, req, c.peer, nil); err != nil {
			c.logger.WithError(err).Debug("Нет ответа на CANCEL")
		}
	}()
}

// connect завершает исходящий INVITE по 2xx: ACK, разбор SDP ответа,
// запуск медиа.
func (c *Call) connect(ctx context.Context, invite *sip.Request, res *sip.Response, cancelled bool) error {
	c.remote.tag = toTag(res)
	if target, ok := contactTarget(res); ok {
		c.remoteTarget = target
	}

	c.ack = c.ctl.endpoint.buildRequest(requestParams{
		method: sip.ACK,
		target: c.remoteTarget,
		from:   c.local,
		to:     c.remote,
		callID: c.id,
		cseq:   invite.CSeq().SeqNo,
	})
	c.send(c.ack, c.peer)

	if cancelled {
		// 2xx пришел раньше, чем CANCEL: диалог установлен, его нужно закрыть
		fire(c.fsm, evConnect, c.logger)
		c.terminate(c.endReason, true)
		return fmt.Errorf("%w: звонок отменен", ErrInvalidState)
	}

	result, err := c.accept(res.Body())
	if err != nil {
		c.ctl.metrics.NegotiationFailed()
		fire(c.fsm, evConnect, c.logger)
		c.terminate("negotiation_failed", true)
		return err
	}
	c.setNegotiated(result)

	if err := fire(c.fsm, evConnect, c.logger); err != nil {
		return err
	}
	c.startActive(ctx)
	if c.ended() {
		return fmt.Errorf("%w: не удалось запустить медиа", ErrInvalidState)
	}
	return nil
}

func (c *Call) accept(body []byte) (*sdp.Result, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: нет SDP в ответе", sdp.ErrMalformed)
	}
	answer, err := sdp.Parse(body)
	if err != nil {
		return nil, err
	}
	return c.ctl.negotiator.Accept(answer)
}

// fail закрывает звонок, который не был установлен
func (c *Call) fail(reason string) {
	if c.endReason == "" {
		c.endReason = reason
	}
	fire(c.fsm, evCallFail, c.logger)
}

// startActive переводит звонок в разговор: движок и медиа
func (c *Call) startActive(ctx context.Context) {
	c.started = true
	c.mu.Lock()
	c.startedAt = time.Now()
	c.mu.Unlock()
	c.ctl.metrics.CallStarted()

	c.startEngine(ctx)
	if err := c.applyMedia(ctx); err != nil {
		c.logger.WithError(err).Error("Ошибка запуска медиа")
		c.terminate("media_error", true)
		return
	}

	c.logger.WithFields(logrus.Fields{
		"codec":  c.codec,
		"remote": c.negotiated.RemoteAddr,
		"hold":   c.hold,
	}).Info("Звонок установлен")
	c.emit(Event{Type: EventCallStarted})

	if c.ctl.greeting > 0 && c.tones != nil {
		c.tones <- g711.Tone(greetingFrequency, c.ctl.greeting)
	}
}

func (c *Call) startEngine(ctx context.Context) {
	stream, core := engine.Pipe(c.id, c.line.Name, c.remoteStr, c.ctl.queueSize)
	c.core = core

	engineCtx, cancel := context.WithCancel(ctx)
	c.engineCancel = cancel
	c.engineDone = make(chan error, 1)

	go func() {
		c.engineDone <- c.ctl.engine.Serve(engineCtx, stream)
	}()
}

// startMedia открывает RTP сессию на выделенном порту и запускает
// перекачку между сессией и движком
func (c *Call) startMedia(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("%w: RTP порт не выделен", ErrInvalidState)
	}

	transport, err := rtp.NewUDPTransport(rtp.UDPTransportConfig{
		Conn:       c.conn,
		RemoteAddr: c.negotiated.RemoteAddr,
		DSCP:       c.ctl.dscp,
	})
	c.conn = nil // сокетом теперь владеет транспорт
	if err != nil {
		return err
	}

	var dtmfPT uint8
	if te := c.negotiated.TelephoneEvent; te != nil {
		dtmfPT = te.PayloadType
	}

	session, err := rtp.NewSession(rtp.SessionConfig{
		Transport:       transport,
		PayloadType:     c.negotiated.Codec.PayloadType,
		DTMFPayloadType: dtmfPT,
		QueueSize:       c.ctl.queueSize,
		Observer:        c.ctl.metrics,
		Logger:          c.logger,
	})
	if err != nil {
		transport.Close()
		return err
	}
	if err := session.Start(ctx); err != nil {
		session.Stop()
		return err
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.tones = make(chan []byte, 4)
	c.pumps.Add(3)
	go c.receivePump(session, c.core, c.negotiated.Codec.PayloadType)
	go c.dtmfPump(session, c.core)
	go c.sendPump(session, c.core, c.tones)
	return nil
}

// receivePump декодирует входящие пакеты во фреймы движка. Если движок
// не успевает, фреймы теряются.
func (c *Call) receivePump(session *rtp.Session, core *engine.Core, pt uint8) {
	defer c.pumps.Done()

	for packet := range session.Inbound() {
		if packet.PayloadType != pt {
			continue
		}
		var frame engine.Frame
		for i := 0; i < len(packet.Payload) && i < engine.FrameSamples; i++ {
			frame[i] = g711.DecodeSample(packet.Payload[i])
		}
		select {
		case core.Inbound <- frame:
		default:
		}
	}
}

func (c *Call) dtmfPump(session *rtp.Session, core *engine.Core) {
	defer c.pumps.Done()

	for ev := range session.DTMF() {
		c.deliverDigit(core, ev.Digit.Rune())
	}
}

// sendPump кодирует фреймы движка в μ-law. Тоны (DTMF, приветствие)
// имеют приоритет: пока они играют, аудио движка ждет в очереди.
func (c *Call) sendPump(session *rtp.Session, core *engine.Core, tones <-chan []byte) {
	defer c.pumps.Done()

	out := session.Outbound()
	done := session.Done()
	var queued [][]byte

	for {
		if len(queued) > 0 {
			select {
			case out <- queued[0]:
				queued = queued[1:]
			case data := <-tones:
				queued = append(queued, g711.Frames(data)...)
			case <-done:
				return
			}
			continue
		}

		select {
		case data := <-tones:
			queued = g711.Frames(data)
		case frame := <-core.Outbound:
			select {
			case out <- g711.Encode(frame[:]):
			case <-done:
				return
			}
		case <-done:
			return
		}
	}
}

func (c *Call) deliverDigit(core *engine.Core, digit rune) {
	if core != nil {
		select {
		case core.DTMF <- digit:
		default:
		}
	}
	c.logger.WithField("digit", string(digit)).Debug("Принят DTMF")
	c.emit(Event{Type: EventDTMF, Digit: digit})
}

// terminate переводит звонок в terminating и останавливает медиа.
// sendBye завершает диалог на удаленной стороне.
func (c *Call) terminate(reason string, sendBye bool) {
	if c.endReason == "" {
		c.endReason = reason
	}
	if c.retransmit != nil {
		c.retransmit.Stop()
		c.retransmit = nil
	}
	if err := fire(c.fsm, evTerminate, c.logger); err != nil {
		return
	}
	c.stopMedia()
	if sendBye {
		c.sendBye()
	}
}

// sendBye отправляет BYE со следующим CSeq диалога
func (c *Call) sendBye() {
	c.cseq++
	req := c.ctl.endpoint.buildRequest(requestParams{
		method: sip.BYE,
		target: c.remoteTarget,
		from:   c.local,
		to:     c.remote,
		callID: c.id,
		cseq:   c.cseq,
	})

	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()

	res, err := c.ctl.endpoint.Request(ctx, req, c.peer, nil)
	if err != nil {
		c.logger.WithError(err).Warn("Нет ответа на BYE")
		return
	}
	c.logger.WithField("status", int(res.StatusCode)).Debug("Ответ на BYE")
}

// releasePort возвращает RTP порт в пул. Сокет, не переданный
// транспорту, закрывается здесь.
func (c *Call) releasePort() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.port != 0 {
		c.ctl.ports.Release(c.port)
		c.port = 0
	}
}

// stopMedia останавливает RTP сессию и перекачку. Повторные вызовы безопасны.
func (c *Call) stopMedia() {
	if c.session == nil {
		return
	}
	c.session.Stop()
	c.pumps.Wait()

	c.mu.Lock()
	c.stats = c.session.Stats()
	c.session = nil
	c.mu.Unlock()
	c.tones = nil
}

// finish освобождает ресурсы звонка и снимает его с учета диспетчера
func (c *Call) finish() {
	switch c.State() {
	case CallIdle, CallCalling:
		fire(c.fsm, evCallFail, c.logger)
	case CallRinging, CallAnswering, CallActive:
		fire(c.fsm, evTerminate, c.logger)
	}

	stopTimer(c.ringTimer)
	stopTimer(c.retransmit)
	c.stopMedia()

	if c.core != nil {
		c.core.Close()
		c.core = nil
	}
	if c.engineCancel != nil {
		c.engineCancel()
	}
	c.releasePort()

	if c.State() == CallTerminating {
		fire(c.fsm, evClose, c.logger)
	}

	reason := c.endReason
	if reason == "" {
		reason = "normal"
	}
	c.ctl.metrics.CallEnded(string(c.direction), reason, c.started)

	c.logger.WithFields(logrus.Fields{
		"reason": reason,
		"stats":  c.Info().Stats,
	}).Info("Звонок завершен")
	c.emit(Event{Type: EventCallEnded, Reason: reason})

	close(c.done)
	c.ctl.removeCall(c)
}

// reply отправляет ответ на запрос диалога и запоминает его для
// повторной отправки на ретрансмиссию запроса
func (c *Call) reply(in Incoming, code int, reason string, body []byte) *sip.Response {
	req := in.Request
	tag := c.local.tag
	if code == 100 {
		tag = ""
	}

	res := c.ctl.endpoint.newResponse(req, code, reason, tag, body)
	if req.Method == sip.INVITE && code >= 200 && code < 300 {
		res.AppendHeader(&sip.ContactHeader{
			Address: c.ctl.endpoint.contactURI(c.line.Username),
			Params:  sip.NewParams(),
		})
	}
	if req.Method == sip.OPTIONS {
		res.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	}

	c.responses[requestKey(req)] = res
	c.send(res, in.Source)
	return res
}

// resend повторяет последний ответ на ретрансмиссию запроса
func (c *Call) resend(in Incoming) {
	if res, ok := c.responses[requestKey(in.Request)]; ok {
		c.send(res, in.Source)
	}
}

func (c *Call) send(msg sip.Message, addr *net.UDPAddr) {
	if err := c.ctl.endpoint.Send(msg, addr); err != nil {
		c.logger.WithError(err).Warn("Ошибка отправки SIP сообщения")
	}
}

func (c *Call) emit(ev Event) {
	ev.Line = c.line.Name
	ev.CallID = c.id
	if ev.Remote == "" {
		ev.Remote = c.remoteStr
	}
	emitEvent(c.ctl.events, ev, c.logger)
}

// requestKey ключ транзакции сервера для поиска ретрансмиссий
func requestKey(req *sip.Request) string {
	return fmt.Sprintf("%d %s", req.CSeq().SeqNo, req.Method)
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
