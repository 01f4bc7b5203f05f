package sip

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/voice_bridge/pkg/logging"
	"github.com/arzzra/voice_bridge/pkg/metrics"
)

const (
	// DefaultExpires запрашиваемый срок регистрации
	DefaultExpires = time.Hour

	// DefaultMinRefresh нижняя граница интервала обновления
	DefaultMinRefresh = 20 * time.Second

	unregisterTimeout = 5 * time.Second
)

// Line настроенный добавочный номер
type Line struct {
	// Name имя линии в конфигурации и событиях
	Name string `mapstructure:"name" yaml:"name"`

	Username string `mapstructure:"username" yaml:"username"`

	// AuthUsername имя для digest, если отличается от Username
	AuthUsername string `mapstructure:"auth_username" yaml:"auth_username,omitempty"`
	Password     string `mapstructure:"password" yaml:"password"`
	DisplayName  string `mapstructure:"display_name" yaml:"display_name,omitempty"`

	// Domain домен AOR (sip:username@domain)
	Domain string `mapstructure:"domain" yaml:"domain"`

	// Registrar адрес регистратора host[:port]. Пустой означает Domain.
	Registrar string `mapstructure:"registrar" yaml:"registrar,omitempty"`

	Expires time.Duration `mapstructure:"expires" yaml:"expires"`
}

// AOR address-of-record линии
func (l Line) AOR() sip.Uri {
	return sip.Uri{Scheme: "sip", User: l.Username, Host: l.Domain}
}

func (l Line) credentials() Credentials {
	user := l.AuthUsername
	if user == "" {
		user = l.Username
	}
	return Credentials{Username: user, Password: l.Password}
}

// RegistrationConfig параметры регистрации линии
type RegistrationConfig struct {
	Line      Line
	Endpoint  *Endpoint
	Registrar *net.UDPAddr

	// Policy расписание повтора неудачного цикла
	Policy RetryPolicy

	// MinRefresh нижняя граница интервала обновления
	MinRefresh time.Duration

	Events  chan<- Event
	Metrics *metrics.Collector
	Logger  *logrus.Entry
}

// Registration присутствие одной линии на регистраторе. Цикл
// регистрации выполняется в собственной горутине (Run); состояние
// меняется только через таблицу переходов.
type Registration struct {
	line       Line
	endpoint   *Endpoint
	registrar  *net.UDPAddr
	policy     RetryPolicy
	minRefresh time.Duration
	events     chan<- Event
	metrics    *metrics.Collector
	logger     *logrus.Entry

	fsm     *fsm.FSM
	callID  string
	fromTag string
	cseq    uint32

	mu        sync.Mutex
	expires   time.Duration
	expiresAt time.Time
	retries   int
	challenge *digest.Challenge
}

// RegistrationInfo снимок состояния регистрации
type RegistrationInfo struct {
	Line      string
	State     RegistrationState
	Expires   time.Duration
	ExpiresAt time.Time
	Retries   int
	Realm     string
	Nonce     string
	Algorithm string
}

// NewRegistration создает регистрацию в состоянии unregistered
func NewRegistration(config RegistrationConfig) (*Registration, error) {
	if config.Endpoint == nil || config.Registrar == nil {
		return nil, fmt.Errorf("не заданы endpoint или адрес регистратора")
	}
	if config.Line.Username == "" || config.Line.Domain == "" {
		return nil, fmt.Errorf("линия %q: не заданы username или domain", config.Line.Name)
	}
	if config.Line.Expires <= 0 {
		config.Line.Expires = DefaultExpires
	}
	if config.MinRefresh <= 0 {
		config.MinRefresh = DefaultMinRefresh
	}
	if config.Policy.InitialInterval <= 0 {
		config.Policy = DefaultRegistrationPolicy()
	}

	logger := logging.OrDiscard(config.Logger).WithFields(logrus.Fields{
		"line":      config.Line.Name,
		"registrar": config.Registrar.String(),
	})

	return &Registration{
		line:       config.Line,
		endpoint:   config.Endpoint,
		registrar:  config.Registrar,
		policy:     config.Policy,
		minRefresh: config.MinRefresh,
		events:     config.Events,
		metrics:    config.Metrics,
		logger:     logger,
		fsm:        newStateMachine(string(RegistrationUnregistered), registrationEvents(), logger),
		callID:     newCallID(config.Endpoint.Host()),
		fromTag:    newTag(),
	}, nil
}

// State текущее состояние
func (r *Registration) State() RegistrationState {
	return RegistrationState(r.fsm.Current())
}

// Info снимок состояния для диагностики
func (r *Registration) Info() RegistrationInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := RegistrationInfo{
		Line:      r.line.Name,
		State:     r.State(),
		Expires:   r.expires,
		ExpiresAt: r.expiresAt,
		Retries:   r.retries,
	}
	if r.challenge != nil {
		info.Realm = r.challenge.Realm
		info.Nonce = r.challenge.Nonce
		info.Algorithm = r.challenge.Algorithm
	}
	return info
}

// Run поддерживает регистрацию до отмены контекста, затем снимает ее
// (Expires: 0). Неудачный цикл повторяется по политике без
// ограничения числа попыток.
func (r *Registration) Run(ctx context.Context) {
	retry := r.policy.NewBackOff()

	for {
		refresh, err := r.cycle(ctx)
		if ctx.Err() != nil {
			r.unregister()
			return
		}

		var wait time.Duration
		if err != nil {
			wait = retry.NextBackOff()
			if wait == backoff.Stop {
				wait = r.policy.MaxInterval
			}
			r.onFailure(err, wait)
		} else {
			retry.Reset()
			wait = refresh
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.unregister()
			return
		case <-timer.C:
		}
	}
}

// cycle один цикл регистрации или обновления. Возвращает интервал до
// следующего обновления.
func (r *Registration) cycle(ctx context.Context) (time.Duration, error) {
	start := evRegister
	if r.State() == RegistrationRegistered {
		start = evRefresh
	}
	if err := fire(r.fsm, start, r.logger); err != nil {
		return 0, err
	}

	expires := int(r.line.Expires / time.Second)
	challenged := false
	var last *sip.Response

	for {
		req := r.buildRegister(expires)
		if last != nil {
			chal, err := authorize(req, last, r.line.credentials())
			if err != nil {
				r.fail("error")
				return 0, err
			}
			r.mu.Lock()
			r.challenge = chal
			r.mu.Unlock()
		}

		res, err := r.endpoint.Request(ctx, req, r.registrar, nil)
		if err != nil {
			if ctx.Err() != nil {
				// остановка: состояние сохраняется, чтобы unregister снял
				// действующую привязку
				return 0, err
			}
			r.fail("timeout")
			return 0, err
		}

		code := int(res.StatusCode)
		switch {
		case code == 401 || code == 407:
			if challenged {
				r.fail("auth")
				return 0, &AuthError{Method: string(sip.REGISTER), StatusCode: code, Realm: r.realm()}
			}
			challenged = true
			if err := fire(r.fsm, evChallenge, r.logger); err != nil {
				return 0, err
			}
			last = res

		case code >= 200 && code < 300:
			granted := time.Duration(grantedExpiry(res, r.line.Username, expires)) * time.Second
			if err := fire(r.fsm, evSuccess, r.logger); err != nil {
				return 0, err
			}
			r.onSuccess(granted)
			return r.refreshInterval(granted), nil

		default:
			r.fail("rejected")
			return 0, &StatusError{Method: string(sip.REGISTER), StatusCode: code, Reason: res.Reason}
		}
	}
}

// buildRegister новый REGISTER с очередным CSeq и новым branch
func (r *Registration) buildRegister(expires int) *sip.Request {
	r.cseq++
	aor := r.line.AOR()
	contact := r.endpoint.contactURI(r.line.Username)

	req := r.endpoint.buildRequest(requestParams{
		method:  sip.REGISTER,
		target:  sip.Uri{Scheme: "sip", Host: r.line.Domain},
		from:    party{displayName: r.line.DisplayName, uri: aor, tag: r.fromTag},
		to:      party{displayName: r.line.DisplayName, uri: aor},
		callID:  r.callID,
		cseq:    r.cseq,
		contact: &contact,
	})
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expires)))
	req.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	return req
}

func (r *Registration) refreshInterval(granted time.Duration) time.Duration {
	interval := granted / 2
	if interval < r.minRefresh {
		interval = r.minRefresh
	}
	return interval
}

func (r *Registration) realm() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.challenge == nil {
		return ""
	}
	return r.challenge.Realm
}

func (r *Registration) fail(result string) {
	fire(r.fsm, evFail, r.logger)
	r.metrics.RegistrationAttempt(r.line.Name, result)
	r.metrics.SetRegistered(r.line.Name, false)
}

func (r *Registration) onSuccess(granted time.Duration) {
	r.mu.Lock()
	r.expires = granted
	r.expiresAt = time.Now().Add(granted)
	r.retries = 0
	r.mu.Unlock()

	r.metrics.RegistrationAttempt(r.line.Name, "success")
	r.metrics.SetRegistered(r.line.Name, true)
	r.logger.WithField("expires", granted).Info("Линия зарегистрирована")
	r.emit(Event{Type: EventRegistered, Line: r.line.Name})
}

// onFailure фиксирует неудачный цикл. Если срок прошлой регистрации
// истек, линия переходит в expired.
func (r *Registration) onFailure(err error, retryIn time.Duration) {
	r.mu.Lock()
	r.retries++
	retries := r.retries
	expired := !r.expiresAt.IsZero() && time.Now().After(r.expiresAt)
	if expired {
		r.expiresAt = time.Time{}
	}
	r.mu.Unlock()

	if expired {
		fire(r.fsm, evExpire, r.logger)
	}

	r.logger.WithFields(logrus.Fields{
		"error":    err,
		"retry_in": retryIn,
		"retries":  retries,
	}).Warn("Ошибка регистрации")

	ev := Event{Type: EventRegistrationFailed, Line: r.line.Name, Err: err, RetryIn: retryIn}
	if authErr, ok := err.(*AuthError); ok {
		ev.StatusCode = authErr.StatusCode
	} else if statusErr, ok := err.(*StatusError); ok {
		ev.StatusCode = statusErr.StatusCode
	}
	r.emit(ev)
}

// unregister снимает регистрацию. Вызывается после отмены контекста
// Run, поэтому использует собственный таймаут.
func (r *Registration) unregister() {
	switch r.State() {
	case RegistrationRegistered, RegistrationRefreshing:
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()

	var last *sip.Response
	for attempt := 0; attempt < 2; attempt++ {
		req := r.buildRegister(0)
		if last != nil {
			if _, err := authorize(req, last, r.line.credentials()); err != nil {
				break
			}
		}
		res, err := r.endpoint.Request(ctx, req, r.registrar, nil)
		if err != nil {
			r.logger.WithError(err).Warn("Не удалось снять регистрацию")
			break
		}
		code := int(res.StatusCode)
		if (code == 401 || code == 407) && last == nil {
			last = res
			continue
		}
		break
	}

	fire(r.fsm, evUnregister, r.logger)
	r.metrics.SetRegistered(r.line.Name, false)
	r.logger.Info("Регистрация снята")
	r.emit(Event{Type: EventUnregistered, Line: r.line.Name})
}

func (r *Registration) emit(ev Event) {
	emitEvent(r.events, ev, r.logger)
}
