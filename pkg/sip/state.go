package sip

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// RegistrationState состояние регистрации линии
type RegistrationState string

const (
	RegistrationUnregistered RegistrationState = "unregistered"
	RegistrationRegistering  RegistrationState = "registering"
	RegistrationChallenged   RegistrationState = "challenged"
	RegistrationRegistered   RegistrationState = "registered"
	RegistrationRefreshing   RegistrationState = "refreshing"
	RegistrationExpired      RegistrationState = "expired"
	RegistrationFailed       RegistrationState = "failed"
)

// События регистрации
const (
	evRegister   = "register"
	evChallenge  = "challenge"
	evSuccess    = "success"
	evRefresh    = "refresh"
	evExpire     = "expire"
	evFail       = "fail"
	evUnregister = "unregister"
)

func registrationEvents() fsm.Events {
	s := func(states ...RegistrationState) []string {
		out := make([]string, len(states))
		for i, st := range states {
			out[i] = string(st)
		}
		return out
	}
	return fsm.Events{
		{Name: evRegister, Src: s(RegistrationUnregistered, RegistrationFailed, RegistrationExpired), Dst: string(RegistrationRegistering)},
		{Name: evChallenge, Src: s(RegistrationRegistering, RegistrationRefreshing), Dst: string(RegistrationChallenged)},
		{Name: evSuccess, Src: s(RegistrationRegistering, RegistrationChallenged, RegistrationRefreshing), Dst: string(RegistrationRegistered)},
		{Name: evRefresh, Src: s(RegistrationRegistered), Dst: string(RegistrationRefreshing)},
		{Name: evExpire, Src: s(RegistrationRegistered, RegistrationRefreshing, RegistrationFailed), Dst: string(RegistrationExpired)},
		{Name: evFail, Src: s(RegistrationRegistering, RegistrationChallenged, RegistrationRefreshing), Dst: string(RegistrationFailed)},
		{Name: evUnregister, Src: s(RegistrationRegistered, RegistrationRefreshing, RegistrationFailed, RegistrationExpired), Dst: string(RegistrationUnregistered)},
	}
}

// CallState состояние звонка
type CallState string

const (
	CallIdle        CallState = "idle"
	CallRinging     CallState = "ringing"
	CallAnswering   CallState = "answering"
	CallActive      CallState = "active"
	CallTerminating CallState = "terminating"
	CallClosed      CallState = "closed"
	CallCalling     CallState = "calling"
)

// События звонка
const (
	evInvite    = "invite"
	evAnswer    = "answer"
	evAck       = "ack"
	evDial      = "dial"
	evConnect   = "connect"
	evTerminate = "terminate"
	evClose     = "close"
	evCallFail  = "fail"
)

func callEvents() fsm.Events {
	s := func(states ...CallState) []string {
		out := make([]string, len(states))
		for i, st := range states {
			out[i] = string(st)
		}
		return out
	}
	return fsm.Events{
		{Name: evInvite, Src: s(CallIdle), Dst: string(CallRinging)},
		{Name: evAnswer, Src: s(CallRinging), Dst: string(CallAnswering)},
		{Name: evAck, Src: s(CallAnswering), Dst: string(CallActive)},
		{Name: evDial, Src: s(CallIdle), Dst: string(CallCalling)},
		{Name: evConnect, Src: s(CallCalling), Dst: string(CallActive)},
		{Name: evTerminate, Src: s(CallRinging, CallAnswering, CallActive, CallCalling), Dst: string(CallTerminating)},
		{Name: evClose, Src: s(CallTerminating), Dst: string(CallClosed)},
		{Name: evCallFail, Src: s(CallIdle, CallCalling), Dst: string(CallClosed)},
	}
}

// newStateMachine создает FSM, логирующий каждый переход
func newStateMachine(initial string, events fsm.Events, logger *logrus.Entry) *fsm.FSM {
	return fsm.NewFSM(initial, events, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			logger.WithFields(logrus.Fields{
				"event": e.Event,
				"from":  e.Src,
				"to":    e.Dst,
			}).Debug("Переход состояния")
		},
	})
}

// fire выполняет переход. Недопустимый переход не меняет состояние,
// логируется и возвращается как ошибка с ErrInvalidState. Переход не
// зависит от контекста вызывающего: при отмененном контексте looplab/fsm
// не выполняет переход, а завершение звонка должно пройти всегда.
func fire(machine *fsm.FSM, event string, logger *logrus.Entry) error {
	err := machine.Event(context.Background(), event)
	if err == nil {
		return nil
	}

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}

	logger.WithFields(logrus.Fields{
		"event": event,
		"state": machine.Current(),
		"error": err,
	}).Warn("Недопустимый переход состояния")
	return errors.Join(ErrInvalidState, err)
}
