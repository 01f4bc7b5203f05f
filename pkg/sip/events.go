package sip

import (
	"time"

	"github.com/sirupsen/logrus"
)

// EventType тип события контроллера
type EventType string

const (
	EventRegistered         EventType = "registered"
	EventUnregistered       EventType = "unregistered"
	EventRegistrationFailed EventType = "registration_failed"
	EventCallIncoming       EventType = "call_incoming"
	EventCallRejected       EventType = "call_rejected"
	EventCallStarted        EventType = "call_started"
	EventCallHold           EventType = "call_hold"
	EventCallResumed        EventType = "call_resumed"
	EventCallEnded          EventType = "call_ended"
	EventDTMF               EventType = "dtmf"
)

// Event дискретное событие, сообщаемое наружу: смена регистрации,
// отказ в звонке, начало и конец звонка, принятый DTMF.
type Event struct {
	Type   EventType
	Time   time.Time
	Line   string
	CallID string

	// Remote адрес удаленной стороны звонка
	Remote string

	// StatusCode код SIP ответа, вызвавшего событие или отправленного в отказе
	StatusCode int

	// Reason причина завершения или отказа
	Reason string

	// Digit символ DTMF для EventDTMF
	Digit rune

	// RetryIn через сколько будет повтор для EventRegistrationFailed
	RetryIn time.Duration

	Err error
}

// DefaultEventBuffer емкость канала событий
const DefaultEventBuffer = 64

// emitEvent отправляет событие без блокировки. При переполненном
// канале событие отбрасывается.
func emitEvent(events chan<- Event, ev Event, logger *logrus.Entry) {
	if events == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case events <- ev:
	default:
		logger.WithField("event", ev.Type).Warn("Канал событий переполнен, событие отброшено")
	}
}
