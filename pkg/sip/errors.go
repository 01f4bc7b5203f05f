package sip

import (
	"errors"
	"fmt"
)

var (
	// ErrTransactionTimeout нет финального ответа после всех ретрансмиссий
	ErrTransactionTimeout = errors.New("таймаут транзакции")

	// ErrEndpointClosed endpoint остановлен
	ErrEndpointClosed = errors.New("endpoint закрыт")

	// ErrUnknownLine линия с таким именем не настроена
	ErrUnknownLine = errors.New("неизвестная линия")

	// ErrLineBusy на линии уже есть активный звонок
	ErrLineBusy = errors.New("линия занята")

	// ErrCallNotFound звонок с таким Call-ID не найден
	ErrCallNotFound = errors.New("звонок не найден")

	// ErrInvalidState операция недопустима в текущем состоянии
	ErrInvalidState = errors.New("недопустимое состояние")

	// ErrMalformedMessage сообщение не содержит обязательных заголовков
	ErrMalformedMessage = errors.New("некорректное SIP сообщение")
)

// AuthError учетные данные отклонены после повторного запроса с digest
type AuthError struct {
	Method     string
	StatusCode int
	Realm      string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("аутентификация %s отклонена: %d (realm %q)", e.Method, e.StatusCode, e.Realm)
}

// StatusError финальный ответ с кодом ошибки
type StatusError struct {
	Method     string
	StatusCode int
	Reason     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s отклонен: %d %s", e.Method, e.StatusCode, e.Reason)
}
