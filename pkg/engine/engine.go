// Package engine описывает границу между телефонным ядром и внешним
// разговорным движком (распознавание, генерация ответа, синтез речи).
//
// На звонок создается один Stream: пара ограниченных каналов 20 мс
// фреймов линейного PCM (160 отсчетов, 8 кГц) в обе стороны, канал
// текстовых подсказок для озвучивания и канал принятых DTMF символов.
// Ядро не интерпретирует ни аудио движка, ни текст подсказок.
package engine

import (
	"context"
	"errors"
)

// FrameSamples отсчетов в одном 20 мс фрейме при 8 кГц
const FrameSamples = 160

// DefaultQueueSize емкость каналов фреймов по умолчанию (1 секунда)
const DefaultQueueSize = 50

// Frame 20 мс линейного PCM, знаковые 16 бит
type Frame [FrameSamples]int16

// ErrHangup движок завершил разговор и просит положить трубку
var ErrHangup = errors.New("движок завершил разговор")

// Stream каналы одного звонка со стороны движка.
//
// Inbound закрывается ядром по завершении звонка. Outbound ядро не
// закрывает: движок прекращает запись после отмены контекста Serve.
type Stream struct {
	CallID string
	Line   string
	Remote string

	// Inbound аудио от абонента
	Inbound <-chan Frame

	// Outbound аудио для абонента. Запись блокируется, если ядро не
	// успевает отправлять: темп задает RTP отправка.
	Outbound chan<- Frame

	// Prompts текст, который нужно произнести абоненту
	Prompts <-chan string

	// DTMF символы, набранные абонентом
	DTMF <-chan rune
}

// Engine обслуживает звонки. Serve вызывается в отдельной горутине на
// каждый звонок и должен вернуться после закрытия Inbound или отмены
// контекста. Возврат nil или ErrHangup до этого означает, что движок
// закончил разговор, и ядро кладет трубку.
type Engine interface {
	Serve(ctx context.Context, stream *Stream) error
}

// Func адаптер функции к Engine
type Func func(ctx context.Context, stream *Stream) error

// Serve вызывает f
func (f Func) Serve(ctx context.Context, stream *Stream) error {
	return f(ctx, stream)
}

// Pipe создает Stream и противоположные концы каналов для ядра
func Pipe(callID, line, remote string, queueSize int) (*Stream, *Core) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	inbound := make(chan Frame, queueSize)
	outbound := make(chan Frame, queueSize)
	prompts := make(chan string, 16)
	dtmf := make(chan rune, 16)

	stream := &Stream{
		CallID:   callID,
		Line:     line,
		Remote:   remote,
		Inbound:  inbound,
		Outbound: outbound,
		Prompts:  prompts,
		DTMF:     dtmf,
	}
	core := &Core{
		Inbound:  inbound,
		Outbound: outbound,
		Prompts:  prompts,
		DTMF:     dtmf,
	}
	return stream, core
}

// Core концы каналов Stream со стороны ядра
type Core struct {
	Inbound  chan<- Frame
	Outbound <-chan Frame
	Prompts  chan<- string
	DTMF     chan<- rune
}

// Close закрывает каналы, которые пишет ядро
func (c *Core) Close() {
	close(c.Inbound)
	close(c.Prompts)
	close(c.DTMF)
}
