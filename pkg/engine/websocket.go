package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/voice_bridge/pkg/logging"
)

// Формат аудио в бинарных сообщениях: PCM16 little-endian, 8 кГц, моно.
const (
	AudioEncoding   = "pcm16le"
	AudioSampleRate = 8000
	frameBytes      = FrameSamples * 2
)

// Типы управляющих JSON сообщений
const (
	MessageStart  = "start"
	MessageStop   = "stop"
	MessagePrompt = "prompt"
	MessageDTMF   = "dtmf"
	MessageHangup = "hangup"
	MessageError  = "error"
)

// ControlMessage управляющее сообщение в текстовом кадре websocket
type ControlMessage struct {
	Type       string `json:"type"`
	CallID     string `json:"call_id,omitempty"`
	Line       string `json:"line,omitempty"`
	Remote     string `json:"remote,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Text       string `json:"text,omitempty"`
	Digit      string `json:"digit,omitempty"`
	Error      string `json:"error,omitempty"`
}

// StreamClaims claims токена, передаваемого движку при подключении
type StreamClaims struct {
	Line   string `json:"line"`
	Remote string `json:"remote,omitempty"`
	jwt.RegisteredClaims
}

// WebSocketConfig параметры моста к движку по websocket
type WebSocketConfig struct {
	URL string

	// Secret ключ HS256 для bearer токена. Пустой отключает токен.
	Secret   string
	TokenTTL time.Duration

	HandshakeTimeout time.Duration
	Logger           *logrus.Entry
}

// WebSocket мост к внешнему движку: одно websocket соединение на звонок.
// Аудио идет бинарными кадрами по 20 мс в обе стороны, подсказки и DTMF
// текстовыми кадрами ControlMessage.
type WebSocket struct {
	config WebSocketConfig
	dialer *websocket.Dialer
	logger *logrus.Entry
}

// NewWebSocket создает мост
func NewWebSocket(config WebSocketConfig) (*WebSocket, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("не задан URL движка")
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = time.Hour
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}

	return &WebSocket{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		logger: logging.OrDiscard(config.Logger),
	}, nil
}

// Token подписывает токен для звонка
func (w *WebSocket) Token(stream *Stream) (string, error) {
	now := time.Now()
	claims := StreamClaims{
		Line:   stream.Line,
		Remote: stream.Remote,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "voice_bridge",
			Subject:   stream.CallID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(w.config.TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(w.config.Secret))
}

// Serve реализует Engine
func (w *WebSocket) Serve(ctx context.Context, stream *Stream) error {
	logger := w.logger.WithField("call_id", stream.CallID)

	header := http.Header{}
	if w.config.Secret != "" {
		token, err := w.Token(stream)
		if err != nil {
			return fmt.Errorf("ошибка подписи токена: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := w.dialer.DialContext(ctx, w.config.URL, header)
	if err != nil {
		return fmt.Errorf("ошибка подключения к движку %s: %w", w.config.URL, err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(ControlMessage{
		Type:       MessageStart,
		CallID:     stream.CallID,
		Line:       stream.Line,
		Remote:     stream.Remote,
		Encoding:   AudioEncoding,
		SampleRate: AudioSampleRate,
	}); err != nil {
		return fmt.Errorf("ошибка отправки start: %w", err)
	}
	logger.Debug("Подключен движок")

	readErr := make(chan error, 1)
	go func() {
		readErr <- w.readLoop(ctx, conn, stream, logger)
	}()

	prompts := stream.Prompts
	dtmf := stream.DTMF
	buf := make([]byte, frameBytes)

	for {
		select {
		case <-ctx.Done():
			w.close(conn)
			return nil

		case err := <-readErr:
			return err

		case frame, ok := <-stream.Inbound:
			if !ok {
				conn.WriteJSON(ControlMessage{Type: MessageStop, CallID: stream.CallID})
				w.close(conn)
				return nil
			}
			for i, s := range frame {
				binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
				return fmt.Errorf("ошибка отправки аудио: %w", err)
			}

		case text, ok := <-prompts:
			if !ok {
				prompts = nil
				continue
			}
			if err := conn.WriteJSON(ControlMessage{Type: MessagePrompt, Text: text}); err != nil {
				return fmt.Errorf("ошибка отправки подсказки: %w", err)
			}

		case digit, ok := <-dtmf:
			if !ok {
				dtmf = nil
				continue
			}
			if err := conn.WriteJSON(ControlMessage{Type: MessageDTMF, Digit: string(digit)}); err != nil {
				return fmt.Errorf("ошибка отправки DTMF: %w", err)
			}
		}
	}
}

// readLoop принимает аудио движка и режет его на фреймы. Хвост
// неполного фрейма переносится в следующее сообщение.
func (w *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn, stream *Stream, logger *logrus.Entry) error {
	var pending []byte
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrHangup
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ошибка чтения от движка: %w", err)
		}

		switch messageType {
		case websocket.BinaryMessage:
			pending = append(pending, data...)
			for len(pending) >= frameBytes {
				var frame Frame
				for i := range frame {
					frame[i] = int16(binary.LittleEndian.Uint16(pending[i*2:]))
				}
				pending = pending[frameBytes:]

				select {
				case stream.Outbound <- frame:
				case <-ctx.Done():
					return nil
				}
			}

		case websocket.TextMessage:
			var msg ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.WithError(err).Warn("Некорректное управляющее сообщение движка")
				continue
			}
			switch msg.Type {
			case MessageHangup:
				return ErrHangup
			case MessageError:
				return fmt.Errorf("ошибка движка: %s", msg.Error)
			default:
				logger.WithField("type", msg.Type).Debug("Неизвестное сообщение движка")
			}
		}
	}
}

func (w *WebSocket) close(conn *websocket.Conn) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		w.logger.WithError(err).Debug("Ошибка закрытия websocket")
	}
}
