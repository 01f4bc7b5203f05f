package engine

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/voice_bridge/pkg/logging"
)

// Echo возвращает абоненту его собственное аудио. Используется для
// проверки линии без внешнего движка. Подсказки только логируются.
type Echo struct {
	Logger *logrus.Entry
}

// Serve реализует Engine
func (e *Echo) Serve(ctx context.Context, stream *Stream) error {
	logger := logging.OrDiscard(e.Logger).WithField("call_id", stream.CallID)
	prompts := stream.Prompts
	dtmf := stream.DTMF

	for {
		select {
		case <-ctx.Done():
			return nil

		case frame, ok := <-stream.Inbound:
			if !ok {
				return nil
			}
			select {
			case stream.Outbound <- frame:
			default:
				// отправка не успевает, фрейм теряется
			}

		case text, ok := <-prompts:
			if !ok {
				prompts = nil
				continue
			}
			logger.WithField("text", text).Info("Подсказка для озвучивания")

		case digit, ok := <-dtmf:
			if !ok {
				dtmf = nil
				continue
			}
			logger.WithField("digit", string(digit)).Info("Принят DTMF")
		}
	}
}
