package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/voice_bridge/pkg/logging"
	"github.com/arzzra/voice_bridge/pkg/sip"
)

// dialOptions флаги команды dial
type dialOptions struct {
	say      string
	dtmf     string
	duration time.Duration
	register bool
}

var dialOpts dialOptions

var dialCmd = &cobra.Command{
	Use:   "dial <line> <target>",
	Short: "Позвонить с линии и соединить звонок с движком",
	Long: `Совершает исходящий звонок с указанной линии. target может быть
номером (добавляется домен линии) или SIP URI. Звонок длится до отбоя
удаленной стороны, истечения --duration или SIGINT.

Примеры:
  voice_bridge dial office 2001
  voice_bridge dial office sip:2001@pbx.example.com --say "Добрый день" -d 30s
  voice_bridge dial office 2001 --dtmf 1234#`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return dial(ctx, args[0], args[1], dialOpts)
	},
}

func init() {
	dialCmd.Flags().StringVar(&dialOpts.say, "say", "", "подсказка движку после ответа")
	dialCmd.Flags().StringVar(&dialOpts.dtmf, "dtmf", "", "цифры DTMF после ответа")
	dialCmd.Flags().DurationVarP(&dialOpts.duration, "duration", "d", 0, "максимальная длительность звонка, 0 без ограничения")
	dialCmd.Flags().BoolVar(&dialOpts.register, "register", false, "зарегистрировать линии перед звонком")
}

func dial(ctx context.Context, line, target string, opts dialOptions) error {
	st, err := buildStack(ctx, !opts.register)
	if err != nil {
		return err
	}
	logger := logging.WithComponent(st.logger, "main")

	runCtx, stopController := context.WithCancel(ctx)
	defer stopController()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return st.controller.Run(runCtx)
	})
	g.Go(func() error {
		logEvents(gctx, st.controller.Events(), logging.WithComponent(st.logger, "events"))
		return nil
	})
	g.Go(func() error {
		defer stopController()
		return placeCall(gctx, st.controller, line, target, opts, logger)
	})
	return g.Wait()
}

func placeCall(ctx context.Context, controller *sip.Controller, line, target string, opts dialOptions, logger *logrus.Entry) error {
	call, err := controller.Dial(ctx, line, target)
	if err != nil {
		return fmt.Errorf("звонок на %s не состоялся: %w", target, err)
	}
	logger = logger.WithField("call_id", call.ID())
	logger.WithField("target", target).Info("Звонок установлен")

	if opts.say != "" {
		if err := call.Say(opts.say); err != nil {
			logger.WithError(err).Warn("Подсказка не передана")
		}
	}
	if opts.dtmf != "" {
		if err := call.SendDTMF(opts.dtmf); err != nil {
			logger.WithError(err).Warn("DTMF не отправлен")
		}
	}

	var limit <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		limit = timer.C
	}

	select {
	case <-call.Done():
		logger.Info("Удаленная сторона завершила звонок")
		return nil
	case <-limit:
		logger.Info("Истекла длительность звонка")
	case <-ctx.Done():
	}

	if err := call.Hangup(); err != nil {
		logger.WithError(err).Debug("Отбой не выполнен")
	}
	select {
	case <-call.Done():
	case <-time.After(5 * time.Second):
		logger.Warn("Звонок не завершился после отбоя")
	}
	return nil
}
