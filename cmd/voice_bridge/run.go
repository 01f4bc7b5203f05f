package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/voice_bridge/pkg/config"
	"github.com/arzzra/voice_bridge/pkg/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Запустить endpoint",
	Long: `Регистрирует линии из конфигурации, принимает входящие звонки и
передает их разговорному движку. Останавливается по SIGINT или SIGTERM,
предварительно завершив звонки и сняв регистрации.

Примеры:
  voice_bridge run                         # config.yaml в текущем каталоге
  voice_bridge run -c /etc/voice_bridge.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runEndpoint(ctx)
	},
}

func runEndpoint(ctx context.Context) error {
	st, err := buildStack(ctx, false)
	if err != nil {
		return err
	}
	logger := logging.WithComponent(st.logger, "main")

	// без перезапуска применяется только уровень логирования
	st.loader.Watch(func(cfg *config.Config) {
		if err := logging.SetLevel(st.logger, cfg.Log.Level); err != nil {
			logger.WithError(err).Warn("Уровень логирования не изменен")
			return
		}
		logger.WithField("level", cfg.Log.Level).Info("Уровень логирования изменен")
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return st.controller.Run(gctx)
	})
	g.Go(func() error {
		return serveMetrics(gctx, st.cfg.Metrics, st.metrics, logger)
	})
	g.Go(func() error {
		logEvents(gctx, st.controller.Events(), logging.WithComponent(st.logger, "events"))
		return nil
	})

	logger.WithField("lines", len(st.cfg.Lines)).Info("voice_bridge запущен")
	err = g.Wait()
	logger.Info("voice_bridge остановлен")
	return err
}
