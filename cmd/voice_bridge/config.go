package main

import (
	"github.com/spf13/cobra"

	"github.com/arzzra/voice_bridge/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Показать итоговую конфигурацию",
	Long: `Печатает конфигурацию после применения значений по умолчанию, файла
и переменных окружения. Пароли и секреты скрываются.

Пример:
  voice_bridge config -c config.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader, err := config.NewLoader(config.Options{File: configFile, EnvFile: envFile})
		if err != nil {
			return err
		}
		return loader.Dump(cmd.OutOrStdout())
	},
}
