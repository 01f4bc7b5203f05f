package main

import (
	"github.com/spf13/cobra"
)

var (
	// глобальные флаги
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "voice_bridge",
	Short: "SIP endpoint, соединяющий телефонные звонки с разговорным движком",
	Long: `voice_bridge регистрирует SIP линии на АТС, принимает и совершает звонки
по UDP и передает аудио G.711 разговорному движку (эхо или внешний сервис по
websocket).

Конфигурация читается из YAML файла, переменные окружения с префиксом VB_
перекрывают значения файла (VB_SIP_LISTEN, VB_LOG_LEVEL и т.д.).`,
	SilenceUsage: true,
}

// Execute разбирает аргументы и выполняет выбранную команду
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml",
		"путь к файлу конфигурации")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"файл с переменными окружения (секреты линий)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dialCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
