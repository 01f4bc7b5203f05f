// Command voice_bridge регистрирует SIP линии, принимает и совершает
// звонки и передает их аудио разговорному движку.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		os.Exit(1)
	}
}
