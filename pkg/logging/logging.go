// Package logging настраивает logrus для всех компонентов: уровень,
// формат и опциональную запись в файл с ротацией через lumberjack.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions параметры ротации файла логов
type FileOptions struct {
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Options параметры логгера
type Options struct {
	Level  string      `mapstructure:"level" yaml:"level"`
	Format string      `mapstructure:"format" yaml:"format"`
	File   FileOptions `mapstructure:"file" yaml:"file"`
}

// New создает логгер. Вывод всегда идет в stderr, при заданном
// File.Filename дублируется в файл с ротацией.
func New(opts Options) (*logrus.Logger, error) {
	logger := logrus.New()

	if err := SetLevel(logger, opts.Level); err != nil {
		return nil, err
	}

	switch strings.ToLower(opts.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("неподдерживаемый формат логов: %s", opts.Format)
	}

	writers := []io.Writer{os.Stderr}
	if opts.File.Filename != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File.Filename,
			MaxSize:    opts.File.MaxSize,
			MaxBackups: opts.File.MaxBackups,
			MaxAge:     opts.File.MaxAge,
			Compress:   opts.File.Compress,
		})
	}
	logger.SetOutput(io.MultiWriter(writers...))

	return logger, nil
}

// SetLevel меняет уровень логгера. Пустая строка означает info.
func SetLevel(logger *logrus.Logger, level string) error {
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("неизвестный уровень логирования %q: %w", level, err)
	}
	logger.SetLevel(lvl)
	return nil
}

// WithComponent возвращает логгер с полем component
func WithComponent(logger logrus.FieldLogger, component string) *logrus.Entry {
	if logger == nil {
		logger = Discard()
	}
	return logger.WithField("component", component)
}

// Discard логгер, отбрасывающий все записи
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// OrDiscard возвращает entry или Discard, если entry nil
func OrDiscard(entry *logrus.Entry) *logrus.Entry {
	if entry == nil {
		return Discard()
	}
	return entry
}
