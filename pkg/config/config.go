// Package config загружает конфигурацию voice_bridge через viper:
// YAML файл, переменные окружения с префиксом VB_ и файл .env.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/voice_bridge/pkg/engine"
	"github.com/arzzra/voice_bridge/pkg/logging"
	"github.com/arzzra/voice_bridge/pkg/rtp"
	"github.com/arzzra/voice_bridge/pkg/sip"
)

// EnvPrefix префикс переменных окружения: sip.listen -> VB_SIP_LISTEN
const EnvPrefix = "VB"

// Config корневая конфигурация
type Config struct {
	SIP     SIPConfig       `mapstructure:"sip" yaml:"sip"`
	Lines   []sip.Line      `mapstructure:"lines" yaml:"lines"`
	RTP     RTPConfig       `mapstructure:"rtp" yaml:"rtp"`
	Retry   RetryConfig     `mapstructure:"retry" yaml:"retry"`
	Engine  EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Metrics MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Log     logging.Options `mapstructure:"log" yaml:"log"`
}

// SIPConfig сигнализация
type SIPConfig struct {
	// Listen адрес UDP сокета host:port
	Listen string `mapstructure:"listen" yaml:"listen"`

	// PublicIP адрес для Via, Contact и SDP. Пустой: STUN, если задан
	// STUNServer, иначе адрес исходящего интерфейса.
	PublicIP   string `mapstructure:"public_ip" yaml:"public_ip"`
	STUNServer string `mapstructure:"stun_server" yaml:"stun_server"`

	// DNSServer сервер для SRV запросов регистратора, пустой означает resolv.conf
	DNSServer string `mapstructure:"dns_server" yaml:"dns_server"`

	UserAgent           string        `mapstructure:"user_agent" yaml:"user_agent"`
	MinRefresh          time.Duration `mapstructure:"min_refresh" yaml:"min_refresh"`
	RingDelay           time.Duration `mapstructure:"ring_delay" yaml:"ring_delay"`
	Greeting            time.Duration `mapstructure:"greeting" yaml:"greeting"`
	DisableRegistration bool          `mapstructure:"disable_registration" yaml:"disable_registration"`
}

// RTPConfig медиа
type RTPConfig struct {
	Ports     rtp.PortRange `mapstructure:"ports" yaml:"ports"`
	DSCP      int           `mapstructure:"dscp" yaml:"dscp"`
	QueueSize int           `mapstructure:"queue_size" yaml:"queue_size"`
}

// RetryConfig политики повторов
type RetryConfig struct {
	Registration sip.RetryPolicy `mapstructure:"registration" yaml:"registration"`
	Transaction  sip.RetryPolicy `mapstructure:"transaction" yaml:"transaction"`
}

// EngineConfig разговорный движок
type EngineConfig struct {
	// Kind echo или websocket
	Kind string `mapstructure:"kind" yaml:"kind"`

	URL              string        `mapstructure:"url" yaml:"url"`
	Secret           string        `mapstructure:"secret" yaml:"secret"`
	TokenTTL         time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
}

// MetricsConfig HTTP сервер метрик. Пустой Listen отключает сервер.
type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
	Path   string `mapstructure:"path" yaml:"path"`
}

const (
	EngineEcho      = "echo"
	EngineWebSocket = "websocket"
)

// Options источники конфигурации
type Options struct {
	// File путь к YAML файлу, пустой означает только окружение и умолчания
	File string

	// EnvFile файл с переменными окружения, по умолчанию .env.
	// Отсутствующий файл не считается ошибкой.
	EnvFile string

	Logger *logrus.Entry
}

// Loader читает конфигурацию и следит за изменениями файла
type Loader struct {
	v      *viper.Viper
	file   string
	logger *logrus.Entry
}

// NewLoader подготавливает источники: загружает .env в окружение и
// читает файл конфигурации
func NewLoader(opts Options) (*Loader, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("ошибка чтения %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("ошибка чтения конфигурации %s: %w", opts.File, err)
		}
	}

	return &Loader{v: v, file: opts.File, logger: logging.OrDiscard(opts.Logger)}, nil
}

// Load читает конфигурацию из файла path и окружения
func Load(path string) (*Config, error) {
	loader, err := NewLoader(Options{File: path})
	if err != nil {
		return nil, err
	}
	return loader.Config()
}

// Config декодирует и проверяет текущую конфигурацию
func (l *Loader) Config() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора конфигурации: %w", err)
	}
	cfg.expandSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("некорректная конфигурация: %w", err)
	}
	return &cfg, nil
}

// SetLogger задает логгер для сообщений о перечитывании файла. Нужен,
// когда логгер строится из уже загруженной конфигурации.
func (l *Loader) SetLogger(logger *logrus.Entry) {
	l.logger = logging.OrDiscard(logger)
}

// Watch вызывает onChange после каждого изменения файла конфигурации.
// Некорректная новая конфигурация логируется и не передается.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.file == "" {
		return
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.Config()
		if err != nil {
			l.logger.WithError(err).WithField("file", e.Name).Warn("Изменение конфигурации отклонено")
			return
		}
		l.logger.WithField("file", e.Name).Info("Конфигурация перечитана")
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Dump выводит действующую конфигурацию в YAML. Пароли и секреты скрыты.
func (l *Loader) Dump(w io.Writer) error {
	cfg, err := l.Config()
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(document(cfg.Redacted())); err != nil {
		return fmt.Errorf("ошибка сериализации конфигурации: %w", err)
	}
	return enc.Close()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sip.listen", "0.0.0.0:5060")
	v.SetDefault("sip.public_ip", "")
	v.SetDefault("sip.stun_server", "")
	v.SetDefault("sip.dns_server", "")
	v.SetDefault("sip.user_agent", "voice_bridge")
	v.SetDefault("sip.min_refresh", sip.DefaultMinRefresh)
	v.SetDefault("sip.ring_delay", 0)
	v.SetDefault("sip.greeting", 0)
	v.SetDefault("sip.disable_registration", false)

	v.SetDefault("rtp.ports.min", 10000)
	v.SetDefault("rtp.ports.max", 20000)
	v.SetDefault("rtp.dscp", 46)
	v.SetDefault("rtp.queue_size", engine.DefaultQueueSize)

	reg := sip.DefaultRegistrationPolicy()
	v.SetDefault("retry.registration.max_attempts", reg.MaxAttempts)
	v.SetDefault("retry.registration.initial_interval", reg.InitialInterval)
	v.SetDefault("retry.registration.max_interval", reg.MaxInterval)
	v.SetDefault("retry.registration.multiplier", reg.Multiplier)
	v.SetDefault("retry.registration.randomization_factor", reg.RandomizationFactor)

	tx := sip.DefaultTransactionPolicy()
	v.SetDefault("retry.transaction.max_attempts", tx.MaxAttempts)
	v.SetDefault("retry.transaction.initial_interval", tx.InitialInterval)
	v.SetDefault("retry.transaction.max_interval", tx.MaxInterval)
	v.SetDefault("retry.transaction.multiplier", tx.Multiplier)
	v.SetDefault("retry.transaction.randomization_factor", tx.RandomizationFactor)

	v.SetDefault("engine.kind", EngineEcho)
	v.SetDefault("engine.url", "")
	v.SetDefault("engine.secret", "")
	v.SetDefault("engine.token_ttl", time.Hour)
	v.SetDefault("engine.handshake_timeout", 10*time.Second)

	v.SetDefault("metrics.listen", ":9090")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.filename", "")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.compress", true)
}

// expandSecrets подставляет значения вида ${NAME} из окружения
func (c *Config) expandSecrets() {
	for i := range c.Lines {
		c.Lines[i].Password = expandRef(c.Lines[i].Password)
	}
	c.Engine.Secret = expandRef(c.Engine.Secret)
}

func expandRef(value string) string {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		return os.Getenv(value[2 : len(value)-1])
	}
	return value
}

// Validate проверяет согласованность конфигурации
func (c *Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.SIP.Listen); err != nil {
		errs = append(errs, fmt.Errorf("sip.listen %q: %w", c.SIP.Listen, err))
	}
	if c.SIP.PublicIP != "" && net.ParseIP(c.SIP.PublicIP) == nil {
		errs = append(errs, fmt.Errorf("sip.public_ip %q не является IP адресом", c.SIP.PublicIP))
	}

	if len(c.Lines) == 0 {
		errs = append(errs, errors.New("не настроено ни одной линии"))
	}
	names := make(map[string]bool, len(c.Lines))
	for i, line := range c.Lines {
		name := line.Name
		if name == "" {
			name = line.Username
		}
		if line.Username == "" || line.Domain == "" {
			errs = append(errs, fmt.Errorf("lines[%d]: не заданы username или domain", i))
		}
		if names[name] {
			errs = append(errs, fmt.Errorf("lines[%d]: имя %q уже используется", i, name))
		}
		names[name] = true
	}

	ports := c.RTP.Ports
	if ports.Min <= 0 || ports.Max > 65535 || ports.Max-ports.Min < 1 {
		errs = append(errs, fmt.Errorf("rtp.ports: неверный диапазон %d-%d", ports.Min, ports.Max))
	}
	if c.RTP.DSCP < 0 || c.RTP.DSCP > 63 {
		errs = append(errs, fmt.Errorf("rtp.dscp: значение %d вне диапазона 0-63", c.RTP.DSCP))
	}

	switch c.Engine.Kind {
	case EngineEcho:
	case EngineWebSocket:
		if c.Engine.URL == "" {
			errs = append(errs, errors.New("engine.url обязателен для websocket"))
		}
	default:
		errs = append(errs, fmt.Errorf("engine.kind: неизвестный движок %q", c.Engine.Kind))
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	return errors.Join(errs...)
}

// Redacted копия конфигурации со скрытыми паролями
func (c *Config) Redacted() *Config {
	out := *c
	out.Lines = make([]sip.Line, len(c.Lines))
	for i, line := range c.Lines {
		if line.Password != "" {
			line.Password = "******"
		}
		out.Lines[i] = line
	}
	if out.Engine.Secret != "" {
		out.Engine.Secret = "******"
	}
	return &out
}
