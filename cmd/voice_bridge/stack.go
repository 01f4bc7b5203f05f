package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/voice_bridge/pkg/config"
	"github.com/arzzra/voice_bridge/pkg/engine"
	"github.com/arzzra/voice_bridge/pkg/logging"
	"github.com/arzzra/voice_bridge/pkg/metrics"
	"github.com/arzzra/voice_bridge/pkg/netutil"
	"github.com/arzzra/voice_bridge/pkg/rtp"
	"github.com/arzzra/voice_bridge/pkg/sip"
)

// stack собранные компоненты процесса
type stack struct {
	loader     *config.Loader
	cfg        *config.Config
	logger     *logrus.Logger
	metrics    *metrics.Collector
	controller *sip.Controller
}

// loadConfig читает конфигурацию и создает логгер по ее секции log
func loadConfig() (*config.Loader, *config.Config, *logrus.Logger, error) {
	loader, err := config.NewLoader(config.Options{File: configFile, EnvFile: envFile})
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := loader.Config()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, err
	}
	loader.SetLogger(logging.WithComponent(logger, "config"))
	return loader, cfg, logger, nil
}

// buildStack открывает сокет сигнализации и собирает контроллер
func buildStack(ctx context.Context, disableRegistration bool) (*stack, error) {
	loader, cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	listen, err := net.ResolveUDPAddr("udp", cfg.SIP.Listen)
	if err != nil {
		return nil, fmt.Errorf("некорректный адрес sip.listen: %w", err)
	}
	host, err := advertisedHost(ctx, cfg, listen, logger)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", listen)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия SIP сокета %s: %w", cfg.SIP.Listen, err)
	}

	collector := metrics.New()
	endpoint, err := sip.NewEndpoint(sip.EndpointConfig{
		Conn:      conn,
		Host:      host,
		UserAgent: cfg.SIP.UserAgent,
		Policy:    cfg.Retry.Transaction,
		Metrics:   collector,
		Logger:    logging.WithComponent(logger, "sip"),
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	bindHost := ""
	if listen.IP != nil && !listen.IP.IsUnspecified() {
		bindHost = listen.IP.String()
	}
	ports, err := rtp.NewPortAllocator(bindHost, cfg.RTP.Ports)
	if err != nil {
		endpoint.Close()
		return nil, err
	}

	eng, err := buildEngine(cfg.Engine, logger)
	if err != nil {
		endpoint.Close()
		return nil, err
	}

	resolver := &netutil.SRVResolver{
		Server: cfg.SIP.DNSServer,
		Logger: logging.WithComponent(logger, "dns"),
	}
	controller, err := sip.NewController(sip.ControllerConfig{
		Endpoint:            endpoint,
		Lines:               cfg.Lines,
		Ports:               ports,
		Engine:              eng,
		MediaHost:           host,
		RegistrationPolicy:  cfg.Retry.Registration,
		TransactionPolicy:   cfg.Retry.Transaction,
		MinRefresh:          cfg.SIP.MinRefresh,
		DisableRegistration: disableRegistration || cfg.SIP.DisableRegistration,
		RingDelay:           cfg.SIP.RingDelay,
		Greeting:            cfg.SIP.Greeting,
		DSCP:                cfg.RTP.DSCP,
		QueueSize:           cfg.RTP.QueueSize,
		ResolveRegistrar:    resolver.Resolve,
		Metrics:             collector,
		Logger:              logging.WithComponent(logger, "controller"),
	})
	if err != nil {
		endpoint.Close()
		return nil, err
	}

	return &stack{
		loader:     loader,
		cfg:        cfg,
		logger:     logger,
		metrics:    collector,
		controller: controller,
	}, nil
}

// advertisedHost адрес для Via, Contact и SDP: public_ip, затем STUN,
// затем адрес интерфейса в сторону первой линии
func advertisedHost(ctx context.Context, cfg *config.Config, listen *net.UDPAddr, logger *logrus.Logger) (string, error) {
	if cfg.SIP.PublicIP == "" && cfg.SIP.STUNServer != "" {
		ip, err := netutil.PublicIP(ctx, cfg.SIP.STUNServer)
		if err == nil {
			logger.WithField("ip", ip.String()).Info("Публичный адрес определен через STUN")
			return ip.String(), nil
		}
		logger.WithError(err).Warn("STUN недоступен, используется локальный адрес")
	}

	fallback := net.JoinHostPort("192.0.2.1", "5060")
	routeTo := fallback
	if len(cfg.Lines) > 0 {
		target := cfg.Lines[0].Registrar
		if target == "" {
			target = cfg.Lines[0].Domain
		}
		if _, _, err := net.SplitHostPort(target); err != nil {
			target = net.JoinHostPort(target, "5060")
		}
		routeTo = target
	}
	host, err := netutil.AdvertisedHost(cfg.SIP.PublicIP, listen, routeTo)
	if err != nil && routeTo != fallback {
		logger.WithError(err).Debug("Регистратор не разрешен, адрес выбирается по маршруту по умолчанию")
		host, err = netutil.AdvertisedHost(cfg.SIP.PublicIP, listen, fallback)
	}
	return host, err
}

// buildEngine создает разговорный движок по секции engine
func buildEngine(cfg config.EngineConfig, logger *logrus.Logger) (engine.Engine, error) {
	entry := logging.WithComponent(logger, "engine")
	switch cfg.Kind {
	case config.EngineWebSocket:
		ws, err := engine.NewWebSocket(engine.WebSocketConfig{
			URL:              cfg.URL,
			Secret:           cfg.Secret,
			TokenTTL:         cfg.TokenTTL,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Logger:           entry,
		})
		if err != nil {
			return nil, err
		}
		return ws, nil
	case config.EngineEcho, "":
		return &engine.Echo{Logger: entry}, nil
	default:
		return nil, fmt.Errorf("неизвестный движок %q", cfg.Kind)
	}
}

// serveMetrics отдает метрики по HTTP до отмены контекста
func serveMetrics(ctx context.Context, cfg config.MetricsConfig, collector *metrics.Collector, logger *logrus.Entry) error {
	if cfg.Listen == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, collector.Handler())
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", cfg.Listen+cfg.Path).Info("Метрики доступны по HTTP")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ошибка HTTP сервера метрик: %w", err)
	}
	return nil
}

// logEvents пишет события контроллера в лог до отмены контекста
func logEvents(ctx context.Context, events <-chan sip.Event, logger *logrus.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			eventEntry(logger, ev).Info("Событие")
		}
	}
}

func eventEntry(logger *logrus.Entry, ev sip.Event) *logrus.Entry {
	fields := logrus.Fields{"event": string(ev.Type)}
	if ev.Line != "" {
		fields["line"] = ev.Line
	}
	if ev.CallID != "" {
		fields["call_id"] = ev.CallID
	}
	if ev.Remote != "" {
		fields["remote"] = ev.Remote
	}
	if ev.StatusCode != 0 {
		fields["status"] = ev.StatusCode
	}
	if ev.Reason != "" {
		fields["reason"] = ev.Reason
	}
	if ev.Digit != 0 {
		fields["digit"] = string(ev.Digit)
	}
	if ev.RetryIn > 0 {
		fields["retry_in"] = ev.RetryIn.String()
	}
	entry := logger.WithFields(fields)
	if ev.Err != nil {
		entry = entry.WithError(ev.Err)
	}
	return entry
}
