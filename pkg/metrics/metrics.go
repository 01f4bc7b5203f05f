// Package metrics экспортирует Prometheus метрики регистрации, звонков и RTP.
//
// Collector использует собственный prometheus.Registry, поэтому несколько
// экземпляров (например, в тестах) не конфликтуют между собой. Все методы
// допускают nil получатель и в этом случае ничего не делают.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voice_bridge"

// Collector набор метрик процесса
type Collector struct {
	registry *prometheus.Registry

	registered           *prometheus.GaugeVec
	registrationAttempts *prometheus.CounterVec

	callsTotal  *prometheus.CounterVec
	callsActive prometheus.Gauge

	negotiationFailures prometheus.Counter

	sipDropped         *prometheus.CounterVec
	sipRetransmissions prometheus.Counter

	rtpPackets    *prometheus.CounterVec
	rtpBytes      *prometheus.CounterVec
	rtpDropped    *prometheus.CounterVec
	rtpOutOfOrder prometheus.Counter
}

// New создает Collector с собственным реестром
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		registered: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registration",
			Name:      "registered",
			Help:      "1 если линия зарегистрирована, иначе 0",
		}, []string{"line"}),
		registrationAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registration",
			Name:      "attempts_total",
			Help:      "Попытки регистрации по результату",
		}, []string{"line", "result"}),

		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "total",
			Help:      "Звонки по направлению и итогу",
		}, []string{"direction", "outcome"}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "calls",
			Name:      "active",
			Help:      "Количество активных звонков",
		}),

		negotiationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sdp",
			Name:      "negotiation_failures_total",
			Help:      "Неудачные согласования SDP",
		}),

		sipDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sip",
			Name:      "dropped_total",
			Help:      "Отброшенные SIP сообщения по причине",
		}, []string{"reason"}),
		sipRetransmissions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sip",
			Name:      "retransmissions_total",
			Help:      "Повторные отправки SIP сообщений",
		}),

		rtpPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rtp",
			Name:      "packets_total",
			Help:      "RTP пакеты по направлению",
		}, []string{"direction"}),
		rtpBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rtp",
			Name:      "payload_bytes_total",
			Help:      "Байты полезной нагрузки RTP по направлению",
		}, []string{"direction"}),
		rtpDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rtp",
			Name:      "dropped_total",
			Help:      "Отброшенные входящие RTP пакеты по причине",
		}, []string{"reason"}),
		rtpOutOfOrder: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rtp",
			Name:      "out_of_order_total",
			Help:      "Входящие RTP пакеты, пришедшие не по порядку",
		}),
	}
}

// Registry возвращает реестр для тестов и дополнительных коллекторов
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler HTTP обработчик для /metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// SetRegistered отмечает состояние регистрации линии
func (c *Collector) SetRegistered(line string, registered bool) {
	if c == nil {
		return
	}
	v := 0.0
	if registered {
		v = 1
	}
	c.registered.WithLabelValues(line).Set(v)
}

// RegistrationAttempt учитывает попытку регистрации
func (c *Collector) RegistrationAttempt(line, result string) {
	if c == nil {
		return
	}
	c.registrationAttempts.WithLabelValues(line, result).Inc()
}

// CallStarted учитывает начало активного звонка
func (c *Collector) CallStarted() {
	if c == nil {
		return
	}
	c.callsActive.Inc()
}

// CallEnded учитывает завершение звонка. active сообщает, был ли звонок
// учтен в CallStarted.
func (c *Collector) CallEnded(direction, outcome string, active bool) {
	if c == nil {
		return
	}
	if active {
		c.callsActive.Dec()
	}
	c.callsTotal.WithLabelValues(direction, outcome).Inc()
}

// NegotiationFailed учитывает неудачное согласование SDP
func (c *Collector) NegotiationFailed() {
	if c == nil {
		return
	}
	c.negotiationFailures.Inc()
}

// SIPDropped учитывает отброшенное SIP сообщение
func (c *Collector) SIPDropped(reason string) {
	if c == nil {
		return
	}
	c.sipDropped.WithLabelValues(reason).Inc()
}

// SIPRetransmission учитывает повторную отправку
func (c *Collector) SIPRetransmission() {
	if c == nil {
		return
	}
	c.sipRetransmissions.Inc()
}

// PacketSent учитывает отправленный RTP пакет
func (c *Collector) PacketSent(payloadBytes int) {
	if c == nil {
		return
	}
	c.rtpPackets.WithLabelValues("sent").Inc()
	c.rtpBytes.WithLabelValues("sent").Add(float64(payloadBytes))
}

// PacketReceived учитывает принятый RTP пакет
func (c *Collector) PacketReceived(payloadBytes int) {
	if c == nil {
		return
	}
	c.rtpPackets.WithLabelValues("received").Inc()
	c.rtpBytes.WithLabelValues("received").Add(float64(payloadBytes))
}

// PacketDropped учитывает отброшенный входящий RTP пакет
func (c *Collector) PacketDropped(reason string) {
	if c == nil {
		return
	}
	c.rtpDropped.WithLabelValues(reason).Inc()
}

// PacketOutOfOrder учитывает пакет, пришедший не по порядку
func (c *Collector) PacketOutOfOrder() {
	if c == nil {
		return
	}
	c.rtpOutOfOrder.Inc()
}
