package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BridgeCollector bundles Prometheus metrics for the command dispatcher and
// the application state it drives.
type BridgeCollector struct {
	gatherer prometheus.Gatherer

	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	Notifications   *prometheus.CounterVec

	MessagesGenerated  prometheus.Counter
	RegisteredMessages prometheus.Gauge
	VehiclesInArea     prometheus.Gauge
	CurrentTimeStep    prometheus.Gauge
	SessionActive      prometheus.Gauge
}

// NewBridgeCollector registers bridge metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewBridgeCollector(reg prometheus.Registerer) (*BridgeCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	commands, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_commands_total",
		Help: "Total number of control-system commands handled, labeled by command and status.",
	}, []string{"command", "status"}), "bridge_commands_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_command_duration_seconds",
		Help:    "Time spent decoding, handling and acknowledging one command.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"command"}), "bridge_command_duration_seconds")
	if err != nil {
		return nil, err
	}

	notifications, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_message_notifications_total",
		Help: "Message acknowledgements received, labeled by whether they matched a registered message.",
	}, []string{"result"}), "bridge_message_notifications_total")
	if err != nil {
		return nil, err
	}

	generated, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_messages_generated_total",
		Help: "Application messages generated for vehicles in the zone.",
	}), "bridge_messages_generated_total")
	if err != nil {
		return nil, err
	}

	registered, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_registered_messages",
		Help: "Messages currently held in the outbound registry.",
	}), "bridge_registered_messages")
	if err != nil {
		return nil, err
	}
	vehicles, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_vehicles_in_area",
		Help: "Vehicles in the latest subscription result.",
	}), "bridge_vehicles_in_area")
	if err != nil {
		return nil, err
	}
	timestep, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_simulation_timestep",
		Help: "Latest simulation timestep reported by the control system.",
	}), "bridge_simulation_timestep")
	if err != nil {
		return nil, err
	}
	active, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_session_active",
		Help: "1 while a control-system session is being served.",
	}), "bridge_session_active")
	if err != nil {
		return nil, err
	}

	return &BridgeCollector{
		gatherer:           gatherer,
		Commands:           commands,
		CommandDuration:    durations,
		Notifications:      notifications,
		MessagesGenerated:  generated,
		RegisteredMessages: registered,
		VehiclesInArea:     vehicles,
		CurrentTimeStep:    timestep,
		SessionActive:      active,
	}, nil
}

// ObserveCommand records one handled command.
func (c *BridgeCollector) ObserveCommand(command, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.Commands.WithLabelValues(command, status).Inc()
	c.CommandDuration.WithLabelValues(command).Observe(d.Seconds())
}

// SetSessionCounts satisfies app.Recorder.
func (c *BridgeCollector) SetSessionCounts(registeredMessages, vehiclesInArea int) {
	if c == nil {
		return
	}
	c.RegisteredMessages.Set(float64(registeredMessages))
	c.VehiclesInArea.Set(float64(vehiclesInArea))
}

// AddMessagesGenerated satisfies app.Recorder.
func (c *BridgeCollector) AddMessagesGenerated(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.MessagesGenerated.Add(float64(n))
}

// AddNotificationResults satisfies app.Recorder.
func (c *BridgeCollector) AddNotificationResults(matched, unmatched int) {
	if c == nil {
		return
	}
	c.Notifications.WithLabelValues("matched").Add(float64(matched))
	c.Notifications.WithLabelValues("unmatched").Add(float64(unmatched))
}

// SetTimeStep publishes the current simulation timestep. It is registered as
// a timectrl.StepClock listener.
func (c *BridgeCollector) SetTimeStep(step int32) {
	if c == nil {
		return
	}
	c.CurrentTimeStep.Set(float64(step))
}

// SetSessionActive flips the session gauge.
func (c *BridgeCollector) SetSessionActive(active bool) {
	if c == nil {
		return
	}
	if active {
		c.SessionActive.Set(1)
		return
	}
	c.SessionActive.Set(0)
}

// Handler exposes a ready-to-use /metrics handler.
func (c *BridgeCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
