package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts router activity. A nil *Metrics records nothing.
type Metrics struct {
	events     *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	tickets    *prometheus.CounterVec
}

// NewMetrics creates the relay collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_events_total",
			Help: "Inbound events handled by the router, by event kind and outcome.",
		}, []string{"event", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_deliveries_total",
			Help: "Messages delivered to users and groups.",
		}, []string{"target"}),
		tickets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_ticket_transitions_total",
			Help: "Autoreply ticket transitions, by resulting state.",
		}, []string{"state"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.events, m.deliveries, m.tickets} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) event(kind string, outcome Outcome) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, string(outcome)).Inc()
}

func (m *Metrics) delivery(target string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(target).Inc()
}

func (m *Metrics) ticket(state string) {
	if m == nil {
		return
	}
	m.tickets.WithLabelValues(state).Inc()
}
